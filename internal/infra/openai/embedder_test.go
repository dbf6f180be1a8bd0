package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/embedding"
)

func newEmbeddingServer(t *testing.T, handler http.HandlerFunc) *Embedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewEmbedder("dummy-key",
		WithEmbeddingModel("custom-model"),
		WithEmbeddingDimension(2),
		WithEmbeddingBaseURL(srv.URL+"/v1/"),
	)
}

func writeAPIError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":"` + code + `","type":"invalid_request_error","code":"` + code + `"}}`))
}

func TestNewEmbedderOptionsOverrideDefaults(t *testing.T) {
	embedder := NewEmbedder("dummy-key",
		WithEmbeddingModel("custom-model"),
		WithEmbeddingDimension(42),
	)

	assert.Equal(t, "custom-model", embedder.ModelName())
	assert.Equal(t, 42, embedder.Dimension())
	assert.Equal(t, 100, embedder.MaxBatchSize())
}

func TestEmbedder_BatchEmbed_OrdersByIndex(t *testing.T) {
	var req struct {
		Model      string   `json:"model"`
		Input      []string `json:"input"`
		Dimensions int      `json:"dimensions"`
	}
	embedder := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"custom-model",
			"data":[
				{"object":"embedding","index":1,"embedding":[0,1]},
				{"object":"embedding","index":0,"embedding":[1,0]}
			],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	})

	vectors, err := embedder.BatchEmbed(t.Context(), []string{"asthma", "height"})
	require.NoError(t, err)

	assert.Equal(t, "custom-model", req.Model)
	assert.Equal(t, []string{"asthma", "height"}, req.Input)
	assert.Equal(t, 2, req.Dimensions)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}

func TestEmbedder_BatchEmbed_MissingIndex(t *testing.T) {
	embedder := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	})

	_, err := embedder.BatchEmbed(t.Context(), []string{"a", "b"})
	assert.ErrorContains(t, err, "missing embedding for input 1")
}

func TestEmbedder_BatchEmbed_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: embedding.ErrEmbeddingUnavailable},
		{name: "model not found", status: http.StatusNotFound, want: embedding.ErrEmbeddingUnavailable},
		{name: "bad input", status: http.StatusBadRequest, want: embedding.ErrEmbeddingRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embedder := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, tt.status, tt.name)
			})
			_, err := embedder.BatchEmbed(t.Context(), []string{"a", "b"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("server error is transient", func(t *testing.T) {
		embedder := newEmbeddingServer(t, func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusInternalServerError, "server_error")
		})
		_, err := embedder.BatchEmbed(t.Context(), []string{"a"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, embedding.ErrEmbeddingUnavailable)
		assert.NotErrorIs(t, err, embedding.ErrEmbeddingRejected)
	})
}

func TestEmbedder_BatchEmbed_InputLimits(t *testing.T) {
	embedder := NewEmbedder("dummy-key")

	_, err := embedder.BatchEmbed(t.Context(), nil)
	assert.Error(t, err)

	_, err = embedder.BatchEmbed(t.Context(), make([]string, 101))
	assert.ErrorContains(t, err, "exceeds maximum")
}
