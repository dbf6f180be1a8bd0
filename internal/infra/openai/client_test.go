package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
)

const completionJSON = `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"gpt-test",
	"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"trait\":\"asthma\",\"efo\":\"asthma\",\"confidence\":5}","refusal":null}}],
	"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`

func newChatServer(t *testing.T, handler http.HandlerFunc) *ChatClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewChatClient("dummy-key",
		WithChatBaseURL(srv.URL+"/v1/"),
		WithChatBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	require.NoError(t, err)
	return client
}

func TestChatClient_Complete(t *testing.T) {
	var req map[string]any
	client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON))
	})

	item := sampleSubmission().Items[0]
	content, err := client.Complete(t.Context(), "gpt-test", 200, item)
	require.NoError(t, err)

	assert.JSONEq(t, `{"trait":"asthma","efo":"asthma","confidence":5}`, content)
	assert.Equal(t, "gpt-test", req["model"])
	assert.EqualValues(t, 200, req["max_tokens"])
	messages := req["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	format := req["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
}

func TestChatClient_Complete_RetriesRateLimit(t *testing.T) {
	calls := 0
	client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			writeAPIError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON))
	})

	_, err := client.Complete(t.Context(), "gpt-test", 0, sampleSubmission().Items[0])
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestChatClient_Complete_Errors(t *testing.T) {
	t.Run("rate limit exhausted", func(t *testing.T) {
		calls := 0
		client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			writeAPIError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
		})
		_, err := client.Complete(t.Context(), "gpt-test", 0, sampleSubmission().Items[0])
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, MaxRetries+1, calls)
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		calls := 0
		client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key")
		})
		_, err := client.Complete(t.Context(), "gpt-test", 0, sampleSubmission().Items[0])
		assert.ErrorIs(t, err, disambiguation.ErrServiceUnavailable)
		assert.Equal(t, 1, calls)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewChatClient("")
		assert.ErrorIs(t, err, ErrAPIKeyNotSet)
	})
}
