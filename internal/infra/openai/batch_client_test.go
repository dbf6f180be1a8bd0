package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

const batchJSON = `{"id":"batch_1","object":"batch","endpoint":"/v1/chat/completions","input_file_id":"file-in","completion_window":"24h","status":"%s","created_at":1700000000,
	"output_file_id":"file-out","error_file_id":"file-err",
	"request_counts":{"total":3,"completed":2,"failed":1},
	"errors":{"object":"list","data":[{"code":"invalid_json","message":"line 3","line":3}]}}`

func newBatchServer(t *testing.T, mux *http.ServeMux) *BatchClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client, err := NewBatchClient("dummy-key", WithBatchBaseURL(srv.URL+"/v1/"))
	require.NoError(t, err)
	return client
}

func sampleSubmission() disambiguation.BatchSubmission {
	p := disambiguation.Prompt{
		CustomID:   disambiguation.CustomID("asthma"),
		QueryText:  "asthma",
		Candidates: []disambiguation.Candidate{{ID: "EFO_0000270", Text: "asthma"}},
	}
	return disambiguation.BatchSubmission{
		Model:     "gpt-4o-2024-08-06",
		MaxTokens: 1000,
		Metadata:  map[string]string{"mode": "efo"},
		Items: []disambiguation.BatchItem{{
			CustomID:   p.CustomID,
			Messages:   disambiguation.NewPromptBuilder(30).Render(retrieval.ModeEFO, p),
			SchemaName: disambiguation.SchemaName(retrieval.ModeEFO),
			Schema:     disambiguation.ResponseSchema(retrieval.ModeEFO),
		}},
	}
}

func TestNewBatchClient_RequiresAPIKey(t *testing.T) {
	_, err := NewBatchClient("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestEncodeRequests(t *testing.T) {
	data, err := EncodeRequests(sampleSubmission())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &line))
	assert.Equal(t, disambiguation.CustomID("asthma"), line["custom_id"])
	assert.Equal(t, "POST", line["method"])
	assert.Equal(t, "/v1/chat/completions", line["url"])

	body := line["body"].(map[string]any)
	assert.Equal(t, "gpt-4o-2024-08-06", body["model"])
	assert.EqualValues(t, 1000, body["max_tokens"])
	assert.Len(t, body["messages"], 2)

	format := body["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])
	schema := format["json_schema"].(map[string]any)
	assert.Equal(t, "efo_match", schema["name"])
	assert.Equal(t, true, schema["strict"])
}

func TestBatchClient_Submit(t *testing.T) {
	var uploaded string
	var created map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "batch", r.FormValue("purpose"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		uploaded = string(b)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"file-in","object":"file","bytes":1,"created_at":1700000000,"filename":"batch.jsonl","purpose":"batch","status":"processed"}`))
	})
	mux.HandleFunc("/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(strings.Replace(batchJSON, "%s", "validating", 1)))
	})
	client := newBatchServer(t, mux)

	result, err := client.Submit(t.Context(), sampleSubmission())
	require.NoError(t, err)

	assert.Equal(t, "batch_1", result.JobID)
	assert.Equal(t, "file-in", result.InputRef)
	assert.Equal(t, disambiguation.StatusPending, result.Status)
	assert.Contains(t, uploaded, disambiguation.CustomID("asthma"))
	assert.Equal(t, "file-in", created["input_file_id"])
	assert.Equal(t, "24h", created["completion_window"])
	assert.Equal(t, "/v1/chat/completions", created["endpoint"])
}

func TestBatchClient_Submit_Empty(t *testing.T) {
	client, err := NewBatchClient("dummy-key")
	require.NoError(t, err)
	_, err = client.Submit(t.Context(), disambiguation.BatchSubmission{})
	assert.Error(t, err)
}

func TestBatchClient_Status(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(strings.Replace(batchJSON, "%s", "finalizing", 1)))
	})
	mux.HandleFunc("/v1/batches/missing", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "not_found")
	})
	client := newBatchServer(t, mux)

	state, err := client.Status(t.Context(), "batch_1")
	require.NoError(t, err)
	assert.Equal(t, disambiguation.StatusRunning, state.Status)
	assert.Equal(t, "file-out", state.OutputRef)
	assert.Equal(t, "file-err", state.ErrorRef)
	assert.Equal(t, 3, state.Total)
	assert.Equal(t, 2, state.Completed)
	assert.Equal(t, 1, state.Failed)
	assert.Equal(t, "invalid_json: line 3", state.Error)

	_, err = client.Status(t.Context(), "missing")
	assert.ErrorIs(t, err, disambiguation.ErrJobNotFound)
}

func TestBatchClient_Status_Unauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusUnauthorized, "invalid_api_key")
	})
	client := newBatchServer(t, mux)

	_, err := client.Status(t.Context(), "batch_1")
	assert.ErrorIs(t, err, disambiguation.ErrServiceUnavailable)
}

func TestBatchClient_Fetch(t *testing.T) {
	asthma := disambiguation.CustomID("asthma")
	height := disambiguation.CustomID("height")
	bad := disambiguation.CustomID("bad")

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files/file-out/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(
			`{"id":"r1","custom_id":"` + height + `","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"trait\":\"height\",\"efo\":\"body height\",\"confidence\":4}"}}]}},"error":null}` + "\n" +
				"\n" +
				`not json` + "\n" +
				`{"id":"r2","custom_id":"` + asthma + `","response":{"status_code":200,"body":{"choices":[{"message":{"content":"{\"trait\":\"asthma\",\"efo\":\"asthma\",\"confidence\":5}"}}]}},"error":null}` + "\n"))
	})
	mux.HandleFunc("/v1/files/file-err/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(
			`{"id":"r3","custom_id":"` + bad + `","response":{"status_code":400,"body":{"error":{"code":"invalid_request","message":"bad schema"}}},"error":null}` + "\n"))
	})
	client := newBatchServer(t, mux)

	responses, err := client.Fetch(t.Context(), "file-out", "file-err")
	require.NoError(t, err)
	require.Len(t, responses, 3)

	byID := map[string]disambiguation.RawResponse{}
	for _, r := range responses {
		byID[r.CustomID] = r
	}
	assert.Contains(t, byID[asthma].Content, `"efo":"asthma"`)
	assert.Empty(t, byID[asthma].Error)
	assert.Contains(t, byID[height].Content, "body height")
	assert.Equal(t, "status 400: invalid_request: bad schema", byID[bad].Error)
}

func TestDecodeResponses(t *testing.T) {
	data := []byte(
		`{"custom_id":"a","response":null,"error":{"code":"batch_expired","message":"not completed"}}` + "\n" +
			`{"custom_id":"b","response":{"status_code":200,"body":{"choices":[{"message":{"content":null,"refusal":"no"}}]}}}` + "\n" +
			`{"custom_id":"c","response":{"status_code":200,"body":{"choices":[]}}}` + "\n" +
			`{"response":{"status_code":200,"body":{}}}` + "\n")

	responses, err := DecodeResponses(data)
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, "batch_expired: not completed", responses[0].Error)
	assert.Equal(t, "refusal: no", responses[1].Error)
	assert.Equal(t, "no choices in response", responses[2].Error)
}

func TestMapStatus(t *testing.T) {
	tests := map[string]disambiguation.Status{
		"validating":  disambiguation.StatusPending,
		"in_progress": disambiguation.StatusRunning,
		"finalizing":  disambiguation.StatusRunning,
		"completed":   disambiguation.StatusCompleted,
		"failed":      disambiguation.StatusFailed,
		"cancelling":  disambiguation.StatusFailed,
		"cancelled":   disambiguation.StatusFailed,
		"expired":     disambiguation.StatusExpired,
	}
	for in, want := range tests {
		got, err := MapStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := MapStatus("paused")
	assert.Error(t, err)
}
