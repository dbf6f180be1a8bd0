package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
)

const (
	// chatCompletionsURL はバッチ内の各リクエストの送信先
	chatCompletionsURL = "/v1/chat/completions"
	// maxLineSize は出力ファイル1行の最大サイズ
	maxLineSize = 16 * 1024 * 1024
)

// BatchClient は OpenAI Files / Batches API を使った disambiguation.BatchService 実装
type BatchClient struct {
	client openai.Client
}

// BatchClientOption は BatchClient のオプション設定
type BatchClientOption func(*[]option.RequestOption)

// WithBatchBaseURL は API のベース URL を上書きする
func WithBatchBaseURL(url string) BatchClientOption {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// NewBatchClient は新しい BatchClient を作成する
func NewBatchClient(apiKey string, opts ...BatchClientOption) (*BatchClient, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	for _, opt := range opts {
		opt(&reqOpts)
	}

	return &BatchClient{client: openai.NewClient(reqOpts...)}, nil
}

type requestLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     requestBody `json:"body"`
}

type requestBody struct {
	Model          string                   `json:"model"`
	Messages       []disambiguation.Message `json:"messages"`
	MaxTokens      int                      `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat          `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

// EncodeRequests はバッチ入力ファイル (JSONL) を生成する
func EncodeRequests(submission disambiguation.BatchSubmission) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, item := range submission.Items {
		line := requestLine{
			CustomID: item.CustomID,
			Method:   http.MethodPost,
			URL:      chatCompletionsURL,
			Body: requestBody{
				Model:     submission.Model,
				Messages:  item.Messages,
				MaxTokens: submission.MaxTokens,
			},
		}
		if item.Schema != nil {
			line.Body.ResponseFormat = &responseFormat{
				Type: "json_schema",
				JSONSchema: &jsonSchema{
					Name:   item.SchemaName,
					Schema: item.Schema,
					Strict: true,
				},
			}
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("failed to encode request %s: %w", item.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

// Submit は入力ファイルをアップロードしてバッチを作成する
func (c *BatchClient) Submit(ctx context.Context, submission disambiguation.BatchSubmission) (disambiguation.SubmitResult, error) {
	if len(submission.Items) == 0 {
		return disambiguation.SubmitResult{}, fmt.Errorf("no requests to submit")
	}

	payload, err := EncodeRequests(submission)
	if err != nil {
		return disambiguation.SubmitResult{}, err
	}

	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(payload), "batch.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return disambiguation.SubmitResult{}, fmt.Errorf("failed to upload batch input: %w", classify(err, disambiguation.ErrServiceUnavailable, nil))
	}

	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      file.ID,
		Metadata:         shared.Metadata(submission.Metadata),
	})
	if err != nil {
		return disambiguation.SubmitResult{}, fmt.Errorf("failed to create batch: %w", classify(err, disambiguation.ErrServiceUnavailable, nil))
	}

	status, err := MapStatus(string(batch.Status))
	if err != nil {
		return disambiguation.SubmitResult{}, err
	}

	return disambiguation.SubmitResult{
		JobID:    batch.ID,
		InputRef: file.ID,
		Status:   status,
	}, nil
}

// Status はバッチの状態を取得する
func (c *BatchClient) Status(ctx context.Context, jobID string) (disambiguation.RemoteState, error) {
	batch, err := c.client.Batches.Get(ctx, jobID)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return disambiguation.RemoteState{}, fmt.Errorf("%w: %s", disambiguation.ErrJobNotFound, jobID)
		}
		return disambiguation.RemoteState{}, fmt.Errorf("failed to get batch: %w", classify(err, disambiguation.ErrServiceUnavailable, nil))
	}

	status, err := MapStatus(string(batch.Status))
	if err != nil {
		return disambiguation.RemoteState{}, err
	}

	var messages []string
	for _, e := range batch.Errors.Data {
		messages = append(messages, fmt.Sprintf("%s: %s", e.Code, e.Message))
	}

	return disambiguation.RemoteState{
		Status:    status,
		OutputRef: batch.OutputFileID,
		ErrorRef:  batch.ErrorFileID,
		Error:     strings.Join(messages, "; "),
		Total:     int(batch.RequestCounts.Total),
		Completed: int(batch.RequestCounts.Completed),
		Failed:    int(batch.RequestCounts.Failed),
	}, nil
}

// Fetch は出力ファイルとエラーファイルをダウンロードして custom_id ごとの応答に分割する
func (c *BatchClient) Fetch(ctx context.Context, outputRef, errorRef string) ([]disambiguation.RawResponse, error) {
	var responses []disambiguation.RawResponse
	for _, ref := range []string{outputRef, errorRef} {
		if ref == "" {
			continue
		}
		body, err := c.download(ctx, ref)
		if err != nil {
			return nil, err
		}
		parsed, err := DecodeResponses(body)
		if err != nil {
			return nil, fmt.Errorf("failed to decode file %s: %w", ref, err)
		}
		responses = append(responses, parsed...)
	}
	return responses, nil
}

func (c *BatchClient) download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, classify(err, disambiguation.ErrServiceUnavailable, nil))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return body, nil
}

type outputLine struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type completionBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error"`
}

// DecodeResponses は出力ファイル (JSONL) を custom_id 付きの応答に変換する
// custom_id を読めない行は無視する
func DecodeResponses(data []byte) ([]disambiguation.RawResponse, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []disambiguation.RawResponse
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var line outputLine
		if err := json.Unmarshal(raw, &line); err != nil || line.CustomID == "" {
			continue
		}
		out = append(out, decodeLine(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeLine(line outputLine) disambiguation.RawResponse {
	r := disambiguation.RawResponse{CustomID: line.CustomID}

	if line.Error != nil {
		r.Error = line.Error.String()
		return r
	}
	if line.Response == nil {
		r.Error = "no response"
		return r
	}

	var body completionBody
	if err := json.Unmarshal(line.Response.Body, &body); err != nil {
		r.Error = fmt.Sprintf("invalid response body: %v", err)
		return r
	}
	if line.Response.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", line.Response.StatusCode)
		if body.Error != nil {
			msg += ": " + body.Error.String()
		}
		r.Error = msg
		return r
	}
	if len(body.Choices) == 0 {
		r.Error = "no choices in response"
		return r
	}

	choice := body.Choices[0]
	if choice.Message.Refusal != "" {
		r.Error = "refusal: " + choice.Message.Refusal
		return r
	}
	r.Content = choice.Message.Content
	return r
}

func (e *apiError) String() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// MapStatus は OpenAI のバッチ状態をジョブ状態に対応付ける
func MapStatus(status string) (disambiguation.Status, error) {
	switch status {
	case "validating":
		return disambiguation.StatusPending, nil
	case "in_progress", "finalizing":
		return disambiguation.StatusRunning, nil
	case "completed":
		return disambiguation.StatusCompleted, nil
	case "failed", "cancelling", "cancelled":
		return disambiguation.StatusFailed, nil
	case "expired":
		return disambiguation.StatusExpired, nil
	}
	return "", fmt.Errorf("unknown batch status: %q", status)
}

// インターフェース実装の確認
var _ disambiguation.BatchService = (*BatchClient)(nil)
