package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
)

const (
	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// ChatClient は Chat Completions API を同期的に呼び出すクライアント
// バッチ投入前のプロンプト確認に使う
type ChatClient struct {
	client     openai.Client
	timeout    time.Duration
	newBackOff func() backoff.BackOff
}

// ChatClientOption は ChatClient のオプション設定
type ChatClientOption func(*ChatClient, *[]option.RequestOption)

// WithChatBaseURL は API のベース URL を上書きする
func WithChatBaseURL(url string) ChatClientOption {
	return func(_ *ChatClient, opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// WithChatTimeout はAPIコールのタイムアウトを設定する
func WithChatTimeout(timeout time.Duration) ChatClientOption {
	return func(c *ChatClient, _ *[]option.RequestOption) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithChatBackOff はレート制限時の待機方針を差し替える
func WithChatBackOff(factory func() backoff.BackOff) ChatClientOption {
	return func(c *ChatClient, _ *[]option.RequestOption) {
		if factory != nil {
			c.newBackOff = factory
		}
	}
}

// NewChatClient は新しい ChatClient を作成する
func NewChatClient(apiKey string, opts ...ChatClientOption) (*ChatClient, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	c := &ChatClient{
		timeout: DefaultTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = BaseBackoff
			b.MaxInterval = MaxBackoff
			b.MaxElapsedTime = 0
			return b
		},
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	for _, opt := range opts {
		opt(c, &reqOpts)
	}
	c.client = openai.NewClient(reqOpts...)

	return c, nil
}

// Complete は1件のリクエストを実行して応答本文を返す
// レート制限 (429) のみ指数バックオフで再試行する
func (c *ChatClient) Complete(ctx context.Context, model string, maxTokens int, item disambiguation.BatchItem) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toMessageParams(item.Messages),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if item.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   item.SchemaName,
					Schema: item.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), MaxRetries), ctx)
	completion, err := backoff.RetryWithData(func() (*openai.ChatCompletion, error) {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			if isRateLimitError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}, b)
	if err != nil {
		if isRateLimitError(err) {
			return "", fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
		}
		return "", fmt.Errorf("OpenAI API call failed: %w", classify(err, disambiguation.ErrServiceUnavailable, nil))
	}

	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}

	msg := completion.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("model refused: %s", msg.Refusal)
	}
	return msg.Content, nil
}

func toMessageParams(messages []disambiguation.Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			params = append(params, openai.SystemMessage(m.Content))
		case "assistant":
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

// インターフェース実装の確認
var _ disambiguation.Completer = (*ChatClient)(nil)
