package openai

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/jinford/efo-mapper/internal/core/embedding"
)

// ThrottledEmbedder はレート制限付きの Embedder
// BatchEmbed 1回を1リクエストとして数える
type ThrottledEmbedder struct {
	embedder embedding.Embedder
	limiter  *rate.Limiter
}

var _ embedding.Embedder = (*ThrottledEmbedder)(nil)

// NewThrottledEmbedder は1分あたり requestsPerMinute 回までに制限した Embedder を作成する
// requestsPerMinute が 0 以下なら制限しない
func NewThrottledEmbedder(embedder embedding.Embedder, requestsPerMinute int) *ThrottledEmbedder {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
		burst = requestsPerMinute
	}
	return &ThrottledEmbedder{
		embedder: embedder,
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// Embed はレート制限に従って単一テキストの Embedding を生成する
func (t *ThrottledEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return t.embedder.Embed(ctx, text)
}

// BatchEmbed はレート制限に従ってバッチで Embedding を生成する
func (t *ThrottledEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return t.embedder.BatchEmbed(ctx, texts)
}

// ModelName はモデル名を返す
func (t *ThrottledEmbedder) ModelName() string {
	return t.embedder.ModelName()
}

// MaxBatchSize は1回の BatchEmbed に渡せる最大件数
func (t *ThrottledEmbedder) MaxBatchSize() int {
	return t.embedder.MaxBatchSize()
}
