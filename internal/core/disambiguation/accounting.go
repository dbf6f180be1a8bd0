package disambiguation

import (
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// メッセージごとの書式オーバーヘッド
const tokensPerMessage = 4

// Accounting は投入前のコスト見積もり
type Accounting struct {
	Prompts          int
	Batches          int
	EstimatedTokens  TokenUsage
	EstimatedCostUSD float64
	// CostKnown はモデルの価格情報が見つかったかどうか
	CostKnown bool
}

// Accountant はプロンプトのトークン数とコストを見積もる
type Accountant struct {
	builder      *PromptBuilder
	counter      *TokenCounter
	costs        *CostManager
	model        string
	maxBatchSize int
	// 回答 JSON の想定トークン数
	responseTokens int
}

// NewAccountant は新しい Accountant を作成する。counter が nil の場合は文字数から推定する
func NewAccountant(builder *PromptBuilder, counter *TokenCounter, costs *CostManager, model string, maxBatchSize int) *Accountant {
	return &Accountant{
		builder:        builder,
		counter:        counter,
		costs:          costs,
		model:          model,
		maxBatchSize:   maxBatchSize,
		responseTokens: 40,
	}
}

// Estimate はプロンプト群を投入した場合の件数・トークン数・コストを見積もる
func (a *Accountant) Estimate(mode retrieval.Mode, prompts []Prompt) Accounting {
	acc := Accounting{
		Prompts: len(prompts),
		Batches: len(Partition(prompts, a.maxBatchSize)),
	}

	for _, p := range prompts {
		for _, m := range a.builder.Render(mode, p) {
			acc.EstimatedTokens.PromptTokens += a.counter.CountTokens(m.Content) + tokensPerMessage
		}
		acc.EstimatedTokens.ResponseTokens += a.responseTokens
	}
	acc.EstimatedTokens.TotalTokens = acc.EstimatedTokens.PromptTokens + acc.EstimatedTokens.ResponseTokens

	if a.costs != nil {
		if cost, err := a.costs.CalculateCost(a.model, acc.EstimatedTokens); err == nil {
			acc.EstimatedCostUSD = cost
			acc.CostKnown = true
		}
	}
	return acc
}
