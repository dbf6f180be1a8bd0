package disambiguation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter はトークン数をカウントする
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は cl100k_base エンコーディングの TokenCounter を作成する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TokenCounter{encoding: encoding}, nil
}

// CountTokens はテキストのトークン数を返す。エンコーディングがなければ文字数から推定する
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// TokenUsage はトークン使用量
type TokenUsage struct {
	PromptTokens   int
	ResponseTokens int
	TotalTokens    int
}

// EstimateTokens は文字数からトークン数を大まかに推定する (3文字で1トークン)
func EstimateTokens(text string) int {
	return (len([]rune(text)) + 2) / 3
}
