package disambiguation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// CustomID はクエリテキストから安定した custom_id を導出する
// 入力順やバッチ内の位置に依存しない
func CustomID(cleanText string) string {
	h := sha256.Sum256([]byte(cleanText))
	return "trait-" + hex.EncodeToString(h[:])[:16]
}

// QueryGroup は正規化後テキストが同一の形質をまとめた代表クエリ
type QueryGroup struct {
	QueryID string
	Text    string
}

// Message はチャット形式のメッセージ
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptBuilder は候補リストから判定用プロンプトを組み立てる
type PromptBuilder struct {
	topN int
}

// NewPromptBuilder は新しい PromptBuilder を作成する。topN はプロンプトに含める候補数の上限 (0 以下は無制限)
func NewPromptBuilder(topN int) *PromptBuilder {
	return &PromptBuilder{topN: topN}
}

// BuildPrompts はユニークなクエリテキストごとに1つのプロンプトを作る
// shortlists はクエリ ID をキーにした候補リスト。候補のないクエリはプロンプトを作らない
func (b *PromptBuilder) BuildPrompts(groups []QueryGroup, shortlists map[string][]retrieval.CandidateMatch) ([]Prompt, error) {
	prompts := make([]Prompt, 0, len(groups))
	owners := make(map[string]string, len(groups))

	for _, g := range groups {
		id := CustomID(g.Text)
		if owner, ok := owners[id]; ok {
			if owner == g.Text {
				continue
			}
			return nil, fmt.Errorf("%w: %q and %q -> %s", ErrCustomIDCollision, owner, g.Text, id)
		}

		matches := shortlists[g.QueryID]
		if len(matches) == 0 {
			continue
		}
		if b.topN > 0 && len(matches) > b.topN {
			matches = matches[:b.topN]
		}

		candidates := make([]Candidate, len(matches))
		for i, m := range matches {
			candidates[i] = Candidate{ID: m.CandidateID, Text: m.CandidateText}
		}

		owners[id] = g.Text
		prompts = append(prompts, Prompt{
			CustomID:   id,
			QueryID:    g.QueryID,
			QueryText:  g.Text,
			Candidates: candidates,
		})
	}

	return prompts, nil
}

// Render はプロンプトをシステムメッセージとユーザーメッセージに展開する
func (b *PromptBuilder) Render(mode retrieval.Mode, p Prompt) []Message {
	field := AnswerField(mode)

	var sys strings.Builder
	sys.WriteString("You are an expert biomedical curator. ")
	if mode == retrieval.ModeCohort {
		sys.WriteString("You match phenotype descriptions from genome-wide association studies to equivalent traits measured in other studies.")
	} else {
		sys.WriteString("You map phenotype descriptions from genome-wide association studies to terms of the Experimental Factor Ontology (EFO).")
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Trait: %q\n\n", p.QueryText)
	if mode == retrieval.ModeCohort {
		user.WriteString("Candidate traits:\n")
	} else {
		user.WriteString("Candidate EFO terms:\n")
	}
	for i, c := range p.Candidates {
		fmt.Fprintf(&user, "%d. %s (%s)\n", i+1, c.Text, c.ID)
	}
	user.WriteString("\n")
	user.WriteString("Choose the single candidate that best matches the trait. ")
	user.WriteString("Copy the candidate text exactly as it appears in the list, without the identifier. ")
	fmt.Fprintf(&user, "Respond with JSON containing \"trait\" (the trait as given), %q (the chosen candidate) ", field)
	user.WriteString("and \"confidence\" (an integer from 1, a weak match, to 5, an exact match).")

	return []Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}

// AnswerField はモードに応じた回答フィールド名を返す
func AnswerField(mode retrieval.Mode) string {
	if mode == retrieval.ModeCohort {
		return "match"
	}
	return "efo"
}

// SchemaName は構造化出力スキーマの名前
func SchemaName(mode retrieval.Mode) string {
	if mode == retrieval.ModeCohort {
		return "trait_match"
	}
	return "efo_match"
}

// ResponseSchema は回答の JSON スキーマを返す。追加プロパティは許可しない
func ResponseSchema(mode retrieval.Mode) map[string]any {
	field := AnswerField(mode)
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"trait": map[string]any{"type": "string"},
			field:   map[string]any{"type": "string"},
			"confidence": map[string]any{
				"type":        "integer",
				"description": "1 (weak match) to 5 (exact match)",
			},
		},
		"required":             []string{"trait", field, "confidence"},
		"additionalProperties": false,
	}
}

// Partition はプロンプトを最大 size 件の連続したバッチに分割する
func Partition(prompts []Prompt, size int) [][]Prompt {
	if len(prompts) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]Prompt{prompts}
	}
	batches := make([][]Prompt, 0, (len(prompts)+size-1)/size)
	for start := 0; start < len(prompts); start += size {
		end := min(start+size, len(prompts))
		batches = append(batches, prompts[start:end])
	}
	return batches
}
