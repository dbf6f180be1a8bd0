package disambiguation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

type rawAnswer struct {
	Trait      *string `json:"trait"`
	EFO        *string `json:"efo"`
	Match      *string `json:"match"`
	Confidence *int    `json:"confidence"`
}

// ParseAnswer は1件の応答本文を解析し、プロンプトの候補リストに照合する
// 失敗した場合は Failure を返し、バッチ全体は中断しない
func ParseAnswer(mode retrieval.Mode, p Prompt, content string) (*Answer, *Failure) {
	fail := func(kind FailureKind, format string, args ...any) (*Answer, *Failure) {
		return nil, &Failure{CustomID: p.CustomID, Kind: kind, Detail: fmt.Sprintf(format, args...)}
	}

	body := stripCodeFence(content)
	if body == "" {
		return fail(FailureParseFailed, "empty response")
	}

	var raw rawAnswer
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return fail(FailureParseFailed, "invalid json: %v", err)
	}

	choice := raw.EFO
	if mode == retrieval.ModeCohort {
		choice = raw.Match
	}
	switch {
	case raw.Trait == nil:
		return fail(FailureParseFailed, "missing field: trait")
	case choice == nil || strings.TrimSpace(*choice) == "":
		return fail(FailureParseFailed, "missing field: %s", AnswerField(mode))
	case raw.Confidence == nil:
		return fail(FailureParseFailed, "missing field: confidence")
	case *raw.Confidence < 1 || *raw.Confidence > 5:
		return fail(FailureParseFailed, "confidence out of range: %d", *raw.Confidence)
	}

	candidate, ok := resolveCandidate(p.Candidates, *choice)
	if !ok {
		return fail(FailureUnknownCandidate, "candidate not in shortlist: %q", *choice)
	}

	return &Answer{
		CustomID:      p.CustomID,
		Trait:         *raw.Trait,
		CandidateID:   candidate.ID,
		CandidateText: candidate.Text,
		Confidence:    *raw.Confidence,
	}, nil
}

// resolveCandidate は回答テキストを候補に照合する
// 完全一致、大文字小文字を無視した一致、候補 ID の順に試す
func resolveCandidate(candidates []Candidate, choice string) (Candidate, bool) {
	for _, c := range candidates {
		if c.Text == choice {
			return c, true
		}
	}
	trimmed := strings.TrimSpace(choice)
	for _, c := range candidates {
		if strings.EqualFold(strings.TrimSpace(c.Text), trimmed) {
			return c, true
		}
	}
	for _, c := range candidates {
		if c.ID == trimmed {
			return c, true
		}
	}
	return Candidate{}, false
}

// stripCodeFence は ```json ... ``` で囲まれた応答から本文を取り出す
func stripCodeFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
