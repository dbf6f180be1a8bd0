package disambiguation

import (
	"github.com/jinford/efo-mapper/internal/core/trait"
)

// ReconcileResult は結果を形質レコードに戻した結果
type ReconcileResult struct {
	Assignments []Assignment
	Omissions   []Omission
	// Resolutions は投入した custom_id ごとにちょうど1件の最終結果 (プロンプト順)
	Resolutions []Outcome
	// Ignored はどのプロンプトにも対応しない結果の件数
	Ignored int
}

// OmittedByKind は割り当てられなかった形質の理由別件数を返す
func (r *ReconcileResult) OmittedByKind() map[FailureKind]int {
	counts := make(map[FailureKind]int)
	for _, o := range r.Omissions {
		counts[o.Kind]++
	}
	return counts
}

// Reconcile は custom_id をキーに結果をプロンプトへ、正規化後テキストをキーに形質レコードへ結合する
// 同じテキストを持つ全レコードに同じ回答を配る。回答が後続の失敗で上書きされることはない
func Reconcile(records []trait.Record, prompts []Prompt, outcomes []Outcome) *ReconcileResult {
	result := &ReconcileResult{}

	promptByID := make(map[string]Prompt, len(prompts))
	idByText := make(map[string]string, len(prompts))
	var order []string
	for _, p := range prompts {
		if _, ok := promptByID[p.CustomID]; ok {
			continue
		}
		promptByID[p.CustomID] = p
		idByText[p.QueryText] = p.CustomID
		order = append(order, p.CustomID)
	}

	best := make(map[string]Outcome, len(promptByID))
	for _, out := range outcomes {
		if _, ok := promptByID[out.CustomID]; !ok {
			result.Ignored++
			continue
		}
		cur, seen := best[out.CustomID]
		switch {
		case !seen:
			best[out.CustomID] = out
		case cur.Answer == nil && out.Answer != nil:
			best[out.CustomID] = out
		case cur.Answer == nil && out.Failure != nil:
			// 再投入後の失敗で理由を更新する
			best[out.CustomID] = out
		}
	}

	for _, id := range order {
		out, ok := best[id]
		if !ok {
			out = failed("", id, FailurePending, "no outcome yet")
		}
		result.Resolutions = append(result.Resolutions, out)
		best[id] = out
	}

	for _, r := range records {
		id, ok := idByText[r.CleanText]
		if !ok {
			result.Omissions = append(result.Omissions, Omission{
				StudyID: r.StudyID,
				Trait:   r.RawText,
				Kind:    FailureNotSubmitted,
				Detail:  "no prompt for clean text",
			})
			continue
		}

		out := best[id]
		if out.Answer == nil {
			result.Omissions = append(result.Omissions, Omission{
				StudyID:  r.StudyID,
				Trait:    r.RawText,
				CustomID: id,
				Kind:     out.Failure.Kind,
				Detail:   out.Failure.Detail,
			})
			continue
		}

		result.Assignments = append(result.Assignments, Assignment{
			StudyID:    r.StudyID,
			Trait:      r.RawText,
			EFOID:      out.Answer.CandidateID,
			EFOTerm:    out.Answer.CandidateText,
			Confidence: out.Answer.Confidence,
			JobID:      out.JobID,
			CustomID:   id,
		})
	}

	return result
}
