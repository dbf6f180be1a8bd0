package pipeline

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
)

// RunReport はステージごとの件数。どのステージで何件落ちたかを示す
type RunReport struct {
	RunID        uuid.UUID
	Mode         retrieval.Mode
	Ingested     int
	Rejected     int
	Filtered     int
	Collapsed    int
	Embedded     int
	EmbedFailed  int
	Matched      int
	MatchSkipped int
	Prompts      int
	Submitted    int
	Assigned     int
	Omitted      map[disambiguation.FailureKind]int
}

// NewRunReport は新しい実行 ID で RunReport を作成する
func NewRunReport(mode retrieval.Mode) *RunReport {
	return &RunReport{
		RunID:   uuid.New(),
		Mode:    mode,
		Omitted: make(map[disambiguation.FailureKind]int),
	}
}

// RecordIngest は取り込み結果を記録する
func (r *RunReport) RecordIngest(res trait.IngestResult) {
	r.Ingested = len(res.Records)
	r.Rejected = len(res.Rejections)
	r.Filtered = res.Filtered + res.Ignored
	r.Collapsed = res.Collapsed
}

// RecordEmbed は埋め込み結果を記録する
func (r *RunReport) RecordEmbed(out *EmbedOutput) {
	r.Embedded = out.Embedded()
	r.EmbedFailed = out.Failed()
}

// RecordMatches は検索結果を記録する
func (r *RunReport) RecordMatches(res *retrieval.Result) {
	r.Matched = res.Matched()
	r.MatchSkipped = len(res.Skipped)
}

// RecordAssignments は割り当て結果を記録する
func (r *RunReport) RecordAssignments(res *disambiguation.ReconcileResult) {
	r.Assigned = len(res.Assignments)
	r.Omitted = res.OmittedByKind()
}

// Rows は表示用の行を返す
func (r *RunReport) Rows() [][]string {
	rows := [][]string{
		{"ingested", fmt.Sprint(r.Ingested)},
		{"rejected", fmt.Sprint(r.Rejected)},
		{"filtered", fmt.Sprint(r.Filtered)},
		{"collapsed", fmt.Sprint(r.Collapsed)},
		{"embedded", fmt.Sprint(r.Embedded)},
		{"embed failed", fmt.Sprint(r.EmbedFailed)},
		{"matched", fmt.Sprint(r.Matched)},
		{"match skipped", fmt.Sprint(r.MatchSkipped)},
		{"prompts", fmt.Sprint(r.Prompts)},
		{"submitted", fmt.Sprint(r.Submitted)},
		{"assigned", fmt.Sprint(r.Assigned)},
	}

	kinds := make([]string, 0, len(r.Omitted))
	for k := range r.Omitted {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		rows = append(rows, []string{"omitted: " + k, fmt.Sprint(r.Omitted[disambiguation.FailureKind(k)])})
	}
	return rows
}
