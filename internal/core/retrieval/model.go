package retrieval

import "github.com/jinford/efo-mapper/internal/core/embedding"

// Mode は参照集合の種類を表す
type Mode string

const (
	// ModeEFO は形質から EFO 語彙へのマッチング
	ModeEFO Mode = "efo"
	// ModeCohort は特定ソースの形質から他コホートの形質へのマッチング
	ModeCohort Mode = "cohort"
)

// ParseMode は文字列を Mode に変換する
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeEFO, ModeCohort:
		return Mode(s), true
	}
	return "", false
}

// Item はベクトルを ID で参照するクエリまたは参照エントリ
type Item struct {
	ID   string
	Text string
	// Label は出力用の元のテキスト。空なら Text を使う
	Label string
}

func (i Item) label() string {
	if i.Label != "" {
		return i.Label
	}
	return i.Text
}

// VectorSource は ID からベクトルを引く読み取り専用ビュー
type VectorSource interface {
	Lookup(id string) (embedding.Entry, bool)
}

// CandidateMatch は1クエリに対する1候補
type CandidateMatch struct {
	QueryID       string  `json:"queryID"`
	QueryText     string  `json:"queryText"`
	CandidateID   string  `json:"candidateID"`
	CandidateText string  `json:"candidateText"`
	Similarity    float64 `json:"similarity"`
}

// SkipKind はスキップ理由
type SkipKind string

const (
	SkipMissingVector SkipKind = "missing_vector"
	SkipZeroNorm      SkipKind = "zero_norm"
)

// Skipped はランキングから除外された ID
type Skipped struct {
	ID        string
	Kind      SkipKind
	Reference bool
}

// Shortlist は1クエリの上位候補 (類似度の降順)
type Shortlist struct {
	Query      Item
	Candidates []CandidateMatch
}

// Result は TopK の結果。Shortlists はクエリの入力順
type Result struct {
	Mode       Mode
	K          int
	Shortlists []Shortlist
	Skipped    []Skipped
}

// ByQueryID はクエリ ID をキーにした候補リストを返す
func (r *Result) ByQueryID() map[string][]CandidateMatch {
	out := make(map[string][]CandidateMatch, len(r.Shortlists))
	for _, s := range r.Shortlists {
		out[s.Query.ID] = s.Candidates
	}
	return out
}

// Matched は候補が1件以上あるクエリ数を返す
func (r *Result) Matched() int {
	n := 0
	for _, s := range r.Shortlists {
		if len(s.Candidates) > 0 {
			n++
		}
	}
	return n
}

// SimilarityRow は類似度テーブルの1行
// Trait は元の形質ラベル、CleanTrait は照合に使った正規化後テキスト
// ModeEFO では Target/TargetID が EFO 語彙、ModeCohort では他コホートの形質を指す
type SimilarityRow struct {
	Mode       Mode
	TraitID    string
	Trait      string
	CleanTrait string
	Target     string
	TargetID   string
	Similarity float64
}

// Rows は結果を類似度テーブルに平坦化する。(TraitID, TargetID) の重複は先勝ちで除く
func (r *Result) Rows() []SimilarityRow {
	type key struct{ trait, target string }
	seen := make(map[key]struct{})
	var rows []SimilarityRow
	for _, s := range r.Shortlists {
		for _, c := range s.Candidates {
			k := key{c.QueryID, c.CandidateID}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			rows = append(rows, SimilarityRow{
				Mode:       r.Mode,
				TraitID:    c.QueryID,
				Trait:      s.Query.label(),
				CleanTrait: c.QueryText,
				Target:     c.CandidateText,
				TargetID:   c.CandidateID,
				Similarity: c.Similarity,
			})
		}
	}
	return rows
}
