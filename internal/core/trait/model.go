package trait

import (
	"errors"
	"fmt"
	"strings"
)

// Source は形質レコードの由来コホート
type Source string

const (
	// SourceAZExWAS は AstraZeneca ExWAS 由来の形質
	SourceAZExWAS Source = "az_exwas"
)

// Term は参照オントロジー(EFO)の1エントリ。読み込み後は不変
type Term struct {
	ID   string `json:"id"`
	Text string `json:"term"`
}

// Record は1研究/1形質を表す。CleanText は RawText から導出され、以後変更されない
type Record struct {
	StudyID   string `json:"studyID"`
	RawText   string `json:"rawText"`
	CleanText string `json:"cleanText"`
	Source    Source `json:"source"`
}

// StudyRow は入力テーブルの1行
type StudyRow struct {
	StudyName string
	Trait     string
	DataType  string
	Source    string
}

var (
	// ErrDuplicateTermID は参照語彙の ID 重複
	ErrDuplicateTermID = errors.New("duplicate term id")
	// ErrEmptyTermID は ID が空の参照語彙
	ErrEmptyTermID = errors.New("empty term id")
)

// ValidateTerms は参照語彙の不変条件(ID が空でなく一意)を検証する
func ValidateTerms(terms []Term) error {
	seen := make(map[string]struct{}, len(terms))
	var dups []string
	for i, term := range terms {
		if strings.TrimSpace(term.ID) == "" {
			return fmt.Errorf("%w: row %d", ErrEmptyTermID, i)
		}
		if _, ok := seen[term.ID]; ok {
			dups = append(dups, term.ID)
			continue
		}
		seen[term.ID] = struct{}{}
	}
	if len(dups) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTermID, strings.Join(dups, ", "))
	}
	return nil
}

// GroupByCleanText は CleanText が同一のレコードをまとめる。グループ順は初出順
func GroupByCleanText(records []Record) []Group {
	index := make(map[string]int)
	groups := make([]Group, 0, len(records))
	for _, rec := range records {
		i, ok := index[rec.CleanText]
		if !ok {
			i = len(groups)
			index[rec.CleanText] = i
			groups = append(groups, Group{CleanText: rec.CleanText})
		}
		groups[i].Records = append(groups[i].Records, rec)
	}
	return groups
}

// Group は同一 CleanText を持つレコードの集合
type Group struct {
	CleanText string
	Records   []Record
}

// Representative はグループの代表レコード(初出)を返す
func (g Group) Representative() Record {
	return g.Records[0]
}
