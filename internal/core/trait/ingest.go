package trait

import (
	"log/slog"
	"strings"
)

// RejectReason は取り込み時に除外した理由
type RejectReason string

const (
	RejectMissingTrait     RejectReason = "missing_trait"
	RejectDuplicateStudyID RejectReason = "duplicate_study_id"
	RejectEmptyStudyID     RejectReason = "empty_study_id"
	RejectEmptyNormalized  RejectReason = "empty_after_normalization"
)

// Rejection は除外されたレコード
type Rejection struct {
	StudyID string
	Trait   string
	Reason  RejectReason
}

// Normalizer は形質ラベルの正規化インターフェース
type Normalizer interface {
	Normalize(raw string) string
}

// IngestOptions は取り込み条件
type IngestOptions struct {
	// DataType が空でなければ一致する行のみ残す
	DataType string
	// Ignore は除外する study 名
	Ignore map[string]struct{}
	// KeepDuplicateTraits が false の場合、同一 trait テキストは初出のみ残す
	KeepDuplicateTraits bool
	Logger              *slog.Logger
}

// DefaultIngestOptions は元の解析と同じ条件(phenotype のみ、trait 重複を畳む)
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{DataType: "phenotype"}
}

// IngestResult は取り込み結果
type IngestResult struct {
	Records    []Record
	Rejections []Rejection
	Filtered   int // data_type 不一致
	Ignored    int // ignore リスト
	Collapsed  int // trait テキスト重複
}

// Ingest は入力行を検証・正規化して Record に変換する
func Ingest(rows []StudyRow, opts IngestOptions, n Normalizer) IngestResult {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	result := IngestResult{}
	seenTrait := make(map[string]struct{})
	seenStudy := make(map[string]struct{})

	for _, row := range rows {
		if opts.DataType != "" && row.DataType != opts.DataType {
			result.Filtered++
			continue
		}
		studyID := strings.TrimSpace(row.StudyName)
		// trait の重複は ignore リストより先に畳む。無視される study が初出なら同じ trait の後続行も残らない
		if !opts.KeepDuplicateTraits && !isMissing(row.Trait) {
			if _, ok := seenTrait[row.Trait]; ok {
				result.Collapsed++
				continue
			}
			seenTrait[row.Trait] = struct{}{}
		}
		if _, ok := opts.Ignore[studyID]; ok {
			result.Ignored++
			continue
		}

		reject := func(reason RejectReason) {
			logger.Warn("レコードを除外", "studyID", studyID, "trait", row.Trait, "reason", reason)
			result.Rejections = append(result.Rejections, Rejection{StudyID: studyID, Trait: row.Trait, Reason: reason})
		}

		if studyID == "" {
			reject(RejectEmptyStudyID)
			continue
		}
		if isMissing(row.Trait) {
			reject(RejectMissingTrait)
			continue
		}
		if _, ok := seenStudy[studyID]; ok {
			reject(RejectDuplicateStudyID)
			continue
		}

		clean := n.Normalize(row.Trait)
		if clean == "" {
			reject(RejectEmptyNormalized)
			continue
		}

		seenStudy[studyID] = struct{}{}
		result.Records = append(result.Records, Record{
			StudyID:   studyID,
			RawText:   row.Trait,
			CleanText: clean,
			Source:    Source(strings.TrimSpace(row.Source)),
		})
	}

	return result
}

// isMissing は pandas が NaN として読む値も欠損として扱う
func isMissing(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "NA", "NaN", "nan", "N/A", "null":
		return true
	}
	return false
}

// SplitBySource は source が一致するレコードとそれ以外に分割する
func SplitBySource(records []Record, source Source) (matched, others []Record) {
	for _, rec := range records {
		if rec.Source == source {
			matched = append(matched, rec)
		} else {
			others = append(others, rec)
		}
	}
	return matched, others
}
