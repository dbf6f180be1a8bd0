package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// DefaultBatchRows は類似度ファイル1つあたりの行数
const DefaultBatchRows = 500

// SimilarityHeader はモードごとの類似度ファイルのヘッダー
// trait は元の形質ラベル。照合に使った正規化後テキストは末尾の clean_trait 列に出す
func SimilarityHeader(mode retrieval.Mode) []string {
	if mode == retrieval.ModeCohort {
		return []string{"trait_id", "trait", "other_trait", "other_trait_id", "similarity", "clean_trait"}
	}
	return []string{"trait_id", "trait", "efo", "efo_id", "similarity", "clean_trait"}
}

// WriteSimilarities は類似度行を CSV として書き出す
func WriteSimilarities(w io.Writer, mode retrieval.Mode, rows []retrieval.SimilarityRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SimilarityHeader(mode)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.TraitID,
			r.Trait,
			r.Target,
			r.TargetID,
			strconv.FormatFloat(r.Similarity, 'f', -1, 64),
			r.CleanTrait,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %s/%s: %w", r.TraitID, r.TargetID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSimilarityBatches は類似度行を batchRows 行ずつ dir/similarity_batch_{i}.csv に分割して書き出す
// 書き出したファイルのパスを返す
func WriteSimilarityBatches(dir string, mode retrieval.Mode, rows []retrieval.SimilarityRow, batchRows int) ([]string, error) {
	if batchRows <= 0 {
		batchRows = DefaultBatchRows
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	var paths []string
	for i, offset := 0, 0; offset < len(rows); i, offset = i+1, offset+batchRows {
		end := min(offset+batchRows, len(rows))
		path := filepath.Join(dir, fmt.Sprintf("similarity_batch_%d.csv", i))
		if err := writeFile(path, func(w io.Writer) error {
			return WriteSimilarities(w, mode, rows[offset:end])
		}); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteAssignments は割り当てを CSV として書き出す
func WriteAssignments(w io.Writer, assignments []disambiguation.Assignment) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"study_id", "trait", "efo", "efo_id", "confidence"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, a := range assignments {
		if err := cw.Write([]string{a.StudyID, a.Trait, a.EFOTerm, a.EFOID, strconv.Itoa(a.Confidence)}); err != nil {
			return fmt.Errorf("write assignment %s: %w", a.StudyID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOmissions は割り当てが得られなかった形質を CSV として書き出す
func WriteOmissions(w io.Writer, omissions []disambiguation.Omission) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"study_id", "trait", "custom_id", "reason", "detail"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, o := range omissions {
		if err := cw.Write([]string{o.StudyID, o.Trait, o.CustomID, string(o.Kind), o.Detail}); err != nil {
			return fmt.Errorf("write omission %s: %w", o.StudyID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile はファイルを作成して fn で書き出す
func WriteFile(path string, fn func(w io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	return writeFile(path, fn)
}

func writeFile(path string, fn func(w io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", filepath.Base(path), cerr)
		}
	}()

	if err := fn(f); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
