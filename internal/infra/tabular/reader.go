package tabular

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jinford/efo-mapper/internal/core/trait"
)

// ErrMissingColumn は必須列がヘッダーにない場合のエラー
var ErrMissingColumn = errors.New("missing required column")

// Delimiter は拡張子から区切り文字を決める。.tsv 以外はカンマ
func Delimiter(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}

// table はヘッダー付きの区切りファイル
type table struct {
	header map[string]int
	rows   [][]string
}

func readTable(r io.Reader, comma rune) (*table, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read table: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty table")
	}

	header := make(map[string]int, len(rows[0]))
	for i, cell := range rows[0] {
		name := strings.ToLower(cleanCell(cell))
		if _, exists := header[name]; !exists {
			header[name] = i
		}
	}
	return &table{header: header, rows: rows[1:]}, nil
}

// column は候補名のいずれかに一致する列番号を返す
func (t *table) column(names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := t.header[n]; ok {
			return i, true
		}
	}
	return -1, false
}

func (t *table) require(names ...string) (int, error) {
	i, ok := t.column(names...)
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrMissingColumn, names[0])
	}
	return i, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return cleanCell(row[i])
}

func cleanCell(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.TrimSpace(s)
}

// ReadTerms は参照語彙ファイル (列 id, term) を読み込む
func ReadTerms(r io.Reader, comma rune) ([]trait.Term, error) {
	t, err := readTable(r, comma)
	if err != nil {
		return nil, err
	}
	idCol, err := t.require("id", "efo_id")
	if err != nil {
		return nil, err
	}
	termCol, err := t.require("term", "efo", "label")
	if err != nil {
		return nil, err
	}

	terms := make([]trait.Term, 0, len(t.rows))
	for _, row := range t.rows {
		id, text := cell(row, idCol), cell(row, termCol)
		if id == "" && text == "" {
			continue
		}
		terms = append(terms, trait.Term{ID: id, Text: text})
	}
	return terms, nil
}

// ReadStudies は研究テーブル (列 study_name, trait, data_type, source) を読み込む
// data_type と source は省略可能
func ReadStudies(r io.Reader, comma rune) ([]trait.StudyRow, error) {
	t, err := readTable(r, comma)
	if err != nil {
		return nil, err
	}
	nameCol, err := t.require("study_name", "study_id")
	if err != nil {
		return nil, err
	}
	traitCol, err := t.require("trait")
	if err != nil {
		return nil, err
	}
	typeCol, _ := t.column("data_type")
	sourceCol, _ := t.column("source")

	rows := make([]trait.StudyRow, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, trait.StudyRow{
			StudyName: cell(row, nameCol),
			Trait:     cell(row, traitCol),
			DataType:  cell(row, typeCol),
			Source:    cell(row, sourceCol),
		})
	}
	return rows, nil
}

// ReadTermsFile はパスから参照語彙を読み込む
func ReadTermsFile(path string) ([]trait.Term, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	terms, err := ReadTerms(f, Delimiter(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return terms, nil
}

// ReadStudiesFile はパスから研究テーブルを読み込む
func ReadStudiesFile(path string) ([]trait.StudyRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	rows, err := ReadStudies(f, Delimiter(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

// ParseIgnoreList は1行1件の study 名リストを読む。タブ区切りの場合は先頭列のみ使う
func ParseIgnoreList(r io.Reader) (map[string]struct{}, error) {
	ignore := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		first, _, _ := strings.Cut(scanner.Text(), "\t")
		line := cleanCell(first)
		if line == "" {
			continue
		}
		ignore[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ignore list: %w", err)
	}
	return ignore, nil
}

// LoadIgnoreList はファイルパスまたは http(s) URL から除外リストを読み込む
// location が空なら空のリストを返す
func LoadIgnoreList(ctx context.Context, client *http.Client, location string) (map[string]struct{}, error) {
	if location == "" {
		return map[string]struct{}{}, nil
	}

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		if client == nil {
			client = http.DefaultClient
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("build ignore list request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch ignore list: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch ignore list: unexpected status %d", resp.StatusCode)
		}
		return ParseIgnoreList(resp.Body)
	}

	f, err := os.Open(location)
	if err != nil {
		return nil, fmt.Errorf("open ignore list: %w", err)
	}
	defer f.Close()
	return ParseIgnoreList(f)
}
