package tabular

import (
	"bytes"
	"encoding/csv"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
)

func TestReadTerms(t *testing.T) {
	input := "\ufeffID,Term,extra\nEFO_0000270,asthma,x\n\nEFO_0000685, rheumatoid arthritis ,y\n"

	terms, err := ReadTerms(strings.NewReader(input), ',')
	require.NoError(t, err)
	assert.Equal(t, []trait.Term{
		{ID: "EFO_0000270", Text: "asthma"},
		{ID: "EFO_0000685", Text: "rheumatoid arthritis"},
	}, terms)
}

func TestReadTerms_MissingColumn(t *testing.T) {
	_, err := ReadTerms(strings.NewReader("id,name\nEFO_1,asthma\n"), ',')
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ReadTerms(strings.NewReader(""), ',')
	assert.Error(t, err)
}

func TestReadStudies(t *testing.T) {
	input := "study_name\ttrait\tdata_type\tvariant_type\tsource\n" +
		"ukb-a-1\tAsthma\tphenotype\tcommon\tukb\n" +
		"az-3\t\"Rheumatoid arthritis\"\tphenotype\trare\taz_exwas\n" +
		"short\tHeight\n"

	rows, err := ReadStudies(strings.NewReader(input), '\t')
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, trait.StudyRow{StudyName: "ukb-a-1", Trait: "Asthma", DataType: "phenotype", Source: "ukb"}, rows[0])
	assert.Equal(t, "Rheumatoid arthritis", rows[1].Trait)
	assert.Equal(t, "az_exwas", rows[1].Source)
	assert.Equal(t, trait.StudyRow{StudyName: "short", Trait: "Height"}, rows[2])
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	studies := filepath.Join(dir, "studies.tsv")
	terms := filepath.Join(dir, "efo_terms.csv")
	require.NoError(t, os.WriteFile(studies, []byte("study_name\ttrait\nukb-a-1\tAsthma\n"), 0o644))
	require.NoError(t, os.WriteFile(terms, []byte("id,term\nEFO_1,asthma\n"), 0o644))

	rows, err := ReadStudiesFile(studies)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	ts, err := ReadTermsFile(terms)
	require.NoError(t, err)
	assert.Len(t, ts, 1)

	_, err = ReadTermsFile(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	assert.Equal(t, '\t', Delimiter("x.TSV"))
	assert.Equal(t, ',', Delimiter("x.csv"))
}

func TestLoadIgnoreList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ignore.tsv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ukb-a-1\n\nukb-b-2\tnote\n"))
	}))
	defer srv.Close()

	ignore, err := LoadIgnoreList(t.Context(), srv.Client(), srv.URL+"/ignore.tsv")
	require.NoError(t, err)
	assert.Len(t, ignore, 2)
	assert.Contains(t, ignore, "ukb-b-2")

	_, err = LoadIgnoreList(t.Context(), srv.Client(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "unexpected status 404")

	path := filepath.Join(t.TempDir(), "ignore.txt")
	require.NoError(t, os.WriteFile(path, []byte("az-3\n"), 0o644))
	ignore, err = LoadIgnoreList(t.Context(), nil, path)
	require.NoError(t, err)
	assert.Contains(t, ignore, "az-3")

	ignore, err = LoadIgnoreList(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Empty(t, ignore)
}

func similarityRows(n int) []retrieval.SimilarityRow {
	rows := make([]retrieval.SimilarityRow, n)
	for i := range rows {
		rows[i] = retrieval.SimilarityRow{Mode: retrieval.ModeEFO, TraitID: "t", Trait: "Asthma", CleanTrait: "asthma", Target: "asthma, allergic", TargetID: "EFO_1", Similarity: 0.5}
	}
	return rows
}

func TestWriteSimilarities(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSimilarities(&buf, retrieval.ModeEFO, similarityRows(1)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"trait_id", "trait", "efo", "efo_id", "similarity", "clean_trait"},
		{"t", "Asthma", "asthma, allergic", "EFO_1", "0.5", "asthma"},
	}, records)

	buf.Reset()
	require.NoError(t, WriteSimilarities(&buf, retrieval.ModeCohort, nil))
	assert.Equal(t, "trait_id,trait,other_trait,other_trait_id,similarity,clean_trait\n", buf.String())
}

func TestWriteSimilarityBatches(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	paths, err := WriteSimilarityBatches(dir, retrieval.ModeEFO, similarityRows(1001), 500)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "similarity_batch_2.csv"), paths[2])

	data, err := os.ReadFile(paths[2])
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	paths, err = WriteSimilarityBatches(dir, retrieval.ModeEFO, similarityRows(500), 0)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestWriteAssignmentsAndOmissions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAssignments(&buf, []disambiguation.Assignment{
		{StudyID: "ukb-a-1", Trait: "Asthma", EFOID: "EFO_0000270", EFOTerm: "asthma", Confidence: 5},
	}))
	assert.Equal(t, "study_id,trait,efo,efo_id,confidence\nukb-a-1,Asthma,asthma,EFO_0000270,5\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteOmissions(&buf, []disambiguation.Omission{
		{StudyID: "ukb-b-2", Trait: "Height", CustomID: "trait-x", Kind: disambiguation.FailureParseFailed, Detail: "bad"},
	}))
	assert.Equal(t, "study_id,trait,custom_id,reason,detail\nukb-b-2,Height,trait-x,parse_failed,bad\n", buf.String())
}

func TestWriteFile_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "assignments.csv")
	require.NoError(t, WriteFile(path, func(w io.Writer) error {
		return WriteAssignments(w, nil)
	}))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
