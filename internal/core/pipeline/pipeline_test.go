package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/efo-mapper/internal/core/coretest"
	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/embedding"
	"github.com/jinford/efo-mapper/internal/core/normalize"
	"github.com/jinford/efo-mapper/internal/core/pipeline"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
)

type env struct {
	embedder  *coretest.FakeEmbedder
	service   *coretest.FakeBatchService
	jobs      *coretest.MemoryJobRepository
	snapshots *coretest.MemoryVectorRepository
	pipeline  *pipeline.Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	noWait := embedding.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })

	e := &env{
		embedder:  coretest.NewFakeEmbedder(3),
		service:   coretest.NewFakeBatchService(),
		jobs:      coretest.NewMemoryJobRepository(),
		snapshots: coretest.NewMemoryVectorRepository(),
	}
	e.embedder.Vectors["asthma"] = []float32{1, 0, 0}
	e.embedder.Vectors["rheumatoid arthritis"] = []float32{0, 1, 0}
	e.embedder.Vectors["dog"] = []float32{0, 0, 1}
	e.embedder.Vectors["body height"] = []float32{0.1, 0.1, 0.9}

	builder := disambiguation.NewPromptBuilder(30)
	orch := disambiguation.NewOrchestrator(e.service, e.jobs, builder,
		disambiguation.WithLogger(logger),
		disambiguation.WithRetry(0, nil),
	)
	e.pipeline = pipeline.New(
		normalize.NewNormalizer(),
		embedding.NewStore(pipeline.NamespaceTraits, e.embedder, noWait, embedding.WithStoreLogger(logger)),
		embedding.NewStore(pipeline.NamespaceTerms, e.embedder, noWait, embedding.WithStoreLogger(logger)),
		builder,
		orch,
		pipeline.WithSnapshots(e.snapshots),
		pipeline.WithMatchTopN(2),
		pipeline.WithLogger(logger),
	)
	return e
}

func studyRows() []trait.StudyRow {
	return []trait.StudyRow{
		{StudyName: "ukb-a-1", Trait: "Asthma", DataType: "phenotype", Source: "ukb"},
		{StudyName: "ukb-b-2", Trait: "Non-cancer illness code, self-reported: asthma", DataType: "phenotype", Source: "ukb"},
		{StudyName: "az-3", Trait: "Rheumatoid arthritis", DataType: "phenotype", Source: "az_exwas"},
		{StudyName: "ukb-c-4", Trait: "NA", DataType: "phenotype", Source: "ukb"},
		{StudyName: "eqtl-5", Trait: "ENSG000001", DataType: "gene_expression", Source: "eqtl"},
	}
}

func efoTerms() []trait.Term {
	return []trait.Term{
		{ID: "EFO_0000270", Text: "asthma"},
		{ID: "EFO_0000685", Text: "rheumatoid arthritis"},
		{ID: "EFO_dog", Text: "dog"},
	}
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	report := pipeline.NewRunReport(retrieval.ModeEFO)

	out, err := e.pipeline.RunToSubmit(ctx, retrieval.ModeEFO, studyRows(), trait.DefaultIngestOptions(), efoTerms(), report)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Ingested)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Filtered)
	assert.Equal(t, 6, report.Embedded)
	assert.Zero(t, report.EmbedFailed)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Prompts)
	assert.Equal(t, 2, report.Submitted)

	// 類似度テーブルには元のラベルと正規化後テキストを両方残す
	var asthmaRow *retrieval.SimilarityRow
	rows := out.Matches.Rows()
	for i := range rows {
		if rows[i].TraitID == "ukb-a-1" && rows[i].TargetID == "EFO_0000270" {
			asthmaRow = &rows[i]
		}
	}
	require.NotNil(t, asthmaRow)
	assert.Equal(t, "Asthma", asthmaRow.Trait)
	assert.Equal(t, "asthma", asthmaRow.CleanTrait)

	require.Len(t, out.Jobs, 1)
	jobID := out.Jobs[0].ID

	asthmaID := disambiguation.CustomID("asthma")
	raID := disambiguation.CustomID("rheumatoid arthritis")
	for _, p := range out.Prompts {
		if p.CustomID == asthmaID {
			assert.Equal(t, "asthma", p.Candidates[0].Text)
		}
	}

	e.service.Complete(jobID, func(item disambiguation.BatchItem) *disambiguation.RawResponse {
		switch item.CustomID {
		case asthmaID:
			return &disambiguation.RawResponse{CustomID: item.CustomID, Content: `{"trait":"asthma","efo":"asthma","confidence":5}`}
		case raID:
			return &disambiguation.RawResponse{CustomID: item.CustomID, Content: `{"trait":"rheumatoid arthritis","efo":"rheumatoid arthritis","confidence":5}`}
		}
		return nil
	})

	collection, err := e.pipeline.Collect(ctx, retrieval.ModeEFO)
	require.NoError(t, err)
	result := e.pipeline.Assign(retrieval.ModeEFO, out.Ingest.Records, collection)
	report.RecordAssignments(result)

	require.Len(t, result.Assignments, 3)
	byStudy := map[string]disambiguation.Assignment{}
	for _, a := range result.Assignments {
		byStudy[a.StudyID] = a
	}
	assert.Equal(t, "EFO_0000270", byStudy["ukb-a-1"].EFOID)
	assert.Equal(t, "EFO_0000270", byStudy["ukb-b-2"].EFOID)
	assert.Equal(t, "Non-cancer illness code, self-reported: asthma", byStudy["ukb-b-2"].Trait)
	assert.Equal(t, "EFO_0000685", byStudy["az-3"].EFOID)
	assert.Equal(t, 3, report.Assigned)
	assert.Empty(t, report.Omitted)
	assert.NotEmpty(t, report.Rows())
}

func TestPipeline_Collect_ContinuesPastUnpollableJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	report := pipeline.NewRunReport(retrieval.ModeEFO)

	out, err := e.pipeline.RunToSubmit(ctx, retrieval.ModeEFO, studyRows(), trait.DefaultIngestOptions(), efoTerms(), report)
	require.NoError(t, err)
	require.Len(t, out.Jobs, 1)

	// 状態を取得できない別のジョブ
	stuck, err := e.pipeline.Submit(ctx, retrieval.ModeCohort, []disambiguation.Prompt{{
		CustomID:   disambiguation.CustomID("height"),
		QueryID:    "height",
		QueryText:  "height",
		Candidates: []disambiguation.Candidate{{ID: "ukb-a-1", Text: "Asthma"}},
	}})
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	e.service.FailStatus(stuck[0].ID, errors.New("gateway timeout"))

	e.service.Complete(out.Jobs[0].ID, func(item disambiguation.BatchItem) *disambiguation.RawResponse {
		switch item.CustomID {
		case disambiguation.CustomID("asthma"):
			return &disambiguation.RawResponse{CustomID: item.CustomID, Content: `{"trait":"asthma","efo":"asthma","confidence":5}`}
		case disambiguation.CustomID("rheumatoid arthritis"):
			return &disambiguation.RawResponse{CustomID: item.CustomID, Content: `{"trait":"rheumatoid arthritis","efo":"rheumatoid arthritis","confidence":5}`}
		}
		return nil
	})

	collection, err := e.pipeline.Collect(ctx, retrieval.ModeEFO)
	require.NoError(t, err)
	assert.Zero(t, collection.Pending)

	result := e.pipeline.Assign(retrieval.ModeEFO, out.Ingest.Records, collection)
	assert.Len(t, result.Assignments, 3)
	assert.Empty(t, result.Omissions)

	// 同じ失敗でもサービス全体が使えない場合は中断する
	e.service.StatusErr = disambiguation.ErrServiceUnavailable
	_, err = e.pipeline.Collect(ctx, retrieval.ModeCohort)
	assert.ErrorIs(t, err, disambiguation.ErrServiceUnavailable)
}

func TestPipeline_EmbedUsesSnapshots(t *testing.T) {
	ctx := context.Background()
	first := newEnv(t)

	records := first.pipeline.Ingest(studyRows(), trait.DefaultIngestOptions()).Records
	_, err := first.pipeline.Embed(ctx, records, efoTerms())
	require.NoError(t, err)

	second := newEnv(t)
	second.snapshots = first.snapshots
	second.pipeline = pipeline.New(
		normalize.NewNormalizer(),
		embedding.NewStore(pipeline.NamespaceTraits, second.embedder),
		embedding.NewStore(pipeline.NamespaceTerms, second.embedder),
		disambiguation.NewPromptBuilder(30),
		nil,
		pipeline.WithSnapshots(first.snapshots),
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	out, err := second.pipeline.Embed(ctx, records, efoTerms())
	require.NoError(t, err)
	assert.Equal(t, len(records), out.Traits.Cached)
	assert.Equal(t, 3, out.Terms.Cached)
	assert.Empty(t, second.embedder.Embedded)
}

func TestPipeline_Embed_RejectsDuplicateTerms(t *testing.T) {
	e := newEnv(t)
	_, err := e.pipeline.Embed(context.Background(), nil, []trait.Term{{ID: "EFO_1", Text: "a"}, {ID: "EFO_1", Text: "b"}})
	assert.ErrorIs(t, err, trait.ErrDuplicateTermID)
}

func TestPipeline_Queries_Cohort(t *testing.T) {
	e := newEnv(t)
	records := e.pipeline.Ingest(studyRows(), trait.DefaultIngestOptions()).Records

	queries, refs := e.pipeline.Queries(retrieval.ModeCohort, records, nil)
	require.Len(t, queries, 1)
	assert.Equal(t, "az-3", queries[0].ID)
	assert.Len(t, refs, 2)
	assert.Equal(t, "Asthma", refs[0].Text)
}

func TestPipeline_Assign_CohortOnlyQuerySource(t *testing.T) {
	e := newEnv(t)
	records := e.pipeline.Ingest(studyRows(), trait.DefaultIngestOptions()).Records

	raID := disambiguation.CustomID("rheumatoid arthritis")
	collection := &disambiguation.Collection{
		Prompts: []disambiguation.Prompt{{CustomID: raID, QueryID: "az-3", QueryText: "rheumatoid arthritis"}},
		Outcomes: []disambiguation.Outcome{{
			CustomID: raID,
			JobID:    "batch_1",
			Answer:   &disambiguation.Answer{CustomID: raID, Trait: "rheumatoid arthritis", CandidateID: "ukb-a-1", CandidateText: "Asthma", Confidence: 1},
		}},
	}

	result := e.pipeline.Assign(retrieval.ModeCohort, records, collection)
	require.Len(t, result.Assignments, 1)
	assert.Equal(t, "az-3", result.Assignments[0].StudyID)
	assert.Equal(t, "ukb-a-1", result.Assignments[0].EFOID)
	assert.Empty(t, result.Omissions)
}
