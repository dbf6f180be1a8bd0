// Package pipeline は正規化から割り当てまでの各ステージを型付きの入出力でつなぐ
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/embedding"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
)

// Namespace はベクトルスナップショットのキー空間
const (
	NamespaceTraits = "trait"
	NamespaceTerms  = "efo"
)

// Pipeline は各ステージの協調オブジェクトを保持する
type Pipeline struct {
	normalizer   trait.Normalizer
	traits       *embedding.Store
	terms        *embedding.Store
	snapshots    embedding.SnapshotRepository
	builder      *disambiguation.PromptBuilder
	orchestrator *disambiguation.Orchestrator
	matchTopN    int
	concurrency  int
	cohortSource trait.Source
	logger       *slog.Logger
}

// Option は Pipeline のオプション設定
type Option func(*Pipeline)

// WithSnapshots はベクトルスナップショットの保存先を設定する
func WithSnapshots(repo embedding.SnapshotRepository) Option {
	return func(p *Pipeline) {
		p.snapshots = repo
	}
}

// WithMatchTopN は検索する候補数を設定する
func WithMatchTopN(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.matchTopN = n
		}
	}
}

// WithRetrievalConcurrency は検索ワーカー数を設定する
func WithRetrievalConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithCohortSource はコホート間マッチングでクエリ側となるソースを設定する
func WithCohortSource(source trait.Source) Option {
	return func(p *Pipeline) {
		if source != "" {
			p.cohortSource = source
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New は新しい Pipeline を作成する
func New(
	normalizer trait.Normalizer,
	traits, terms *embedding.Store,
	builder *disambiguation.PromptBuilder,
	orchestrator *disambiguation.Orchestrator,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		normalizer:   normalizer,
		traits:       traits,
		terms:        terms,
		builder:      builder,
		orchestrator: orchestrator,
		matchTopN:    20,
		concurrency:  4,
		cohortSource: trait.SourceAZExWAS,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest は入力行を検証・正規化して形質レコードにする
func (p *Pipeline) Ingest(rows []trait.StudyRow, opts trait.IngestOptions) trait.IngestResult {
	if opts.Logger == nil {
		opts.Logger = p.logger
	}
	return trait.Ingest(rows, opts, p.normalizer)
}

// EmbedOutput は埋め込みステージの結果
type EmbedOutput struct {
	Traits *embedding.EmbedReport
	Terms  *embedding.EmbedReport
}

// Failed は埋め込みに失敗した件数を返す
func (o *EmbedOutput) Failed() int {
	n := 0
	if o.Traits != nil {
		n += o.Traits.Failed
	}
	if o.Terms != nil {
		n += o.Terms.Failed
	}
	return n
}

// Embedded は新たに埋め込んだ件数とキャッシュ済み件数の合計を返す
func (o *EmbedOutput) Embedded() int {
	n := 0
	for _, r := range []*embedding.EmbedReport{o.Traits, o.Terms} {
		if r != nil {
			n += r.Embedded + r.Cached
		}
	}
	return n
}

// Embed は形質 (正規化後テキスト) と語彙の埋め込みを生成する
// スナップショットがあれば復元してから差分のみを埋め込み、生成分を保存する
func (p *Pipeline) Embed(ctx context.Context, records []trait.Record, terms []trait.Term) (*EmbedOutput, error) {
	if err := trait.ValidateTerms(terms); err != nil {
		return nil, err
	}

	out := &EmbedOutput{}
	if len(records) > 0 {
		ids := make([]string, len(records))
		texts := make([]string, len(records))
		for i, r := range records {
			ids[i] = r.StudyID
			texts[i] = r.CleanText
		}
		report, err := p.embedInto(ctx, p.traits, ids, texts)
		if err != nil {
			return nil, err
		}
		out.Traits = report
	}

	if len(terms) > 0 {
		ids := make([]string, len(terms))
		texts := make([]string, len(terms))
		for i, t := range terms {
			ids[i] = t.ID
			texts[i] = t.Text
		}
		report, err := p.embedInto(ctx, p.terms, ids, texts)
		if err != nil {
			return nil, err
		}
		out.Terms = report
	}

	return out, nil
}

func (p *Pipeline) embedInto(ctx context.Context, store *embedding.Store, ids, texts []string) (*embedding.EmbedReport, error) {
	if p.snapshots != nil && store.Len() == 0 {
		restored, err := store.Restore(ctx, p.snapshots)
		if err != nil {
			return nil, err
		}
		p.logger.Info("スナップショットを復元", "namespace", store.Namespace(), "vectors", restored)
	}

	report, err := store.EmbedAll(ctx, ids, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s: %w", store.Namespace(), err)
	}

	if p.snapshots != nil {
		saved, err := store.Persist(ctx, p.snapshots)
		if err != nil {
			return nil, err
		}
		p.logger.Info("スナップショットを保存", "namespace", store.Namespace(), "vectors", saved)
	}
	return report, nil
}

// Restore はスナップショットから両方のストアを復元する
// 埋め込み済みのベクトルだけで検索する場合に使う
func (p *Pipeline) Restore(ctx context.Context) error {
	if p.snapshots == nil {
		return nil
	}
	for _, store := range []*embedding.Store{p.traits, p.terms} {
		n, err := store.Restore(ctx, p.snapshots)
		if err != nil {
			return err
		}
		p.logger.Info("スナップショットを復元", "namespace", store.Namespace(), "vectors", n)
	}
	return nil
}

// Queries はモードに応じたクエリ集合 (正規化後テキストごとの代表) と参照集合を組み立てる
func (p *Pipeline) Queries(mode retrieval.Mode, records []trait.Record, terms []trait.Term) (queries []retrieval.Item, refs []retrieval.Item) {
	switch mode {
	case retrieval.ModeCohort:
		cohort, others := trait.SplitBySource(records, p.cohortSource)
		queries = representatives(cohort)
		refs = make([]retrieval.Item, len(others))
		for i, r := range others {
			refs[i] = retrieval.Item{ID: r.StudyID, Text: r.RawText}
		}
	default:
		queries = representatives(records)
		refs = make([]retrieval.Item, len(terms))
		for i, t := range terms {
			refs[i] = retrieval.Item{ID: t.ID, Text: t.Text}
		}
	}
	return queries, refs
}

func representatives(records []trait.Record) []retrieval.Item {
	groups := trait.GroupByCleanText(records)
	items := make([]retrieval.Item, len(groups))
	for i, g := range groups {
		rep := g.Representative()
		items[i] = retrieval.Item{ID: rep.StudyID, Text: g.CleanText, Label: rep.RawText}
	}
	return items
}

// Retrieve は代表クエリごとに上位候補を検索する
func (p *Pipeline) Retrieve(ctx context.Context, mode retrieval.Mode, records []trait.Record, terms []trait.Term) (*retrieval.Result, error) {
	queries, refs := p.Queries(mode, records, terms)

	refStore := p.terms
	if mode == retrieval.ModeCohort {
		refStore = p.traits
	}
	engine := retrieval.NewEngine(mode, p.traits, refStore,
		retrieval.WithConcurrency(p.concurrency),
		retrieval.WithLogger(p.logger),
	)
	result, err := engine.TopK(ctx, queries, refs, p.matchTopN)
	if err != nil {
		return nil, fmt.Errorf("failed to rank candidates: %w", err)
	}
	return result, nil
}

// BuildPrompts は検索結果からユニークなクエリごとのプロンプトを作る
func (p *Pipeline) BuildPrompts(result *retrieval.Result) ([]disambiguation.Prompt, error) {
	groups := make([]disambiguation.QueryGroup, len(result.Shortlists))
	for i, s := range result.Shortlists {
		groups[i] = disambiguation.QueryGroup{QueryID: s.Query.ID, Text: s.Query.Text}
	}
	return p.builder.BuildPrompts(groups, result.ByQueryID())
}

// Submit はプロンプトをバッチジョブとして投入する
func (p *Pipeline) Submit(ctx context.Context, mode retrieval.Mode, prompts []disambiguation.Prompt) ([]*disambiguation.Job, error) {
	return p.orchestrator.Submit(ctx, mode, prompts)
}

// Unsubmitted は有効なジョブにまだ含まれていないプロンプトを返す
func (p *Pipeline) Unsubmitted(ctx context.Context, mode retrieval.Mode, prompts []disambiguation.Prompt) ([]disambiguation.Prompt, error) {
	return p.orchestrator.Unsubmitted(ctx, mode, prompts)
}

// Collect は未完了ジョブをポーリングしてから全ジョブの結果を集める
// 個別ジョブのポーリング失敗はログに残し、終端状態に達したジョブの結果は集める
func (p *Pipeline) Collect(ctx context.Context, mode retrieval.Mode) (*disambiguation.Collection, error) {
	if _, err := p.orchestrator.PollAll(ctx); err != nil {
		if errors.Is(err, disambiguation.ErrServiceUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		p.logger.Warn("一部のジョブをポーリングできませんでした", "mode", mode, "error", err)
	}
	return p.orchestrator.Collect(ctx, mode)
}

// Assign は結果を形質レコードに結合する
// コホート間モードではクエリ側ソースのレコードだけが割り当ての対象になる
func (p *Pipeline) Assign(mode retrieval.Mode, records []trait.Record, collection *disambiguation.Collection) *disambiguation.ReconcileResult {
	if mode == retrieval.ModeCohort {
		records, _ = trait.SplitBySource(records, p.cohortSource)
	}
	result := disambiguation.Reconcile(records, collection.Prompts, collection.Outcomes)
	p.logger.Info("割り当てを作成",
		"records", len(records),
		"assigned", len(result.Assignments),
		"omitted", len(result.Omissions),
		"pendingJobs", collection.Pending,
	)
	return result
}

// SubmitOutput は Run の投入までの結果
type SubmitOutput struct {
	Ingest  trait.IngestResult
	Embed   *EmbedOutput
	Matches *retrieval.Result
	Prompts []disambiguation.Prompt
	Jobs    []*disambiguation.Job
}

// RunToSubmit は取り込みからジョブ投入までを順に実行する
// ジョブの完了には数時間かかるため、結果の取得は Collect と Assign で別途行う
func (p *Pipeline) RunToSubmit(ctx context.Context, mode retrieval.Mode, rows []trait.StudyRow, opts trait.IngestOptions, terms []trait.Term, report *RunReport) (*SubmitOutput, error) {
	out := &SubmitOutput{}

	out.Ingest = p.Ingest(rows, opts)
	report.RecordIngest(out.Ingest)

	embedTerms := terms
	if mode == retrieval.ModeCohort {
		embedTerms = nil
	}
	embedded, err := p.Embed(ctx, out.Ingest.Records, embedTerms)
	if err != nil {
		return out, err
	}
	out.Embed = embedded
	report.RecordEmbed(embedded)

	matches, err := p.Retrieve(ctx, mode, out.Ingest.Records, terms)
	if err != nil {
		return out, err
	}
	out.Matches = matches
	report.RecordMatches(matches)

	prompts, err := p.BuildPrompts(matches)
	if err != nil {
		return out, err
	}
	out.Prompts = prompts
	report.Prompts = len(prompts)

	jobs, err := p.Submit(ctx, mode, prompts)
	out.Jobs = jobs
	for _, j := range jobs {
		report.Submitted += len(j.Prompts)
	}
	if err != nil {
		return out, err
	}
	return out, nil
}
