package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/embedding"
	"github.com/jinford/efo-mapper/internal/core/normalize"
	"github.com/jinford/efo-mapper/internal/core/pipeline"
	"github.com/jinford/efo-mapper/internal/core/trait"
	"github.com/jinford/efo-mapper/internal/infra/openai"
	"github.com/jinford/efo-mapper/internal/platform/config"
	"github.com/jinford/efo-mapper/internal/platform/database"
)

// ServiceContainer はマッピング処理の依存関係を保持する
type ServiceContainer struct {
	Config       *config.Config
	Repos        *database.Adapter
	Transactions *database.TransactionProvider
	Normalizer   *normalize.Normalizer
	Embedder     embedding.Embedder
	BatchService disambiguation.BatchService
	Builder      *disambiguation.PromptBuilder
	Orchestrator *disambiguation.Orchestrator
	Costs        *disambiguation.CostManager
	Accountant   *disambiguation.Accountant
	Pipeline     *pipeline.Pipeline

	completer     disambiguation.Completer
	completerErr  error
	completerOnce sync.Once

	errorLog *disambiguation.ErrorLog
	logger   *slog.Logger
	database *database.Database
}

type containerOptions struct {
	logger       *slog.Logger
	embedder     embedding.Embedder
	batchService disambiguation.BatchService
	completer    disambiguation.Completer
	clock        func() time.Time
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder embedding.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerBatchService はバッチサービスを差し替える
func WithContainerBatchService(service disambiguation.BatchService) ContainerOption {
	return func(opts *containerOptions) {
		opts.batchService = service
	}
}

// WithContainerCompleter は同期判定クライアントを差し替える
func WithContainerCompleter(completer disambiguation.Completer) ContainerOption {
	return func(opts *containerOptions) {
		opts.completer = completer
	}
}

// WithContainerClock はジョブのタイムスタンプに使う時計を差し替える
func WithContainerClock(now func() time.Time) ContainerOption {
	return func(opts *containerOptions) {
		opts.clock = now
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewContainerWithDB は既存の Database を受け取りコンテナを生成する。
func NewContainerWithDB(cfg *config.Config, db *database.Database, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	// Embedder (OpenAI)
	embedder := options.embedder
	if embedder == nil {
		embedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
			openai.WithEmbeddingBaseURL(cfg.OpenAI.BaseURL),
		)
	}
	if cfg.Match.EmbedRequestsPerMinute > 0 {
		embedder = openai.NewThrottledEmbedder(embedder, cfg.Match.EmbedRequestsPerMinute)
	}

	// BatchService (OpenAI Batch API)
	// APIキーがない場合も一覧表示などは動かせるよう、呼び出し時にエラーを返すサービスを使う
	batchService := options.batchService
	if batchService == nil {
		client, err := openai.NewBatchClient(cfg.OpenAI.APIKey, openai.WithBatchBaseURL(cfg.OpenAI.BaseURL))
		if err != nil {
			options.logger.Warn("バッチクライアントを初期化できません", "error", err)
			batchService = unavailableBatchService{err: err}
		} else {
			batchService = client
		}
	}

	// Repository (PostgreSQL)
	repos := database.NewAdapter(db.Pool)

	errorLog, err := disambiguation.NewErrorLog(cfg.Batch.ErrorLogDir)
	if err != nil {
		return nil, fmt.Errorf("エラーログ初期化に失敗しました: %w", err)
	}

	costs, err := disambiguation.NewCostManager(cfg.Batch.PricingFile)
	if err != nil {
		_ = errorLog.Close()
		return nil, fmt.Errorf("価格設定の読み込みに失敗しました: %w", err)
	}
	costs.SetMaxBatchCost(cfg.Batch.MaxBatchCost)

	counter, err := disambiguation.NewTokenCounter()
	if err != nil {
		// 文字数からの推定にフォールバックする
		options.logger.Warn("TokenCounter 初期化に失敗しました", "error", err)
		counter = nil
	}

	builder := disambiguation.NewPromptBuilder(cfg.Match.PromptTopN)

	orchestratorOpts := []disambiguation.Option{
		disambiguation.WithMaxBatchSize(cfg.Batch.MaxPrompts),
		disambiguation.WithJobTimeout(cfg.Batch.JobTimeout),
		disambiguation.WithModel(cfg.OpenAI.BatchModel),
		disambiguation.WithMaxTokens(cfg.OpenAI.BatchMaxTokens),
		disambiguation.WithErrorLog(errorLog),
		disambiguation.WithLogger(options.logger),
		disambiguation.WithRetry(cfg.Batch.MaxRetries, nil),
	}
	if options.clock != nil {
		orchestratorOpts = append(orchestratorOpts, disambiguation.WithClock(options.clock))
	}
	orchestrator := disambiguation.NewOrchestrator(batchService, repos.Jobs, builder, orchestratorOpts...)

	accountant := disambiguation.NewAccountant(builder, counter, costs, cfg.OpenAI.BatchModel, cfg.Batch.MaxPrompts)

	storeOpts := []embedding.StoreOption{
		embedding.WithDimension(cfg.OpenAI.EmbeddingDimension),
		embedding.WithConcurrency(cfg.Match.EmbedConcurrency),
		embedding.WithMaxRetries(cfg.Batch.MaxRetries),
		embedding.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		}),
		embedding.WithStoreLogger(options.logger),
	}
	traits := embedding.NewStore(pipeline.NamespaceTraits, embedder, storeOpts...)
	terms := embedding.NewStore(pipeline.NamespaceTerms, embedder, storeOpts...)

	normalizer := normalize.NewNormalizer()
	p := pipeline.New(
		normalizer,
		traits,
		terms,
		builder,
		orchestrator,
		pipeline.WithSnapshots(repos.Vectors),
		pipeline.WithMatchTopN(cfg.Match.TopN),
		pipeline.WithRetrievalConcurrency(cfg.Match.EmbedConcurrency),
		pipeline.WithCohortSource(trait.Source(cfg.Match.CohortSource)),
		pipeline.WithLogger(options.logger),
	)

	c := &ServiceContainer{
		Config:       cfg,
		Repos:        repos,
		Normalizer:   normalizer,
		Embedder:     embedder,
		BatchService: batchService,
		Builder:      builder,
		Orchestrator: orchestrator,
		Costs:        costs,
		Accountant:   accountant,
		Pipeline:     p,
		completer:    options.completer,
		errorLog:     errorLog,
		logger:       options.logger,
		database:     db,
	}
	if db != nil && db.Pool != nil {
		c.Transactions = database.NewTransactionProvider(db.Pool)
	}
	return c, nil
}

// Completer は同期判定クライアントを返す。初回呼び出し時に作成する
func (c *ServiceContainer) Completer() (disambiguation.Completer, error) {
	c.completerOnce.Do(func() {
		if c.completer != nil {
			return
		}
		client, err := openai.NewChatClient(c.Config.OpenAI.APIKey, openai.WithChatBaseURL(c.Config.OpenAI.BaseURL))
		if err != nil {
			c.completerErr = fmt.Errorf("OpenAI クライアント初期化に失敗しました: %w", err)
			return
		}
		c.completer = client
	})
	return c.completer, c.completerErr
}

// Close は内部リソースを解放する。
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	if c.errorLog != nil {
		if err := c.errorLog.Close(); err != nil {
			c.Logger().Warn("エラーログのクローズに失敗しました", "error", err)
		}
	}
	if c.database != nil {
		c.database.Close()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す。
func (c *ServiceContainer) Database() *database.Database {
	if c == nil {
		return nil
	}
	return c.database
}

// unavailableBatchService は設定不足でバッチクライアントを作れない場合のサービス
type unavailableBatchService struct {
	err error
}

var _ disambiguation.BatchService = unavailableBatchService{}

func (s unavailableBatchService) Submit(context.Context, disambiguation.BatchSubmission) (disambiguation.SubmitResult, error) {
	return disambiguation.SubmitResult{}, s.wrapped()
}

func (s unavailableBatchService) Status(context.Context, string) (disambiguation.RemoteState, error) {
	return disambiguation.RemoteState{}, s.wrapped()
}

func (s unavailableBatchService) Fetch(context.Context, string, string) ([]disambiguation.RawResponse, error) {
	return nil, s.wrapped()
}

func (s unavailableBatchService) wrapped() error {
	return fmt.Errorf("%w: %w", disambiguation.ErrServiceUnavailable, s.err)
}
