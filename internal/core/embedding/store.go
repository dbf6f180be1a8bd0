package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrEmbeddingUnavailable は埋め込み関数に到達できない(認証・接続)エラー。実行全体を中断する
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")
	// ErrEmbeddingRejected は入力テキストが拒否されたエラー。リトライしない
	ErrEmbeddingRejected = errors.New("embedding request rejected")
	// ErrEmptyText は空テキストの埋め込み要求
	ErrEmptyText = errors.New("empty text")
	// ErrDimensionMismatch はストアの次元と異なるベクトル
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrDuplicateID は同一 ID の重複入力
	ErrDuplicateID = errors.New("duplicate id")
)

// Embedder はテキストをベクトル表現に変換するインターフェース
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)

	// BatchEmbed はバッチでEmbeddingを生成する。戻り値は入力と同じ順序
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName はモデル名を返す
	ModelName() string

	// MaxBatchSize は1回の BatchEmbed に渡せる最大件数
	MaxBatchSize() int
}

// Entry は ID に紐づくベクトル
type Entry struct {
	ID       string
	Text     string
	TextHash string
	Vector   []float32
	// Model はベクトルを生成したモデル名。スナップショットから読み込んだエントリにだけ設定される
	Model string
}

// SnapshotRepository はベクトルのスナップショット永続化を担う
type SnapshotRepository interface {
	LoadVectors(ctx context.Context, namespace string) ([]Entry, error)
	SaveVectors(ctx context.Context, namespace string, model string, entries []Entry) error
}

// EmbedReport は EmbedAll の結果
type EmbedReport struct {
	Requested int
	Embedded  int
	Cached    int
	Failed    int
	Duration  time.Duration
}

// Store は参照語彙またはクエリ集合のベクトルを ID 単位で保持する
type Store struct {
	namespace string
	embedder  Embedder

	mu      sync.RWMutex
	dim     int
	entries map[string]Entry
	failed  map[string]error
	dirty   map[string]struct{}

	concurrency int
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
}

type storeOptions struct {
	dimension   int
	concurrency int
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
}

// StoreOption は Store のオプション設定
type StoreOption func(*storeOptions)

// WithDimension はベクトル次元を固定する。0 の場合は最初のベクトルで決まる
func WithDimension(dim int) StoreOption {
	return func(o *storeOptions) {
		o.dimension = dim
	}
}

// WithConcurrency はバッチの同時実行数を設定する
func WithConcurrency(n int) StoreOption {
	return func(o *storeOptions) {
		o.concurrency = n
	}
}

// WithMaxRetries は1呼び出しあたりの最大リトライ回数を設定する
func WithMaxRetries(n int) StoreOption {
	return func(o *storeOptions) {
		if n >= 0 {
			o.maxRetries = uint64(n)
		}
	}
}

// WithBackOff はリトライ間隔のポリシーを差し替える
func WithBackOff(factory func() backoff.BackOff) StoreOption {
	return func(o *storeOptions) {
		o.newBackOff = factory
	}
}

// WithStoreLogger はロガーを差し替える
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// NewStore は新しい Store を作成する。namespace はスナップショットのキー空間 (例: "efo", "trait")
func NewStore(namespace string, embedder Embedder, opts ...StoreOption) *Store {
	options := storeOptions{
		concurrency: 4,
		maxRetries:  5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 32 * time.Second
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.concurrency <= 0 {
		options.concurrency = 1
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	return &Store{
		namespace:   namespace,
		embedder:    embedder,
		dim:         options.dimension,
		entries:     make(map[string]Entry),
		failed:      make(map[string]error),
		dirty:       make(map[string]struct{}),
		concurrency: options.concurrency,
		maxRetries:  options.maxRetries,
		newBackOff:  options.newBackOff,
		logger:      options.logger,
	}
}

// TextHash はモデル名とテキストから内容アドレスを計算する
func TextHash(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

type pendingItem struct {
	id   string
	text string
	hash string
}

// EmbedAll は ids[i] と texts[i] を対応させて埋め込みを生成する
// 同じテキストで埋め込み済みの ID はスキップする。個別の失敗は Failed() に記録され、
// ErrEmbeddingUnavailable の場合のみエラーを返して中断する
func (s *Store) EmbedAll(ctx context.Context, ids, texts []string) (*EmbedReport, error) {
	start := time.Now()
	if len(ids) != len(texts) {
		return nil, fmt.Errorf("ids and texts length mismatch: %d != %d", len(ids), len(texts))
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
	}

	report := &EmbedReport{Requested: len(ids)}
	model := s.embedder.ModelName()

	var pending []pendingItem
	s.mu.Lock()
	for i, id := range ids {
		text := texts[i]
		if strings.TrimSpace(text) == "" {
			delete(s.entries, id)
			s.failed[id] = ErrEmptyText
			continue
		}
		hash := TextHash(model, text)
		if cur, ok := s.entries[id]; ok && cur.TextHash == hash {
			delete(s.failed, id)
			report.Cached++
			continue
		}
		pending = append(pending, pendingItem{id: id, text: text, hash: hash})
	}
	s.mu.Unlock()

	batchSize := s.embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for offset := 0; offset < len(pending); offset += batchSize {
		end := min(offset+batchSize, len(pending))
		chunk := pending[offset:end]
		g.Go(func() error {
			return s.embedChunk(gctx, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	for _, item := range pending {
		if _, ok := s.failed[item.id]; ok {
			report.Failed++
		} else {
			report.Embedded++
		}
	}
	for _, id := range ids {
		if s.failed[id] == ErrEmptyText {
			report.Failed++
		}
	}
	s.mu.RUnlock()
	report.Duration = time.Since(start)

	s.logger.Info("埋め込みを生成",
		"namespace", s.namespace,
		"requested", report.Requested,
		"embedded", report.Embedded,
		"cached", report.Cached,
		"failed", report.Failed,
		"duration", report.Duration,
	)

	return report, nil
}

// embedChunk はバッチを埋め込み、失敗時は1件ずつ再試行して失敗したテキストを特定する
func (s *Store) embedChunk(ctx context.Context, chunk []pendingItem) error {
	texts := make([]string, len(chunk))
	for i, item := range chunk {
		texts[i] = item.text
	}

	vectors, err := retry(s.policy(ctx), func() ([][]float32, error) {
		return s.embedder.BatchEmbed(ctx, texts)
	})
	if err == nil && len(vectors) == len(chunk) {
		for i, item := range chunk {
			s.record(item, vectors[i], nil)
		}
		return nil
	}
	if errors.Is(err, ErrEmbeddingUnavailable) || ctx.Err() != nil {
		return fmt.Errorf("namespace %s: %w", s.namespace, firstErr(err, ctx.Err()))
	}
	if err == nil {
		s.logger.Warn("バッチ応答の件数が一致しません", "want", len(chunk), "got", len(vectors))
	}

	for _, item := range chunk {
		vec, err := retry(s.policy(ctx), func() ([]float32, error) {
			return s.embedder.Embed(ctx, item.text)
		})
		if errors.Is(err, ErrEmbeddingUnavailable) || ctx.Err() != nil {
			return fmt.Errorf("namespace %s: %w", s.namespace, firstErr(err, ctx.Err()))
		}
		s.record(item, vec, err)
	}
	return nil
}

func (s *Store) record(item pendingItem, vec []float32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil && len(vec) == 0 {
		err = fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if err == nil {
		if s.dim == 0 {
			s.dim = len(vec)
		}
		if len(vec) != s.dim {
			err = fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dim)
		}
	}
	if err != nil {
		s.logger.Warn("埋め込みに失敗", "namespace", s.namespace, "id", item.id, "error", err)
		delete(s.entries, item.id)
		s.failed[item.id] = err
		return
	}

	delete(s.failed, item.id)
	s.entries[item.id] = Entry{ID: item.id, Text: item.text, TextHash: item.hash, Vector: vec}
	s.dirty[item.id] = struct{}{}
}

func (s *Store) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
}

// retry は一時的な失敗を指数バックオフで再試行する
func retry[T any](b backoff.BackOff, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, ErrEmbeddingUnavailable) || errors.Is(err, ErrEmbeddingRejected)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Lookup は ID のベクトルを返す
func (s *Store) Lookup(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len は保持しているベクトル数を返す
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dimension はベクトル次元を返す(未確定なら 0)
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Namespace はスナップショットのキー空間を返す
func (s *Store) Namespace() string {
	return s.namespace
}

// Failed は埋め込みに失敗した ID とエラーのコピーを返す
func (s *Store) Failed() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]error, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// Restore はスナップショットからベクトルを読み込む
// 現在の埋め込みモデル以外で生成したエントリと、次元が合わないエントリは捨てる
func (s *Store) Restore(ctx context.Context, repo SnapshotRepository) (int, error) {
	entries, err := repo.LoadVectors(ctx, s.namespace)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}

	model := s.embedder.ModelName()
	s.mu.Lock()
	defer s.mu.Unlock()

	restored, stale := 0, 0
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		if e.Model != "" && e.Model != model {
			stale++
			continue
		}
		if s.dim == 0 {
			s.dim = len(e.Vector)
		}
		if len(e.Vector) != s.dim {
			s.logger.Warn("次元の異なるスナップショットを無視", "namespace", s.namespace, "id", e.ID, "dim", len(e.Vector))
			continue
		}
		s.entries[e.ID] = e
		restored++
	}
	if stale > 0 {
		s.logger.Info("別モデルのスナップショットを無視", "namespace", s.namespace, "model", model, "skipped", stale)
	}
	return restored, nil
}

// Persist は前回の Persist 以降に生成したベクトルを保存する
func (s *Store) Persist(ctx context.Context, repo SnapshotRepository) (int, error) {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.dirty))
	for id := range s.dirty {
		if e, ok := s.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	if len(entries) == 0 {
		return 0, nil
	}
	if err := repo.SaveVectors(ctx, s.namespace, s.embedder.ModelName(), entries); err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.mu.Lock()
	for _, e := range entries {
		delete(s.dirty, e.ID)
	}
	s.mu.Unlock()
	return len(entries), nil
}
