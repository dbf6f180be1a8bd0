package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidK は k <= 0 の指定
var ErrInvalidK = errors.New("k must be positive")

// Engine は全件走査のコサイン類似度で候補を順位付けする
// ベクトルは読み取り専用として扱うため、複数ワーカーからロックなしで参照する
type Engine struct {
	mode        Mode
	queries     VectorSource
	references  VectorSource
	concurrency int
	logger      *slog.Logger
}

// Option は Engine のオプション設定
type Option func(*Engine)

// WithConcurrency はクエリを処理するワーカー数を設定する
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine は新しい Engine を作成する
// ModeCohort ではクエリ側と参照側に同じストアを渡してもよい
func NewEngine(mode Mode, queries, references VectorSource, opts ...Option) *Engine {
	e := &Engine{
		mode:        mode,
		queries:     queries,
		references:  references,
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type refVector struct {
	item   Item
	vector []float32
	norm   float64
}

// TopK はクエリごとに参照集合を類似度の降順に並べ、上位 k 件を返す
// k が参照集合より大きい場合は全件を返す。同率は参照の入力順を保つ
func (e *Engine) TopK(ctx context.Context, queries, references []Item, k int) (*Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}

	result := &Result{Mode: e.mode, K: k}

	refs := make([]refVector, 0, len(references))
	dim := 0
	for _, ref := range references {
		entry, ok := e.references.Lookup(ref.ID)
		if !ok {
			result.Skipped = append(result.Skipped, Skipped{ID: ref.ID, Kind: SkipMissingVector, Reference: true})
			continue
		}
		n := norm(entry.Vector)
		if n == 0 {
			e.logger.Warn("ノルム0の参照ベクトルを除外", "mode", e.mode, "id", ref.ID)
			result.Skipped = append(result.Skipped, Skipped{ID: ref.ID, Kind: SkipZeroNorm, Reference: true})
			continue
		}
		if dim == 0 {
			dim = len(entry.Vector)
		} else if len(entry.Vector) != dim {
			return nil, fmt.Errorf("reference %s: %w: %d != %d", ref.ID, ErrDimensionMismatch, len(entry.Vector), dim)
		}
		refs = append(refs, refVector{item: ref, vector: entry.Vector, norm: n})
	}

	shortlists := make([]Shortlist, len(queries))
	skipped := make([]*Skipped, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, q := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			shortlists[i].Query = q

			entry, ok := e.queries.Lookup(q.ID)
			if !ok {
				skipped[i] = &Skipped{ID: q.ID, Kind: SkipMissingVector}
				return nil
			}
			qn := norm(entry.Vector)
			if qn == 0 {
				skipped[i] = &Skipped{ID: q.ID, Kind: SkipZeroNorm}
				return nil
			}
			if dim != 0 && len(entry.Vector) != dim {
				return fmt.Errorf("query %s: %w: %d != %d", q.ID, ErrDimensionMismatch, len(entry.Vector), dim)
			}

			shortlists[i].Candidates = e.rank(q, entry.Vector, qn, refs, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, s := range skipped {
		if s != nil {
			e.logger.Warn("クエリをスキップ", "mode", e.mode, "id", s.ID, "reason", s.Kind)
			result.Skipped = append(result.Skipped, *s)
			continue
		}
		result.Shortlists = append(result.Shortlists, shortlists[i])
	}

	e.logger.Info("候補を順位付け",
		"mode", e.mode,
		"queries", len(queries),
		"references", len(refs),
		"matched", result.Matched(),
		"skipped", len(result.Skipped),
	)

	return result, nil
}

func (e *Engine) rank(q Item, vec []float32, qn float64, refs []refVector, k int) []CandidateMatch {
	matches := make([]CandidateMatch, 0, len(refs))
	for _, ref := range refs {
		// 同じ形質自身は候補にしない
		if e.mode == ModeCohort && ref.item.ID == q.ID {
			continue
		}
		matches = append(matches, CandidateMatch{
			QueryID:       q.ID,
			QueryText:     q.Text,
			CandidateID:   ref.item.ID,
			CandidateText: ref.item.Text,
			Similarity:    clamp(dot(vec, ref.vector) / (qn * ref.norm)),
		})
	}

	slices.SortStableFunc(matches, func(a, b CandidateMatch) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
