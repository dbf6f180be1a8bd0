package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/efo-mapper/internal/core/embedding"
)

// VectorRepository は埋め込みスナップショットを pgvector 列に保存する
type VectorRepository struct {
	db DBTX
}

// NewVectorRepository は新しい VectorRepository を作成します
func NewVectorRepository(db DBTX) *VectorRepository {
	return &VectorRepository{db: db}
}

var _ embedding.SnapshotRepository = (*VectorRepository)(nil)

const upsertVector = `
INSERT INTO embeddings (namespace, item_id, text, text_hash, model, vector, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (namespace, item_id) DO UPDATE SET
    text = EXCLUDED.text,
    text_hash = EXCLUDED.text_hash,
    model = EXCLUDED.model,
    vector = EXCLUDED.vector,
    updated_at = now()`

// LoadVectors は名前空間のベクトルをすべて読み込みます
func (r *VectorRepository) LoadVectors(ctx context.Context, namespace string) ([]embedding.Entry, error) {
	rows, err := r.db.Query(ctx, `
SELECT item_id, text, text_hash, model, vector
FROM embeddings
WHERE namespace = $1
ORDER BY item_id`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	var entries []embedding.Entry
	for rows.Next() {
		var (
			e   embedding.Entry
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.ID, &e.Text, &e.TextHash, &e.Model, &vec); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		e.Vector = vec.Slice()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vectors: %w", err)
	}

	return entries, nil
}

// SaveVectors はベクトルを upsert します
func (r *VectorRepository) SaveVectors(ctx context.Context, namespace, model string, entries []embedding.Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(upsertVector, namespace, e.ID, e.Text, e.TextHash, model, pgvector.NewVector(e.Vector))
	}
	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save vectors: %w", err)
	}
	return nil
}

// CountVectors は名前空間ごとのベクトル数を返します
func (r *VectorRepository) CountVectors(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `SELECT namespace, count(*) FROM embeddings GROUP BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("failed to count vectors: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			ns string
			n  int
		)
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[ns] = n
	}
	return counts, rows.Err()
}
