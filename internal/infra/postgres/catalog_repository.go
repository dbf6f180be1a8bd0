package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jinford/efo-mapper/internal/core/trait"
)

// CatalogRepository は参照語彙と取り込み済み形質を保存する
type CatalogRepository struct {
	db DBTX
}

// NewCatalogRepository は新しい CatalogRepository を作成します
func NewCatalogRepository(db DBTX) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// === Term ===

// SaveTerms は参照語彙を upsert します
func (r *CatalogRepository) SaveTerms(ctx context.Context, terms []trait.Term) error {
	batch := &pgx.Batch{}
	for _, t := range terms {
		batch.Queue(`
INSERT INTO terms (id, term, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET term = EXCLUDED.term, updated_at = now()`, t.ID, t.Text)
	}
	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save terms: %w", err)
	}
	return nil
}

// ListTerms は参照語彙を ID 順に返します
func (r *CatalogRepository) ListTerms(ctx context.Context) ([]trait.Term, error) {
	rows, err := r.db.Query(ctx, `SELECT id, term FROM terms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list terms: %w", err)
	}
	terms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (trait.Term, error) {
		var t trait.Term
		err := row.Scan(&t.ID, &t.Text)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan terms: %w", err)
	}
	return terms, nil
}

// === Trait ===

// SaveRecords は形質レコードを upsert します
func (r *CatalogRepository) SaveRecords(ctx context.Context, records []trait.Record) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(`
INSERT INTO traits (study_id, raw_text, clean_text, source, updated_at) VALUES ($1, $2, $3, $4, now())
ON CONFLICT (study_id) DO UPDATE SET
    raw_text = EXCLUDED.raw_text,
    clean_text = EXCLUDED.clean_text,
    source = EXCLUDED.source,
    updated_at = now()`, rec.StudyID, rec.RawText, rec.CleanText, string(rec.Source))
	}
	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save traits: %w", err)
	}
	return nil
}

// ListRecords は形質レコードを study_id 順に返します
func (r *CatalogRepository) ListRecords(ctx context.Context) ([]trait.Record, error) {
	rows, err := r.db.Query(ctx, `SELECT study_id, raw_text, clean_text, source FROM traits ORDER BY study_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list traits: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (trait.Record, error) {
		var (
			rec    trait.Record
			source string
		)
		err := row.Scan(&rec.StudyID, &rec.RawText, &rec.CleanText, &source)
		rec.Source = trait.Source(source)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan traits: %w", err)
	}
	return records, nil
}
