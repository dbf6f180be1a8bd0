package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// ResultRepository は類似度テーブルと最終割り当てを保存する
type ResultRepository struct {
	db DBTX
}

// NewResultRepository は新しい ResultRepository を作成します
func NewResultRepository(db DBTX) *ResultRepository {
	return &ResultRepository{db: db}
}

// === Similarity ===

// SaveSimilarities は類似度行を upsert します。同じ (mode, trait_id, target_id) は上書きされる
func (r *ResultRepository) SaveSimilarities(ctx context.Context, runID uuid.UUID, rows []retrieval.SimilarityRow) error {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
INSERT INTO similarities (mode, trait_id, trait, clean_trait, target, target_id, similarity, run_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (mode, trait_id, target_id) DO UPDATE SET
    trait = EXCLUDED.trait,
    clean_trait = EXCLUDED.clean_trait,
    target = EXCLUDED.target,
    similarity = EXCLUDED.similarity,
    run_id = EXCLUDED.run_id,
    created_at = now()`,
			string(row.Mode), row.TraitID, row.Trait, row.CleanTrait, row.Target, row.TargetID, row.Similarity, UUIDToPgtype(runID))
	}
	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save similarities: %w", err)
	}
	return nil
}

// ListSimilarities はモードの類似度行を trait_id 昇順・類似度降順で返します
func (r *ResultRepository) ListSimilarities(ctx context.Context, mode retrieval.Mode) ([]retrieval.SimilarityRow, error) {
	rows, err := r.db.Query(ctx, `
SELECT trait_id, trait, clean_trait, target, target_id, similarity
FROM similarities
WHERE mode = $1
ORDER BY trait_id, similarity DESC, target_id`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to list similarities: %w", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.SimilarityRow, error) {
		s := retrieval.SimilarityRow{Mode: mode}
		err := row.Scan(&s.TraitID, &s.Trait, &s.CleanTrait, &s.Target, &s.TargetID, &s.Similarity)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan similarities: %w", err)
	}
	return result, nil
}

// === Assignment ===

// SaveAssignments は割り当てを upsert します。研究ごとに最新の実行結果が残る
func (r *ResultRepository) SaveAssignments(ctx context.Context, runID uuid.UUID, mode retrieval.Mode, assignments []disambiguation.Assignment) error {
	batch := &pgx.Batch{}
	for _, a := range assignments {
		batch.Queue(`
INSERT INTO assignments (study_id, mode, trait, efo_id, efo_term, confidence, job_id, custom_id, run_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (mode, study_id) DO UPDATE SET
    trait = EXCLUDED.trait,
    efo_id = EXCLUDED.efo_id,
    efo_term = EXCLUDED.efo_term,
    confidence = EXCLUDED.confidence,
    job_id = EXCLUDED.job_id,
    custom_id = EXCLUDED.custom_id,
    run_id = EXCLUDED.run_id,
    created_at = now()`,
			a.StudyID, string(mode), a.Trait, a.EFOID, a.EFOTerm, a.Confidence, a.JobID, a.CustomID, UUIDToPgtype(runID))
	}
	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save assignments: %w", err)
	}
	return nil
}

// ListAssignments はモードの割り当てを study_id 順に返します
func (r *ResultRepository) ListAssignments(ctx context.Context, mode retrieval.Mode) ([]disambiguation.Assignment, error) {
	rows, err := r.db.Query(ctx, `
SELECT study_id, trait, efo_id, efo_term, confidence, job_id, custom_id
FROM assignments
WHERE mode = $1
ORDER BY study_id`, string(mode))
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	result, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (disambiguation.Assignment, error) {
		var a disambiguation.Assignment
		err := row.Scan(&a.StudyID, &a.Trait, &a.EFOID, &a.EFOTerm, &a.Confidence, &a.JobID, &a.CustomID)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan assignments: %w", err)
	}
	return result, nil
}
