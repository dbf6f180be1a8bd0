package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/samber/mo"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// JobRepository は disambiguation.JobRepository の PostgreSQL 実装
type JobRepository struct {
	db DBTX
}

// NewJobRepository は新しい JobRepository を作成します
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// コンパイル時の型チェック
var _ disambiguation.JobRepository = (*JobRepository)(nil)

const jobColumns = `id, status, mode, model, input_ref, output_ref, error_ref, error, parent_id, fetched, resubmitted, submitted_at, updated_at, completed_at`

// SaveJob はジョブを upsert します。プロンプトは投入後に変化しないため初回のみ書き込む
func (r *JobRepository) SaveJob(ctx context.Context, job *disambiguation.Job) error {
	batch := &pgx.Batch{}
	batch.Queue(`
INSERT INTO disambiguation_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    output_ref = EXCLUDED.output_ref,
    error_ref = EXCLUDED.error_ref,
    error = EXCLUDED.error,
    fetched = EXCLUDED.fetched,
    resubmitted = EXCLUDED.resubmitted,
    updated_at = EXCLUDED.updated_at,
    completed_at = EXCLUDED.completed_at`,
		job.ID, string(job.Status), string(job.Mode), job.Model,
		job.InputRef, job.OutputRef, job.ErrorRef, job.Error,
		StringToNullableText(job.ParentID), job.Fetched, job.Resubmitted,
		TimeToPgtype(job.SubmittedAt), TimeToPgtype(job.UpdatedAt), TimePtrToPgtype(job.CompletedAt),
	)
	for i, p := range job.Prompts {
		batch.Queue(`
INSERT INTO disambiguation_prompts (job_id, custom_id, position, query_id, query_text, candidates)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id, custom_id) DO NOTHING`,
			job.ID, p.CustomID, i, p.QueryID, p.QueryText, p.Candidates)
	}

	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob はジョブとプロンプトを取得します
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (mo.Option[*disambiguation.Job], error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM disambiguation_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*disambiguation.Job](), nil
		}
		return mo.None[*disambiguation.Job](), fmt.Errorf("failed to get job: %w", err)
	}

	prompts, err := r.listPrompts(ctx, []string{jobID})
	if err != nil {
		return mo.None[*disambiguation.Job](), err
	}
	job.Prompts = prompts[jobID]

	return mo.Some(job), nil
}

// ListJobs は全ジョブを投入日時順に返します
func (r *JobRepository) ListJobs(ctx context.Context) ([]*disambiguation.Job, error) {
	rows, err := r.db.Query(ctx, `SELECT `+jobColumns+` FROM disambiguation_jobs ORDER BY submitted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*disambiguation.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan jobs: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	prompts, err := r.listPrompts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		j.Prompts = prompts[j.ID]
	}

	return jobs, nil
}

func (r *JobRepository) listPrompts(ctx context.Context, jobIDs []string) (map[string][]disambiguation.Prompt, error) {
	rows, err := r.db.Query(ctx, `
SELECT job_id, custom_id, query_id, query_text, candidates
FROM disambiguation_prompts
WHERE job_id = ANY($1)
ORDER BY job_id, position`, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	prompts := make(map[string][]disambiguation.Prompt, len(jobIDs))
	for rows.Next() {
		var (
			jobID string
			p     disambiguation.Prompt
		)
		if err := rows.Scan(&jobID, &p.CustomID, &p.QueryID, &p.QueryText, &p.Candidates); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		prompts[jobID] = append(prompts[jobID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate prompts: %w", err)
	}
	return prompts, nil
}

// SaveOutcomes はジョブの結果を custom_id ごとに upsert します
func (r *JobRepository) SaveOutcomes(ctx context.Context, jobID string, outcomes []disambiguation.Outcome) error {
	batch := &pgx.Batch{}
	for _, o := range outcomes {
		batch.Queue(`
INSERT INTO disambiguation_outcomes (job_id, custom_id, answer, failure)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id, custom_id) DO UPDATE SET
    answer = EXCLUDED.answer,
    failure = EXCLUDED.failure,
    created_at = now()`,
			jobID, o.CustomID, o.Answer, o.Failure)
	}
	if err := sendBatch(ctx, r.db, batch); err != nil {
		return fmt.Errorf("failed to save outcomes for job %s: %w", jobID, err)
	}
	return nil
}

// ListOutcomes はジョブの結果を custom_id 順に返します
func (r *JobRepository) ListOutcomes(ctx context.Context, jobID string) ([]disambiguation.Outcome, error) {
	rows, err := r.db.Query(ctx, `
SELECT custom_id, answer, failure
FROM disambiguation_outcomes
WHERE job_id = $1
ORDER BY custom_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	outcomes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (disambiguation.Outcome, error) {
		o := disambiguation.Outcome{JobID: jobID}
		err := row.Scan(&o.CustomID, &o.Answer, &o.Failure)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outcomes: %w", err)
	}
	return outcomes, nil
}

func scanJob(row pgx.Row) (*disambiguation.Job, error) {
	var (
		job                               disambiguation.Job
		status, mode                      string
		parentID                          pgtype.Text
		submittedAt, updatedAt, completed pgtype.Timestamptz
	)
	err := row.Scan(
		&job.ID, &status, &mode, &job.Model,
		&job.InputRef, &job.OutputRef, &job.ErrorRef, &job.Error,
		&parentID, &job.Fetched, &job.Resubmitted,
		&submittedAt, &updatedAt, &completed,
	)
	if err != nil {
		return nil, err
	}

	s, err := disambiguation.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	m, ok := retrieval.ParseMode(mode)
	if !ok {
		return nil, fmt.Errorf("unknown mode: %q", mode)
	}

	job.Status = s
	job.Mode = m
	job.ParentID = PgtextToString(parentID)
	job.SubmittedAt = PgtypeToTime(submittedAt)
	job.UpdatedAt = PgtypeToTime(updatedAt)
	job.CompletedAt = PgtypeToTimePtr(completed)
	return &job, nil
}
