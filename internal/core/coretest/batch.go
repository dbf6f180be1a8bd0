package coretest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/samber/mo"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
)

type fakeBatch struct {
	submission disambiguation.BatchSubmission
	state      disambiguation.RemoteState
}

// FakeBatchService はメモリ上で状態を操作できる BatchService
type FakeBatchService struct {
	mu      sync.Mutex
	seq     int
	batches map[string]*fakeBatch
	outputs map[string][]disambiguation.RawResponse

	// SubmitErr が設定されていれば Submit で返す。FailSubmitAfter 件目以降のみ失敗させる
	SubmitErr       error
	FailSubmitAfter int
	StatusErr       error
	// jobStatusErrs は特定のジョブの Status だけを失敗させる
	jobStatusErrs map[string]error

	SubmitCalls int
	StatusCalls int
	FetchCalls  int
}

// NewFakeBatchService は新しい FakeBatchService を作成する
func NewFakeBatchService() *FakeBatchService {
	return &FakeBatchService{
		batches: map[string]*fakeBatch{},
		outputs: map[string][]disambiguation.RawResponse{},
	}
}

func (f *FakeBatchService) Submit(ctx context.Context, submission disambiguation.BatchSubmission) (disambiguation.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SubmitCalls++
	if f.SubmitErr != nil && f.SubmitCalls > f.FailSubmitAfter {
		return disambiguation.SubmitResult{}, f.SubmitErr
	}
	f.seq++
	id := fmt.Sprintf("batch_%d", f.seq)
	f.batches[id] = &fakeBatch{
		submission: submission,
		state:      disambiguation.RemoteState{Status: disambiguation.StatusPending, Total: len(submission.Items)},
	}
	return disambiguation.SubmitResult{JobID: id, InputRef: "file-in-" + id, Status: disambiguation.StatusPending}, nil
}

func (f *FakeBatchService) Status(ctx context.Context, jobID string) (disambiguation.RemoteState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusCalls++
	if f.StatusErr != nil {
		return disambiguation.RemoteState{}, f.StatusErr
	}
	if err, ok := f.jobStatusErrs[jobID]; ok {
		return disambiguation.RemoteState{}, err
	}
	b, ok := f.batches[jobID]
	if !ok {
		return disambiguation.RemoteState{}, fmt.Errorf("%w: %s", disambiguation.ErrJobNotFound, jobID)
	}
	return b.state, nil
}

func (f *FakeBatchService) Fetch(ctx context.Context, outputRef, errorRef string) ([]disambiguation.RawResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	out, ok := f.outputs[outputRef]
	if !ok {
		return nil, fmt.Errorf("output file not found: %s", outputRef)
	}
	return slices.Clone(out), nil
}

// Submission は投入内容を返す
func (f *FakeBatchService) Submission(jobID string) disambiguation.BatchSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[jobID].submission
}

// SetStatus はジョブの状態を変更する
func (f *FakeBatchService) SetStatus(jobID string, status disambiguation.Status, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[jobID]
	b.state.Status = status
	b.state.Error = errMsg
}

// FailStatus は jobID の Status だけが err を返すようにする
func (f *FakeBatchService) FailStatus(jobID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobStatusErrs == nil {
		f.jobStatusErrs = map[string]error{}
	}
	f.jobStatusErrs[jobID] = err
}

// Forget はジョブと出力ファイルをサービス側から消す。以後の Status は ErrJobNotFound を返す
func (f *FakeBatchService) Forget(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[jobID]; ok {
		delete(f.outputs, b.state.OutputRef)
	}
	delete(f.batches, jobID)
}

// Complete はジョブを完了させ、respond の返す応答を出力として登録する
// respond が nil を返した custom_id は出力から欠落させる。出力は投入順の逆にする
func (f *FakeBatchService) Complete(jobID string, respond func(item disambiguation.BatchItem) *disambiguation.RawResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.batches[jobID]
	var out []disambiguation.RawResponse
	for i := len(b.submission.Items) - 1; i >= 0; i-- {
		item := b.submission.Items[i]
		if r := respond(item); r != nil {
			out = append(out, *r)
		}
	}
	ref := "file-out-" + jobID
	f.outputs[ref] = out
	b.state.Status = disambiguation.StatusCompleted
	b.state.OutputRef = ref
	b.state.Completed = len(out)
}

// MemoryJobRepository はメモリ上の disambiguation.JobRepository
type MemoryJobRepository struct {
	mu       sync.Mutex
	jobs     map[string]*disambiguation.Job
	outcomes map[string][]disambiguation.Outcome

	// SaveErr が設定されていれば SaveJob で返す
	SaveErr error
}

// NewMemoryJobRepository は空のリポジトリを作成する
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs:     map[string]*disambiguation.Job{},
		outcomes: map[string][]disambiguation.Outcome{},
	}
}

func (r *MemoryJobRepository) SaveJob(ctx context.Context, job *disambiguation.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryJobRepository) GetJob(ctx context.Context, jobID string) (mo.Option[*disambiguation.Job], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return mo.None[*disambiguation.Job](), nil
	}
	return mo.Some(cloneJob(job)), nil
}

func (r *MemoryJobRepository) ListJobs(ctx context.Context) ([]*disambiguation.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jobs := make([]*disambiguation.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt)
	})
	return jobs, nil
}

func (r *MemoryJobRepository) SaveOutcomes(ctx context.Context, jobID string, outcomes []disambiguation.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[jobID] = slices.Clone(outcomes)
	return nil
}

func (r *MemoryJobRepository) ListOutcomes(ctx context.Context, jobID string) ([]disambiguation.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.outcomes[jobID]), nil
}

func cloneJob(job *disambiguation.Job) *disambiguation.Job {
	c := *job
	c.Prompts = slices.Clone(job.Prompts)
	return &c
}

var (
	_ disambiguation.BatchService  = (*FakeBatchService)(nil)
	_ disambiguation.JobRepository = (*MemoryJobRepository)(nil)
)
