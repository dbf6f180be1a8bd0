package disambiguation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// Orchestrator はバッチジョブの投入・ポーリング・結果取得を管理する
// ジョブの状態は JobRepository に保存するため、各操作は別プロセスから呼び出してもよい
type Orchestrator struct {
	service  BatchService
	repo     JobRepository
	builder  *PromptBuilder
	errorLog *ErrorLog
	now      func() time.Time
	logger   *slog.Logger

	maxBatchSize int
	timeout      time.Duration
	model        string
	maxTokens    int
	maxRetries   uint64
	newBackOff   func() backoff.BackOff
}

// Option は Orchestrator のオプション設定
type Option func(*Orchestrator)

// WithMaxBatchSize は1ジョブあたりの最大プロンプト数を設定する
func WithMaxBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxBatchSize = n
		}
	}
}

// WithJobTimeout は投入からローカルで期限切れとみなすまでの時間を設定する
func WithJobTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithModel は判定に使うモデル名を設定する
func WithModel(model string) Option {
	return func(o *Orchestrator) {
		if model != "" {
			o.model = model
		}
	}
}

// WithMaxTokens は1リクエストあたりの最大出力トークン数を設定する
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithErrorLog は失敗レコードの出力先を設定する
func WithErrorLog(l *ErrorLog) Option {
	return func(o *Orchestrator) {
		o.errorLog = l
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetry はサービス呼び出しのリトライポリシーを設定する
func WithRetry(maxRetries int, factory func() backoff.BackOff) Option {
	return func(o *Orchestrator) {
		if maxRetries >= 0 {
			o.maxRetries = uint64(maxRetries)
		}
		if factory != nil {
			o.newBackOff = factory
		}
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(service BatchService, repo JobRepository, builder *PromptBuilder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		service:      service,
		repo:         repo,
		builder:      builder,
		now:          time.Now,
		logger:       slog.Default(),
		maxBatchSize: 1000,
		timeout:      26 * time.Hour,
		model:        "gpt-4o-2024-08-06",
		maxTokens:    1000,
		maxRetries:   5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 32 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxBatchSize は1ジョブあたりの最大プロンプト数を返す
func (o *Orchestrator) MaxBatchSize() int {
	return o.maxBatchSize
}

// Submit はプロンプトをバッチに分割して投入する
// 同じモードの有効なジョブが既に持つ custom_id は投入しない
// 途中のバッチで失敗した場合、それまでに投入したジョブとエラーを返す。再実行すると残りだけが投入される
func (o *Orchestrator) Submit(ctx context.Context, mode retrieval.Mode, prompts []Prompt) ([]*Job, error) {
	remaining, err := o.Unsubmitted(ctx, mode, prompts)
	if err != nil {
		return nil, err
	}
	if skipped := len(prompts) - len(remaining); skipped > 0 {
		o.logger.Info("投入済みのプロンプトをスキップ", "mode", mode, "skipped", skipped, "remaining", len(remaining))
	}
	if len(remaining) == 0 {
		return nil, nil
	}
	return o.submit(ctx, mode, remaining, "")
}

// Unsubmitted は失敗・期限切れ以外のジョブにまだ含まれていないプロンプトを返す
func (o *Orchestrator) Unsubmitted(ctx context.Context, mode retrieval.Mode, prompts []Prompt) ([]Prompt, error) {
	held, err := o.heldCustomIDs(ctx, mode, "")
	if err != nil {
		return nil, err
	}
	return withoutHeld(prompts, held), nil
}

// heldCustomIDs は mode の有効なジョブ (失敗・期限切れ以外) が持つ custom_id を返す。exclude のジョブは数えない
func (o *Orchestrator) heldCustomIDs(ctx context.Context, mode retrieval.Mode, exclude string) (map[string]struct{}, error) {
	jobs, err := o.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	held := make(map[string]struct{})
	for _, job := range jobs {
		if job.Mode != mode || job.ID == exclude {
			continue
		}
		if job.Status == StatusFailed || job.Status == StatusExpired {
			continue
		}
		for _, p := range job.Prompts {
			held[p.CustomID] = struct{}{}
		}
	}
	return held, nil
}

func withoutHeld(prompts []Prompt, held map[string]struct{}) []Prompt {
	out := make([]Prompt, 0, len(prompts))
	for _, p := range prompts {
		if _, ok := held[p.CustomID]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) submit(ctx context.Context, mode retrieval.Mode, prompts []Prompt, parentID string) ([]*Job, error) {
	batches := Partition(prompts, o.maxBatchSize)
	jobs := make([]*Job, 0, len(batches))

	for i, batch := range batches {
		job := &Job{
			Status:   StatusBuilt,
			Mode:     mode,
			Model:    o.model,
			Prompts:  batch,
			ParentID: parentID,
		}

		submission := BatchSubmission{
			Model:     o.model,
			MaxTokens: o.maxTokens,
			Items:     make([]BatchItem, len(batch)),
			Metadata:  map[string]string{"mode": string(mode)},
		}
		for j, p := range batch {
			submission.Items[j] = BatchItem{
				CustomID:   p.CustomID,
				Messages:   o.builder.Render(mode, p),
				SchemaName: SchemaName(mode),
				Schema:     ResponseSchema(mode),
			}
		}

		result, err := o.service.Submit(ctx, submission)
		if err != nil {
			return jobs, fmt.Errorf("failed to submit batch %d/%d: %w", i+1, len(batches), err)
		}

		now := o.now()
		job.ID = result.JobID
		job.InputRef = result.InputRef
		job.SubmittedAt = now
		if err := job.transition(StatusPending, now); err != nil {
			return jobs, err
		}
		if result.Status != "" && result.Status != StatusPending {
			if err := job.transition(result.Status, now); err != nil {
				return jobs, err
			}
		}

		if err := o.repo.SaveJob(ctx, job); err != nil {
			// サービス側には投入済み
			o.logger.Error("投入したバッチを保存できませんでした",
				"jobID", job.ID,
				"inputRef", job.InputRef,
				"mode", mode,
				"prompts", len(batch),
				"parentID", parentID,
				"error", err,
			)
			return jobs, fmt.Errorf("failed to save submitted job %s (%d prompts): %w", job.ID, len(batch), err)
		}
		jobs = append(jobs, job)

		o.logger.Info("バッチを投入",
			"jobID", job.ID,
			"mode", mode,
			"prompts", len(batch),
			"batch", i+1,
			"batches", len(batches),
			"parentID", parentID,
		)
	}

	return jobs, nil
}

// Poll はジョブの状態を1回問い合わせて更新する
// 終端状態のジョブはサービスに問い合わせずそのまま返す
func (o *Orchestrator) Poll(ctx context.Context, jobID string) (*Job, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	state, err := retry(o.policy(ctx), func() (RemoteState, error) {
		return o.service.Status(ctx, jobID)
	})
	if err != nil {
		if state, err = o.unreachable(ctx, job, err); err != nil {
			return nil, fmt.Errorf("failed to poll job %s: %w", jobID, err)
		}
	}

	now := o.now()
	prev := job.Status
	next := state.Status
	if !next.IsTerminal() && now.Sub(job.SubmittedAt) > o.timeout {
		next = StatusExpired
		state.Error = fmt.Sprintf("local timeout after %s", o.timeout)
	}
	if err := job.transition(next, now); err != nil {
		return nil, err
	}
	if state.OutputRef != "" {
		job.OutputRef = state.OutputRef
	}
	if state.ErrorRef != "" {
		job.ErrorRef = state.ErrorRef
	}
	if state.Error != "" {
		job.Error = state.Error
	}

	if err := o.repo.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %s: %w", jobID, err)
	}

	o.logger.Info("ジョブの状態を更新",
		"jobID", jobID,
		"from", prev,
		"to", job.Status,
		"completed", state.Completed,
		"failed", state.Failed,
		"total", state.Total,
	)
	return job, nil
}

// PollAll は終端状態でない全ジョブをポーリングする
// 個別のジョブのエラーは集約して返し、他のジョブの処理は続ける
func (o *Orchestrator) PollAll(ctx context.Context) ([]*Job, error) {
	jobs, err := o.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var (
		polled []*Job
		errs   []error
	)
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		updated, err := o.Poll(ctx, job.ID)
		if err != nil {
			if errors.Is(err, ErrServiceUnavailable) || ctx.Err() != nil {
				return polled, err
			}
			o.logger.Warn("ジョブをポーリングできませんでした", "jobID", job.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		polled = append(polled, updated)
	}
	return polled, errors.Join(errs...)
}

// unreachable は状態を取得できなかったジョブの扱いを決める
// サービス側に存在しないジョブは失敗とし、期限を過ぎたジョブは現在の状態のまま返して期限切れの判定に回す
func (o *Orchestrator) unreachable(ctx context.Context, job *Job, err error) (RemoteState, error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return RemoteState{Status: StatusFailed, Error: "batch service: " + err.Error()}, nil
	case errors.Is(err, ErrServiceUnavailable), ctx.Err() != nil:
		return RemoteState{}, err
	case o.now().Sub(job.SubmittedAt) > o.timeout:
		o.logger.Warn("状態を取得できないまま期限を過ぎたジョブ", "jobID", job.ID, "error", err)
		return RemoteState{Status: job.Status}, nil
	}
	return RemoteState{}, err
}

// Fetch は完了したジョブの出力を取得し、custom_id ごとの結果に変換する
// 取得済みのジョブは保存済みの結果を返し、サービスには問い合わせない
func (o *Orchestrator) Fetch(ctx context.Context, jobID string) ([]Outcome, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCompleted, jobID, job.Status)
	}
	if job.Fetched {
		return o.repo.ListOutcomes(ctx, jobID)
	}

	responses, err := retry(o.policy(ctx), func() ([]RawResponse, error) {
		return o.service.Fetch(ctx, job.OutputRef, job.ErrorRef)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}

	outcomes := o.collect(job, responses)

	if err := o.repo.SaveOutcomes(ctx, jobID, outcomes); err != nil {
		return nil, fmt.Errorf("failed to save outcomes for job %s: %w", jobID, err)
	}
	job.Fetched = true
	job.UpdatedAt = o.now()
	if err := o.repo.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job %s: %w", jobID, err)
	}

	return outcomes, nil
}

// collect は応答を custom_id で突き合わせる。位置には依存しない
func (o *Orchestrator) collect(job *Job, responses []RawResponse) []Outcome {
	byID := make(map[string]RawResponse, len(responses))
	submitted := make(map[string]struct{}, len(job.Prompts))
	for _, p := range job.Prompts {
		submitted[p.CustomID] = struct{}{}
	}

	unknown, duplicate := 0, 0
	for _, r := range responses {
		if _, ok := submitted[r.CustomID]; !ok {
			unknown++
			continue
		}
		if _, ok := byID[r.CustomID]; ok {
			duplicate++
			continue
		}
		byID[r.CustomID] = r
	}

	outcomes := make([]Outcome, 0, len(job.Prompts))
	counts := map[FailureKind]int{}
	answers := 0
	for _, p := range job.Prompts {
		r, ok := byID[p.CustomID]
		var outcome Outcome
		switch {
		case !ok:
			outcome = failed(job.ID, p.CustomID, FailureMissingResponse, "no response in output")
		case r.Error != "":
			outcome = failed(job.ID, p.CustomID, FailureRequestFailed, r.Error)
		default:
			answer, failure := ParseAnswer(job.Mode, p, r.Content)
			if failure != nil {
				outcome = Outcome{CustomID: p.CustomID, JobID: job.ID, Failure: failure}
			} else {
				outcome = answered(job.ID, answer)
			}
		}

		if outcome.Failure != nil {
			counts[outcome.Failure.Kind]++
			o.recordFailure(job.ID, p, r.Content, outcome.Failure)
		} else {
			answers++
		}
		outcomes = append(outcomes, outcome)
	}

	o.logger.Info("ジョブの結果を取得",
		"jobID", job.ID,
		"prompts", len(job.Prompts),
		"answers", answers,
		"failures", counts,
		"unknownCustomIDs", unknown,
		"duplicates", duplicate,
	)
	return outcomes
}

func (o *Orchestrator) recordFailure(jobID string, p Prompt, response string, f *Failure) {
	rec := ErrorRecord{
		Timestamp: o.now(),
		JobID:     jobID,
		CustomID:  p.CustomID,
		Kind:      f.Kind,
		Query:     p.QueryText,
		Response:  TruncateString(response, 500),
		Detail:    f.Detail,
	}
	if err := o.errorLog.Record(rec); err != nil {
		o.logger.Warn("エラーログの書き込みに失敗", "error", err)
	}
}

// Outcomes はジョブの custom_id ごとの結果を返す
// 失敗・期限切れのジョブは全 custom_id に job_failed / job_expired を記録した結果を返す
func (o *Orchestrator) Outcomes(ctx context.Context, jobID string) ([]Outcome, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return o.outcomesOf(ctx, job)
}

func (o *Orchestrator) outcomesOf(ctx context.Context, job *Job) ([]Outcome, error) {
	switch job.Status {
	case StatusCompleted:
		return o.Fetch(ctx, job.ID)
	case StatusFailed, StatusExpired:
		kind := FailureJobFailed
		if job.Status == StatusExpired {
			kind = FailureJobExpired
		}
		outcomes := make([]Outcome, len(job.Prompts))
		for i, p := range job.Prompts {
			outcomes[i] = failed(job.ID, p.CustomID, kind, job.Error)
		}
		return outcomes, nil
	default:
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCompleted, job.ID, job.Status)
	}
}

// Resubmit は回答の得られなかったプロンプトを新しいジョブとして再投入する
// 再投入済みのジョブに対しては何もしない
func (o *Orchestrator) Resubmit(ctx context.Context, jobID string) ([]*Job, error) {
	job, err := o.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotTerminal, jobID, job.Status)
	}
	if job.Resubmitted {
		o.logger.Info("再投入済みのジョブをスキップ", "jobID", jobID)
		return nil, nil
	}

	outcomes, err := o.outcomesOf(ctx, job)
	if err != nil {
		return nil, err
	}
	unanswered := make(map[string]struct{})
	for _, out := range outcomes {
		if out.Answer == nil {
			unanswered[out.CustomID] = struct{}{}
		}
	}

	var prompts []Prompt
	for _, p := range job.Prompts {
		if _, ok := unanswered[p.CustomID]; ok {
			prompts = append(prompts, p)
		}
	}
	// 別のジョブで投入し直されたプロンプトは送らない
	held, err := o.heldCustomIDs(ctx, job.Mode, job.ID)
	if err != nil {
		return nil, err
	}
	prompts = withoutHeld(prompts, held)

	var jobs []*Job
	if len(prompts) > 0 {
		jobs, err = o.submit(ctx, job.Mode, prompts, job.ID)
		if err != nil {
			return jobs, err
		}
	}

	job.Resubmitted = true
	job.UpdatedAt = o.now()
	if err := o.repo.SaveJob(ctx, job); err != nil {
		return jobs, fmt.Errorf("failed to save job %s: %w", jobID, err)
	}

	o.logger.Info("ジョブを再投入", "jobID", jobID, "prompts", len(prompts), "newJobs", len(jobs))
	return jobs, nil
}

// Collection は全ジョブから集めたプロンプトと結果
type Collection struct {
	Prompts  []Prompt
	Outcomes []Outcome
	// Pending は終端状態に達していないジョブ数
	Pending int
	// Unfetched は完了したが結果を取得できなかったジョブ数。対応する custom_id は pending として扱われる
	Unfetched int
}

// Collect は指定モードの全ジョブのプロンプトと結果を投入順に集める
// 完了済みで未取得のジョブは取得する。個別ジョブの取得失敗は Unfetched に数えて続ける
func (o *Orchestrator) Collect(ctx context.Context, mode retrieval.Mode) (*Collection, error) {
	jobs, err := o.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	c := &Collection{}
	for _, job := range jobs {
		if job.Mode != mode {
			continue
		}
		c.Prompts = append(c.Prompts, job.Prompts...)
		if !job.Status.IsTerminal() {
			c.Pending++
			continue
		}
		outcomes, err := o.outcomesOf(ctx, job)
		if err != nil {
			if errors.Is(err, ErrServiceUnavailable) || ctx.Err() != nil {
				return nil, err
			}
			o.logger.Warn("ジョブの結果を取得できませんでした", "jobID", job.ID, "error", err)
			c.Unfetched++
			continue
		}
		c.Outcomes = append(c.Outcomes, outcomes...)
	}
	return c, nil
}

// Stats はジョブの集計
type Stats struct {
	Jobs             int
	ByStatus         map[Status]int
	PendingBatches   int
	PromptsSubmitted int
	Unfetched        int
}

// Stats はジョブの状態別件数などを返す
func (o *Orchestrator) Stats(ctx context.Context) (*Stats, error) {
	jobs, err := o.repo.ListJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	s := &Stats{ByStatus: make(map[Status]int)}
	for _, job := range jobs {
		s.Jobs++
		s.ByStatus[job.Status]++
		s.PromptsSubmitted += len(job.Prompts)
		if !job.Status.IsTerminal() {
			s.PendingBatches++
		}
		if job.Status == StatusCompleted && !job.Fetched {
			s.Unfetched++
		}
	}
	return s, nil
}

// Jobs は全ジョブを投入順に返す
func (o *Orchestrator) Jobs(ctx context.Context) ([]*Job, error) {
	return o.repo.ListJobs(ctx)
}

func (o *Orchestrator) getJob(ctx context.Context, jobID string) (*Job, error) {
	opt, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	job, ok := opt.Get()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (o *Orchestrator) policy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(o.newBackOff(), o.maxRetries), ctx)
}

// retry は一時的な失敗を指数バックオフで再試行する
func retry[T any](b backoff.BackOff, op func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && (errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrJobNotFound)) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}

// Preview は1件のプロンプトをバッチを介さず同期的に判定する
// 投入前にプロンプトとスキーマを確認するためのもので、結果は保存しない
func (o *Orchestrator) Preview(ctx context.Context, completer Completer, mode retrieval.Mode, p Prompt) (*Answer, *Failure, error) {
	item := BatchItem{
		CustomID:   p.CustomID,
		Messages:   o.builder.Render(mode, p),
		SchemaName: SchemaName(mode),
		Schema:     ResponseSchema(mode),
	}

	content, err := completer.Complete(ctx, o.model, o.maxTokens, item)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to complete prompt %s: %w", p.CustomID, err)
	}

	answer, failure := ParseAnswer(mode, p, content)
	if failure != nil {
		o.recordFailure("preview", p, content, failure)
	}
	return answer, failure, nil
}
