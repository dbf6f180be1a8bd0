package disambiguation

import (
	"errors"
	"fmt"
	"time"

	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

var (
	// ErrServiceUnavailable はバッチサービスに到達できないエラー。実行全体を中断する
	ErrServiceUnavailable = errors.New("batch service unavailable")
	// ErrJobNotFound は存在しないジョブ
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotCompleted は結果を取得できない状態のジョブ
	ErrJobNotCompleted = errors.New("job not completed")
	// ErrJobNotTerminal は終端状態でないジョブに対する再投入
	ErrJobNotTerminal = errors.New("job not in a terminal state")
	// ErrInvalidTransition は遷移表にない状態遷移
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrCustomIDCollision は異なるクエリが同じ custom_id を持つ
	ErrCustomIDCollision = errors.New("custom_id collision")
)

// Status はバッチジョブの状態
type Status string

const (
	StatusBuilt     Status = "built"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// 自己遷移はポーリングで状態が変わらなかった場合を表す
var transitions = map[Status][]Status{
	StatusBuilt:   {StatusPending, StatusFailed},
	StatusPending: {StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusExpired},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusExpired},
}

// IsTerminal は終端状態かどうかを返す
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// CanTransitionTo は遷移表に next が含まれるかを返す
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus は文字列を Status に変換する
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusBuilt, StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status: %q", s)
}

// Candidate はプロンプトに列挙する候補
type Candidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Prompt は1つのユニークなクエリテキストに対する判定要求
type Prompt struct {
	CustomID   string      `json:"customID"`
	QueryID    string      `json:"queryID"`
	QueryText  string      `json:"queryText"`
	Candidates []Candidate `json:"candidates"`
}

// Job はバッチサービスに投入した1ジョブの記録
type Job struct {
	ID          string
	Status      Status
	Mode        retrieval.Mode
	Model       string
	Prompts     []Prompt
	InputRef    string
	OutputRef   string
	ErrorRef    string
	Error       string
	ParentID    string
	Fetched     bool
	Resubmitted bool
	SubmittedAt time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// transition は遷移表に従って状態を更新する
func (j *Job) transition(next Status, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, next, j.ID)
	}
	j.Status = next
	j.UpdatedAt = now
	if next.IsTerminal() && j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// CustomIDs は投入したプロンプトの custom_id を投入順で返す
func (j *Job) CustomIDs() []string {
	ids := make([]string, len(j.Prompts))
	for i, p := range j.Prompts {
		ids[i] = p.CustomID
	}
	return ids
}

// Answer は判定サービスが選んだ候補
type Answer struct {
	CustomID      string `json:"customID"`
	Trait         string `json:"trait"`
	CandidateID   string `json:"candidateID"`
	CandidateText string `json:"candidateText"`
	Confidence    int    `json:"confidence"`
}

// FailureKind は回答が得られなかった理由
type FailureKind string

const (
	FailureParseFailed      FailureKind = "parse_failed"
	FailureUnknownCandidate FailureKind = "unknown_candidate"
	FailureRequestFailed    FailureKind = "request_failed"
	FailureMissingResponse  FailureKind = "missing_response"
	FailureJobFailed        FailureKind = "job_failed"
	FailureJobExpired       FailureKind = "job_expired"
	// FailurePending はジョブがまだ終端状態に達していない
	FailurePending FailureKind = "pending"
	// FailureNotSubmitted は対応するプロンプトがない (ベクトル欠損など)
	FailureNotSubmitted FailureKind = "not_submitted"
)

// Failure は custom_id ごとの失敗記録
type Failure struct {
	CustomID string      `json:"customID"`
	Kind     FailureKind `json:"kind"`
	Detail   string      `json:"detail"`
}

// Outcome は custom_id ごとの結果。Answer と Failure のどちらか一方のみを持つ
type Outcome struct {
	CustomID string
	JobID    string
	Answer   *Answer
	Failure  *Failure
}

func answered(jobID string, a *Answer) Outcome {
	return Outcome{CustomID: a.CustomID, JobID: jobID, Answer: a}
}

func failed(jobID, customID string, kind FailureKind, detail string) Outcome {
	return Outcome{
		CustomID: customID,
		JobID:    jobID,
		Failure:  &Failure{CustomID: customID, Kind: kind, Detail: detail},
	}
}

// Assignment は形質に対する最終的な割り当て
type Assignment struct {
	StudyID    string
	Trait      string
	EFOID      string
	EFOTerm    string
	Confidence int
	JobID      string
	CustomID   string
}

// Omission は割り当てが得られなかった形質
type Omission struct {
	StudyID  string
	Trait    string
	CustomID string
	Kind     FailureKind
	Detail   string
}
