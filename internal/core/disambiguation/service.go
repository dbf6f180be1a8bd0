package disambiguation

import (
	"context"

	"github.com/samber/mo"
)

// BatchItem はバッチ内の1リクエスト
type BatchItem struct {
	CustomID   string
	Messages   []Message
	SchemaName string
	Schema     map[string]any
}

// BatchSubmission はバッチサービスへの投入内容
type BatchSubmission struct {
	Model     string
	MaxTokens int
	Items     []BatchItem
	Metadata  map[string]string
}

// SubmitResult は投入結果
type SubmitResult struct {
	JobID    string
	InputRef string
	Status   Status
}

// RemoteState はバッチサービス側のジョブ状態
type RemoteState struct {
	Status    Status
	OutputRef string
	ErrorRef  string
	Error     string
	Total     int
	Completed int
	Failed    int
}

// RawResponse は出力ファイルの1レコード。Error が空でなければサービス側で失敗した
type RawResponse struct {
	CustomID string
	Content  string
	Error    string
}

// BatchService は非同期バッチ推論サービス
type BatchService interface {
	// Submit はバッチを投入してジョブ ID を返す
	Submit(ctx context.Context, submission BatchSubmission) (SubmitResult, error)

	// Status はジョブの現在の状態を返す
	Status(ctx context.Context, jobID string) (RemoteState, error)

	// Fetch は完了したジョブの出力を custom_id 付きで返す。順序は保証しない
	Fetch(ctx context.Context, outputRef, errorRef string) ([]RawResponse, error)
}

// JobRepository はジョブ・プロンプト・結果の永続化を担う
type JobRepository interface {
	// SaveJob はジョブとそのプロンプトを保存する (upsert)
	SaveJob(ctx context.Context, job *Job) error

	// GetJob はジョブを取得する
	GetJob(ctx context.Context, jobID string) (mo.Option[*Job], error)

	// ListJobs は全ジョブを投入日時順に返す
	ListJobs(ctx context.Context) ([]*Job, error)

	// SaveOutcomes はジョブの結果を保存する (custom_id ごとに upsert)
	SaveOutcomes(ctx context.Context, jobID string, outcomes []Outcome) error

	// ListOutcomes はジョブの結果を返す
	ListOutcomes(ctx context.Context, jobID string) ([]Outcome, error)
}

// Completer は1件のリクエストを同期的に実行する推論クライアント
type Completer interface {
	Complete(ctx context.Context, model string, maxTokens int, item BatchItem) (string, error)
}
