package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
)

// BatchEstimateAction は投入前にプロンプト数とコストを見積もるコマンドのアクション
func BatchEstimateAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	prompts, err := buildPrompts(ctx, appCtx, mode)
	if err != nil {
		return err
	}
	// 投入済みのプロンプトは見積もりに含めない
	prompts, err = appCtx.Container.Pipeline.Unsubmitted(ctx, mode, prompts)
	if err != nil {
		return err
	}

	acc := appCtx.Container.Accountant.Estimate(mode, prompts)
	renderAccounting(acc, appCtx.Config.OpenAI.BatchModel)

	if acc.CostKnown {
		warn, err := appCtx.Container.Costs.CheckLimit(acc.EstimatedCostUSD)
		if err != nil {
			return err
		}
		if warn {
			slog.Warn("見積もりコストが警告閾値を超えています", "costUSD", acc.EstimatedCostUSD)
		}
	}
	return nil
}

// BatchSubmitAction はプロンプトを作成してバッチジョブを投入するコマンドのアクション
func BatchSubmitAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	prompts, err := buildPrompts(ctx, appCtx, mode)
	if err != nil {
		return err
	}
	prompts, err = appCtx.Container.Pipeline.Unsubmitted(ctx, mode, prompts)
	if err != nil {
		return err
	}
	if len(prompts) == 0 {
		slog.Info("投入するプロンプトがありません")
		return nil
	}

	acc := appCtx.Container.Accountant.Estimate(mode, prompts)
	if acc.CostKnown && !cmd.Bool("force") {
		if _, err := appCtx.Container.Costs.CheckLimit(acc.EstimatedCostUSD); err != nil {
			return fmt.Errorf("%w (--force で上限を無視できます)", err)
		}
	}

	var jobs []*disambiguation.Job
	err = appCtx.WithOrchestratorLock(ctx, func() error {
		var submitErr error
		jobs, submitErr = appCtx.Container.Pipeline.Submit(ctx, mode, prompts)
		return submitErr
	})
	renderJobs(jobs)
	if err != nil {
		return fmt.Errorf("ジョブの投入に失敗 (再実行すると未投入のプロンプトだけを投入します): %w", err)
	}
	return nil
}

// BatchPollAction は未完了ジョブの状態を1回問い合わせるコマンドのアクション
func BatchPollAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var polled []*disambiguation.Job
	err = appCtx.WithOrchestratorLock(ctx, func() error {
		if id := cmd.String("job"); id != "" {
			job, err := appCtx.Container.Orchestrator.Poll(ctx, id)
			if job != nil {
				polled = append(polled, job)
			}
			return err
		}
		var pollErr error
		polled, pollErr = appCtx.Container.Orchestrator.PollAll(ctx)
		return pollErr
	})
	renderJobs(polled)
	if err != nil {
		return fmt.Errorf("ジョブのポーリングに失敗: %w", err)
	}
	return nil
}

// BatchFetchAction は完了したジョブの結果を取得するコマンドのアクション
// --job を省略すると完了済みで未取得の全ジョブを取得する
func BatchFetchAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	orch := appCtx.Container.Orchestrator
	table := newTable("ジョブ", "回答", "失敗")

	err = appCtx.WithOrchestratorLock(ctx, func() error {
		var ids []string
		if id := cmd.String("job"); id != "" {
			ids = []string{id}
		} else {
			jobs, err := orch.Jobs(ctx)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				if j.Status == disambiguation.StatusCompleted && !j.Fetched {
					ids = append(ids, j.ID)
				}
			}
		}

		var errs []error
		for _, id := range ids {
			outcomes, err := orch.Fetch(ctx, id)
			if err != nil {
				if errors.Is(err, disambiguation.ErrServiceUnavailable) {
					return err
				}
				errs = append(errs, err)
				continue
			}
			answered, failed := countOutcomes(outcomes)
			table.Append(id, fmt.Sprintf("%d", answered), fmt.Sprintf("%d", failed))
		}
		return errors.Join(errs...)
	})
	table.Render()
	if err != nil {
		return fmt.Errorf("結果の取得に失敗: %w", err)
	}
	return nil
}

// BatchResubmitAction は回答の得られなかったプロンプトを再投入するコマンドのアクション
func BatchResubmitAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	var jobs []*disambiguation.Job
	err = appCtx.WithOrchestratorLock(ctx, func() error {
		var resubmitErr error
		jobs, resubmitErr = appCtx.Container.Orchestrator.Resubmit(ctx, cmd.String("job"))
		return resubmitErr
	})
	if len(jobs) == 0 && err == nil {
		slog.Info("再投入するプロンプトはありません", "jobID", cmd.String("job"))
		return nil
	}
	renderJobs(jobs)
	if err != nil {
		return fmt.Errorf("再投入に失敗: %w", err)
	}
	return nil
}

// BatchListAction はジョブ一覧と集計を表示するコマンドのアクション
func BatchListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	orch := appCtx.Container.Orchestrator
	jobs, err := orch.Jobs(ctx)
	if err != nil {
		return fmt.Errorf("ジョブ一覧の取得に失敗: %w", err)
	}
	renderJobs(jobs)

	stats, err := orch.Stats(ctx)
	if err != nil {
		return fmt.Errorf("ジョブ集計に失敗: %w", err)
	}
	fmt.Println("\n=== 集計 ===")
	table := newTable("項目", "件数")
	table.Append("ジョブ", fmt.Sprintf("%d", stats.Jobs))
	for _, s := range []disambiguation.Status{
		disambiguation.StatusPending,
		disambiguation.StatusRunning,
		disambiguation.StatusCompleted,
		disambiguation.StatusFailed,
		disambiguation.StatusExpired,
	} {
		table.Append(string(s), fmt.Sprintf("%d", stats.ByStatus[s]))
	}
	table.Append("未完了バッチ", fmt.Sprintf("%d", stats.PendingBatches))
	table.Append("未取得", fmt.Sprintf("%d", stats.Unfetched))
	table.Append("投入プロンプト", fmt.Sprintf("%d", stats.PromptsSubmitted))
	table.Render()
	return nil
}

// BatchPreviewAction は1件のプロンプトを同期的に判定して表示するコマンドのアクション
func BatchPreviewAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	completer, err := appCtx.Container.Completer()
	if err != nil {
		return err
	}

	prompts, err := buildPrompts(ctx, appCtx, mode)
	if err != nil {
		return err
	}
	prompt, err := selectPrompt(prompts, appCtx.Container.Normalizer.Normalize(cmd.String("trait")))
	if err != nil {
		return err
	}

	if cmd.Bool("show-prompt") {
		for _, m := range appCtx.Container.Builder.Render(mode, prompt) {
			fmt.Printf("[%s]\n%s\n\n", m.Role, m.Content)
		}
	}

	answer, failure, err := appCtx.Container.Orchestrator.Preview(ctx, completer, mode, prompt)
	if err != nil {
		return err
	}

	table := newTable("項目", "値")
	table.Append("custom_id", prompt.CustomID)
	table.Append("trait", prompt.QueryText)
	table.Append("候補数", fmt.Sprintf("%d", len(prompt.Candidates)))
	if answer != nil {
		table.Append("回答", fmt.Sprintf("%s (%s)", answer.CandidateText, answer.CandidateID))
		table.Append("confidence", fmt.Sprintf("%d", answer.Confidence))
	}
	if failure != nil {
		table.Append("失敗", string(failure.Kind))
		table.Append("詳細", failure.Detail)
	}
	table.Render()
	return nil
}

// buildPrompts は候補検索を行ってユニークな形質ごとのプロンプトを作る
func buildPrompts(ctx context.Context, appCtx *AppContext, mode retrieval.Mode) ([]disambiguation.Prompt, error) {
	state, err := prepareMatches(ctx, appCtx, mode)
	if err != nil {
		return nil, err
	}
	prompts, err := appCtx.Container.Pipeline.BuildPrompts(state.Matches)
	if err != nil {
		return nil, fmt.Errorf("プロンプトの作成に失敗: %w", err)
	}
	return prompts, nil
}

// selectPrompt は正規化後テキストが一致するプロンプトを返す。cleanText が空なら先頭を返す
func selectPrompt(prompts []disambiguation.Prompt, cleanText string) (disambiguation.Prompt, error) {
	if len(prompts) == 0 {
		return disambiguation.Prompt{}, errors.New("プロンプトがありません")
	}
	if cleanText == "" {
		return prompts[0], nil
	}
	for _, p := range prompts {
		if p.QueryText == cleanText {
			return p, nil
		}
	}
	return disambiguation.Prompt{}, fmt.Errorf("形質 %q のプロンプトが見つかりません", cleanText)
}

func countOutcomes(outcomes []disambiguation.Outcome) (answered, failed int) {
	for _, o := range outcomes {
		if o.Answer != nil {
			answered++
		} else {
			failed++
		}
	}
	return answered, failed
}

func renderAccounting(acc disambiguation.Accounting, model string) {
	table := newTable("項目", "値")
	table.Append("モデル", model)
	table.Append("プロンプト", fmt.Sprintf("%d", acc.Prompts))
	table.Append("バッチ", fmt.Sprintf("%d", acc.Batches))
	table.Append("入力トークン (推定)", fmt.Sprintf("%d", acc.EstimatedTokens.PromptTokens))
	table.Append("出力トークン (推定)", fmt.Sprintf("%d", acc.EstimatedTokens.ResponseTokens))
	if acc.CostKnown {
		table.Append("コスト (USD, 推定)", fmt.Sprintf("%.4f", acc.EstimatedCostUSD))
	} else {
		table.Append("コスト (USD, 推定)", "価格情報なし")
	}
	table.Render()
}

func renderJobs(jobs []*disambiguation.Job) {
	if len(jobs) == 0 {
		fmt.Println("ジョブはありません")
		return
	}
	table := newTable("ジョブ", "モード", "状態", "プロンプト", "取得済み", "親ジョブ", "投入日時")
	for _, j := range jobs {
		fetched := "-"
		if j.Fetched {
			fetched = "yes"
		}
		parent := j.ParentID
		if parent == "" {
			parent = "-"
		}
		table.Append(
			j.ID,
			string(j.Mode),
			string(j.Status),
			fmt.Sprintf("%d", len(j.Prompts)),
			fetched,
			parent,
			j.SubmittedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
}
