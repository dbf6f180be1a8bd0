package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/pipeline"
)

// RunAction は取り込みからジョブ投入までを一括で実行するコマンドのアクション
// ジョブの完了には時間がかかるため、結果の割り当ては batch poll と assign で別途行う
func RunAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	rows, opts, terms, err := readIngestInputs(ctx, appCtx, cmd)
	if err != nil {
		return err
	}
	if len(terms) == 0 {
		terms, err = appCtx.Container.Repos.Catalog.ListTerms(ctx)
		if err != nil {
			return fmt.Errorf("参照語彙の取得に失敗: %w", err)
		}
	}
	if err := requireTerms(mode, terms); err != nil {
		return err
	}

	report := pipeline.NewRunReport(mode)
	slog.Info("パイプラインを開始", "runID", report.RunID, "mode", mode, "studies", len(rows))

	var out *pipeline.SubmitOutput
	err = appCtx.WithOrchestratorLock(ctx, func() error {
		var runErr error
		out, runErr = appCtx.Container.Pipeline.RunToSubmit(ctx, mode, rows, opts, terms, report)
		return runErr
	})
	// 投入に失敗しても、それまでのステージの結果は保存する
	if out != nil {
		if _, saveErr := saveCatalog(ctx, appCtx, terms, out.Ingest.Records); saveErr != nil {
			slog.Error("取り込み結果の保存に失敗しました", "error", saveErr)
		}
		if out.Matches != nil {
			if saveErr := saveSimilarities(ctx, appCtx, report.RunID, mode, cmd, out.Matches.Rows()); saveErr != nil {
				slog.Error("類似度の保存に失敗しました", "error", saveErr)
			}
		}
		renderReport(report)
	}
	if err != nil {
		return fmt.Errorf("パイプラインの実行に失敗 (再実行すると未投入のプロンプトだけを投入します): %w", err)
	}

	slog.Info("ジョブを投入しました。完了後に batch poll と assign を実行してください",
		"runID", report.RunID,
		"jobs", len(out.Jobs),
	)
	return nil
}

func renderReport(report *pipeline.RunReport) {
	table := newTable("ステージ", "件数")
	table.Append("run id", report.RunID.String())
	table.Append("mode", string(report.Mode))
	for _, row := range report.Rows() {
		table.Append(row[0], row[1])
	}
	table.Render()
}
