package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/disambiguation"
	"github.com/jinford/efo-mapper/internal/core/pipeline"
	"github.com/jinford/efo-mapper/internal/infra/tabular"
)

// AssignAction は全ジョブの結果を形質レコードに結合して割り当てを書き出すコマンドのアクション
func AssignAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	records, _, err := appCtx.LoadCatalog(ctx)
	if err != nil {
		return err
	}

	// 未完了ジョブのポーリングと未取得結果の取得はジョブを変更する
	var collection *disambiguation.Collection
	err = appCtx.WithOrchestratorLock(ctx, func() error {
		var collectErr error
		collection, collectErr = appCtx.Container.Pipeline.Collect(ctx, mode)
		return collectErr
	})
	if err != nil {
		return fmt.Errorf("結果の収集に失敗: %w", err)
	}
	if collection.Pending > 0 {
		slog.Warn("未完了のジョブがあります。対応する形質は pending として扱います", "jobs", collection.Pending)
	}
	if collection.Unfetched > 0 {
		slog.Warn("結果を取得できなかったジョブがあります。対応する形質は pending として扱います", "jobs", collection.Unfetched)
	}

	result := appCtx.Container.Pipeline.Assign(mode, records, collection)

	report := pipeline.NewRunReport(mode)
	report.RecordAssignments(result)
	if err := appCtx.Container.Repos.Results.SaveAssignments(ctx, report.RunID, mode, result.Assignments); err != nil {
		return fmt.Errorf("割り当ての保存に失敗: %w", err)
	}

	if err := writeAssignmentFiles(cmd, result); err != nil {
		return err
	}

	table := newTable("項目", "件数")
	table.Append("run id", report.RunID.String())
	table.Append("割り当て", fmt.Sprintf("%d", report.Assigned))
	kinds := make([]string, 0, len(report.Omitted))
	for k := range report.Omitted {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		table.Append("未割り当て ("+k+")", fmt.Sprintf("%d", report.Omitted[disambiguation.FailureKind(k)]))
	}
	table.Append("未完了ジョブ", fmt.Sprintf("%d", collection.Pending))
	table.Append("未取得ジョブ", fmt.Sprintf("%d", collection.Unfetched))
	table.Render()
	return nil
}

// writeAssignmentFiles は --out と --omissions が指定されていれば CSV を書き出す
func writeAssignmentFiles(cmd *cli.Command, result *disambiguation.ReconcileResult) error {
	if path := cmd.String("out"); path != "" {
		if err := tabular.WriteFile(path, func(w io.Writer) error {
			return tabular.WriteAssignments(w, result.Assignments)
		}); err != nil {
			return fmt.Errorf("割り当てファイルの書き出しに失敗: %w", err)
		}
		slog.Info("割り当てを書き出しました", "path", path, "rows", len(result.Assignments))
	}
	if path := cmd.String("omissions"); path != "" {
		if err := tabular.WriteFile(path, func(w io.Writer) error {
			return tabular.WriteOmissions(w, result.Omissions)
		}); err != nil {
			return fmt.Errorf("未割り当てファイルの書き出しに失敗: %w", err)
		}
		slog.Info("未割り当ての形質を書き出しました", "path", path, "rows", len(result.Omissions))
	}
	return nil
}
