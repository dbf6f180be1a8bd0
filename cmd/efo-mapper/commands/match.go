package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/pipeline"
	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
	"github.com/jinford/efo-mapper/internal/infra/tabular"
)

// matchState は候補検索までの結果
type matchState struct {
	Mode    retrieval.Mode
	Records []trait.Record
	Terms   []trait.Term
	Embed   *pipeline.EmbedOutput
	Matches *retrieval.Result
}

// MatchAction は候補検索を行い類似度テーブルを書き出すコマンドのアクション
func MatchAction(ctx context.Context, cmd *cli.Command) error {
	mode, err := parseMode(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	state, err := prepareMatches(ctx, appCtx, mode)
	if err != nil {
		return err
	}

	runID := uuid.New()
	rows := state.Matches.Rows()
	if err := saveSimilarities(ctx, appCtx, runID, mode, cmd, rows); err != nil {
		return err
	}

	table := newTable("項目", "値")
	table.Append("run id", runID.String())
	table.Append("クエリ", fmt.Sprintf("%d", len(state.Matches.Shortlists)))
	table.Append("候補あり", fmt.Sprintf("%d", state.Matches.Matched()))
	table.Append("スキップ", fmt.Sprintf("%d", len(state.Matches.Skipped)))
	table.Append("類似度行", fmt.Sprintf("%d", len(rows)))
	table.Render()
	return nil
}

// prepareMatches は取り込み済みデータを埋め込み、候補を検索する
func prepareMatches(ctx context.Context, appCtx *AppContext, mode retrieval.Mode) (*matchState, error) {
	records, terms, err := appCtx.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if err := requireTerms(mode, terms); err != nil {
		return nil, err
	}

	embedded, err := embedCatalog(ctx, appCtx, mode, records, terms)
	if err != nil {
		return nil, err
	}
	if n := embedded.Failed(); n > 0 {
		slog.Warn("埋め込みに失敗した項目は候補検索から除外されます", "failed", n)
	}

	matches, err := appCtx.Container.Pipeline.Retrieve(ctx, mode, records, terms)
	if err != nil {
		return nil, fmt.Errorf("候補検索に失敗: %w", err)
	}
	return &matchState{
		Mode:    mode,
		Records: records,
		Terms:   terms,
		Embed:   embedded,
		Matches: matches,
	}, nil
}

// saveSimilarities は類似度行を DB に保存し、--out が指定されていれば CSV に分割して書き出す
func saveSimilarities(ctx context.Context, appCtx *AppContext, runID uuid.UUID, mode retrieval.Mode, cmd *cli.Command, rows []retrieval.SimilarityRow) error {
	if err := appCtx.Container.Repos.Results.SaveSimilarities(ctx, runID, rows); err != nil {
		return fmt.Errorf("類似度の保存に失敗: %w", err)
	}

	dir := cmd.String("out")
	if dir == "" || len(rows) == 0 {
		return nil
	}
	dir = filepath.Join(dir, string(mode))
	paths, err := tabular.WriteSimilarityBatches(dir, mode, rows, int(cmd.Int("batch-rows")))
	if err != nil {
		return fmt.Errorf("類似度ファイルの書き出しに失敗: %w", err)
	}
	slog.Info("類似度ファイルを書き出しました", "files", len(paths), "dir", dir)
	return nil
}

func matchOutputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "類似度 CSV の出力ディレクトリ (省略時は DB のみに保存)",
		},
		&cli.IntFlag{
			Name:  "batch-rows",
			Usage: "類似度 CSV 1ファイルあたりの行数",
			Value: tabular.DefaultBatchRows,
		},
	}
}
