package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/pipeline"
	"github.com/jinford/efo-mapper/internal/infra/postgres"
)

// DBMigrateAction はスキーマを適用するコマンドのアクション
func DBMigrateAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := postgres.Migrate(ctx, appCtx.Container.Database().Pool); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	slog.Info("スキーマを適用しました")
	return nil
}

// DBStatusAction は保存済みデータの件数を表示するコマンドのアクション
func DBStatusAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	repos := appCtx.Container.Repos
	records, err := repos.Catalog.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("形質レコードの取得に失敗: %w", err)
	}
	terms, err := repos.Catalog.ListTerms(ctx)
	if err != nil {
		return fmt.Errorf("参照語彙の取得に失敗: %w", err)
	}
	vectors, err := repos.Vectors.CountVectors(ctx)
	if err != nil {
		return fmt.Errorf("ベクトル件数の取得に失敗: %w", err)
	}

	table := newTable("項目", "件数")
	table.Append("形質レコード", fmt.Sprintf("%d", len(records)))
	table.Append("参照語彙", fmt.Sprintf("%d", len(terms)))
	for _, ns := range []string{pipeline.NamespaceTraits, pipeline.NamespaceTerms} {
		table.Append("ベクトル ("+ns+")", fmt.Sprintf("%d", vectors[ns]))
	}
	table.Render()
	return nil
}
