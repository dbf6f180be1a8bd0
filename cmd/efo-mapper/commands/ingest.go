package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/trait"
	"github.com/jinford/efo-mapper/internal/infra/tabular"
	"github.com/jinford/efo-mapper/internal/platform/database"
)

// IngestAction は研究テーブルと参照語彙を取り込むコマンドのアクション
func IngestAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, terms, err := ingestFiles(ctx, appCtx, cmd)
	if err != nil {
		return err
	}

	saved, err := saveCatalog(ctx, appCtx, terms, result.Records)
	if err != nil {
		return fmt.Errorf("取り込み結果の保存に失敗: %w", err)
	}

	table := newTable("項目", "件数")
	table.Append("保存した形質", fmt.Sprintf("%d", saved))
	table.Append("除外 (不正な行)", fmt.Sprintf("%d", len(result.Rejections)))
	table.Append("除外 (data_type)", fmt.Sprintf("%d", result.Filtered))
	table.Append("除外 (ignore リスト)", fmt.Sprintf("%d", result.Ignored))
	table.Append("重複として統合", fmt.Sprintf("%d", result.Collapsed))
	table.Append("参照語彙", fmt.Sprintf("%d", len(terms)))
	table.Render()
	return nil
}

// ingestFiles は入力ファイルを読み込んで検証・正規化する
func ingestFiles(ctx context.Context, appCtx *AppContext, cmd *cli.Command) (trait.IngestResult, []trait.Term, error) {
	rows, opts, terms, err := readIngestInputs(ctx, appCtx, cmd)
	if err != nil {
		return trait.IngestResult{}, nil, err
	}

	result := appCtx.Container.Pipeline.Ingest(rows, opts)
	for _, r := range result.Rejections {
		slog.Debug("行を除外", "studyID", r.StudyID, "trait", r.Trait, "reason", r.Reason)
	}
	return result, terms, nil
}

// readIngestInputs は研究テーブル・除外リスト・参照語彙を読み込み、取り込み条件を組み立てる
func readIngestInputs(ctx context.Context, appCtx *AppContext, cmd *cli.Command) ([]trait.StudyRow, trait.IngestOptions, []trait.Term, error) {
	cfg := appCtx.Config

	rows, err := tabular.ReadStudiesFile(cmd.String("studies"))
	if err != nil {
		return nil, trait.IngestOptions{}, nil, fmt.Errorf("研究テーブルの読み込みに失敗: %w", err)
	}

	ignoreLocation := cmd.String("ignore")
	if ignoreLocation == "" {
		ignoreLocation = cfg.Match.IgnoreList
	}
	ignore, err := tabular.LoadIgnoreList(ctx, nil, ignoreLocation)
	if err != nil {
		return nil, trait.IngestOptions{}, nil, fmt.Errorf("除外リストの読み込みに失敗: %w", err)
	}

	dataType := cfg.Match.DataType
	if cmd.IsSet("data-type") {
		dataType = cmd.String("data-type")
	}

	var terms []trait.Term
	if path := cmd.String("terms"); path != "" {
		terms, err = tabular.ReadTermsFile(path)
		if err != nil {
			return nil, trait.IngestOptions{}, nil, fmt.Errorf("参照語彙の読み込みに失敗: %w", err)
		}
		if err := trait.ValidateTerms(terms); err != nil {
			return nil, trait.IngestOptions{}, nil, fmt.Errorf("参照語彙が不正です: %w", err)
		}
	}

	opts := trait.IngestOptions{
		DataType:            dataType,
		Ignore:              ignore,
		KeepDuplicateTraits: cmd.Bool("keep-duplicates"),
		Logger:              appCtx.Logger(),
	}
	return rows, opts, terms, nil
}

// saveCatalog は参照語彙と形質レコードを1トランザクションで保存する
func saveCatalog(ctx context.Context, appCtx *AppContext, terms []trait.Term, records []trait.Record) (int, error) {
	return database.Transact(ctx, appCtx.Container.Transactions, func(a *database.Adapter) (int, error) {
		if len(terms) > 0 {
			if err := a.Catalog.SaveTerms(ctx, terms); err != nil {
				return 0, err
			}
		}
		if err := a.Catalog.SaveRecords(ctx, records); err != nil {
			return 0, err
		}
		return len(records), nil
	})
}

func ingestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "studies",
			Usage:    "研究テーブル (CSV/TSV, 列 study_name, trait, data_type, source)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "terms",
			Usage: "参照語彙ファイル (CSV/TSV, 列 id, term)",
		},
		&cli.StringFlag{
			Name:  "ignore",
			Usage: "除外する study 名のリスト (ファイルパスまたは URL)。省略時は IGNORE_STUDIES",
		},
		&cli.StringFlag{
			Name:  "data-type",
			Usage: "残す data_type。空文字で絞り込みなし。省略時は STUDY_DATA_TYPE",
		},
		&cli.BoolFlag{
			Name:  "keep-duplicates",
			Usage: "同一 trait テキストの研究をすべて残す",
		},
	}
}
