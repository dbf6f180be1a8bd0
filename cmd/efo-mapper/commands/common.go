package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/efo-mapper/internal/core/retrieval"
	"github.com/jinford/efo-mapper/internal/core/trait"
	"github.com/jinford/efo-mapper/internal/infra/postgres"
	"github.com/jinford/efo-mapper/internal/platform/config"
	"github.com/jinford/efo-mapper/internal/platform/container"
	"github.com/jinford/efo-mapper/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// NewAppContext は設定ファイルを読み込み、DBに接続して AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	cont, err := container.NewContainer(ctx, cfg, container.WithContainerLogger(appLogger))
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

// WithOrchestratorLock はジョブを変更する処理をアドバイザリロック下で実行する
// 別の呼び出しがロックを保持していれば待たずに失敗する
func (ac *AppContext) WithOrchestratorLock(ctx context.Context, fn func() error) error {
	lock, err := postgres.TryAcquire(ctx, ac.Container.Database().Pool, postgres.OrchestratorLockName)
	if err != nil {
		if errors.Is(err, postgres.ErrLocked) {
			return fmt.Errorf("別のプロセスがジョブを操作中です: %w", err)
		}
		return err
	}
	defer func() {
		// 実行中のコンテキストがキャンセルされてもロックは解放する
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			ac.Logger().Warn("ロックの解放に失敗しました", "error", err)
		}
	}()
	return fn()
}

// LoadCatalog は取り込み済みの形質レコードと参照語彙を読み込む
func (ac *AppContext) LoadCatalog(ctx context.Context) ([]trait.Record, []trait.Term, error) {
	records, err := ac.Container.Repos.Catalog.ListRecords(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("形質レコードの取得に失敗: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, errors.New("形質レコードがありません。先に ingest を実行してください")
	}
	terms, err := ac.Container.Repos.Catalog.ListTerms(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("参照語彙の取得に失敗: %w", err)
	}
	return records, terms, nil
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func modeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "mode",
		Usage: "マッチングモード (efo: 参照語彙との照合, cohort: コホート間の照合)",
		Value: string(retrieval.ModeEFO),
	}
}

func parseMode(cmd *cli.Command) (retrieval.Mode, error) {
	raw := cmd.String("mode")
	mode, ok := retrieval.ParseMode(raw)
	if !ok {
		return "", fmt.Errorf("不明なモードです: %q (efo または cohort)", raw)
	}
	return mode, nil
}

// requireTerms は efo モードで参照語彙が取り込まれていることを確認する
func requireTerms(mode retrieval.Mode, terms []trait.Term) error {
	if mode == retrieval.ModeEFO && len(terms) == 0 {
		return errors.New("参照語彙がありません。ingest --terms で取り込んでください")
	}
	return nil
}

func newTable(header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header(header...)
	return table
}
