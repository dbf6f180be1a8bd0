package commands

import (
	"github.com/urfave/cli/v3"
)

// NewApp はコマンドツリーを組み立てる
func NewApp() *cli.Command {
	return &cli.Command{
		Name:  "efo-mapper",
		Usage: "GWAS 研究の形質ラベルを EFO 語彙 (または他コホートの形質) に対応付ける",
		Commands: []*cli.Command{
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "スキーマを適用",
						Flags:  []cli.Flag{envFlag()},
						Action: DBMigrateAction,
					},
					{
						Name:   "status",
						Usage:  "保存済みデータの件数を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: DBStatusAction,
					},
				},
			},
			{
				Name:   "ingest",
				Usage:  "研究テーブルと参照語彙を取り込む",
				Flags:  append([]cli.Flag{envFlag()}, ingestFlags()...),
				Action: IngestAction,
			},
			{
				Name:   "embed",
				Usage:  "取り込み済みの形質と参照語彙を埋め込む",
				Flags:  []cli.Flag{envFlag(), modeFlag()},
				Action: EmbedAction,
			},
			{
				Name:   "match",
				Usage:  "候補を検索して類似度テーブルを作成",
				Flags:  append([]cli.Flag{envFlag(), modeFlag()}, matchOutputFlags()...),
				Action: MatchAction,
			},
			{
				Name:  "batch",
				Usage: "バッチ判定ジョブの管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "estimate",
						Usage:  "投入前にプロンプト数とコストを見積もる",
						Flags:  []cli.Flag{envFlag(), modeFlag()},
						Action: BatchEstimateAction,
					},
					{
						Name:  "submit",
						Usage: "プロンプトを作成してジョブを投入",
						Flags: []cli.Flag{
							envFlag(),
							modeFlag(),
							&cli.BoolFlag{
								Name:  "force",
								Usage: "コスト上限を超えていても投入する",
							},
						},
						Action: BatchSubmitAction,
					},
					{
						Name:  "poll",
						Usage: "未完了ジョブの状態を1回問い合わせる",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "job",
								Usage: "ジョブID (省略時は未完了の全ジョブ)",
							},
						},
						Action: BatchPollAction,
					},
					{
						Name:  "fetch",
						Usage: "完了したジョブの結果を取得",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "job",
								Usage: "ジョブID (省略時は完了済みで未取得の全ジョブ)",
							},
						},
						Action: BatchFetchAction,
					},
					{
						Name:  "resubmit",
						Usage: "回答の得られなかったプロンプトを再投入",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "job",
								Usage:    "再投入元のジョブID",
								Required: true,
							},
						},
						Action: BatchResubmitAction,
					},
					{
						Name:   "list",
						Usage:  "ジョブ一覧と集計を表示",
						Flags:  []cli.Flag{envFlag()},
						Action: BatchListAction,
					},
					{
						Name:  "preview",
						Usage: "1件のプロンプトを同期的に判定して確認する",
						Flags: []cli.Flag{
							envFlag(),
							modeFlag(),
							&cli.StringFlag{
								Name:  "trait",
								Usage: "判定する形質 (省略時は先頭のプロンプト)",
							},
							&cli.BoolFlag{
								Name:  "show-prompt",
								Usage: "送信するメッセージを表示",
							},
						},
						Action: BatchPreviewAction,
					},
				},
			},
			{
				Name:  "assign",
				Usage: "ジョブの結果を形質に割り当てる",
				Flags: []cli.Flag{
					envFlag(),
					modeFlag(),
					&cli.StringFlag{
						Name:  "out",
						Usage: "割り当て CSV の出力パス",
					},
					&cli.StringFlag{
						Name:  "omissions",
						Usage: "割り当てられなかった形質の CSV 出力パス",
					},
				},
				Action: AssignAction,
			},
			{
				Name:   "run",
				Usage:  "取り込みからジョブ投入までを一括実行",
				Flags:  append(append([]cli.Flag{envFlag(), modeFlag()}, ingestFlags()...), matchOutputFlags()...),
				Action: RunAction,
			},
		},
	}
}
