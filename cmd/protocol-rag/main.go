package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/protocol-rag/internal/app/cli"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func practitionerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "practitioner",
		Usage:   "施術者ID (UUID)",
		Sources: cli.EnvVars("PRACTITIONER_ID"),
	}
}

func idFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "id",
		Usage:    "プロトコルID",
		Required: true,
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "protocol-rag",
		Usage: "臨床プロトコル文書の取り込みと引用付き質問応答",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTPサーバコマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "REST APIサーバを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "port",
								Usage: "待ち受けポート（SERVER_PORT より優先）",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
			{
				Name:  "db",
				Usage: "データベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "migrate",
						Usage:  "スキーマのマイグレーションを適用",
						Flags:  []cli.Flag{envFlag()},
						Action: appcli.DBMigrateAction,
					},
				},
			},
			{
				Name:  "protocol",
				Usage: "プロトコル管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "analyze",
						Usage: "PDFを解析してカテゴリと説明を提案",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "PDFファイルパス",
								Required: true,
							},
						},
						Action: appcli.ProtocolAnalyzeAction,
					},
					{
						Name:  "create",
						Usage: "プロトコルを登録",
						Flags: []cli.Flag{
							envFlag(),
							practitionerFlag(),
							&cli.StringFlag{
								Name:  "file",
								Usage: "PDFファイルパス",
							},
							&cli.StringFlag{
								Name:  "staged",
								Usage: "analyze で得たステージングキー",
							},
							&cli.StringFlag{
								Name:  "name",
								Usage: "プロトコル名（省略時はファイル名）",
							},
							&cli.StringFlag{
								Name:  "category",
								Usage: "カテゴリ（省略時は提案値）",
							},
							&cli.StringFlag{
								Name:  "description",
								Usage: "説明（省略時は提案値）",
							},
						},
						Action: appcli.ProtocolCreateAction,
					},
					{
						Name:  "process",
						Usage: "チャンク化と埋め込みを実行",
						Flags: []cli.Flag{
							envFlag(),
							practitionerFlag(),
							idFlag(),
							&cli.BoolFlag{
								Name:  "wait",
								Usage: "進捗を表示しながら完了を待つ",
							},
						},
						Action: appcli.ProtocolProcessAction,
					},
					{
						Name:   "status",
						Usage:  "処理状況を表示",
						Flags:  []cli.Flag{envFlag(), practitionerFlag(), idFlag()},
						Action: appcli.ProtocolStatusAction,
					},
					{
						Name:   "list",
						Usage:  "プロトコル一覧を表示",
						Flags:  []cli.Flag{envFlag(), practitionerFlag()},
						Action: appcli.ProtocolListAction,
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "プロトコルに基づいて質問に回答",
				ArgsUsage: "<質問>",
				Flags: []cli.Flag{
					envFlag(),
					practitionerFlag(),
					&cli.StringSliceFlag{
						Name:  "protocol",
						Usage: "対象プロトコルID（複数指定可、省略時は全件）",
					},
					&cli.IntFlag{
						Name:  "k",
						Usage: "参照する抜粋数の上限",
					},
					&cli.BoolFlag{
						Name:  "show-sources",
						Usage: "参照ソースを表示",
					},
				},
				Action: appcli.AskAction,
			},
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
