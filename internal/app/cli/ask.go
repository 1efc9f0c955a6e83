package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/protocol-rag/internal/core/ask"
	"github.com/jinford/protocol-rag/internal/core/search"
)

// AskAction は質問応答コマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	owner, err := practitionerID(cmd)
	if err != nil {
		return err
	}
	scope, err := parseIDs(cmd.StringSlice("protocol"))
	if err != nil {
		return err
	}
	showSources := cmd.Bool("show-sources")

	// 質問文の取得
	question := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("質問文を指定してください")
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	slog.Info("質問応答を開始",
		"scope", len(scope),
		"showSources", showSources,
	)

	answer, err := appCtx.Container.Ask.Ask(ctx, ask.Params{
		OwnerID:  owner,
		Question: question,
		Scope:    search.Scope{ProtocolIDs: scope},
		K:        cmd.Int("k"),
	})
	if err != nil {
		slog.Error("質問応答に失敗しました", "error", err)
		return err
	}

	// 結果出力
	fmt.Println(answer.Text)

	if s := answer.Structured; s != nil {
		if len(s.KeyPoints) > 0 {
			fmt.Println("\n--- Points clés ---")
			for _, kp := range s.KeyPoints {
				fmt.Printf("- %s\n", kp)
			}
		}
		if len(s.Warnings) > 0 {
			fmt.Println("\n--- Points de vigilance ---")
			for _, w := range s.Warnings {
				fmt.Printf("! %s\n", w)
			}
		}
	}

	// --show-sourcesフラグが指定されている場合、参照ソースも出力
	if showSources && len(answer.Sources) > 0 {
		fmt.Println("\n--- 参照ソース ---")
		for _, group := range answer.Sources {
			fmt.Printf("%s (%s)\n", group.ProtocolName, group.FileURL)
			for _, r := range group.Results {
				fmt.Printf("  [%d] p.%d スコア: %.4f\n", r.Citation, r.PageNumber, r.Score)
			}
		}
	}

	slog.Info("質問応答が完了しました", "noRelevantContent", answer.NoRelevantContent)
	return nil
}
