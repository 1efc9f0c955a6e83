package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/tracker"
)

// ProtocolAnalyzeAction はPDFを解析し、ステージングするコマンドのアクション
func ProtocolAnalyzeAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, staged, err := analyzeFile(ctx, appCtx, cmd.String("file"))
	if err != nil {
		return err
	}

	fmt.Printf("ファイル: %s (%s)\n", result.File.OriginalName, result.File.SizeHuman)
	fmt.Printf("ページ数: %d / 文字数: %d\n", result.PageCount, result.TextLength)
	fmt.Printf("カテゴリ: %s\n", result.Category)
	fmt.Printf("説明: %s\n", result.Description)
	fmt.Printf("ステージング: %s\n", staged)
	for _, t := range result.Timings {
		fmt.Printf("  %-15s %dms\n", t.Step, t.Duration.Milliseconds())
	}
	return nil
}

func analyzeFile(ctx context.Context, appCtx *AppContext, path string) (*intake.AnalysisResult, string, error) {
	if path == "" {
		return nil, "", errors.New("PDFファイルを --file で指定してください")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	cont := appCtx.Container
	result, err := cont.Intake.Analyze(ctx, intake.Upload{
		OriginalName: filepath.Base(path),
		MimeType:     intake.AcceptedMimeType,
		Data:         data,
	})
	if err != nil {
		return nil, "", fmt.Errorf("解析に失敗: %w", err)
	}

	staged, err := cont.Files.Stage(ctx, data)
	if err != nil {
		return nil, "", fmt.Errorf("ステージングに失敗: %w", err)
	}
	return result, staged, nil
}

// ProtocolCreateAction はプロトコルを登録するコマンドのアクション
// --staged がなければ --file を解析してからステージングする
func ProtocolCreateAction(ctx context.Context, cmd *cli.Command) error {
	owner, err := practitionerID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	staged := cmd.String("staged")
	category := cmd.String("category")
	description := cmd.String("description")
	original := filepath.Base(cmd.String("file"))

	if staged == "" {
		result, key, err := analyzeFile(ctx, appCtx, cmd.String("file"))
		if err != nil {
			return err
		}
		staged = key
		if category == "" {
			category = result.Category
		}
		if description == "" {
			description = result.Description
		}
	}

	name := cmd.String("name")
	if name == "" {
		name = strings.TrimSuffix(original, filepath.Ext(original))
	}

	p, err := appCtx.Container.Protocols.Create(ctx, protocol.CreateParams{
		OwnerID:          owner,
		Name:             name,
		Category:         category,
		Description:      description,
		StoredFile:       staged,
		OriginalFilename: original,
	})
	if err != nil {
		return fmt.Errorf("登録に失敗: %w", err)
	}

	printProtocol(p)
	return nil
}

// ProtocolProcessAction はチャンク化と埋め込みを開始するコマンドのアクション
func ProtocolProcessAction(ctx context.Context, cmd *cli.Command) error {
	owner, err := practitionerID(cmd)
	if err != nil {
		return err
	}
	id, err := protocolID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cont := appCtx.Container
	trigger, err := cont.Worker.Process(ctx, owner, id)
	if err != nil {
		return fmt.Errorf("処理の開始に失敗: %w", err)
	}
	if trigger.Started {
		fmt.Printf("処理を開始しました: run=%s\n", trigger.RunID)
	} else {
		fmt.Printf("処理は実行中です: run=%s (%s)\n", trigger.RunID, trigger.Status)
	}

	// ワーカーはこのプロセス内で動くため、終了前に完了を待つ必要がある
	if !cmd.Bool("wait") {
		cont.Worker.Wait()
		report, err := cont.Status.GetStatus(ctx, owner, id)
		if err != nil {
			return err
		}
		printReport(report)
		return reportError(report)
	}

	lastPrinted := 0
	report, err := cont.Poller(func(r *tracker.Report) {
		for _, e := range r.Events[min(lastPrinted, len(r.Events)):] {
			fmt.Printf("  [%s] %s\n", e.Step, e.Message)
		}
		lastPrinted = len(r.Events)
	}).Wait(ctx, owner, id)
	if err != nil {
		if errors.Is(err, tracker.ErrPollTimeout) {
			fmt.Println("タイムアウトしました。status コマンドで状況を確認してください")
		}
		return err
	}
	printReport(report)
	return reportError(report)
}

// ProtocolStatusAction は処理状況を表示するコマンドのアクション
func ProtocolStatusAction(ctx context.Context, cmd *cli.Command) error {
	owner, err := practitionerID(cmd)
	if err != nil {
		return err
	}
	id, err := protocolID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	report, err := appCtx.Container.Status.GetStatus(ctx, owner, id)
	if err != nil {
		return fmt.Errorf("状況の取得に失敗: %w", err)
	}
	for _, e := range report.Events {
		fmt.Printf("  %s [%s] %s\n", e.CreatedAt.Format("15:04:05.000"), e.Step, e.Message)
	}
	printReport(report)
	return nil
}

// ProtocolListAction はプロトコル一覧を表示するコマンドのアクション
func ProtocolListAction(ctx context.Context, cmd *cli.Command) error {
	owner, err := practitionerID(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	protocols, err := appCtx.Container.Protocols.List(ctx, owner)
	if err != nil {
		return fmt.Errorf("一覧の取得に失敗: %w", err)
	}
	if len(protocols) == 0 {
		fmt.Println("プロトコルはありません")
		return nil
	}
	for _, p := range protocols {
		fmt.Printf("%s  %-10s  %-20s  %s (%d pages, %d chunks)\n",
			p.ID, p.Status, p.Category, p.Name, p.PageCount, p.ChunkCount)
	}
	return nil
}

func printProtocol(p *protocol.Protocol) {
	fmt.Printf("ID: %s\n", p.ID)
	fmt.Printf("名前: %s\n", p.Name)
	fmt.Printf("カテゴリ: %s\n", p.Category)
	fmt.Printf("ページ数: %d\n", p.PageCount)
	fmt.Printf("状態: %s\n", p.Status)
}

func printReport(r *tracker.Report) {
	fmt.Printf("状態: %s", r.Status)
	if r.Percent != nil {
		fmt.Printf(" (%d%%)", *r.Percent)
	}
	fmt.Printf(" / チャンク数: %d\n", r.ChunkCount)
	if r.ErrorMessage != "" {
		fmt.Printf("エラー: %s\n", r.ErrorMessage)
	}
}

func reportError(r *tracker.Report) error {
	if r.Status == protocol.StatusError {
		return fmt.Errorf("%w: %s", protocol.ErrProcessingFailed, r.ErrorMessage)
	}
	return nil
}
