package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/protocol-rag/internal/platform/config"
	"github.com/jinford/protocol-rag/internal/platform/container"
	"github.com/jinford/protocol-rag/internal/platform/logger"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// LoadConfig は設定を読み込み、設定に従ってロガーを初期化する
func LoadConfig(envFile string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
	return cfg, appLogger, nil
}

// NewAppContext は設定ファイルを読み込み、依存関係を組み立てて AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, appLogger, err := LoadConfig(envFile)
	if err != nil {
		return nil, err
	}

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
		if err := ac.Container.Close(); err != nil {
			ac.Logger().Warn("リソースの解放に失敗しました", "error", err)
		}
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

// practitionerID は --practitioner フラグの施術者IDを返す
func practitionerID(cmd *cli.Command) (uuid.UUID, error) {
	raw := strings.TrimSpace(cmd.String("practitioner"))
	if raw == "" {
		return uuid.Nil, errors.New("施術者IDを --practitioner で指定してください")
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("施術者IDが不正です: %q", raw)
	}
	return id, nil
}

// protocolID は --id フラグのプロトコルIDを返す
func protocolID(cmd *cli.Command) (uuid.UUID, error) {
	raw := strings.TrimSpace(cmd.String("id"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("プロトコルIDが不正です: %q", raw)
	}
	return id, nil
}

// parseIDs はカンマ区切りまたは複数指定のIDを解析する
func parseIDs(values []string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				return nil, fmt.Errorf("プロトコルIDが不正です: %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
