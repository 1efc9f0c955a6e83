package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/protocol-rag/internal/core/ask"
	"github.com/jinford/protocol-rag/internal/core/ingestion"
	"github.com/jinford/protocol-rag/internal/core/ingestion/chunk"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/core/search"
	"github.com/jinford/protocol-rag/internal/core/tracker"
	"github.com/jinford/protocol-rag/internal/infra/filestore"
	"github.com/jinford/protocol-rag/internal/infra/memory"
	"github.com/jinford/protocol-rag/internal/infra/openai"
	"github.com/jinford/protocol-rag/internal/infra/pdf"
	"github.com/jinford/protocol-rag/internal/infra/postgres"
	"github.com/jinford/protocol-rag/internal/interface/httpapi"
	"github.com/jinford/protocol-rag/internal/platform/config"
)

// Store はプロトコルの永続化と検索の両方を提供するリポジトリ
type Store interface {
	protocol.Repository
	search.Repository
}

var (
	_ Store = (*postgres.Repository)(nil)
	_ Store = (*memory.Store)(nil)
)

// ServiceContainer はアプリケーションの依存関係を保持する
type ServiceContainer struct {
	Config    *config.Config
	Store     Store
	Files     *filestore.Store
	Intake    *intake.Service
	Protocols *protocol.Service
	Worker    *ingestion.Worker
	Status    *tracker.Service
	Search    *search.Service
	Ask       *ask.Service

	logger *slog.Logger
	pool   *pgxpool.Pool
}

type containerOptions struct {
	logger    *slog.Logger
	store     Store
	llmClient llm.Client
	embedder  llm.Embedder
	counter   chunk.TokenCounter
	extractor intake.Extractor
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerStore はリポジトリを差し替える（設定の Store.Driver より優先）
func WithContainerStore(store Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.store = store
	}
}

// WithContainerLLMClient は LLM クライアントを差し替える
func WithContainerLLMClient(client llm.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.llmClient = client
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder llm.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerTokenCounter は TokenCounter を差し替える
func WithContainerTokenCounter(counter chunk.TokenCounter) ContainerOption {
	return func(opts *containerOptions) {
		opts.counter = counter
	}
}

// WithContainerExtractor は PDF テキスト抽出を差し替える
func WithContainerExtractor(extractor intake.Extractor) ContainerOption {
	return func(opts *containerOptions) {
		opts.extractor = extractor
	}
}

// OpenDatabase は設定のデータベースに接続する
func OpenDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, postgres.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}
	return pool, nil
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &ServiceContainer{Config: cfg, logger: logger}

	store, err := c.openStore(ctx, options.store)
	if err != nil {
		return nil, err
	}
	c.Store = store

	if err := c.build(options); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *ServiceContainer) openStore(ctx context.Context, injected Store) (Store, error) {
	if injected != nil {
		return injected, nil
	}

	dimension := c.Config.OpenAI.EmbeddingDimension
	switch c.Config.Store.Driver {
	case config.StoreDriverMemory:
		c.logger.Warn("メモリストアを使用します。データはプロセス終了時に失われます")
		return memory.NewStore(dimension), nil
	case config.StoreDriverPostgres:
		pool, err := OpenDatabase(ctx, c.Config)
		if err != nil {
			return nil, err
		}
		if err := postgres.CheckDimension(ctx, pool, dimension); err != nil {
			pool.Close()
			return nil, fmt.Errorf("スキーマの確認に失敗しました（db migrate を実行してください）: %w", err)
		}
		c.pool = pool
		return postgres.NewRepository(pool, dimension), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", c.Config.Store.Driver)
	}
}

func (c *ServiceContainer) build(options containerOptions) error {
	cfg := c.Config
	logger := c.logger

	llmClient := options.llmClient
	embedder := options.embedder
	if llmClient == nil || embedder == nil {
		if err := cfg.RequireOpenAI(); err != nil {
			return err
		}
	}

	if llmClient == nil {
		client, err := openai.NewClient(cfg.OpenAI.APIKey,
			openai.WithChatModel(cfg.OpenAI.ChatModel),
			openai.WithClientBaseURL(cfg.OpenAI.BaseURL),
			openai.WithTimeout(cfg.OpenAI.RequestTimeout),
			openai.WithClientLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("LLMクライアントの初期化に失敗しました: %w", err)
		}
		llmClient = client
	}

	if embedder == nil {
		embedder = openai.NewEmbedder(cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
			openai.WithEmbeddingBaseURL(cfg.OpenAI.BaseURL),
			openai.WithEmbeddingRateLimit(cfg.OpenAI.EmbeddingRPS, cfg.OpenAI.EmbeddingBurst),
			openai.WithEmbedderLogger(logger),
		)
	}
	if embedder.Dimension() != cfg.OpenAI.EmbeddingDimension {
		return fmt.Errorf("embedder dimension (%d) does not match configuration (%d)",
			embedder.Dimension(), cfg.OpenAI.EmbeddingDimension)
	}

	counter := options.counter
	if counter == nil {
		tc, err := chunk.NewTiktokenCounter(chunk.DefaultEncoding)
		if err != nil {
			return fmt.Errorf("トークンカウンタの初期化に失敗しました: %w", err)
		}
		counter = tc
	}
	splitter, err := chunk.NewSplitter(counter, chunk.Config{
		TargetTokens:  cfg.Chunking.TargetTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
		MaxTokens:     cfg.Chunking.MaxTokens,
		MinTokens:     cfg.Chunking.MinTokens,
	})
	if err != nil {
		return fmt.Errorf("チャンク設定が不正です: %w", err)
	}

	extractor := options.extractor
	if extractor == nil {
		extractor = pdf.NewExtractor(pdf.WithLogger(logger))
	}

	files, err := filestore.New(cfg.Storage.Dir, filestore.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("ファイルストアの初期化に失敗しました: %w", err)
	}
	c.Files = files

	classifierModel := cfg.OpenAI.ClassifierModel
	c.Intake = intake.NewService(extractor,
		intake.NewLLMClassifier(llmClient,
			intake.WithClassifierModel(classifierModel),
			intake.WithClassifierLogger(logger),
		),
		intake.WithMaxUploadBytes(cfg.Intake.MaxUploadBytes),
		intake.WithClassifierMaxChars(cfg.Intake.ClassifierMaxChars),
		intake.WithLogger(logger),
	)

	c.Protocols = protocol.NewService(c.Store, files, extractor, protocol.WithLogger(logger))

	worker, err := ingestion.NewWorker(c.Store, embedder, splitter,
		ingestion.WithLogger(logger),
		ingestion.WithPipelineConfig(ingestion.PipelineConfig{
			EmbeddingBatchSize: cfg.Ingestion.BatchSize,
			WorkerPoolSize:     cfg.Ingestion.WorkerPoolSize,
			Retry: ingestion.RetryPolicy{
				MaxAttempts: cfg.Ingestion.RetryMaxAttempts,
				BaseDelay:   cfg.Ingestion.RetryBaseDelay,
				MaxDelay:    cfg.Ingestion.RetryMaxDelay,
			},
			ShutdownTimeout: cfg.Ingestion.ShutdownTimeout,
		}),
	)
	if err != nil {
		return fmt.Errorf("ワーカーの初期化に失敗しました: %w", err)
	}
	c.Worker = worker

	c.Status = tracker.NewService(c.Store)

	searchSvc, err := search.NewService(c.Store, embedder,
		search.WithDefaultK(cfg.Retrieval.TopK),
		search.WithMinScore(cfg.Retrieval.SimilarityThreshold),
		search.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("検索サービスの初期化に失敗しました: %w", err)
	}
	c.Search = searchSvc

	c.Ask = ask.NewService(searchSvc, llmClient, ask.WithLogger(logger))

	return nil
}

// HTTPServer は REST API サーバーを組み立てる
func (c *ServiceContainer) HTTPServer() *httpapi.Server {
	settings := httpapi.DefaultSettings()
	settings.ReadTimeout = c.Config.Server.ReadTimeout
	settings.WriteTimeout = c.Config.Server.WriteTimeout
	settings.IdleTimeout = c.Config.Server.IdleTimeout
	settings.ShutdownTimeout = c.Config.Server.ShutdownTimeout
	settings.MaxUploadBytes = c.Config.Intake.MaxUploadBytes

	return httpapi.NewServer(httpapi.Services{
		Analyzer:  c.Intake,
		Files:     c.Files,
		Protocols: c.Protocols,
		Processor: c.Worker,
		Status:    c.Status,
		Search:    c.Search,
		Ask:       c.Ask,
	},
		httpapi.WithLogger(c.logger),
		httpapi.WithSettings(settings),
	)
}

// Poller は CLI 用のステータス監視を返す
func (c *ServiceContainer) Poller(onReport func(*tracker.Report)) *tracker.Poller {
	return &tracker.Poller{
		Source:   c.Status,
		Interval: c.Config.Polling.Interval,
		Timeout:  c.Config.Polling.Timeout,
		OnReport: onReport,
	}
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	return c.logger
}

// Close はワーカーを停止しデータベース接続を閉じる
func (c *ServiceContainer) Close() error {
	var errs []error
	if c.Worker != nil {
		if err := c.Worker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop worker: %w", err))
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return errors.Join(errs...)
}
