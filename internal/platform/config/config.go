package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ストアの種類
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	Database  DatabaseConfig
	Store     StoreConfig
	OpenAI    OpenAIConfig
	Chunking  ChunkingConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	Polling   PollingConfig
	Intake    IntakeConfig
	Storage   StorageConfig
	Server    ServerConfig
	Log       LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StoreConfig はリポジトリの実装選択
type StoreConfig struct {
	Driver string // "postgres" or "memory"
}

// OpenAIConfig はOpenAI API設定（Embeddings + 分類 + 回答生成）
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string // 互換APIを使う場合のみ
	EmbeddingModel     string
	EmbeddingDimension int
	ChatModel          string // 回答生成に使用
	ClassifierModel    string // 空ならChatModelを使用
	EmbeddingRPS       float64
	EmbeddingBurst     int
	RequestTimeout     time.Duration
}

// ChunkingConfig はチャンク分割の設定（トークン数）
type ChunkingConfig struct {
	TargetTokens  int
	OverlapTokens int
	MaxTokens     int
	MinTokens     int
}

// IngestionConfig はバックグラウンド処理の設定
type IngestionConfig struct {
	BatchSize        int
	WorkerPoolSize   int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	ShutdownTimeout  time.Duration
}

// RetrievalConfig は検索の設定
type RetrievalConfig struct {
	SimilarityThreshold float64
	TopK                int
}

// PollingConfig はCLIのステータス監視の設定
type PollingConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// IntakeConfig はアップロード解析の設定
type IntakeConfig struct {
	MaxUploadBytes     int64
	ClassifierMaxChars int
}

// StorageConfig はファイル保存先の設定
type StorageConfig struct {
	Dir        string
	StagingTTL time.Duration
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or text
}

// Addr はサーバーの待ち受けアドレスを返す
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "protocolrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "protocolrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			ChatModel:          getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			ClassifierModel:    getEnv("OPENAI_CLASSIFIER_MODEL", ""),
			EmbeddingRPS:       getEnvAsFloat("OPENAI_EMBEDDING_RPS", 0),
			EmbeddingBurst:     getEnvAsInt("OPENAI_EMBEDDING_BURST", 1),
			RequestTimeout:     getEnvAsDuration("OPENAI_REQUEST_TIMEOUT", 60*time.Second),
		},
		Chunking: ChunkingConfig{
			TargetTokens:  getEnvAsInt("CHUNK_TARGET_TOKENS", 400),
			OverlapTokens: getEnvAsInt("CHUNK_OVERLAP_TOKENS", 60),
			MaxTokens:     getEnvAsInt("CHUNK_MAX_TOKENS", 800),
			MinTokens:     getEnvAsInt("CHUNK_MIN_TOKENS", 40),
		},
		Ingestion: IngestionConfig{
			BatchSize:        getEnvAsInt("INGESTION_BATCH_SIZE", 64),
			WorkerPoolSize:   getEnvAsInt("INGESTION_WORKER_POOL_SIZE", 4),
			RetryMaxAttempts: getEnvAsInt("INGESTION_RETRY_MAX_ATTEMPTS", 4),
			RetryBaseDelay:   getEnvAsDuration("INGESTION_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:    getEnvAsDuration("INGESTION_RETRY_MAX_DELAY", 30*time.Second),
			ShutdownTimeout:  getEnvAsDuration("INGESTION_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Retrieval: RetrievalConfig{
			SimilarityThreshold: getEnvAsFloat("RETRIEVAL_SIMILARITY_THRESHOLD", 0.30),
			TopK:                getEnvAsInt("RETRIEVAL_TOP_K", 8),
		},
		Polling: PollingConfig{
			Interval: getEnvAsDuration("POLLING_INTERVAL", 1500*time.Millisecond),
			Timeout:  getEnvAsDuration("POLLING_TIMEOUT", 5*time.Minute),
		},
		Intake: IntakeConfig{
			MaxUploadBytes:     int64(getEnvAsInt("INTAKE_MAX_UPLOAD_BYTES", 20<<20)),
			ClassifierMaxChars: getEnvAsInt("INTAKE_CLASSIFIER_MAX_CHARS", 12000),
		},
		Storage: StorageConfig{
			Dir:        getEnv("STORAGE_DIR", "/var/lib/protocol-rag/files"),
			StagingTTL: getEnvAsDuration("STORAGE_STAGING_TTL", 24*time.Hour),
		},
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q: %q", StoreDriverPostgres, StoreDriverMemory, c.Store.Driver))
	}
	if c.OpenAI.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("OPENAI_EMBEDDING_DIMENSION must be positive: %d", c.OpenAI.EmbeddingDimension))
	}
	if c.Chunking.TargetTokens <= 0 {
		errs = append(errs, fmt.Errorf("CHUNK_TARGET_TOKENS must be positive: %d", c.Chunking.TargetTokens))
	}
	if c.Chunking.OverlapTokens < 0 || c.Chunking.OverlapTokens >= c.Chunking.TargetTokens {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP_TOKENS must be in [0, %d): %d", c.Chunking.TargetTokens, c.Chunking.OverlapTokens))
	}
	if c.Chunking.MaxTokens < c.Chunking.TargetTokens {
		errs = append(errs, fmt.Errorf("CHUNK_MAX_TOKENS (%d) must be >= CHUNK_TARGET_TOKENS (%d)", c.Chunking.MaxTokens, c.Chunking.TargetTokens))
	}
	if c.Ingestion.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("INGESTION_RETRY_MAX_ATTEMPTS must be >= 1: %d", c.Ingestion.RetryMaxAttempts))
	}
	if c.Ingestion.WorkerPoolSize < 1 {
		errs = append(errs, fmt.Errorf("INGESTION_WORKER_POOL_SIZE must be >= 1: %d", c.Ingestion.WorkerPoolSize))
	}
	if c.Retrieval.SimilarityThreshold < -1 || c.Retrieval.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("RETRIEVAL_SIMILARITY_THRESHOLD must be in [-1, 1]: %v", c.Retrieval.SimilarityThreshold))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("RETRIEVAL_TOP_K must be positive: %d", c.Retrieval.TopK))
	}
	if c.Intake.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("INTAKE_MAX_UPLOAD_BYTES must be positive: %d", c.Intake.MaxUploadBytes))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT is out of range: %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// RequireOpenAI はOpenAI APIを使うコマンド向けにAPIキーの設定を確認します
func (c *Config) RequireOpenAI() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("OPENAI_API_KEY is not set")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を time.Duration として取得します（例: 1500ms, 30s）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
