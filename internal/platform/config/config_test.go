package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 1536, cfg.OpenAI.EmbeddingDimension)
	assert.Equal(t, 400, cfg.Chunking.TargetTokens)
	assert.Equal(t, 60, cfg.Chunking.OverlapTokens)
	assert.Equal(t, 4, cfg.Ingestion.RetryMaxAttempts)
	assert.InDelta(t, 0.30, cfg.Retrieval.SimilarityThreshold, 1e-9)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 1500*time.Millisecond, cfg.Polling.Interval)
	assert.Equal(t, int64(20<<20), cfg.Intake.MaxUploadBytes)
	assert.Equal(t, 24*time.Hour, cfg.Storage.StagingTTL)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoadFromEnvFile(t *testing.T) {
	// godotenv.Load は既存の環境変数を上書きしないため、事前に空にしておく
	for _, key := range []string{"STORE_DRIVER", "CHUNK_TARGET_TOKENS", "POLLING_INTERVAL", "RETRIEVAL_SIMILARITY_THRESHOLD"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"STORE_DRIVER=memory\nCHUNK_TARGET_TOKENS=300\nPOLLING_INTERVAL=250ms\nRETRIEVAL_SIMILARITY_THRESHOLD=0.5\n"), 0o600))
	t.Cleanup(func() {
		for _, key := range []string{"STORE_DRIVER", "CHUNK_TARGET_TOKENS", "POLLING_INTERVAL", "RETRIEVAL_SIMILARITY_THRESHOLD"} {
			_ = os.Unsetenv(key)
		}
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 300, cfg.Chunking.TargetTokens)
	assert.Equal(t, 250*time.Millisecond, cfg.Polling.Interval)
	assert.InDelta(t, 0.5, cfg.Retrieval.SimilarityThreshold, 1e-9)
}

func TestInvalidValuesFallBackToDefault(t *testing.T) {
	t.Setenv("RETRIEVAL_TOP_K", "many")
	t.Setenv("POLLING_TIMEOUT", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 5*time.Minute, cfg.Polling.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "不明なストア", mutate: func(c *Config) { c.Store.Driver = "sqlite" }},
		{name: "次元数0", mutate: func(c *Config) { c.OpenAI.EmbeddingDimension = 0 }},
		{name: "オーバーラップが目標以上", mutate: func(c *Config) { c.Chunking.OverlapTokens = c.Chunking.TargetTokens }},
		{name: "最大が目標未満", mutate: func(c *Config) { c.Chunking.MaxTokens = c.Chunking.TargetTokens - 1 }},
		{name: "リトライ0回", mutate: func(c *Config) { c.Ingestion.RetryMaxAttempts = 0 }},
		{name: "しきい値が範囲外", mutate: func(c *Config) { c.Retrieval.SimilarityThreshold = 1.5 }},
		{name: "ポート範囲外", mutate: func(c *Config) { c.Server.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRequireOpenAI(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.RequireOpenAI())

	cfg.OpenAI.APIKey = "sk-test"
	assert.NoError(t, cfg.RequireOpenAI())
}
