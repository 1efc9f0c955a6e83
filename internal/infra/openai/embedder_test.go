package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedderOptionsOverrideDefaults(t *testing.T) {
	embedder := NewEmbedder("dummy-key",
		WithEmbeddingModel("custom-model"),
		WithEmbeddingDimension(42),
	)

	assert.Equal(t, "custom-model", embedder.ModelName())
	assert.Equal(t, 42, embedder.Dimension())
	assert.Equal(t, MaxEmbeddingBatchSize, embedder.MaxBatchSize())
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)

	client, err := NewClient("dummy-key", WithChatModel("custom-chat"))
	require.NoError(t, err)
	assert.Equal(t, "custom-chat", client.ModelName())
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestEmbedder_BatchEmbedKeepsInputOrder(t *testing.T) {
	var received struct {
		Input      []string `json:"input"`
		Model      string   `json:"model"`
		Dimensions int      `json:"dimensions"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		// 逆順で返しても index に従って並べ替えられること
		writeJSON(w, http.StatusOK, `{"object":"list","model":"m","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	}))
	defer srv.Close()

	embedder := NewEmbedder("dummy-key",
		WithEmbeddingBaseURL(srv.URL+"/"),
		WithEmbeddingModel("m"),
		WithEmbeddingDimension(2),
	)

	vectors, err := embedder.BatchEmbed(t.Context(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1}, vectors[1])
	assert.Equal(t, []string{"alpha", "beta"}, received.Input)
	assert.Equal(t, "m", received.Model)
	assert.Equal(t, 2, received.Dimensions)
}

func TestEmbedder_RejectsDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"object":"list","model":"m","data":[
			{"object":"embedding","index":0,"embedding":[1,0,0]}
		],"usage":{"prompt_tokens":1,"total_tokens":1}}`)
	}))
	defer srv.Close()

	embedder := NewEmbedder("dummy-key", WithEmbeddingBaseURL(srv.URL+"/"), WithEmbeddingDimension(2))

	_, err := embedder.Embed(t.Context(), "alpha")
	assert.ErrorIs(t, err, llm.ErrInvalidResponse)
}

func TestEmbedder_BatchLimits(t *testing.T) {
	embedder := NewEmbedder("dummy-key")

	_, err := embedder.BatchEmbed(t.Context(), nil)
	assert.ErrorIs(t, err, llm.ErrInvalidRequest)

	_, err = embedder.BatchEmbed(t.Context(), make([]string, MaxEmbeddingBatchSize+1))
	assert.ErrorIs(t, err, llm.ErrInvalidRequest)
}

func TestEmbedder_MapsStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "429はレート制限", status: http.StatusTooManyRequests, want: llm.ErrRateLimited},
		{name: "5xxは一時障害", status: http.StatusBadGateway, want: llm.ErrUnavailable},
		{name: "4xxは不正リクエスト", status: http.StatusBadRequest, want: llm.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, `{"error":{"message":"boom","type":"server_error"}}`)
			}))
			defer srv.Close()

			embedder := NewEmbedder("dummy-key", WithEmbeddingBaseURL(srv.URL+"/"), WithEmbeddingDimension(2))

			_, err := embedder.Embed(t.Context(), "alpha")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want != llm.ErrInvalidRequest, llm.IsTransient(err))
		})
	}
}

func TestEmbedder_NetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	embedder := NewEmbedder("dummy-key", WithEmbeddingBaseURL(url+"/"))

	_, err := embedder.Embed(t.Context(), "alpha")
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}

func TestClient_GenerateCompletion(t *testing.T) {
	var received struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		_ = json.NewDecoder(r.Body).Decode(&received)
		writeJSON(w, http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"ok\":true}"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`)
	}))
	defer srv.Close()

	client, err := NewClient("dummy-key", WithClientBaseURL(srv.URL+"/"), WithChatModel("gpt-test"))
	require.NoError(t, err)

	resp, err := client.GenerateCompletion(t.Context(), llm.CompletionRequest{
		System:         "system",
		Prompt:         "question",
		ResponseFormat: llm.ResponseFormatJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 5, resp.TokensUsed)
	assert.Equal(t, "gpt-test", resp.Model)

	require.Len(t, received.Messages, 2)
	assert.Equal(t, "system", received.Messages[0].Role)
	assert.Equal(t, "user", received.Messages[1].Role)
	assert.Equal(t, "question", received.Messages[1].Content)
	require.NotNil(t, received.ResponseFormat)
	assert.Equal(t, "json_object", received.ResponseFormat.Type)
}

func TestClient_InvalidJSONIsInvalidResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"not json"}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer srv.Close()

	client, err := NewClient("dummy-key", WithClientBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	_, err = client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "q", ResponseFormat: llm.ResponseFormatJSON})
	assert.ErrorIs(t, err, llm.ErrInvalidResponse)
	assert.Equal(t, int32(1+JSONParseMaxRetries), calls.Load())
}

func TestClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	client, err := NewClient("dummy-key", WithClientBaseURL(srv.URL+"/"))
	require.NoError(t, err)
	client.baseBackoff = time.Millisecond

	_, err = client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "q"})
	assert.ErrorIs(t, err, llm.ErrRateLimited)
	assert.Equal(t, int32(1+MaxRetries), calls.Load())
}

func TestClient_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"message":"down","type":"server_error"}}`)
	}))
	defer srv.Close()

	client, err := NewClient("dummy-key", WithClientBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	_, err = client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "q"})
	assert.ErrorIs(t, err, llm.ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}
