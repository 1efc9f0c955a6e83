package intake

import (
	"context"
	"testing"

	"github.com/jinford/protocol-rag/internal/core/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLLMClient struct {
	content string
	err     error
	lastReq llm.CompletionRequest
}

func (c *stubLLMClient) GenerateCompletion(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.lastReq = req
	if c.err != nil {
		return llm.CompletionResponse{}, c.err
	}
	return llm.CompletionResponse{Content: c.content}, nil
}

func TestLLMClassifier_Classify(t *testing.T) {
	client := &stubLLMClient{content: `{"category": " Grossesse ", "description": "Suivi du diabète gestationnel."}`}
	classifier := NewLLMClassifier(client, WithClassifierModel("gpt-4o-mini"))

	got, err := classifier.Classify(context.Background(), "Diabète gestationnel : dépistage")
	require.NoError(t, err)

	assert.Equal(t, "Grossesse", got.Category)
	assert.Equal(t, "Suivi du diabète gestationnel.", got.Description)
	assert.Equal(t, llm.ResponseFormatJSON, client.lastReq.ResponseFormat)
	assert.Equal(t, "gpt-4o-mini", client.lastReq.Model)
	assert.Contains(t, client.lastReq.Prompt, "Diabète gestationnel : dépistage")
}

func TestLLMClassifier_InvalidJSON(t *testing.T) {
	classifier := NewLLMClassifier(&stubLLMClient{content: "pas du json"})

	_, err := classifier.Classify(context.Background(), "texte")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrInvalidResponse)
}

func TestLLMClassifier_PropagatesBackendError(t *testing.T) {
	classifier := NewLLMClassifier(&stubLLMClient{err: llm.ErrRateLimited})

	_, err := classifier.Classify(context.Background(), "texte")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrRateLimited)
}
