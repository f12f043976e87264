package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "ezra-knowledge/backend/pkg/errors"
	"ezra-knowledge/backend/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Completer is the single-turn LLM capability the pipeline stages depend on
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMsg string) (string, error)
}

// LLMAdapter handles communication with the LLM via LiteLLM
type LLMAdapter struct {
	client      *openai.Client
	model       string
	temperature float32
	maxRetries  int
	backoff     time.Duration
	mu          sync.RWMutex // Protects model field for concurrent access
	logger      *zap.Logger
}

// NewLLMAdapter creates a new LLM adapter
func NewLLMAdapter(baseURL, apiKey, modelID string) *LLMAdapter {
	// For LiteLLM, we can use a dummy API key if not provided
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"

	return &LLMAdapter{
		client:      openai.NewClientWithConfig(config),
		model:       modelID,
		temperature: 0.1,
		maxRetries:  3,
		backoff:     time.Second,
		logger:      logger.Named("llm"),
	}
}

// SetModel updates the model used by this adapter
func (a *LLMAdapter) SetModel(model string) {
	if model != "" {
		a.mu.Lock()
		a.model = model
		a.mu.Unlock()
		a.logger.Debug("LLM adapter model updated", zap.String("model", model))
	}
}

// GetModel returns the current model
func (a *LLMAdapter) GetModel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// Complete sends a system and user message and returns the reply text
func (a *LLMAdapter) Complete(ctx context.Context, systemPrompt, userMsg string) (string, error) {
	currentModel := a.GetModel()
	req := openai.ChatCompletionRequest{
		Model: currentModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		Temperature: a.temperature,
	}

	// Retry logic with linear backoff
	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * a.backoff
			a.logger.Warn("Retrying LLM request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		errMsg := err.Error()
		a.logger.Error("LLM request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", currentModel),
		)

		// Check if it's a JSON parsing error (likely server returned non-JSON error)
		if strings.Contains(errMsg, "invalid character") || strings.Contains(errMsg, "json") {
			a.logger.Warn("LLM service returned non-JSON error response - this may be a transient server issue",
				zap.String("error", errMsg),
			)
		}
	}

	if err != nil {
		return "", apperrors.NewAgentLLMFailed(currentModel, a.maxRetries, true, err)
	}

	if len(resp.Choices) == 0 {
		return "", apperrors.ErrAgentNoResponse
	}

	content := resp.Choices[0].Message.Content
	a.logger.Debug("LLM response generated",
		zap.String("model", currentModel),
		zap.Int("content_length", len(content)),
	)
	return content, nil
}

// Embedder creates embeddings through the same LiteLLM endpoint
type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
	logger     *zap.Logger
}

// NewEmbedder creates an embedder. dimensions of 0 leaves the model default.
func NewEmbedder(baseURL, apiKey, model string, dimensions int) *Embedder {
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"

	return &Embedder{
		client:     openai.NewClientWithConfig(config),
		model:      model,
		dimensions: dimensions,
		logger:     logger.Named("embedder"),
	}
}

// Embed returns the embedding vector of text
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		e.logger.Warn("Embedding request failed", zap.String("model", e.model), zap.Error(err))
		return nil, apperrors.NewAgentLLMFailed(e.model, 1, true, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, apperrors.ErrAgentNoResponse
	}
	return resp.Data[0].Embedding, nil
}
