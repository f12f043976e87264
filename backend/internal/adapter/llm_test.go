package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	apperrors "ezra-knowledge/backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-model",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": content},
			},
		},
	}
}

func TestLLMAdapter_Complete(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatReply("hello"))
	}))
	defer srv.Close()

	llm := NewLLMAdapter(srv.URL, "", "test-model")
	out, err := llm.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "test-model", body["model"])
	assert.Len(t, body["messages"], 2)
}

func TestLLMAdapter_CompleteRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	}))
	defer srv.Close()

	llm := NewLLMAdapter(srv.URL, "key", "test-model")
	llm.backoff = time.Millisecond

	out, err := llm.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLLMAdapter_CompleteGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"down"}}`))
	}))
	defer srv.Close()

	llm := NewLLMAdapter(srv.URL, "key", "test-model")
	llm.backoff = time.Millisecond

	_, err := llm.Complete(context.Background(), "system", "user")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeAgent))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestLLMAdapter_SetModel(t *testing.T) {
	llm := NewLLMAdapter("http://localhost:4000", "", "a")
	llm.SetModel("")
	assert.Equal(t, "a", llm.GetModel())
	llm.SetModel("b")
	assert.Equal(t, "b", llm.GetModel())
}

func TestEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  "embed-model",
			"data": []map[string]interface{}{
				{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer srv.Close()

	e := NewEmbedder(srv.URL, "", "embed-model", 3)
	vec, err := e.Embed(context.Background(), "Brahms wrote four symphonies")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = e.Embed(context.Background(), "  ")
	assert.Error(t, err)
}

// TestLLMAdapter_Live requires a running LiteLLM instance
func TestLLMAdapter_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	t.Skip("requires LiteLLM at localhost:4000")

	llm := NewLLMAdapter("http://localhost:4000", "", "openrouter/anthropic/claude-3.5-sonnet")
	out, err := llm.Complete(context.Background(), "You are a helpful assistant.", "Say hello in one sentence.")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
