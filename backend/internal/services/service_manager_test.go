package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                 "development",
		LiteLLMURL:          "http://127.0.0.1:1",
		ModelID:             "test-model",
		EmbeddingModel:      "test-embedding",
		EmbeddingDimensions: 8,
		StoreBackend:        "memory",
		WindowStateBackend:  "memory",
		WindowSize:          10,
		OverlapSize:         2,
		TriggerInterval:     5,
		Workers:             2,
		QueueSize:           8,
		ExtractTimeout:      time.Second,
		ResolveTimeout:      time.Second,
		ReviseTimeout:       time.Second,
		StoreTimeout:        time.Second,
		PromptStrategy:      "COMPACT",
		HeuristicAccept:     0.85,
		HeuristicCandidate:  0.6,
		EmbeddingAccept:     0.92,
		EmbeddingMargin:     0.05,
		EmbeddingCandidate:  0.75,
		ResolveConcurrency:  2,
	}
}

func TestNewServiceManager_MemoryBackends(t *testing.T) {
	ctx := context.Background()
	sm, err := NewServiceManager(ctx, memoryConfig(), nil)
	require.NoError(t, err)

	assert.IsType(t, &knowledge.MemoryStore{}, sm.Store)
	assert.IsType(t, &conversation.MemoryLog{}, sm.Log)
	assert.Equal(t, knowledge.DefaultSchema().Name, sm.Schema.Name)

	sm.Start(ctx)

	// below the trigger interval nothing runs, so no LLM call is made
	_, err = sm.Log.Append(ctx, conversation.Message{ContextID: "ctx", Role: conversation.RoleUser, Content: "hello"})
	require.NoError(t, err)
	result, err := sm.Scheduler.Run(ctx, "ctx", false)
	require.NoError(t, err)
	assert.Nil(t, result)

	sm.StopAll(ctx)
	sm.StopAll(ctx)
	assert.False(t, sm.Scheduler.Notify("ctx"), "a stopped scheduler accepts nothing")
}

func TestNewServiceManager_SchemaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name": "music", "entity_types": [{"name": "Composer"}]}`), 0o600))

	cfg := memoryConfig()
	cfg.SchemaFile = path
	sm, err := NewServiceManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "music", sm.Schema.Name)
	assert.True(t, sm.Schema.HasType("composer"))

	cfg.SchemaFile = filepath.Join(dir, "missing.json")
	_, err = NewServiceManager(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewServiceManager_UnknownStage(t *testing.T) {
	cfg := memoryConfig()
	cfg.ResolverStages = []string{"EXACT_MATCH", "PSYCHIC"}
	_, err := NewServiceManager(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewServiceManager_KafkaPublisher(t *testing.T) {
	ctx := context.Background()
	sm, err := NewServiceManager(ctx, memoryConfig(), nil)
	require.NoError(t, err)
	assert.Nil(t, sm.Publisher)
	sm.StopAll(ctx)

	cfg := memoryConfig()
	cfg.KafkaBrokers = []string{"127.0.0.1:1"}
	cfg.KafkaTopic = "chat-turns"
	sm, err = NewServiceManager(ctx, cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, sm.Publisher)
	sm.StopAll(ctx)
}
