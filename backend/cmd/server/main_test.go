package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ezra-knowledge/backend/internal/services"
	"ezra-knowledge/backend/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServices(t *testing.T) *services.ServiceManager {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		LiteLLMURL:          "http://127.0.0.1:1",
		ModelID:             "test-model",
		EmbeddingDimensions: 8,
		StoreBackend:        "memory",
		WindowStateBackend:  "memory",
		WindowSize:          10,
		OverlapSize:         2,
		TriggerInterval:     5,
		Workers:             1,
		QueueSize:           4,
		ExtractTimeout:      time.Second,
		ResolveTimeout:      time.Second,
		ReviseTimeout:       time.Second,
		StoreTimeout:        time.Second,
	}
	sm, err := services.NewServiceManager(context.Background(), cfg, nil)
	require.NoError(t, err)
	sm.Start(context.Background())
	t.Cleanup(func() { sm.StopAll(context.Background()) })
	return sm
}

func TestHealthEndpoint(t *testing.T) {
	router := newRouter(newTestServices(t), false)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestTurnEndpoint_InvalidRequest(t *testing.T) {
	router := newRouter(newTestServices(t), false)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/contexts/test/turns", bytes.NewBuffer([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTurnEndpoint_RecordsToLog(t *testing.T) {
	sm := newTestServices(t)
	router := newRouter(sm, false)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/contexts/test/turns", bytes.NewBuffer([]byte(`{"user_message": "hi"}`)))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	n, err := sm.Log.CountMessages(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCORSPreflight(t *testing.T) {
	router := newRouter(newTestServices(t), false)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/api/propositions/count", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
