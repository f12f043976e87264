package window

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"ezra-knowledge/backend/internal/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, log *conversation.MemoryLog, contextID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		_, err := log.Append(context.Background(), conversation.Message{
			ID:        fmt.Sprintf("m%d", i),
			ContextID: contextID,
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}
}

func TestTracker_LoadDefaults(t *testing.T) {
	tracker := NewTracker(NewMemoryStateStore(), Config{WindowSize: 20, OverlapSize: 4, TriggerInterval: 6})

	state, err := tracker.Load(context.Background(), "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", state.ContextID)
	assert.Equal(t, 0, state.LastAnalyzedMessageCount)
	assert.Equal(t, 6, state.TriggerInterval)
}

func TestTracker_NoDoubleAnalysis(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStateStore(), Config{WindowSize: 20, OverlapSize: 4, TriggerInterval: 6})

	ok, state, err := tracker.ShouldAnalyze(ctx, "ctx-1", 6)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = tracker.RecordAnalyzed(ctx, state, 6)
	require.NoError(t, err)

	ok, _, err = tracker.ShouldAnalyze(ctx, "ctx-1", 6)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = tracker.ShouldAnalyze(ctx, "ctx-1", 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_StaleCursorRejected(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStateStore(), Config{WindowSize: 20, TriggerInterval: 2})

	state, err := tracker.Load(ctx, "ctx-1")
	require.NoError(t, err)

	_, err = tracker.RecordAnalyzed(ctx, state, 4)
	require.NoError(t, err)

	_, err = tracker.RecordAnalyzed(ctx, state, 3)
	assert.ErrorIs(t, err, ErrStaleCursor)

	current, err := tracker.Load(ctx, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 4, current.LastAnalyzedMessageCount)
}

func TestTracker_ConcurrentAdvanceOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewMemoryStateStore(), Config{WindowSize: 20, TriggerInterval: 2})
	state, err := tracker.Load(ctx, "ctx-1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tracker.RecordAnalyzed(ctx, state, 10); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTracker_Window(t *testing.T) {
	ctx := context.Background()
	log := conversation.NewMemoryLog()
	seed(t, log, "ctx-1", 16)

	tracker := NewTracker(NewMemoryStateStore(), Config{WindowSize: 20, OverlapSize: 4, TriggerInterval: 6})
	state := State{ContextID: "ctx-1", LastAnalyzedMessageCount: 10, WindowSize: 20, OverlapSize: 4}

	w, err := tracker.Window(ctx, log, state, 16)
	require.NoError(t, err)
	assert.Equal(t, 6, w.Start)
	assert.Equal(t, 10, w.NewStart)
	assert.Equal(t, 16, w.End)
	assert.Equal(t, []string{"m6", "m7", "m8", "m9", "m10", "m11", "m12", "m13", "m14", "m15"}, w.ChunkIDs)
	assert.Contains(t, w.Text, "[1] User: message 6")
	assert.Contains(t, w.Text, "[10] Assistant: message 15")
	assert.NotContains(t, w.Text, "message 5\n")
}

func TestTracker_WindowEmptyRange(t *testing.T) {
	tracker := NewTracker(NewMemoryStateStore(), Config{WindowSize: 20})
	w, err := tracker.Window(context.Background(), conversation.NewMemoryLog(), State{ContextID: "ctx-1"}, 0)
	require.NoError(t, err)
	assert.Empty(t, w.Text)
	assert.Empty(t, w.ChunkIDs)
}

func TestRender_SkipsBlankAndDerivesIDs(t *testing.T) {
	text, ids := Render([]conversation.Message{
		{Role: conversation.RoleUser, Author: "Ana", Content: "I love Brahms"},
		{ID: "m2", Role: conversation.RoleAssistant, Content: "   "},
	})
	assert.Equal(t, "[1] Ana: I love Brahms", text)
	require.Len(t, ids, 1)
	assert.Contains(t, ids[0], "chunk:")
}
