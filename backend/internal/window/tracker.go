package window

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// ErrStaleCursor is returned when another writer advanced the cursor first
var ErrStaleCursor = errors.New("analysis cursor moved concurrently")

// StateStore persists analysis state across restarts
type StateStore interface {
	// Load returns the stored state and whether one existed
	Load(ctx context.Context, contextID string) (State, bool, error)
	// Advance stores next only if the stored cursor still equals
	// prev.LastAnalyzedMessageCount (absent counts as 0). It returns false
	// when the cursor moved underneath the caller.
	Advance(ctx context.Context, prev, next State) (bool, error)
}

// Tracker decides when a context is ready for analysis and which slice of
// its conversation to analyze
type Tracker struct {
	store    StateStore
	defaults Config
	clock    func() time.Time
	logger   *zap.Logger
}

// NewTracker creates a tracker with default windowing for new contexts
func NewTracker(store StateStore, defaults Config) *Tracker {
	return &Tracker{
		store:    store,
		defaults: defaults,
		clock:    time.Now,
		logger:   logger.Named("window"),
	}
}

// Load returns the context's state, initialized from defaults when absent
func (t *Tracker) Load(ctx context.Context, contextID string) (State, error) {
	state, ok, err := t.store.Load(ctx, contextID)
	if err != nil {
		return State{}, fmt.Errorf("failed to load window state: %w", err)
	}
	if !ok {
		return NewState(contextID, t.defaults), nil
	}
	return state, nil
}

// ShouldAnalyze loads the state and applies the trigger rule
func (t *Tracker) ShouldAnalyze(ctx context.Context, contextID string, currentMessageCount int) (bool, State, error) {
	state, err := t.Load(ctx, contextID)
	if err != nil {
		return false, State{}, err
	}
	return state.ShouldAnalyze(currentMessageCount), state, nil
}

// RecordAnalyzed advances the stored cursor from state to messageCount
func (t *Tracker) RecordAnalyzed(ctx context.Context, state State, messageCount int) (State, error) {
	next := state.RecordAnalyzed(messageCount, t.clock().UTC())
	ok, err := t.store.Advance(ctx, state, next)
	if err != nil {
		return state, fmt.Errorf("failed to record analysis: %w", err)
	}
	if !ok {
		return state, ErrStaleCursor
	}
	t.logger.Debug("Analysis cursor advanced",
		zap.String("context_id", state.ContextID),
		zap.Int("from", state.LastAnalyzedMessageCount),
		zap.Int("to", next.LastAnalyzedMessageCount),
	)
	return next, nil
}

// Window loads the slice of messages the state selects and renders it
func (t *Tracker) Window(ctx context.Context, log conversation.Log, state State, currentMessageCount int) (Window, error) {
	start, newStart, end := state.Bounds(currentMessageCount)
	w := Window{ContextID: state.ContextID, Start: start, NewStart: newStart, End: end}
	if end <= start {
		return w, nil
	}

	msgs, err := log.ListMessages(ctx, state.ContextID, start, end-start)
	if err != nil {
		return w, fmt.Errorf("failed to load window messages: %w", err)
	}
	w.Text, w.ChunkIDs = Render(msgs)
	return w, nil
}

// Render formats messages as numbered "[n] Speaker: content" lines and
// returns the message ids as grounding chunk ids; line n has ids[n-1]
func Render(msgs []conversation.Message) (string, []string) {
	lines := make([]string, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d] %s: %s", len(lines)+1, m.Speaker(), content))
		id := m.ID
		if id == "" {
			id = knowledge.ChunkID(content)
		}
		ids = append(ids, id)
	}
	return strings.Join(lines, "\n"), ids
}
