package window

import (
	"context"
	"sync"
)

// MemoryStateStore keeps analysis state in process memory. State is lost on
// restart, so it only guarantees no double analysis within one process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStateStore creates an empty store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (s *MemoryStateStore) Load(ctx context.Context, contextID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[contextID]
	return state, ok, nil
}

func (s *MemoryStateStore) Advance(ctx context.Context, prev, next State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.states[prev.ContextID].LastAnalyzedMessageCount
	if current != prev.LastAnalyzedMessageCount || next.LastAnalyzedMessageCount < current {
		return false, nil
	}
	s.states[prev.ContextID] = next
	return true, nil
}
