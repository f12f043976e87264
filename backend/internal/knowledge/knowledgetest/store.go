package knowledgetest

import (
	"context"
	"errors"
	"sync"

	"ezra-knowledge/backend/internal/knowledge"
)

// ErrCommitRejected is returned by FlakyStore when commits are failing
var ErrCommitRejected = errors.New("commit rejected")

// ErrLookupFailed is returned by FlakyStore for names set with FailLookups
var ErrLookupFailed = errors.New("entity lookup failed")

// FlakyStore wraps a MemoryStore and fails Commit while FailCommits is set
type FlakyStore struct {
	*knowledge.MemoryStore

	mu          sync.Mutex
	failCommits bool
	failNames   map[string]bool
}

// NewFlakyStore wraps an empty in-memory store
func NewFlakyStore(embedder knowledge.Embedder) *FlakyStore {
	return &FlakyStore{MemoryStore: knowledge.NewMemoryStore(embedder)}
}

// FailCommits toggles commit failures
func (s *FlakyStore) FailCommits(fail bool) {
	s.mu.Lock()
	s.failCommits = fail
	s.mu.Unlock()
}

// FailLookups makes entity lookups by any of names fail
func (s *FlakyStore) FailLookups(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNames = make(map[string]bool, len(names))
	for _, n := range names {
		s.failNames[knowledge.NormalizeName(n)] = true
	}
}

func (s *FlakyStore) FindEntitiesByName(ctx context.Context, name string) ([]knowledge.NamedEntity, error) {
	s.mu.Lock()
	fail := s.failNames[knowledge.NormalizeName(name)]
	s.mu.Unlock()
	if fail {
		return nil, ErrLookupFailed
	}
	return s.MemoryStore.FindEntitiesByName(ctx, name)
}

func (s *FlakyStore) Commit(ctx context.Context, batch knowledge.Batch) error {
	s.mu.Lock()
	fail := s.failCommits
	s.mu.Unlock()
	if fail {
		return ErrCommitRejected
	}
	return s.MemoryStore.Commit(ctx, batch)
}
