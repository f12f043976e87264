package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store for single-instance deployments and tests.
// Similarity uses stored embeddings when an Embedder is configured and falls
// back to word overlap otherwise.
type MemoryStore struct {
	mu           sync.RWMutex
	propositions map[string]Proposition
	entities     map[string]NamedEntity
	embedder     Embedder
	commits      int
}

// NewMemoryStore creates an empty store. embedder may be nil.
func NewMemoryStore(embedder Embedder) *MemoryStore {
	return &MemoryStore{
		propositions: make(map[string]Proposition),
		entities:     make(map[string]NamedEntity),
		embedder:     embedder,
	}
}

// Commit writes entities then propositions under one lock
func (s *MemoryStore) Commit(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i := range batch.Propositions {
		if err := batch.Propositions[i].Validate(); err != nil {
			return err
		}
	}
	for _, e := range batch.Entities {
		if e.ID == "" {
			return fmt.Errorf("entity without id: %q", e.Name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range batch.Entities {
		s.entities[e.ID] = cloneEntity(e)
	}
	for _, p := range batch.Propositions {
		s.propositions[p.ID] = cloneProposition(p)
	}
	s.commits++
	return nil
}

// Commits returns how many batches were committed
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

func (s *MemoryStore) GetProposition(ctx context.Context, id string) (*Proposition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.propositions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneProposition(p)
	return &out, nil
}

func (s *MemoryStore) FindByStatus(ctx context.Context, contextID string, status Status, limit int) ([]Proposition, error) {
	return s.filter(limit, func(p Proposition) bool {
		return p.Status == status && (contextID == "" || p.ContextID == contextID)
	}), nil
}

func (s *MemoryStore) FindByContext(ctx context.Context, contextID string, limit int) ([]Proposition, error) {
	return s.filter(limit, func(p Proposition) bool {
		return p.ContextID == contextID
	}), nil
}

func (s *MemoryStore) FindByGrounding(ctx context.Context, chunkID string) ([]Proposition, error) {
	return s.filter(0, func(p Proposition) bool {
		for _, g := range p.Grounding {
			if g == chunkID {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryStore) FindByEntities(ctx context.Context, contextID string, entityIDs []string, limit int) ([]Proposition, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = true
	}
	return s.filter(limit, func(p Proposition) bool {
		if p.ContextID != contextID {
			return false
		}
		for _, m := range p.Mentions {
			if wanted[m.ResolvedID] {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryStore) FindSimilar(ctx context.Context, q SimilarQuery) ([]ScoredProposition, error) {
	var vector []float32
	if s.embedder != nil && q.Text != "" {
		v, err := s.embedder.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		vector = v
	}

	s.mu.RLock()
	var hits []ScoredProposition
	for _, p := range s.propositions {
		if q.ContextID != "" && p.ContextID != q.ContextID {
			continue
		}
		var score float64
		if len(vector) > 0 && len(p.Embedding) > 0 {
			score = CosineSimilarity(vector, p.Embedding)
		} else {
			score = WordOverlap(q.Text, p.Text)
		}
		if score >= q.Threshold {
			hits = append(hits, ScoredProposition{Proposition: cloneProposition(p), Score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Proposition.ID < hits[j].Proposition.ID
	})
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *MemoryStore) CountPropositions(ctx context.Context, contextID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if contextID == "" {
		return int64(len(s.propositions)), nil
	}
	var n int64
	for _, p := range s.propositions {
		if p.ContextID == contextID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClearContext(ctx context.Context, contextID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.propositions {
		if p.ContextID == contextID {
			delete(s.propositions, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClearAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.propositions))
	s.propositions = make(map[string]Proposition)
	s.entities = make(map[string]NamedEntity)
	return n, nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*NamedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneEntity(e)
	return &out, nil
}

func (s *MemoryStore) FindEntitiesByName(ctx context.Context, name string) ([]NamedEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []NamedEntity
	for _, e := range s.entities {
		if strings.EqualFold(strings.TrimSpace(e.Name), strings.TrimSpace(name)) {
			out = append(out, cloneEntity(e))
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *MemoryStore) FindEntityCandidates(ctx context.Context, name string, limit int) ([]NamedEntity, error) {
	tokens := NameTokens(name)
	if len(tokens) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []NamedEntity
	for _, e := range s.entities {
		if sharesToken(tokens, NameTokens(e.Name)) {
			out = append(out, cloneEntity(e))
		}
	}
	sortEntities(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) FindSimilarEntities(ctx context.Context, vector []float32, topK int, threshold float64) ([]ScoredEntity, error) {
	s.mu.RLock()
	var hits []ScoredEntity
	for _, e := range s.entities {
		if len(e.Embedding) == 0 {
			continue
		}
		score := CosineSimilarity(vector, e.Embedding)
		if score >= threshold {
			hits = append(hits, ScoredEntity{Entity: cloneEntity(e), Score: score})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Entity.ID < hits[j].Entity.ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *MemoryStore) CountEntities(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entities)), nil
}

// filter returns matches newest first
func (s *MemoryStore) filter(limit int, keep func(Proposition) bool) []Proposition {
	s.mu.RLock()
	var out []Proposition
	for _, p := range s.propositions {
		if keep(p) {
			out = append(out, cloneProposition(p))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortEntities(es []NamedEntity) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}

func sharesToken(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, t := range b {
		set[t] = true
	}
	for _, t := range a {
		if set[t] {
			return true
		}
	}
	return false
}

// WordOverlap is the Jaccard index of the normalized word sets
func WordOverlap(a, b string) float64 {
	wa, wb := strings.Fields(NormalizeName(a)), strings.Fields(NormalizeName(b))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(wa))
	for _, w := range wa {
		set[w] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(wb))
	for _, w := range wb {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func cloneProposition(p Proposition) Proposition {
	p.Grounding = append([]string(nil), p.Grounding...)
	p.Mentions = append([]EntityMention(nil), p.Mentions...)
	p.Embedding = append([]float32(nil), p.Embedding...)
	return p
}

func cloneEntity(e NamedEntity) NamedEntity {
	e.Labels = append([]string(nil), e.Labels...)
	e.Embedding = append([]float32(nil), e.Embedding...)
	return e
}
