package knowledge

import (
	"context"
	"errors"
	"math"
)

// ErrNotFound is returned by lookups by id that match nothing
var ErrNotFound = errors.New("not found")

// Embedder turns text into a vector for similarity search
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScoredProposition is a similarity hit
type ScoredProposition struct {
	Proposition Proposition `json:"proposition"`
	Score       float64     `json:"score"`
}

// ScoredEntity is a similarity hit
type ScoredEntity struct {
	Entity NamedEntity `json:"entity"`
	Score  float64     `json:"score"`
}

// SimilarQuery asks for propositions close to a query string. An empty
// ContextID searches every context.
type SimilarQuery struct {
	ContextID string
	Text      string
	TopK      int
	Threshold float64
}

// Batch is the write set of one pipeline run. Entities are written before
// propositions, atomically where the backend supports it.
type Batch struct {
	Entities     []NamedEntity
	Propositions []Proposition
}

// Empty reports whether the batch has nothing to write
func (b Batch) Empty() bool {
	return len(b.Entities) == 0 && len(b.Propositions) == 0
}

// PropositionStore persists propositions and their mentions
type PropositionStore interface {
	GetProposition(ctx context.Context, id string) (*Proposition, error)
	FindByStatus(ctx context.Context, contextID string, status Status, limit int) ([]Proposition, error)
	FindByContext(ctx context.Context, contextID string, limit int) ([]Proposition, error)
	FindByGrounding(ctx context.Context, chunkID string) ([]Proposition, error)
	FindByEntities(ctx context.Context, contextID string, entityIDs []string, limit int) ([]Proposition, error)
	FindSimilar(ctx context.Context, q SimilarQuery) ([]ScoredProposition, error)
	CountPropositions(ctx context.Context, contextID string) (int64, error)
	ClearContext(ctx context.Context, contextID string) (int64, error)
	ClearAll(ctx context.Context) (int64, error)
}

// EntityStore persists named entities
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*NamedEntity, error)
	FindEntitiesByName(ctx context.Context, name string) ([]NamedEntity, error)
	// FindEntityCandidates returns entities sharing at least one normalized
	// name token with name. Scoring is left to the caller.
	FindEntityCandidates(ctx context.Context, name string, limit int) ([]NamedEntity, error)
	FindSimilarEntities(ctx context.Context, vector []float32, topK int, threshold float64) ([]ScoredEntity, error)
	CountEntities(ctx context.Context) (int64, error)
}

// Store is the full store capability the pipeline commits through
type Store interface {
	PropositionStore
	EntityStore
	Commit(ctx context.Context, batch Batch) error
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or the dimensions differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
