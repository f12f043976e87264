// Package knowledgetest provides deterministic doubles for pipeline tests.
package knowledgetest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"ezra-knowledge/backend/internal/knowledge"
)

// BagOfWordsEmbedder hashes normalized words into a fixed number of buckets.
// Identical texts get identical vectors; texts sharing words score high.
type BagOfWordsEmbedder struct {
	Dimensions int

	mu    sync.Mutex
	calls int
}

// NewBagOfWordsEmbedder returns an embedder with dims buckets
func NewBagOfWordsEmbedder(dims int) *BagOfWordsEmbedder {
	return &BagOfWordsEmbedder{Dimensions: dims}
}

func (e *BagOfWordsEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	vec := make([]float32, e.Dimensions)
	for _, w := range knowledge.NameTokens(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.Dimensions)]++
	}
	return vec, nil
}

// Calls returns how many texts were embedded
func (e *BagOfWordsEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// ErrEmbeddingUnavailable is returned by FailingEmbedder
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

// FailingEmbedder always errors
type FailingEmbedder struct{}

func (FailingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrEmbeddingUnavailable
}
