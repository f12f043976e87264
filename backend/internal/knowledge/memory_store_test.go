package knowledge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/knowledge/knowledgetest"
)

func seedStore(t *testing.T) *knowledge.MemoryStore {
	t.Helper()
	ctx := context.Background()
	embedder := knowledgetest.NewBagOfWordsEmbedder(64)
	store := knowledge.NewMemoryStore(embedder)

	text := "User loves Brahms violin concerto"
	vec, err := embedder.Embed(ctx, text)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, store.Commit(ctx, knowledge.Batch{
		Entities: []knowledge.NamedEntity{
			{ID: "e-brahms", Name: "Johannes Brahms", Labels: []string{"Composer"}, Embedding: vec},
		},
		Propositions: []knowledge.Proposition{
			{
				ID: "p1", ContextID: "user:1", Text: text, Confidence: 0.9, Decay: 0.1,
				Grounding: []string{"m1"}, Status: knowledge.StatusActive, Created: now, Revised: now,
				Mentions:  []knowledge.EntityMention{{Span: "Brahms", Type: "Composer", Role: knowledge.RoleObject, ResolvedID: "e-brahms"}},
				Embedding: vec,
			},
			{
				ID: "p2", ContextID: "user:2", Text: "User plays the cello", Confidence: 0.7,
				Grounding: []string{"m9"}, Status: knowledge.StatusRetracted, Created: now, Revised: now,
			},
		},
	}))
	return store
}

func TestMemoryStore_Lookups(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)

	p, err := store.GetProposition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "user:1", p.ContextID)

	_, err = store.GetProposition(ctx, "missing")
	assert.ErrorIs(t, err, knowledge.ErrNotFound)

	byStatus, err := store.FindByStatus(ctx, "", knowledge.StatusRetracted, 10)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "p2", byStatus[0].ID)

	byGrounding, err := store.FindByGrounding(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, byGrounding, 1)

	byEntity, err := store.FindByEntities(ctx, "user:1", []string{"e-brahms"}, 10)
	require.NoError(t, err)
	assert.Len(t, byEntity, 1)

	byEntityOtherContext, err := store.FindByEntities(ctx, "user:2", []string{"e-brahms"}, 10)
	require.NoError(t, err)
	assert.Empty(t, byEntityOtherContext)
}

func TestMemoryStore_FindSimilar(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)

	hits, err := store.FindSimilar(ctx, knowledge.SimilarQuery{ContextID: "user:1", Text: "user loves brahms violin concerto", TopK: 3, Threshold: 0.9})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].Proposition.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	none, err := store.FindSimilar(ctx, knowledge.SimilarQuery{ContextID: "user:1", Text: "weather tomorrow", TopK: 3, Threshold: 0.5})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_EntityLookups(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)

	exact, err := store.FindEntitiesByName(ctx, "johannes brahms")
	require.NoError(t, err)
	assert.Len(t, exact, 1)

	candidates, err := store.FindEntityCandidates(ctx, "Brahms'", 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "e-brahms", candidates[0].ID)

	count, err := store.CountEntities(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMemoryStore_CommitRejectsInvalid(t *testing.T) {
	store := knowledge.NewMemoryStore(nil)
	err := store.Commit(context.Background(), knowledge.Batch{
		Propositions: []knowledge.Proposition{{ID: "p", ContextID: "c", Text: "no grounding", Status: knowledge.StatusActive}},
	})
	assert.Error(t, err)
	assert.Equal(t, 0, store.Commits())
}

func TestMemoryStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)

	n, err := store.ClearContext(ctx, "user:1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	total, err := store.CountPropositions(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	n, err = store.ClearAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
