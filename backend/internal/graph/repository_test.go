package graph

import (
	"context"
	"os"
	"testing"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/knowledge/knowledgetest"
	"ezra-knowledge/backend/internal/window"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropositionFromRecord_OrdersMentionsByPosition(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &neo4j.Record{
		Keys: []string{"p", "mentions"},
		Values: []interface{}{
			map[string]interface{}{
				"id":         "p1",
				"context_id": "ctx",
				"text":       "Alice works at Acme",
				"confidence": 0.8,
				"decay":      0.1,
				"grounding":  []interface{}{"m1", "m2"},
				"status":     "ACTIVE",
				"created":    created,
				"revised":    created,
				"embedding":  []interface{}{0.5, 1.0},
			},
			[]interface{}{
				map[string]interface{}{"position": int64(1), "span": "Acme", "type": "Organization", "role": "OBJECT", "resolved_id": "e2"},
				map[string]interface{}{"position": int64(0), "span": "Alice", "type": "Person", "role": "SUBJECT", "resolved_id": "e1"},
			},
		},
	}

	p := propositionFromRecord(record)
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, knowledge.StatusActive, p.Status)
	assert.Equal(t, []string{"m1", "m2"}, p.Grounding)
	assert.Equal(t, []float32{0.5, 1.0}, p.Embedding)
	assert.True(t, p.Created.Equal(created))
	require.Len(t, p.Mentions, 2)
	assert.Equal(t, "Alice", p.Mentions[0].Span)
	assert.Equal(t, knowledge.RoleSubject, p.Mentions[0].Role)
	assert.Equal(t, "e2", p.Mentions[1].ResolvedID)
	assert.NoError(t, p.Validate())
}

func TestEntityFromRecord(t *testing.T) {
	record := &neo4j.Record{
		Keys: []string{"e"},
		Values: []interface{}{map[string]interface{}{
			"id":     "e1",
			"name":   "Alice",
			"labels": []interface{}{"Person"},
		}},
	}
	e := entityFromRecord(record)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, []string{"Person"}, e.Labels)
	assert.Nil(t, e.Embedding)
}

func TestStateFromMap(t *testing.T) {
	s := stateFromMap(map[string]interface{}{
		"context_id": "ctx",
		"last":       int64(15),
		"window":     int64(10),
		"overlap":    int64(2),
		"interval":   int64(5),
	})
	assert.Equal(t, 15, s.LastAnalyzedMessageCount)
	assert.Equal(t, window.Config{WindowSize: 10, OverlapSize: 2, TriggerInterval: 5}, s.Config())
}

func TestIndexScoreConversion(t *testing.T) {
	for _, cos := range []float64{-1, 0, 0.5, 0.92, 1} {
		assert.InDelta(t, cos, cosineFromIndexScore(indexScoreFromCosine(cos)), 1e-12)
	}
	assert.InDelta(t, 0.5, indexScoreFromCosine(0), 1e-12)
}

func TestToVector(t *testing.T) {
	assert.Nil(t, toVector(nil))
	assert.Equal(t, []float64{1, 2}, toVector([]float32{1, 2}))
}

func TestGetters_MissingKeys(t *testing.T) {
	record := &neo4j.Record{Keys: []string{"n"}, Values: []interface{}{nil}}
	assert.Equal(t, int64(0), getInt64FromRecord(record, "n"))
	assert.Equal(t, "", getStringFromRecord(record, "missing"))
	assert.Nil(t, getMapFromRecord(record, "missing"))
	assert.True(t, getTimeFromMap(map[string]interface{}{}, "t").IsZero())
}

// Integration tests below need a running Neo4j. Set NEO4J_TEST_URI (and
// optionally NEO4J_TEST_USER, NEO4J_TEST_PASSWORD) to run them.

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	uri := os.Getenv("NEO4J_TEST_URI")
	if uri == "" {
		t.Skip("NEO4J_TEST_URI not set")
	}
	user := os.Getenv("NEO4J_TEST_USER")
	if user == "" {
		user = "neo4j"
	}
	password := os.Getenv("NEO4J_TEST_PASSWORD")
	if password == "" {
		password = "password"
	}

	ctx := context.Background()
	driver, err := Connect(ctx, uri, user, password)
	require.NoError(t, err)

	repo := NewRepository(driver, Options{Embedder: knowledgetest.NewBagOfWordsEmbedder(16)})
	require.NoError(t, repo.EnsureSchema(ctx))
	t.Cleanup(func() { _ = repo.Close(ctx) })
	return repo
}

func TestRepository_CommitAndRead(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	contextID := "test-" + uuid.New().String()
	t.Cleanup(func() { _, _ = repo.ClearContext(ctx, contextID) })

	alice := knowledge.NamedEntity{ID: uuid.New().String(), Name: "Alice Liddell", Labels: []string{"Person"}}
	prop := knowledge.Proposition{
		ID:         uuid.New().String(),
		ContextID:  contextID,
		Text:       "Alice Liddell likes tea",
		Confidence: 0.7,
		Decay:      0.2,
		Grounding:  []string{"chunk-1"},
		Mentions:   []knowledge.EntityMention{{Span: "Alice Liddell", Type: "Person", Role: knowledge.RoleSubject, ResolvedID: alice.ID}},
		Status:     knowledge.StatusActive,
	}
	require.NoError(t, repo.Commit(ctx, knowledge.Batch{Entities: []knowledge.NamedEntity{alice}, Propositions: []knowledge.Proposition{prop}}))

	got, err := repo.GetProposition(ctx, prop.ID)
	require.NoError(t, err)
	assert.Equal(t, prop.Text, got.Text)
	require.Len(t, got.Mentions, 1)
	assert.Equal(t, alice.ID, got.Mentions[0].ResolvedID)

	byEntity, err := repo.FindByEntities(ctx, contextID, []string{alice.ID}, 10)
	require.NoError(t, err)
	require.Len(t, byEntity, 1)

	grounded, err := repo.FindByGrounding(ctx, "chunk-1")
	require.NoError(t, err)
	assert.NotEmpty(t, grounded)

	candidates, err := repo.FindEntityCandidates(ctx, "alice", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, candidates)

	n, err := repo.CountPropositions(ctx, contextID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// recommitting replaces mentions rather than appending
	prop.Confidence = 0.9
	require.NoError(t, repo.Commit(ctx, knowledge.Batch{Propositions: []knowledge.Proposition{prop}}))
	got, err = repo.GetProposition(ctx, prop.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Len(t, got.Mentions, 1)

	_, err = repo.GetProposition(ctx, "missing-"+prop.ID)
	assert.ErrorIs(t, err, knowledge.ErrNotFound)
}

func TestRepository_AdvanceIsCompareAndSwap(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	contextID := "test-" + uuid.New().String()

	cfg := window.Config{WindowSize: 10, OverlapSize: 2, TriggerInterval: 5}
	initial := window.NewState(contextID, cfg)
	next := initial.RecordAnalyzed(5, time.Now())

	ok, err := repo.Advance(ctx, initial, next)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second writer still holding the initial cursor loses
	ok, err = repo.Advance(ctx, initial, initial.RecordAnalyzed(6, time.Now()))
	require.NoError(t, err)
	assert.False(t, ok)

	state, found, err := repo.Load(ctx, contextID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, state.LastAnalyzedMessageCount)
}

func TestRepository_ConversationLog(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	contextID := "test-" + uuid.New().String()

	for _, content := range []string{"one", "two", "three"} {
		_, err := repo.Append(ctx, conversation.Message{ContextID: contextID, Role: conversation.RoleUser, Content: content})
		require.NoError(t, err)
	}

	n, err := repo.CountMessages(ctx, contextID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs, err := repo.ListMessages(ctx, contextID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}
