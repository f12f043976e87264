package revise

import (
	"context"
	"errors"
	"testing"
	"time"

	"ezra-knowledge/backend/internal/knowledge"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubJudge struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubJudge) Compare(ctx context.Context, candidate knowledge.Proposition, existing []knowledge.Proposition) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReviser(judge Judge) *Reviser {
	r := NewReviser(judge, DefaultPolicy(), time.Second)
	r.clock = func() time.Time { return fixedNow }
	return r
}

func existingProp() knowledge.Proposition {
	return knowledge.Proposition{
		ID:         "p1",
		ContextID:  "c1",
		Text:       "Ana loves Brahms",
		Confidence: 0.5,
		Decay:      0.3,
		Grounding:  []string{"m1"},
		Mentions: []knowledge.EntityMention{
			{Span: "Ana", Type: "Person", Role: knowledge.RoleSubject, ResolvedID: "e-ana"},
			{Span: "Brahms", Type: "Composer", Role: knowledge.RoleObject, ResolvedID: "e-brahms"},
		},
		Status:    knowledge.StatusActive,
		Embedding: []float32{1, 0},
	}
}

func candidateProp(text string, grounding ...string) knowledge.Proposition {
	return knowledge.Proposition{
		ID:         "new",
		ContextID:  "c1",
		Text:       text,
		Confidence: 0.8,
		Decay:      0.1,
		Grounding:  grounding,
		Status:     knowledge.StatusActive,
	}
}

func TestRevise_NoCandidatesIsNew(t *testing.T) {
	judge := &stubJudge{}
	rev, err := newTestReviser(judge).Revise(context.Background(), candidateProp("Ana loves Brahms", "m1"), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, rev.Outcome)
	assert.Equal(t, "new", rev.Proposition.ID)
	assert.Equal(t, 0, judge.calls)
}

func TestRevise_SameTextSameGroundingIsDuplicate(t *testing.T) {
	judge := &stubJudge{}
	rev, err := newTestReviser(judge).Revise(context.Background(), candidateProp("ana loves brahms.", "m1"), []knowledge.Proposition{existingProp()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, rev.Outcome)
	assert.Equal(t, "p1", rev.TargetID)
	assert.Equal(t, existingProp(), rev.Proposition)
	assert.False(t, rev.Persist())
	assert.Equal(t, 0, judge.calls)
}

func TestRevise_SameTextNewGroundingIsReinforced(t *testing.T) {
	rev, err := newTestReviser(nil).Revise(context.Background(), candidateProp("Ana loves Brahms", "m9"), []knowledge.Proposition{existingProp()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReinforced, rev.Outcome)

	p := rev.Proposition
	assert.Equal(t, "p1", p.ID)
	assert.InDelta(t, 0.6, p.Confidence, 1e-9)
	assert.Equal(t, 0.1, p.Decay)
	assert.Equal(t, []string{"m1", "m9"}, p.Grounding)
	assert.Equal(t, fixedNow, p.Revised)
}

func TestRevise_ReinforcementStaysBounded(t *testing.T) {
	r := newTestReviser(nil)
	current := existingProp()
	for i := 0; i < 50; i++ {
		rev, err := r.Revise(context.Background(), candidateProp(current.Text, "m"+string(rune('a'+i%26))+string(rune('a'+i/26))), []knowledge.Proposition{current})
		require.NoError(t, err)
		current = rev.Proposition
		assert.LessOrEqual(t, current.Confidence, 1.0)
		assert.GreaterOrEqual(t, current.Confidence, 0.0)
	}
	assert.Greater(t, current.Confidence, 0.99)
}

func TestRevise_JudgeMerged(t *testing.T) {
	judge := &stubJudge{decision: Decision{Outcome: OutcomeMerged, TargetID: "p1", MergedText: "Ana loves Brahms, especially his violin concerto"}}
	cand := candidateProp("Ana loves the Brahms violin concerto", "m5")
	cand.Mentions = []knowledge.EntityMention{
		{Span: "Ana", Type: "Person", Role: knowledge.RoleSubject, ResolvedID: "e-ana"},
		{Span: "violin concerto", Type: "Work", Role: knowledge.RoleObject, ResolvedID: "e-vc"},
	}

	rev, err := newTestReviser(judge).Revise(context.Background(), cand, []knowledge.Proposition{existingProp()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, rev.Outcome)

	p := rev.Proposition
	assert.Equal(t, "p1", p.ID)
	assert.Equal(t, "Ana loves Brahms, especially his violin concerto", p.Text)
	assert.Equal(t, []string{"m1", "m5"}, p.Grounding)
	assert.Equal(t, 0.8, p.Confidence)
	assert.Equal(t, 0.1, p.Decay)
	assert.Nil(t, p.Embedding)
	require.Len(t, p.Mentions, 3)
	assert.Equal(t, "e-vc", p.Mentions[2].ResolvedID)
	require.NoError(t, p.Validate())
}

func TestRevise_JudgeReinforcedAndDuplicate(t *testing.T) {
	judge := &stubJudge{decision: Decision{Outcome: OutcomeReinforced, TargetID: "p1"}}
	rev, err := newTestReviser(judge).Revise(context.Background(), candidateProp("Ana is fond of Brahms", "m2"), []knowledge.Proposition{existingProp()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReinforced, rev.Outcome)
	assert.Equal(t, "Ana loves Brahms", rev.Proposition.Text)

	judge.decision = Decision{Outcome: OutcomeDuplicate, TargetID: "p1"}
	rev, err = newTestReviser(judge).Revise(context.Background(), candidateProp("Ana really loves Brahms", "m1"), []knowledge.Proposition{existingProp()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, rev.Outcome)
}

func TestRevise_JudgeErrorFallsBackToNew(t *testing.T) {
	judge := &stubJudge{err: errors.New("llm down")}
	rev, err := newTestReviser(judge).Revise(context.Background(), candidateProp("Ana plays cello", "m3"), []knowledge.Proposition{existingProp()})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeRevision))
	assert.Equal(t, OutcomeNew, rev.Outcome)
	assert.Equal(t, "new", rev.Proposition.ID)
}

func TestRevise_UnknownTargetFallsBackToNew(t *testing.T) {
	judge := &stubJudge{decision: Decision{Outcome: OutcomeMerged, TargetID: "p-invented"}}
	rev, err := newTestReviser(judge).Revise(context.Background(), candidateProp("Ana plays cello", "m3"), []knowledge.Proposition{existingProp()})
	require.Error(t, err)
	assert.Equal(t, OutcomeNew, rev.Outcome)
}

func TestRevise_IgnoresInactive(t *testing.T) {
	retracted := existingProp()
	retracted.Status = knowledge.StatusRetracted
	judge := &stubJudge{}
	rev, err := newTestReviser(judge).Revise(context.Background(), candidateProp("Ana loves Brahms", "m1"), []knowledge.Proposition{retracted})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, rev.Outcome)
	assert.Equal(t, 0, judge.calls)
}

func TestStats(t *testing.T) {
	var s Stats
	for _, o := range []Outcome{OutcomeNew, OutcomeNew, OutcomeMerged, OutcomeReinforced, OutcomeDuplicate} {
		s.Record(o)
	}
	assert.Equal(t, Stats{New: 2, Reinforced: 1, Merged: 1, Duplicate: 1}, s)
	assert.Equal(t, 5, s.Total())
}

func TestParseOutcome(t *testing.T) {
	o, ok := ParseOutcome(" merged ")
	assert.True(t, ok)
	assert.Equal(t, OutcomeMerged, o)
	_, ok = ParseOutcome("SUPERSEDE")
	assert.False(t, ok)
}
