package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProposition() Proposition {
	now := time.Now()
	return Proposition{
		ID:         "p1",
		ContextID:  "user:1",
		Text:       "User loves Brahms' violin concerto",
		Confidence: 0.8,
		Decay:      0.1,
		Grounding:  []string{"m1"},
		Mentions: []EntityMention{
			{Span: "User", Type: "Person", Role: RoleSubject},
			{Span: "violin concerto", Type: "Work", Role: RoleObject},
		},
		Created: now,
		Revised: now,
		Status:  StatusActive,
	}
}

func TestProposition_Validate(t *testing.T) {
	p := validProposition()
	require.NoError(t, p.Validate())

	noGrounding := validProposition()
	noGrounding.Grounding = nil
	assert.Error(t, noGrounding.Validate())

	twoSubjects := validProposition()
	twoSubjects.Mentions[1].Role = RoleSubject
	assert.Error(t, twoSubjects.Validate())

	outOfRange := validProposition()
	outOfRange.Confidence = 1.2
	assert.Error(t, outOfRange.Validate())

	badDecay := validProposition()
	badDecay.Decay = -0.1
	assert.Error(t, badDecay.Validate())
}

func TestProposition_EntityIDs(t *testing.T) {
	p := validProposition()
	p.Mentions[0].ResolvedID = "e1"
	p.Mentions = append(p.Mentions, EntityMention{Span: "me", ResolvedID: "e1", Role: RoleOther})
	assert.Equal(t, []string{"e1"}, p.EntityIDs())
}

func TestEffectiveConfidence(t *testing.T) {
	p := validProposition()
	p.Decay = 0
	assert.Equal(t, p.Confidence, p.EffectiveConfidence(p.Revised.Add(365*24*time.Hour)))

	p.Decay = 1
	halfLifeLater := p.Revised.Add(freshnessHalfLife)
	assert.InDelta(t, p.Confidence/2, p.EffectiveConfidence(halfLifeLater), 1e-9)
	assert.Equal(t, p.Confidence, p.EffectiveConfidence(p.Revised.Add(-time.Hour)))
}

func TestParseStatusAndRole(t *testing.T) {
	s, err := ParseStatus("active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s)

	_, err = ParseStatus("deleted")
	assert.Error(t, err)

	assert.Equal(t, RoleSubject, ParseRole("subject"))
	assert.Equal(t, RoleOther, ParseRole("agent"))
}

func TestUnionStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UnionStrings([]string{"a", "b"}, []string{"b", "c", ""}))
	assert.True(t, ContainsAll([]string{"a", "b"}, []string{"b"}))
	assert.False(t, ContainsAll([]string{"a"}, []string{"a", "c"}))
}

func TestSchema(t *testing.T) {
	s := DefaultSchema()
	assert.True(t, s.HasType("composer"))
	assert.Equal(t, "Composer", s.CanonicalType("COMPOSER"))
	assert.False(t, s.HasType("Spaceship"))
}
