package extract

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

type stubCapability struct {
	out   []knowledge.RawProposition
	err   error
	delay time.Duration
	calls int
}

func (s *stubCapability) Extract(ctx context.Context, req Request) ([]knowledge.RawProposition, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.out, s.err
}

func TestExtractor_SanitizesOutput(t *testing.T) {
	stub := &stubCapability{out: []knowledge.RawProposition{
		{
			Text:       "  Ana loves Brahms  ",
			Confidence: 1.4,
			Decay:      -0.2,
			Mentions: []knowledge.EntityMention{
				{Span: "Ana", Type: "person", Role: knowledge.RoleSubject, ResolvedID: "leaked"},
				{Span: "Brahms", Type: "Composer", Role: knowledge.RoleSubject},
			},
		},
		{Text: "   "},
	}}
	ex := NewExtractor(stub, time.Second)

	out, err := ex.Extract(context.Background(), Request{ContextID: "c1", Text: "Ana: I love Brahms", Schema: knowledge.DefaultSchema()})
	require.NoError(t, err)
	require.Len(t, out, 1)

	p := out[0]
	assert.Equal(t, "Ana loves Brahms", p.Text)
	assert.Equal(t, 1.0, p.Confidence)
	assert.Equal(t, 0.0, p.Decay)
	require.Len(t, p.Mentions, 2)
	assert.Equal(t, "Person", p.Mentions[0].Type)
	assert.Empty(t, p.Mentions[0].ResolvedID)
	assert.Equal(t, knowledge.RoleSubject, p.Mentions[0].Role)
	assert.Equal(t, knowledge.RoleOther, p.Mentions[1].Role)
}

func TestExtractor_SchemaAdherence(t *testing.T) {
	raw := []knowledge.RawProposition{
		{Text: "Ana drives a Volvo", Mentions: []knowledge.EntityMention{{Span: "Volvo", Type: "Vehicle", Role: knowledge.RoleObject}}},
		{Text: "Ana lives in Oslo", Mentions: []knowledge.EntityMention{{Span: "Oslo", Type: "Place", Role: knowledge.RoleObject}}},
	}

	strict := NewExtractor(&stubCapability{out: raw}, 0)
	out, err := strict.Extract(context.Background(), Request{Text: "x", Schema: knowledge.DefaultSchema()})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Ana lives in Oslo", out[0].Text)

	relaxedSchema := knowledge.DefaultSchema()
	relaxedSchema.Relaxed = true
	relaxed := NewExtractor(&stubCapability{out: raw}, 0)
	out, err = relaxed.Extract(context.Background(), Request{Text: "x", Schema: relaxedSchema})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestExtractor_EmptyTextSkipsCapability(t *testing.T) {
	stub := &stubCapability{}
	out, err := NewExtractor(stub, 0).Extract(context.Background(), Request{Text: "  "})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 0, stub.calls)
}

func TestExtractor_Timeout(t *testing.T) {
	stub := &stubCapability{delay: time.Second}
	ex := NewExtractor(stub, 20*time.Millisecond)

	_, err := ex.Extract(context.Background(), Request{ContextID: "c1", Text: "hello there"})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeExtraction))
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeContext))
}

func TestExtractor_CapabilityError(t *testing.T) {
	stub := &stubCapability{err: errors.New("boom")}
	_, err := NewExtractor(stub, 0).Extract(context.Background(), Request{Text: "hello"})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeExtraction))
}
