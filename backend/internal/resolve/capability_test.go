package resolve

import (
	"context"
	"testing"

	"ezra-knowledge/backend/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply string
	user  string
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userMsg string) (string, error) {
	f.user = userMsg
	return f.reply, nil
}

func TestLLMCapability_Choose(t *testing.T) {
	llm := &fakeCompleter{reply: "```json\n{\"choice\": \" e-brahms \", \"reasoning\": \"same composer\"}\n```"}
	c := NewLLMCapability(llm)

	id, err := c.Choose(context.Background(), ChoiceRequest{
		Span:    "Brahms",
		Type:    "Composer",
		Context: "Ana loves Brahms",
		Candidates: []knowledge.NamedEntity{
			{ID: "e-brahms", Name: "Johannes Brahms", Labels: []string{"Composer"}, Description: "German composer"},
		},
		Mode:     ModeVerify,
		Strategy: StrategyFull,
	})
	require.NoError(t, err)
	assert.Equal(t, "e-brahms", id)
	assert.Contains(t, llm.user, "Is the mention this entity?")
	assert.Contains(t, llm.user, "description: German composer")
}

func TestLLMCapability_CompactPrompt(t *testing.T) {
	llm := &fakeCompleter{reply: `{"choice": ""}`}
	c := NewLLMCapability(llm)

	id, err := c.Choose(context.Background(), ChoiceRequest{
		Span: "Bach",
		Candidates: []knowledge.NamedEntity{
			{ID: "a", Name: "Johann Sebastian Bach", Labels: []string{"Composer"}, Description: "Baroque"},
			{ID: "b", Name: "Carl Philipp Emanuel Bach", Labels: []string{"Composer"}},
		},
		Mode:     ModeChoose,
		Strategy: StrategyCompact,
	})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Contains(t, llm.user, "- a | Johann Sebastian Bach | Composer")
	assert.NotContains(t, llm.user, "Baroque")
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyFull, ParseStrategy("full"))
	assert.Equal(t, StrategyCompact, ParseStrategy("compact"))
	assert.Equal(t, StrategyCompact, ParseStrategy(""))
}
