package revise

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

func TestLLMJudge_Compare(t *testing.T) {
	llm := &fakeCompleter{reply: `{"outcome":"merged","target_id":"p1","merged_text":"Ana loves Brahms and Dvořák","reasoning":"adds detail"}`}
	d, err := NewLLMJudge(llm).Compare(context.Background(),
		knowledge.Proposition{Text: "Ana loves Dvořák too"},
		[]knowledge.Proposition{{ID: "p1", Text: "Ana loves Brahms"}},
	)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, d.Outcome)
	assert.Equal(t, "p1", d.TargetID)
	assert.Equal(t, "Ana loves Brahms and Dvořák", d.MergedText)
	assert.Contains(t, llm.user, `"id":"p1"`)
}

func TestLLMJudge_RejectsUnknownOutcome(t *testing.T) {
	llm := &fakeCompleter{reply: `{"outcome":"SUPERSEDED","target_id":"p1"}`}
	_, err := NewLLMJudge(llm).Compare(context.Background(), knowledge.Proposition{Text: "x"}, []knowledge.Proposition{{ID: "p1", Text: "y"}})
	assert.Error(t, err)
}
