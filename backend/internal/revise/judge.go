package revise

import (
	"context"
	"encoding/json"
	"fmt"

	"ezra-knowledge/backend/internal/adapter"
	"ezra-knowledge/backend/internal/knowledge"
)

// LLMJudge classifies propositions with a chat model
type LLMJudge struct {
	llm adapter.Completer
}

// NewLLMJudge creates an LLM-backed judge
func NewLLMJudge(llm adapter.Completer) *LLMJudge {
	return &LLMJudge{llm: llm}
}

type judgeReply struct {
	Outcome    string `json:"outcome"`
	TargetID   string `json:"target_id"`
	MergedText string `json:"merged_text"`
	Reasoning  string `json:"reasoning"`
}

const judgeSystemPrompt = `You are a knowledge revision system. Compare a new statement against existing statements and decide how to store it.

Respond with ONLY valid JSON (no markdown, no explanation):
{
  "outcome": "NEW" or "REINFORCED" or "MERGED" or "DUPLICATE",
  "target_id": "id of the existing statement, empty string for NEW",
  "merged_text": "combined statement when outcome is MERGED, empty string otherwise",
  "reasoning": "Brief one-sentence explanation"
}

Guidelines:
- DUPLICATE: same meaning as an existing statement and adds nothing
- REINFORCED: same fact stated again, e.g. "Ana likes Brahms" vs "Ana is fond of Brahms"
- MERGED: compatible with an existing statement but adds detail, e.g. "Ana likes Brahms" + "Ana likes Brahms' violin concerto" -> "Ana likes Brahms, especially his violin concerto"
- NEW: anything else, including statements that contradict an existing one
- Only use ids from the existing statements`

func (j *LLMJudge) Compare(ctx context.Context, candidate knowledge.Proposition, existing []knowledge.Proposition) (Decision, error) {
	list := make([]map[string]string, 0, len(existing))
	for _, p := range existing {
		list = append(list, map[string]string{"id": p.ID, "text": p.Text})
	}
	existingJSON, err := json.Marshal(list)
	if err != nil {
		return Decision{}, err
	}

	prompt := fmt.Sprintf("New statement: %q\n\nExisting statements:\n%s", candidate.Text, existingJSON)
	content, err := j.llm.Complete(ctx, judgeSystemPrompt, prompt)
	if err != nil {
		return Decision{}, err
	}

	var reply judgeReply
	if err := adapter.DecodeJSON(content, &reply); err != nil {
		return Decision{}, err
	}
	outcome, ok := ParseOutcome(reply.Outcome)
	if !ok {
		return Decision{}, fmt.Errorf("unknown revision outcome %q", reply.Outcome)
	}
	return Decision{
		Outcome:    outcome,
		TargetID:   reply.TargetID,
		MergedText: reply.MergedText,
		Reasoning:  reply.Reasoning,
	}, nil
}
