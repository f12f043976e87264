package resolve

import (
	"context"
	"fmt"
	"strings"

	"ezra-knowledge/backend/internal/adapter"
	"ezra-knowledge/backend/internal/knowledge"
)

// Mode selects the question asked of the resolution capability
type Mode string

const (
	// ModeVerify asks whether the single candidate is the mentioned entity
	ModeVerify Mode = "VERIFY"
	// ModeChoose asks which candidate, if any, is the mentioned entity
	ModeChoose Mode = "CHOOSE"
)

// Strategy controls how much candidate detail goes into the prompt
type Strategy string

const (
	StrategyFull    Strategy = "FULL"
	StrategyCompact Strategy = "COMPACT"
)

// ParseStrategy defaults to COMPACT
func ParseStrategy(s string) Strategy {
	if Strategy(strings.ToUpper(strings.TrimSpace(s))) == StrategyFull {
		return StrategyFull
	}
	return StrategyCompact
}

// ChoiceRequest is one verification or bake-off question
type ChoiceRequest struct {
	Span       string
	Type       string
	Context    string
	Candidates []knowledge.NamedEntity
	Mode       Mode
	Strategy   Strategy
}

// Capability picks the entity a mention refers to. An empty id means none.
type Capability interface {
	Choose(ctx context.Context, req ChoiceRequest) (string, error)
}

// LLMCapability answers choice requests with a chat model
type LLMCapability struct {
	llm adapter.Completer
}

// NewLLMCapability creates an LLM-backed resolution capability
func NewLLMCapability(llm adapter.Completer) *LLMCapability {
	return &LLMCapability{llm: llm}
}

type choiceReply struct {
	Choice    string `json:"choice"`
	Reasoning string `json:"reasoning"`
}

const choiceSystemPrompt = `You are an entity resolution system. Decide which known entity, if any, a mention in a statement refers to.

Respond with ONLY valid JSON (no markdown, no explanation):
{"choice": "the id of the matching entity, or an empty string if none match", "reasoning": "Brief one-sentence explanation"}

Guidelines:
- Only choose an entity when the statement gives good reason to believe it is the same one
- Different people or works that share a name are NOT the same entity
- When unsure, answer with an empty choice`

func (c *LLMCapability) Choose(ctx context.Context, req ChoiceRequest) (string, error) {
	content, err := c.llm.Complete(ctx, choiceSystemPrompt, buildChoicePrompt(req))
	if err != nil {
		return "", err
	}
	var reply choiceReply
	if err := adapter.DecodeJSON(content, &reply); err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Choice), nil
}

func buildChoicePrompt(req ChoiceRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Statement: %q\n", req.Context)
	if req.Type != "" {
		fmt.Fprintf(&b, "Mention: %q (type %s)\n\n", req.Span, req.Type)
	} else {
		fmt.Fprintf(&b, "Mention: %q\n\n", req.Span)
	}

	if req.Mode == ModeVerify {
		b.WriteString("Is the mention this entity? Answer with its id if yes, an empty choice if no.\n")
	} else {
		b.WriteString("Which of these entities is the mention? Answer with one id, or an empty choice if none.\n")
	}
	for _, e := range req.Candidates {
		if req.Strategy == StrategyFull {
			fmt.Fprintf(&b, "- id: %s\n  name: %s\n  labels: %s\n", e.ID, e.Name, strings.Join(e.Labels, ", "))
			if e.Description != "" {
				fmt.Fprintf(&b, "  description: %s\n", e.Description)
			}
		} else {
			fmt.Fprintf(&b, "- %s | %s | %s\n", e.ID, e.Name, strings.Join(e.Labels, ", "))
		}
	}
	return b.String()
}
