package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"ezra-knowledge/backend/internal/adapter"
	"ezra-knowledge/backend/internal/knowledge"
)

// LLMCapability extracts propositions by prompting a chat model
type LLMCapability struct {
	llm adapter.Completer
}

// NewLLMCapability creates an LLM-backed extraction capability
func NewLLMCapability(llm adapter.Completer) *LLMCapability {
	return &LLMCapability{llm: llm}
}

type llmMention struct {
	Span string `json:"span"`
	Type string `json:"type"`
	Role string `json:"role"`
}

type llmProposition struct {
	Text       string       `json:"text"`
	Mentions   []llmMention `json:"mentions"`
	Confidence float64      `json:"confidence"`
	Decay      float64      `json:"decay"`
	Reasoning  string       `json:"reasoning"`
	Sources    []int        `json:"sources"`
}

type llmReply struct {
	Propositions []llmProposition `json:"propositions"`
}

func (c *LLMCapability) Extract(ctx context.Context, req Request) ([]knowledge.RawProposition, error) {
	content, err := c.llm.Complete(ctx, buildSystemPrompt(req), buildUserPrompt(req))
	if err != nil {
		return nil, err
	}
	items, err := parseReply(content)
	if err != nil {
		return nil, err
	}

	out := make([]knowledge.RawProposition, 0, len(items))
	for _, item := range items {
		raw := knowledge.RawProposition{
			Text:       item.Text,
			Confidence: item.Confidence,
			Decay:      item.Decay,
			Reasoning:  item.Reasoning,
			Sources:    item.Sources,
		}
		for _, m := range item.Mentions {
			raw.Mentions = append(raw.Mentions, knowledge.EntityMention{
				Span: m.Span,
				Type: m.Type,
				Role: knowledge.ParseRole(m.Role),
			})
		}
		out = append(out, raw)
	}
	return out, nil
}

// parseReply accepts either a bare array or {"propositions": [...]}
func parseReply(content string) ([]llmProposition, error) {
	raw := adapter.ExtractJSON(content)
	if strings.HasPrefix(raw, "[") {
		var items []llmProposition
		if err := adapter.DecodeJSON(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var reply llmReply
	if err := adapter.DecodeJSON(raw, &reply); err != nil {
		return nil, err
	}
	return reply.Propositions, nil
}

func buildSystemPrompt(req Request) string {
	var types strings.Builder
	for _, t := range req.Schema.EntityTypes {
		if t.Description != "" {
			fmt.Fprintf(&types, "- %s: %s\n", t.Name, t.Description)
		} else {
			fmt.Fprintf(&types, "- %s\n", t.Name)
		}
	}

	return fmt.Sprintf(`You are a knowledge extraction system. Read a conversation excerpt and extract only what the conversation supports as short, standalone statements (propositions).

Entity types you may use:
%s
Respond with ONLY valid JSON (no markdown, no explanation):
{
  "propositions": [
    {
      "text": "Standalone statement, e.g. 'Ana loves Brahms'",
      "mentions": [{"span": "exact words naming the entity", "type": "one of the entity types", "role": "SUBJECT or OBJECT or OTHER"}],
      "confidence": 0.0-1.0,
      "decay": 0.0-1.0,
      "reasoning": "Brief one-sentence explanation",
      "sources": [line numbers of the excerpt lines that state or imply it]
    }
  ]
}

Guidelines:
- Never invent facts the excerpt does not state or clearly imply
- Excerpt lines are numbered like [3]; cite in "sources" only the lines that support the statement, not the whole excerpt
- At most one SUBJECT mention per proposition
- Replace pronouns with the names they refer to when the excerpt makes it clear
- decay: 0 for stable facts (birthplace, composer of a work), near 1 for passing states (current mood, what is playing now)
- confidence: how directly the excerpt supports the statement
- DON'T extract greetings, questions or statements about the assistant itself
- Return {"propositions": []} when there is nothing worth keeping`, types.String())
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	if len(req.KnownEntities) > 0 {
		b.WriteString("Known entities:\n")
		for _, e := range req.KnownEntities {
			fmt.Fprintf(&b, "- %s (%s)\n", e.Name, strings.Join(e.Labels, ", "))
		}
		b.WriteString("\n")
	}
	if len(req.Vars) > 0 {
		keys := make([]string, 0, len(req.Vars))
		for k := range req.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vars := make(map[string]string, len(keys))
		for _, k := range keys {
			vars[k] = req.Vars[k]
		}
		if data, err := json.Marshal(vars); err == nil {
			fmt.Fprintf(&b, "Context: %s\n\n", data)
		}
	}
	b.WriteString("Conversation excerpt:\n")
	b.WriteString(req.Text)
	return b.String()
}
