package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ezra-knowledge/backend/internal/knowledge"
	"github.com/agext/levenshtein"
)

// Thresholds tune the deterministic stages
type Thresholds struct {
	HeuristicAccept    float64
	HeuristicCandidate float64
	EmbeddingAccept    float64
	EmbeddingMargin    float64
	EmbeddingCandidate float64
}

// DefaultThresholds are conservative: only near-certain matches auto-accept
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeuristicAccept:    0.85,
		HeuristicCandidate: 0.6,
		EmbeddingAccept:    0.92,
		EmbeddingMargin:    0.05,
		EmbeddingCandidate: 0.75,
	}
}

const (
	heuristicLookupLimit = 25
	embeddingTopK        = 5
	maxBakeoffCandidates = 5
)

// ExactStage matches an entity id or an exact, case-insensitive name
type ExactStage struct {
	Store knowledge.EntityStore
}

func (s *ExactStage) Level() Level { return LevelExactMatch }

func (s *ExactStage) Attempt(ctx context.Context, a *Attempt) (Outcome, error) {
	if e, err := s.Store.GetEntity(ctx, a.Mention.Span); err == nil {
		if a.TypeMatches(*e) {
			a.ResolvedID = e.ID
			return Resolved, nil
		}
	} else if !errors.Is(err, knowledge.ErrNotFound) {
		return NeedMoreCandidates, err
	}

	matches, err := s.Store.FindEntitiesByName(ctx, a.Mention.Span)
	if err != nil {
		return NeedMoreCandidates, err
	}
	var typed []knowledge.NamedEntity
	for _, e := range matches {
		if a.TypeMatches(e) {
			typed = append(typed, e)
		}
	}
	if len(typed) == 1 {
		a.ResolvedID = typed[0].ID
		return Resolved, nil
	}
	for _, e := range typed {
		a.AddCandidate(e, 1.0)
	}
	return NeedMoreCandidates, nil
}

// HeuristicStage scores name candidates after normalization, by token
// containment and by edit distance
type HeuristicStage struct {
	Store      knowledge.EntityStore
	Thresholds Thresholds
}

func (s *HeuristicStage) Level() Level { return LevelHeuristicMatch }

func (s *HeuristicStage) Attempt(ctx context.Context, a *Attempt) (Outcome, error) {
	found, err := s.Store.FindEntityCandidates(ctx, a.Mention.Span, heuristicLookupLimit)
	if err != nil {
		return NeedMoreCandidates, err
	}

	var best, second float64
	var bestID string
	for _, e := range found {
		if !a.TypeMatches(e) {
			continue
		}
		score := NameScore(a.Mention.Span, e.Name)
		if score < s.Thresholds.HeuristicCandidate {
			continue
		}
		a.AddCandidate(e, score)
		if score > best {
			second = best
			best, bestID = score, e.ID
		} else if score > second {
			second = score
		}
	}

	if bestID != "" && best >= s.Thresholds.HeuristicAccept && second < s.Thresholds.HeuristicAccept {
		a.ResolvedID = bestID
		return Resolved, nil
	}
	return NeedMoreCandidates, nil
}

// NameScore rates how likely two surface forms name the same entity
func NameScore(a, b string) float64 {
	na, nb := knowledge.NormalizeName(a), knowledge.NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	ta, tb := strings.Fields(na), strings.Fields(nb)
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	if knowledge.ContainsAll(tb, ta) {
		return 0.9
	}
	return levenshtein.Similarity(na, nb, nil)
}

// EmbeddingStage searches the entity vector index and auto-accepts only a
// clear winner
type EmbeddingStage struct {
	Store      knowledge.EntityStore
	Embedder   knowledge.Embedder
	Thresholds Thresholds
}

func (s *EmbeddingStage) Level() Level { return LevelEmbeddingMatch }

func (s *EmbeddingStage) Attempt(ctx context.Context, a *Attempt) (Outcome, error) {
	if s.Embedder == nil {
		return NeedMoreCandidates, nil
	}
	query := a.Mention.Span
	if a.Mention.Type != "" {
		query = fmt.Sprintf("%s (%s)", a.Mention.Span, a.Mention.Type)
	}
	vec, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return NeedMoreCandidates, err
	}
	hits, err := s.Store.FindSimilarEntities(ctx, vec, embeddingTopK, s.Thresholds.EmbeddingCandidate)
	if err != nil {
		return NeedMoreCandidates, err
	}

	var typed []knowledge.ScoredEntity
	for _, h := range hits {
		if a.TypeMatches(h.Entity) {
			typed = append(typed, h)
			a.AddCandidate(h.Entity, h.Score)
		}
	}
	if len(typed) == 0 {
		return NeedMoreCandidates, nil
	}
	top := typed[0]
	runnerUp := 0.0
	if len(typed) > 1 {
		runnerUp = typed[1].Score
	}
	if top.Score >= s.Thresholds.EmbeddingAccept && top.Score-runnerUp >= s.Thresholds.EmbeddingMargin {
		a.ResolvedID = top.Entity.ID
		return Resolved, nil
	}
	return NeedMoreCandidates, nil
}

// VerificationStage asks the model a yes/no question about a single candidate
type VerificationStage struct {
	Capability Capability
}

func (s *VerificationStage) Level() Level { return LevelLLMVerify }

func (s *VerificationStage) Attempt(ctx context.Context, a *Attempt) (Outcome, error) {
	switch len(a.Candidates) {
	case 0:
		return Unresolved, nil
	case 1:
	default:
		return NeedMoreCandidates, nil
	}
	candidate := a.Candidates[0].Entity
	id, err := s.Capability.Choose(ctx, ChoiceRequest{
		Span:       a.Mention.Span,
		Type:       a.Mention.Type,
		Context:    a.Context,
		Candidates: []knowledge.NamedEntity{candidate},
		Mode:       ModeVerify,
		Strategy:   StrategyFull,
	})
	if err != nil {
		return NeedMoreCandidates, err
	}
	if id != candidate.ID {
		return Unresolved, nil
	}
	a.ResolvedID = id
	return Resolved, nil
}

// BakeoffStage lets the model pick one of several candidates, or none
type BakeoffStage struct {
	Capability Capability
	Strategy   Strategy
}

func (s *BakeoffStage) Level() Level { return LevelLLMBakeoff }

func (s *BakeoffStage) Attempt(ctx context.Context, a *Attempt) (Outcome, error) {
	ranked := a.Ranked()
	if len(ranked) == 0 {
		return Unresolved, nil
	}
	if len(ranked) > maxBakeoffCandidates {
		ranked = ranked[:maxBakeoffCandidates]
	}
	entities := make([]knowledge.NamedEntity, 0, len(ranked))
	for _, c := range ranked {
		entities = append(entities, c.Entity)
	}

	id, err := s.Capability.Choose(ctx, ChoiceRequest{
		Span:       a.Mention.Span,
		Type:       a.Mention.Type,
		Context:    a.Context,
		Candidates: entities,
		Mode:       ModeChoose,
		Strategy:   s.Strategy,
	})
	if err != nil {
		return NeedMoreCandidates, err
	}
	for _, e := range entities {
		if e.ID == id && id != "" {
			a.ResolvedID = id
			return Resolved, nil
		}
	}
	return Unresolved, nil
}

// Deps are what BuildStages wires into stages
type Deps struct {
	Store      knowledge.EntityStore
	Embedder   knowledge.Embedder
	Capability Capability
	Thresholds Thresholds
	Strategy   Strategy
}

// DefaultStageNames is the full escalation chain
var DefaultStageNames = []string{
	string(LevelExactMatch),
	string(LevelHeuristicMatch),
	string(LevelEmbeddingMatch),
	string(LevelLLMVerify),
	string(LevelLLMBakeoff),
}

// BuildStages creates stages in the order named. Names are case-insensitive;
// LLM stages are skipped when no capability is configured.
func BuildStages(names []string, deps Deps) ([]Stage, error) {
	if len(names) == 0 {
		names = DefaultStageNames
	}
	stages := make([]Stage, 0, len(names))
	for _, name := range names {
		switch Level(strings.ToUpper(strings.TrimSpace(name))) {
		case LevelExactMatch:
			stages = append(stages, &ExactStage{Store: deps.Store})
		case LevelHeuristicMatch:
			stages = append(stages, &HeuristicStage{Store: deps.Store, Thresholds: deps.Thresholds})
		case LevelEmbeddingMatch:
			stages = append(stages, &EmbeddingStage{Store: deps.Store, Embedder: deps.Embedder, Thresholds: deps.Thresholds})
		case LevelLLMVerify:
			if deps.Capability != nil {
				stages = append(stages, &VerificationStage{Capability: deps.Capability})
			}
		case LevelLLMBakeoff:
			if deps.Capability != nil {
				stages = append(stages, &BakeoffStage{Capability: deps.Capability, Strategy: deps.Strategy})
			}
		default:
			return nil, fmt.Errorf("unknown resolver stage: %q", name)
		}
	}
	return stages, nil
}
