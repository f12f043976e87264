package resolve

import (
	"context"
	"sort"
	"time"

	"ezra-knowledge/backend/internal/knowledge"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// Level names the stage that produced a resolution
type Level string

const (
	LevelKnownEntity    Level = "KNOWN_ENTITY"
	LevelExactMatch     Level = "EXACT_MATCH"
	LevelHeuristicMatch Level = "HEURISTIC_MATCH"
	LevelEmbeddingMatch Level = "EMBEDDING_MATCH"
	LevelLLMVerify      Level = "LLM_VERIFICATION"
	LevelLLMBakeoff     Level = "LLM_BAKEOFF"
	LevelNone           Level = "UNRESOLVED"
)

// Outcome is a stage's verdict on an attempt
type Outcome int

const (
	// NeedMoreCandidates passes the attempt to the next stage
	NeedMoreCandidates Outcome = iota
	// Resolved ends the chain with Attempt.ResolvedID set
	Resolved
	// Unresolved ends the chain without a match
	Unresolved
)

// Candidate is an entity a stage considered plausible, with its best score
type Candidate struct {
	Entity knowledge.NamedEntity
	Score  float64
}

// Attempt carries one mention through the stage chain
type Attempt struct {
	Mention knowledge.EntityMention
	// Context is the proposition text the mention appeared in
	Context    string
	Candidates []Candidate
	ResolvedID string
}

// AddCandidate records e, keeping the higher score when already present
func (a *Attempt) AddCandidate(e knowledge.NamedEntity, score float64) {
	for i := range a.Candidates {
		if a.Candidates[i].Entity.ID == e.ID {
			if score > a.Candidates[i].Score {
				a.Candidates[i].Score = score
			}
			return
		}
	}
	a.Candidates = append(a.Candidates, Candidate{Entity: e, Score: score})
}

// Ranked returns candidates best first
func (a *Attempt) Ranked() []Candidate {
	out := append([]Candidate(nil), a.Candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	return out
}

// TypeMatches reports whether e satisfies the mention's type constraint
func (a *Attempt) TypeMatches(e knowledge.NamedEntity) bool {
	return a.Mention.Type == "" || e.HasLabel(a.Mention.Type)
}

// Stage is one step of the escalation chain
type Stage interface {
	Level() Level
	Attempt(ctx context.Context, attempt *Attempt) (Outcome, error)
}

// Known holds entities the caller already knows for this run
type Known struct {
	Self     *knowledge.NamedEntity
	Entities []knowledge.NamedEntity
}

// Resolution is the result of resolving one mention
type Resolution struct {
	Mention knowledge.EntityMention
	Level   Level
	// Err is set when a stage failed; the mention is then unresolved
	Err error
}

// Resolver runs mentions through an ordered list of stages, cheapest first
type Resolver struct {
	stages  []Stage
	timeout time.Duration
	logger  *zap.Logger
}

// NewResolver creates a resolver. A zero timeout means no per-mention deadline.
func NewResolver(stages []Stage, timeout time.Duration) *Resolver {
	return &Resolver{
		stages:  stages,
		timeout: timeout,
		logger:  logger.Named("resolve"),
	}
}

var selfReferences = map[string]bool{
	"i":      true,
	"me":     true,
	"my":     true,
	"myself": true,
	"mine":   true,
}

// IsSelfReference reports whether span is a first-person reference such as
// "I" or "my"
func IsSelfReference(span string) bool {
	return selfReferences[knowledge.NormalizeName(span)]
}

// Resolve returns the mention with ResolvedID set when some stage matched it.
// It never creates entities. First-person spans resolve only to known.Self.
func (r *Resolver) Resolve(ctx context.Context, mention knowledge.EntityMention, propositionText string, known Known) Resolution {
	mention.ResolvedID = ""
	if id, ok := resolveKnown(mention, known); ok {
		mention.ResolvedID = id
		return Resolution{Mention: mention, Level: LevelKnownEntity}
	}
	// "I" names a different person in every conversation
	if IsSelfReference(mention.Span) {
		return Resolution{Mention: mention, Level: LevelNone}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	attempt := &Attempt{Mention: mention, Context: propositionText}
	for _, stage := range r.stages {
		outcome, err := stage.Attempt(ctx, attempt)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				err = apperrors.NewContextTimeout("resolve", r.timeout)
			}
			failure := apperrors.NewResolutionFailed(mention.Span, string(stage.Level()), err)
			r.logger.Warn("Mention resolution failed",
				zap.String("span", mention.Span),
				zap.String("stage", string(stage.Level())),
				zap.Error(err),
			)
			return Resolution{Mention: mention, Level: LevelNone, Err: failure}
		}

		switch outcome {
		case Resolved:
			mention.ResolvedID = attempt.ResolvedID
			r.logger.Debug("Mention resolved",
				zap.String("span", mention.Span),
				zap.String("entity_id", attempt.ResolvedID),
				zap.String("level", string(stage.Level())),
			)
			return Resolution{Mention: mention, Level: stage.Level()}
		case Unresolved:
			return Resolution{Mention: mention, Level: LevelNone}
		}
	}
	return Resolution{Mention: mention, Level: LevelNone}
}

func resolveKnown(m knowledge.EntityMention, known Known) (string, bool) {
	norm := knowledge.NormalizeName(m.Span)
	if norm == "" {
		return "", false
	}
	if known.Self != nil && selfReferences[norm] {
		return known.Self.ID, true
	}
	candidates := known.Entities
	if known.Self != nil {
		candidates = append([]knowledge.NamedEntity{*known.Self}, candidates...)
	}
	for _, e := range candidates {
		if e.ID == "" || knowledge.NormalizeName(e.Name) != norm {
			continue
		}
		if m.Type != "" && !e.HasLabel(m.Type) {
			continue
		}
		return e.ID, true
	}
	return "", false
}
