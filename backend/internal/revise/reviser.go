package revise

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ezra-knowledge/backend/internal/knowledge"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// Outcome classifies a candidate proposition against what is already stored
type Outcome string

const (
	OutcomeNew        Outcome = "NEW"
	OutcomeReinforced Outcome = "REINFORCED"
	OutcomeMerged     Outcome = "MERGED"
	OutcomeDuplicate  Outcome = "DUPLICATE"
)

// ParseOutcome maps a case-insensitive string onto an Outcome
func ParseOutcome(s string) (Outcome, bool) {
	switch Outcome(strings.ToUpper(strings.TrimSpace(s))) {
	case OutcomeNew:
		return OutcomeNew, true
	case OutcomeReinforced:
		return OutcomeReinforced, true
	case OutcomeMerged:
		return OutcomeMerged, true
	case OutcomeDuplicate:
		return OutcomeDuplicate, true
	}
	return "", false
}

// Decision is the judge's classification. TargetID names the existing
// proposition for every outcome except NEW.
type Decision struct {
	Outcome    Outcome
	TargetID   string
	MergedText string
	Reasoning  string
}

// Judge compares a candidate with existing propositions
type Judge interface {
	Compare(ctx context.Context, candidate knowledge.Proposition, existing []knowledge.Proposition) (Decision, error)
}

// Revision is what the pipeline persists for one candidate. For NEW it holds
// the candidate, for REINFORCED and MERGED the updated existing proposition,
// and for DUPLICATE the untouched existing proposition.
type Revision struct {
	Outcome     Outcome
	Proposition knowledge.Proposition
	TargetID    string
}

// Persist reports whether the revision requires a store write
func (r Revision) Persist() bool {
	return r.Outcome != OutcomeDuplicate
}

// Policy tunes how revisions change confidence
type Policy struct {
	// ReinforceBoost is the share of the remaining headroom added on reinforcement
	ReinforceBoost float64
}

// DefaultPolicy moves confidence a fifth of the way to 1 per reinforcement
func DefaultPolicy() Policy {
	return Policy{ReinforceBoost: 0.2}
}

// Reviser decides NEW, REINFORCED, MERGED or DUPLICATE for each candidate
type Reviser struct {
	judge   Judge
	policy  Policy
	timeout time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// NewReviser creates a reviser. judge may be nil, in which case only the
// deterministic comparisons run and everything else is NEW.
func NewReviser(judge Judge, policy Policy, timeout time.Duration) *Reviser {
	return &Reviser{
		judge:   judge,
		policy:  policy,
		timeout: timeout,
		clock:   time.Now,
		logger:  logger.Named("revise"),
	}
}

// Revise classifies candidate against existing. It always returns a usable
// revision; a non-nil error means the judge failed and the revision fell back
// to NEW.
func (r *Reviser) Revise(ctx context.Context, candidate knowledge.Proposition, existing []knowledge.Proposition) (Revision, error) {
	now := r.clock().UTC()
	asNew := Revision{Outcome: OutcomeNew, Proposition: candidate}

	active := make([]knowledge.Proposition, 0, len(existing))
	for _, p := range existing {
		if p.Status == knowledge.StatusActive || p.Status == "" {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return asNew, nil
	}

	normalized := knowledge.NormalizeText(candidate.Text)
	for _, p := range active {
		if knowledge.NormalizeText(p.Text) != normalized {
			continue
		}
		if knowledge.ContainsAll(p.Grounding, candidate.Grounding) {
			return Revision{Outcome: OutcomeDuplicate, Proposition: p, TargetID: p.ID}, nil
		}
		return Revision{Outcome: OutcomeReinforced, Proposition: r.reinforce(p, candidate, now), TargetID: p.ID}, nil
	}

	if r.judge == nil {
		return asNew, nil
	}

	judgeCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		judgeCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	decision, err := r.judge.Compare(judgeCtx, candidate, active)
	if err != nil {
		if judgeCtx.Err() == context.DeadlineExceeded {
			err = apperrors.NewContextTimeout("revise", r.timeout)
		}
		return asNew, apperrors.NewRevisionFailed(candidate.Text, err)
	}
	if decision.Outcome == OutcomeNew {
		return asNew, nil
	}

	var target *knowledge.Proposition
	for i := range active {
		if active[i].ID == decision.TargetID {
			target = &active[i]
			break
		}
	}
	if target == nil {
		return asNew, apperrors.NewRevisionFailed(candidate.Text,
			fmt.Errorf("judge returned %s for unknown target %q", decision.Outcome, decision.TargetID))
	}

	r.logger.Debug("Proposition revised",
		zap.String("outcome", string(decision.Outcome)),
		zap.String("target_id", target.ID),
		zap.String("reasoning", decision.Reasoning),
	)

	switch decision.Outcome {
	case OutcomeDuplicate:
		return Revision{Outcome: OutcomeDuplicate, Proposition: *target, TargetID: target.ID}, nil
	case OutcomeReinforced:
		return Revision{Outcome: OutcomeReinforced, Proposition: r.reinforce(*target, candidate, now), TargetID: target.ID}, nil
	case OutcomeMerged:
		return Revision{Outcome: OutcomeMerged, Proposition: merge(*target, candidate, decision.MergedText, now), TargetID: target.ID}, nil
	}
	return asNew, apperrors.NewRevisionFailed(candidate.Text, fmt.Errorf("unsupported outcome %q", decision.Outcome))
}

func (r *Reviser) reinforce(existing, candidate knowledge.Proposition, now time.Time) knowledge.Proposition {
	out := existing
	out.Confidence = knowledge.Clamp01(existing.Confidence + r.policy.ReinforceBoost*(1-existing.Confidence))
	out.Decay = knowledge.Clamp01(minFloat(existing.Decay, candidate.Decay))
	out.Grounding = knowledge.UnionStrings(existing.Grounding, candidate.Grounding)
	out.Revised = now
	return out
}

func merge(existing, candidate knowledge.Proposition, mergedText string, now time.Time) knowledge.Proposition {
	out := existing
	text := strings.TrimSpace(mergedText)
	if text == "" {
		text = existing.Text
		if len(candidate.Text) > len(text) {
			text = candidate.Text
		}
	}
	out.Text = text
	out.Confidence = knowledge.Clamp01(maxFloat(existing.Confidence, candidate.Confidence))
	out.Decay = knowledge.Clamp01(minFloat(existing.Decay, candidate.Decay))
	out.Grounding = knowledge.UnionStrings(existing.Grounding, candidate.Grounding)
	out.Mentions = mergeMentions(existing.Mentions, candidate.Mentions)
	// text changed, so any stored vector is stale
	out.Embedding = nil
	out.Revised = now
	return out
}

// mergeMentions appends candidate mentions not already present, keeping a
// single SUBJECT
func mergeMentions(existing, extra []knowledge.EntityMention) []knowledge.EntityMention {
	out := append([]knowledge.EntityMention(nil), existing...)
	hasSubject := false
	for _, m := range out {
		if m.Role == knowledge.RoleSubject {
			hasSubject = true
		}
	}
	for _, m := range extra {
		if containsMention(out, m) {
			continue
		}
		if m.Role == knowledge.RoleSubject {
			if hasSubject {
				m.Role = knowledge.RoleOther
			}
			hasSubject = true
		}
		out = append(out, m)
	}
	return out
}

func containsMention(list []knowledge.EntityMention, m knowledge.EntityMention) bool {
	for _, x := range list {
		if m.ResolvedID != "" && x.ResolvedID == m.ResolvedID {
			return true
		}
		if knowledge.NormalizeName(x.Span) == knowledge.NormalizeName(m.Span) && strings.EqualFold(x.Type, m.Type) {
			return true
		}
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Stats counts revision outcomes of one run
type Stats struct {
	New        int `json:"new"`
	Reinforced int `json:"reinforced"`
	Merged     int `json:"merged"`
	Duplicate  int `json:"duplicate"`
	Failed     int `json:"failed"`
}

// Record counts one revision
func (s *Stats) Record(o Outcome) {
	switch o {
	case OutcomeNew:
		s.New++
	case OutcomeReinforced:
		s.Reinforced++
	case OutcomeMerged:
		s.Merged++
	case OutcomeDuplicate:
		s.Duplicate++
	}
}

// Total is the number of classified candidates
func (s Stats) Total() int {
	return s.New + s.Reinforced + s.Merged + s.Duplicate
}
