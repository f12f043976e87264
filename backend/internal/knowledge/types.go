package knowledge

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status is the lifecycle state of a proposition
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusSuperseded Status = "SUPERSEDED"
	StatusRetracted  Status = "RETRACTED"
)

// ParseStatus maps a case-insensitive string onto a Status
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, nil
	case StatusSuperseded:
		return StatusSuperseded, nil
	case StatusRetracted:
		return StatusRetracted, nil
	}
	return "", fmt.Errorf("unknown proposition status: %q", s)
}

// Role is the part an entity mention plays in its statement
type Role string

const (
	RoleSubject Role = "SUBJECT"
	RoleObject  Role = "OBJECT"
	RoleOther   Role = "OTHER"
)

// ParseRole maps a case-insensitive string onto a Role, defaulting to OTHER
func ParseRole(s string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleSubject:
		return RoleSubject
	case RoleObject:
		return RoleObject
	}
	return RoleOther
}

// EntityMention is an in-text reference to an entity. ResolvedID is empty
// while the mention is unresolved.
type EntityMention struct {
	Span       string `json:"span"`
	Type       string `json:"type"`
	Role       Role   `json:"role"`
	ResolvedID string `json:"resolved_id,omitempty"`
}

// Resolved reports whether the mention points at a known entity
func (m EntityMention) Resolved() bool {
	return m.ResolvedID != ""
}

// Proposition is a natural-language statement with typed entity references
type Proposition struct {
	ID         string          `json:"id"`
	ContextID  string          `json:"context_id"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
	Decay      float64         `json:"decay"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Grounding  []string        `json:"grounding"`
	Mentions   []EntityMention `json:"mentions"`
	Created    time.Time       `json:"created"`
	Revised    time.Time       `json:"revised"`
	Status     Status          `json:"status"`
	Embedding  []float32       `json:"embedding,omitempty"`
}

// RawProposition is what the extractor yields before resolution and revision
type RawProposition struct {
	Text       string          `json:"text"`
	Mentions   []EntityMention `json:"mentions"`
	Confidence float64         `json:"confidence"`
	Decay      float64         `json:"decay"`
	Reasoning  string          `json:"reasoning,omitempty"`
	// Sources are the 1-based numbers of the window lines that state it
	Sources []int `json:"sources,omitempty"`
}

// NamedEntity is owned by the entity store and referenced from mentions by id
type NamedEntity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Labels      []string  `json:"labels"`
	Description string    `json:"description,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// HasLabel reports whether the entity carries the label, ignoring case
func (e NamedEntity) HasLabel(label string) bool {
	for _, l := range e.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// EntityIDs returns the distinct resolved entity ids of the proposition in mention order
func (p *Proposition) EntityIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, m := range p.Mentions {
		if m.ResolvedID == "" || seen[m.ResolvedID] {
			continue
		}
		seen[m.ResolvedID] = true
		ids = append(ids, m.ResolvedID)
	}
	return ids
}

// Subject returns the SUBJECT mention, if any
func (p *Proposition) Subject() (EntityMention, bool) {
	for _, m := range p.Mentions {
		if m.Role == RoleSubject {
			return m, true
		}
	}
	return EntityMention{}, false
}

// Validate checks the persisted-proposition invariants
func (p *Proposition) Validate() error {
	if p.ID == "" {
		return ErrInvalidProposition{Field: "id", Reason: "cannot be empty"}
	}
	if p.ContextID == "" {
		return ErrInvalidProposition{Field: "context_id", Reason: "cannot be empty"}
	}
	if strings.TrimSpace(p.Text) == "" {
		return ErrInvalidProposition{Field: "text", Reason: "cannot be empty"}
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return ErrInvalidProposition{Field: "confidence", Reason: "must be within [0,1]"}
	}
	if p.Decay < 0 || p.Decay > 1 {
		return ErrInvalidProposition{Field: "decay", Reason: "must be within [0,1]"}
	}
	if len(p.Grounding) == 0 {
		return ErrInvalidProposition{Field: "grounding", Reason: "cannot be empty"}
	}
	subjects := 0
	for _, m := range p.Mentions {
		if m.Role == RoleSubject {
			subjects++
		}
	}
	if subjects > 1 {
		return ErrInvalidProposition{Field: "mentions", Reason: "more than one SUBJECT mention"}
	}
	return nil
}

// freshnessHalfLife scales decay into an expected staleness curve
const freshnessHalfLife = 30 * 24 * time.Hour

// EffectiveConfidence discounts confidence by how stale the statement is
// expected to be at now. A decay of 0 never discounts.
func (p *Proposition) EffectiveConfidence(now time.Time) float64 {
	if p.Decay <= 0 {
		return p.Confidence
	}
	ref := p.Revised
	if ref.IsZero() {
		ref = p.Created
	}
	age := now.Sub(ref)
	if age <= 0 {
		return p.Confidence
	}
	halfLives := age.Hours() / freshnessHalfLife.Hours()
	return Clamp01(p.Confidence * math.Exp(-p.Decay*halfLives*math.Ln2))
}

// Clamp01 bounds v into [0,1]; NaN maps to 0
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UnionStrings merges b into a preserving first-seen order
func UnionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ContainsAll reports whether every element of sub is present in set
func ContainsAll(set, sub []string) bool {
	index := make(map[string]bool, len(set))
	for _, s := range set {
		index[s] = true
	}
	for _, s := range sub {
		if !index[s] {
			return false
		}
	}
	return true
}

// Errors

type ErrInvalidProposition struct {
	Field  string
	Reason string
}

func (e ErrInvalidProposition) Error() string {
	return fmt.Sprintf("invalid proposition: %s - %s", e.Field, e.Reason)
}
