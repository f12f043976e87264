package extract

import (
	"context"
	"strings"
	"time"

	"ezra-knowledge/backend/internal/knowledge"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// Request is one extraction call over a window of conversation
type Request struct {
	ContextID     string
	Text          string
	Schema        knowledge.Schema
	KnownEntities []knowledge.NamedEntity
	// Vars are free-form template variables such as the user's display name
	Vars map[string]string
}

// Capability turns conversation text into candidate propositions
type Capability interface {
	Extract(ctx context.Context, req Request) ([]knowledge.RawProposition, error)
}

// Extractor wraps a capability with a timeout and output sanitization
type Extractor struct {
	capability Capability
	timeout    time.Duration
	logger     *zap.Logger
}

// NewExtractor creates an extractor. A zero timeout means no deadline.
func NewExtractor(capability Capability, timeout time.Duration) *Extractor {
	return &Extractor{
		capability: capability,
		timeout:    timeout,
		logger:     logger.Named("extract"),
	}
}

// Extract runs the capability and returns sanitized propositions. Capability
// failures and timeouts are returned as ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, req Request) ([]knowledge.RawProposition, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	raw, err := e.capability.Extract(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			err = apperrors.NewContextTimeout("extract", e.timeout)
		}
		return nil, apperrors.NewExtractionFailed(req.ContextID, err)
	}

	out := Sanitize(raw, req.Schema)
	e.logger.Debug("Extraction completed",
		zap.String("context_id", req.ContextID),
		zap.Int("raw", len(raw)),
		zap.Int("kept", len(out)),
	)
	return out, nil
}

// Sanitize enforces the proposition invariants on capability output. It
// drops empty statements and, unless the schema is relaxed, any proposition
// that mentions a type the schema does not declare.
func Sanitize(raw []knowledge.RawProposition, schema knowledge.Schema) []knowledge.RawProposition {
	out := make([]knowledge.RawProposition, 0, len(raw))
	for _, p := range raw {
		p.Text = strings.TrimSpace(p.Text)
		if p.Text == "" {
			continue
		}
		p.Confidence = knowledge.Clamp01(p.Confidence)
		p.Decay = knowledge.Clamp01(p.Decay)

		mentions := make([]knowledge.EntityMention, 0, len(p.Mentions))
		offSchema := false
		hasSubject := false
		for _, m := range p.Mentions {
			m.Span = strings.TrimSpace(m.Span)
			if m.Span == "" {
				continue
			}
			m.ResolvedID = ""
			m.Role = knowledge.ParseRole(string(m.Role))
			if m.Role == knowledge.RoleSubject {
				if hasSubject {
					m.Role = knowledge.RoleOther
				}
				hasSubject = true
			}
			if m.Type != "" && len(schema.EntityTypes) > 0 {
				if schema.HasType(m.Type) {
					m.Type = schema.CanonicalType(m.Type)
				} else {
					offSchema = true
				}
			}
			mentions = append(mentions, m)
		}
		if offSchema && !schema.Relaxed {
			continue
		}
		p.Mentions = mentions
		out = append(out, p)
	}
	return out
}
