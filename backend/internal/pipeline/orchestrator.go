package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"ezra-knowledge/backend/internal/extract"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/resolve"
	"ezra-knowledge/backend/internal/revise"
	"ezra-knowledge/backend/internal/window"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"ezra-knowledge/backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunContext is what the caller knows about the conversation being analyzed
type RunContext struct {
	// Self is the entity first-person mentions resolve to, usually the user
	Self          *knowledge.NamedEntity
	KnownEntities []knowledge.NamedEntity
	Vars          map[string]string
}

// Result is the auditable outcome of one pipeline run
type Result struct {
	ContextID string `json:"context_id"`
	// Propositions are the records written: NEW ones and the updated
	// targets of REINFORCED and MERGED revisions
	Propositions       []knowledge.Proposition `json:"propositions"`
	NewEntityCount     int                     `json:"new_entity_count"`
	Stats              revise.Stats            `json:"stats"`
	ResolutionFailures int                     `json:"resolution_failures"`
	Failed             bool                    `json:"failed"`
	FailureReason      string                  `json:"failure_reason,omitempty"`
	Duration           time.Duration           `json:"duration"`
}

// Processor runs the pipeline over one window
type Processor interface {
	ProcessWindow(ctx context.Context, w window.Window, schema knowledge.Schema, rc RunContext) *Result
}

// Config tunes the orchestrator
type Config struct {
	ResolveConcurrency int
	// SimilarLimit bounds each candidate lookup for revision
	SimilarLimit     int
	SimilarThreshold float64
	StoreTimeout     time.Duration
}

// DefaultConfig matches the environment defaults
func DefaultConfig() Config {
	return Config{
		ResolveConcurrency: 4,
		SimilarLimit:       5,
		SimilarThreshold:   0.5,
		StoreTimeout:       15 * time.Second,
	}
}

// Orchestrator sequences extract, resolve, revise and commit
type Orchestrator struct {
	extractor *extract.Extractor
	resolver  *resolve.Resolver
	reviser   *revise.Reviser
	store     knowledge.Store
	embedder  knowledge.Embedder
	cfg       Config
	clock     func() time.Time
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator. embedder may be nil.
func NewOrchestrator(extractor *extract.Extractor, resolver *resolve.Resolver, reviser *revise.Reviser, store knowledge.Store, embedder knowledge.Embedder, cfg Config) *Orchestrator {
	if cfg.ResolveConcurrency <= 0 {
		cfg.ResolveConcurrency = 1
	}
	return &Orchestrator{
		extractor: extractor,
		resolver:  resolver,
		reviser:   reviser,
		store:     store,
		embedder:  embedder,
		cfg:       cfg,
		clock:     time.Now,
		logger:    logger.Named("pipeline"),
	}
}

// ProcessWindow runs the whole pipeline over w. It never panics and never
// returns an error: failures are reported on the result, in which case
// nothing was written.
func (o *Orchestrator) ProcessWindow(ctx context.Context, w window.Window, schema knowledge.Schema, rc RunContext) (result *Result) {
	start := o.clock()
	result = &Result{ContextID: w.ContextID}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Pipeline panicked",
				zap.String("context_id", w.ContextID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result = &Result{
				ContextID:     w.ContextID,
				Failed:        true,
				FailureReason: fmt.Sprintf("panic: %v", r),
			}
		}
		result.Duration = o.clock().Sub(start)
	}()

	if strings.TrimSpace(w.Text) == "" {
		return result
	}
	now := o.clock().UTC()

	// 1. extract
	raw, err := o.extractor.Extract(ctx, extract.Request{
		ContextID:     w.ContextID,
		Text:          w.Text,
		Schema:        schema,
		KnownEntities: knownEntities(rc),
		Vars:          rc.Vars,
	})
	if err != nil {
		o.logger.Warn("Extraction failed", zap.String("context_id", w.ContextID), zap.Error(err))
		return o.fail(result, err)
	}
	if len(raw) == 0 {
		return result
	}

	candidates := make([]knowledge.Proposition, 0, len(raw))
	for _, r := range raw {
		candidates = append(candidates, knowledge.Proposition{
			ID:         uuid.New().String(),
			ContextID:  w.ContextID,
			Text:       r.Text,
			Confidence: r.Confidence,
			Decay:      r.Decay,
			Reasoning:  r.Reasoning,
			Grounding:  groundingFor(r.Sources, w),
			Mentions:   append([]knowledge.EntityMention(nil), r.Mentions...),
			Created:    now,
			Revised:    now,
			Status:     knowledge.StatusActive,
		})
	}

	// 2. resolve every mention, then mint entities for what stayed unresolved
	failed := o.resolveMentions(ctx, candidates, rc)
	result.ResolutionFailures = len(failed)
	created := o.createEntities(candidates, schema, failed)

	// 3. revise in order so later candidates see earlier ones
	persist, err := o.revise(ctx, candidates, result)
	if err != nil {
		return o.fail(result, err)
	}
	if len(persist) == 0 {
		o.logSummary(result)
		return result
	}

	// 4. embed, best effort
	o.embed(ctx, persist)

	// 5. commit entities then propositions
	entities, newCount, err := o.referencedEntities(ctx, persist, created, rc)
	if err != nil {
		return o.fail(result, err)
	}
	if err := o.commit(ctx, knowledge.Batch{Entities: entities, Propositions: persist}); err != nil {
		o.logger.Error("Commit failed", zap.String("context_id", w.ContextID), zap.Error(err))
		return o.fail(result, err)
	}

	result.Propositions = persist
	result.NewEntityCount = newCount
	o.logSummary(result)
	return result
}

func (o *Orchestrator) fail(result *Result, err error) *Result {
	result.Failed = true
	result.FailureReason = err.Error()
	result.Propositions = nil
	result.NewEntityCount = 0
	return result
}

func (o *Orchestrator) logSummary(result *Result) {
	o.logger.Info("Window processed",
		zap.String("context_id", result.ContextID),
		zap.Int("persisted", len(result.Propositions)),
		zap.Int("new_entities", result.NewEntityCount),
		zap.Int("new", result.Stats.New),
		zap.Int("reinforced", result.Stats.Reinforced),
		zap.Int("merged", result.Stats.Merged),
		zap.Int("duplicate", result.Stats.Duplicate),
		zap.Int("revision_failures", result.Stats.Failed),
		zap.Int("resolution_failures", result.ResolutionFailures),
	)
}

type mentionKey struct {
	name string
	typ  string
}

func keyOf(m knowledge.EntityMention) mentionKey {
	return mentionKey{name: knowledge.NormalizeName(m.Span), typ: strings.ToLower(m.Type)}
}

// resolveMentions resolves each distinct (name, type) once, in parallel, and
// returns the keys whose resolution failed
func (o *Orchestrator) resolveMentions(ctx context.Context, props []knowledge.Proposition, rc RunContext) map[mentionKey]bool {
	type job struct {
		mention knowledge.EntityMention
		context string
	}
	var order []mentionKey
	jobs := make(map[mentionKey]job)
	for _, p := range props {
		for _, m := range p.Mentions {
			k := keyOf(m)
			if _, ok := jobs[k]; !ok {
				jobs[k] = job{mention: m, context: p.Text}
				order = append(order, k)
			}
		}
	}

	known := resolve.Known{Self: rc.Self, Entities: rc.KnownEntities}
	resolved := make(map[mentionKey]string, len(order))
	failed := make(map[mentionKey]bool)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(o.cfg.ResolveConcurrency)
	for _, k := range order {
		k, j := k, jobs[k]
		g.Go(func() error {
			res := o.resolver.Resolve(ctx, j.mention, j.context, known)
			mu.Lock()
			defer mu.Unlock()
			if res.Err != nil {
				failed[k] = true
			}
			if res.Mention.ResolvedID != "" {
				resolved[k] = res.Mention.ResolvedID
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range props {
		for j := range props[i].Mentions {
			props[i].Mentions[j].ResolvedID = resolved[keyOf(props[i].Mentions[j])]
		}
	}
	return failed
}

// groundingFor maps the window lines a proposition cites onto their chunk
// ids. Without usable citations the whole window grounds it.
func groundingFor(sources []int, w window.Window) []string {
	var out []string
	seen := make(map[string]bool)
	for _, n := range sources {
		if n < 1 || n > len(w.ChunkIDs) {
			continue
		}
		id := w.ChunkIDs[n-1]
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		return out
	}
	if len(w.ChunkIDs) == 0 {
		return []string{knowledge.ChunkID(w.Text)}
	}
	return append([]string(nil), w.ChunkIDs...)
}

// createEntities mints one entity per distinct unresolved, schema-typed
// mention and points the mentions at it. Mentions whose resolution failed
// stay unresolved, and first-person spans are never minted: only a known
// user can stand behind "I".
func (o *Orchestrator) createEntities(props []knowledge.Proposition, schema knowledge.Schema, failed map[mentionKey]bool) map[string]knowledge.NamedEntity {
	created := make(map[string]knowledge.NamedEntity)
	byKey := make(map[mentionKey]string)
	for i := range props {
		for j := range props[i].Mentions {
			m := &props[i].Mentions[j]
			if m.ResolvedID != "" || m.Type == "" || !schema.HasType(m.Type) || resolve.IsSelfReference(m.Span) {
				continue
			}
			k := keyOf(*m)
			if failed[k] {
				continue
			}
			id, ok := byKey[k]
			if !ok {
				id = uuid.New().String()
				byKey[k] = id
				created[id] = knowledge.NamedEntity{
					ID:     id,
					Name:   m.Span,
					Labels: []string{schema.CanonicalType(m.Type)},
				}
			}
			m.ResolvedID = id
		}
	}
	return created
}

// revise classifies every candidate and returns the records to write, in
// first-touched order
func (o *Orchestrator) revise(ctx context.Context, candidates []knowledge.Proposition, result *Result) ([]knowledge.Proposition, error) {
	var order []string
	touched := make(map[string]knowledge.Proposition)

	for _, cand := range candidates {
		existing, err := o.existingFor(ctx, cand, touched)
		if err != nil {
			return nil, err
		}
		rev, err := o.reviser.Revise(ctx, cand, existing)
		if err != nil {
			result.Stats.Failed++
			o.logger.Warn("Revision failed, keeping as new",
				zap.String("context_id", cand.ContextID),
				zap.Error(err),
			)
		}
		result.Stats.Record(rev.Outcome)
		if !rev.Persist() {
			continue
		}
		id := rev.Proposition.ID
		if _, ok := touched[id]; !ok {
			order = append(order, id)
		}
		touched[id] = rev.Proposition
	}

	out := make([]knowledge.Proposition, 0, len(order))
	for _, id := range order {
		out = append(out, touched[id])
	}
	return out, nil
}

// existingFor gathers revision candidates: stored propositions sharing an
// entity or similar in text, plus everything this run already accepted.
// Records touched in this run replace their stored versions.
func (o *Orchestrator) existingFor(ctx context.Context, cand knowledge.Proposition, touched map[string]knowledge.Proposition) ([]knowledge.Proposition, error) {
	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()

	seen := make(map[string]bool)
	var out []knowledge.Proposition
	add := func(p knowledge.Proposition) {
		if seen[p.ID] {
			return
		}
		seen[p.ID] = true
		if t, ok := touched[p.ID]; ok {
			p = t
		}
		out = append(out, p)
	}

	if ids := cand.EntityIDs(); len(ids) > 0 {
		byEntity, err := o.store.FindByEntities(storeCtx, cand.ContextID, ids, o.cfg.SimilarLimit)
		if err != nil {
			return nil, apperrors.NewStoreFailed("find_by_entities", err)
		}
		for _, p := range byEntity {
			add(p)
		}
	}

	similar, err := o.store.FindSimilar(storeCtx, knowledge.SimilarQuery{
		ContextID: cand.ContextID,
		Text:      cand.Text,
		TopK:      o.cfg.SimilarLimit,
		Threshold: o.cfg.SimilarThreshold,
	})
	if err != nil {
		// similarity is an optimization over entity overlap
		o.logger.Warn("Similarity lookup failed", zap.String("context_id", cand.ContextID), zap.Error(err))
	}
	for _, hit := range similar {
		add(hit.Proposition)
	}

	for _, p := range touched {
		add(p)
	}
	return out, nil
}

func (o *Orchestrator) embed(ctx context.Context, props []knowledge.Proposition) {
	if o.embedder == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(o.cfg.ResolveConcurrency)
	for i := range props {
		if len(props[i].Embedding) > 0 {
			continue
		}
		i := i
		g.Go(func() error {
			vec, err := o.embedder.Embed(ctx, props[i].Text)
			if err != nil {
				o.logger.Warn("Embedding failed, storing without vector",
					zap.String("proposition_id", props[i].ID),
					zap.Error(err),
				)
				return nil
			}
			props[i].Embedding = vec
			return nil
		})
	}
	_ = g.Wait()
}

// referencedEntities returns the entities the batch must write: entities
// minted in this run and known entities missing from the store, but only
// when a persisted proposition references them
func (o *Orchestrator) referencedEntities(ctx context.Context, props []knowledge.Proposition, created map[string]knowledge.NamedEntity, rc RunContext) ([]knowledge.NamedEntity, int, error) {
	known := make(map[string]knowledge.NamedEntity)
	for _, e := range knownEntities(rc) {
		known[e.ID] = e
	}

	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()

	var out []knowledge.NamedEntity
	newCount := 0
	seen := make(map[string]bool)
	for _, p := range props {
		for _, id := range p.EntityIDs() {
			if seen[id] {
				continue
			}
			seen[id] = true

			if e, ok := created[id]; ok {
				if o.embedder != nil {
					if vec, err := o.embedder.Embed(ctx, e.Name+" ("+strings.Join(e.Labels, ", ")+")"); err == nil {
						e.Embedding = vec
					}
				}
				out = append(out, e)
				newCount++
				continue
			}
			e, ok := known[id]
			if !ok {
				continue
			}
			_, err := o.store.GetEntity(storeCtx, id)
			if errors.Is(err, knowledge.ErrNotFound) {
				out = append(out, e)
				continue
			}
			if err != nil {
				return nil, 0, apperrors.NewStoreFailed("get_entity", err)
			}
		}
	}
	return out, newCount, nil
}

func (o *Orchestrator) commit(ctx context.Context, batch knowledge.Batch) error {
	storeCtx, cancel := o.storeContext(ctx)
	defer cancel()
	if err := o.store.Commit(storeCtx, batch); err != nil {
		return apperrors.NewStoreFailed("commit", err)
	}
	return nil
}

func (o *Orchestrator) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.StoreTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.StoreTimeout)
	}
	return context.WithCancel(ctx)
}

func knownEntities(rc RunContext) []knowledge.NamedEntity {
	if rc.Self == nil {
		return rc.KnownEntities
	}
	return append([]knowledge.NamedEntity{*rc.Self}, rc.KnownEntities...)
}
