package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/window"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// ErrSchedulerClosed is returned after Shutdown
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// RunContextFunc supplies the run context for a conversation, e.g. the user
// entity of a Discord channel
type RunContextFunc func(ctx context.Context, contextID string) RunContext

// SchedulerConfig sizes the worker pool
type SchedulerConfig struct {
	Workers   int
	QueueSize int
	// RetryBackoff holds off automatic reruns after a failed run, doubling
	// per consecutive failure up to MaxRetryBackoff. Zero retries on the
	// next notification.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

type job struct {
	contextID string
	force     bool
}

type contextLock struct {
	mu   sync.Mutex
	refs int
}

type failureRecord struct {
	count int
	until time.Time
}

// Scheduler runs the pipeline off the chat path on a bounded worker pool.
// Runs of the same context are serialized; different contexts run in parallel.
type Scheduler struct {
	processor  Processor
	tracker    *window.Tracker
	log        conversation.Log
	schema     knowledge.Schema
	runContext RunContextFunc
	workers    int
	backoff    time.Duration
	maxBackoff time.Duration
	clock      func() time.Time

	queue   chan string
	mu      sync.Mutex
	pending map[string]job
	closed  bool

	locksMu  sync.Mutex
	locks    map[string]*contextLock
	failures map[string]failureRecord

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// OnResult, when set, observes every completed run
	OnResult func(*Result)
	logger   *zap.Logger
}

// NewScheduler creates a scheduler; call Start to launch its workers
func NewScheduler(processor Processor, tracker *window.Tracker, log conversation.Log, schema knowledge.Schema, runContext RunContextFunc, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if runContext == nil {
		runContext = func(context.Context, string) RunContext { return RunContext{} }
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = cfg.RetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		processor:  processor,
		tracker:    tracker,
		log:        log,
		schema:     schema,
		runContext: runContext,
		workers:    cfg.Workers,
		backoff:    cfg.RetryBackoff,
		maxBackoff: cfg.MaxRetryBackoff,
		clock:      time.Now,
		queue:      make(chan string, cfg.QueueSize),
		pending:    make(map[string]job),
		locks:      make(map[string]*contextLock),
		failures:   make(map[string]failureRecord),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.Named("scheduler"),
	}
}

// Start launches the workers
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("Pipeline scheduler started", zap.Int("workers", s.workers), zap.Int("queue_size", cap(s.queue)))
}

// Notify tells the scheduler a context has new messages. It never blocks:
// a context already queued is coalesced and a full queue drops the
// notification, which the next one for that context makes up for.
func (s *Scheduler) Notify(contextID string) bool {
	return s.enqueue(job{contextID: contextID})
}

// Trigger queues a run that ignores the trigger interval
func (s *Scheduler) Trigger(contextID string) bool {
	return s.enqueue(job{contextID: contextID, force: true})
}

func (s *Scheduler) enqueue(j job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if queued, ok := s.pending[j.contextID]; ok {
		queued.force = queued.force || j.force
		s.pending[j.contextID] = queued
		return true
	}
	select {
	case s.queue <- j.contextID:
		s.pending[j.contextID] = j
		return true
	default:
		s.logger.Warn("Pipeline queue full, dropping notification", zap.String("context_id", j.contextID))
		return false
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for contextID := range s.queue {
		s.mu.Lock()
		j := s.pending[contextID]
		delete(s.pending, contextID)
		s.mu.Unlock()

		if _, err := s.run(s.ctx, j.contextID, j.force); err != nil {
			s.logger.Warn("Pipeline job failed", zap.String("context_id", j.contextID), zap.Error(err))
		}
	}
}

// Run analyzes a context synchronously. It returns a nil result when the
// context is not due for analysis or is backing off after a failure; force
// skips both checks. The cursor advances only when the run succeeds.
func (s *Scheduler) Run(ctx context.Context, contextID string, force bool) (*Result, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSchedulerClosed
	}
	return s.run(ctx, contextID, force)
}

func (s *Scheduler) run(ctx context.Context, contextID string, force bool) (*Result, error) {
	release := s.acquire(contextID)
	defer release()

	if !force && s.backingOff(contextID) {
		s.logger.Debug("Skipping run while backing off", zap.String("context_id", contextID))
		return nil, nil
	}

	count, err := s.log.CountMessages(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	due, state, err := s.tracker.ShouldAnalyze(ctx, contextID, count)
	if err != nil {
		return nil, err
	}
	if !due && !(force && state.HasNewContent(count)) {
		return nil, nil
	}

	w, err := s.tracker.Window(ctx, s.log, state, count)
	if err != nil {
		return nil, err
	}
	result := s.processor.ProcessWindow(ctx, w, s.schema, s.runContext(ctx, contextID))
	if s.OnResult != nil {
		s.OnResult(result)
	}
	if result.Failed {
		retryIn := s.recordFailure(contextID)
		s.logger.Warn("Pipeline run failed, cursor unchanged",
			zap.String("context_id", contextID),
			zap.String("reason", result.FailureReason),
			zap.Duration("retry_in", retryIn),
		)
		return result, nil
	}
	s.clearFailure(contextID)

	if _, err := s.tracker.RecordAnalyzed(ctx, state, w.End); err != nil {
		return result, err
	}
	return result, nil
}

// acquire locks a context and returns the release func. Locks are dropped
// from the map once nobody holds or waits for them.
func (s *Scheduler) acquire(contextID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[contextID]
	if !ok {
		l = &contextLock{}
		s.locks[contextID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, contextID)
		}
		s.locksMu.Unlock()
	}
}

// failures is guarded by locksMu
func (s *Scheduler) backingOff(contextID string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	f, ok := s.failures[contextID]
	return ok && s.clock().Before(f.until)
}

func (s *Scheduler) recordFailure(contextID string) time.Duration {
	if s.backoff <= 0 {
		return 0
	}
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	f := s.failures[contextID]
	f.count++
	delay := s.backoff
	for i := 1; i < f.count && delay < s.maxBackoff; i++ {
		delay *= 2
	}
	if delay > s.maxBackoff {
		delay = s.maxBackoff
	}
	f.until = s.clock().Add(delay)
	s.failures[contextID] = f
	return delay
}

func (s *Scheduler) clearFailure(contextID string) {
	s.locksMu.Lock()
	delete(s.failures, contextID)
	s.locksMu.Unlock()
}

// Shutdown stops accepting notifications and waits for queued runs to
// finish. When ctx expires first, in-flight runs are cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
