package window

import (
	"time"
)

// Config is the windowing policy of a context
type Config struct {
	WindowSize      int `json:"window_size"`
	OverlapSize     int `json:"overlap_size"`
	TriggerInterval int `json:"trigger_interval"`
}

// State is the per-context analysis record. It is passed into and returned
// from every operation; callers persist it between invocations.
type State struct {
	ContextID                string    `json:"context_id"`
	LastAnalyzedMessageCount int       `json:"last_analyzed_message_count"`
	WindowSize               int       `json:"window_size"`
	OverlapSize              int       `json:"overlap_size"`
	TriggerInterval          int       `json:"trigger_interval"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// NewState returns the state of a context that was never analyzed
func NewState(contextID string, cfg Config) State {
	return State{
		ContextID:       contextID,
		WindowSize:      cfg.WindowSize,
		OverlapSize:     cfg.OverlapSize,
		TriggerInterval: cfg.TriggerInterval,
	}
}

// Config returns the windowing policy stored on the state
func (s State) Config() Config {
	return Config{WindowSize: s.WindowSize, OverlapSize: s.OverlapSize, TriggerInterval: s.TriggerInterval}
}

// ShouldAnalyze reports whether enough new messages arrived since the last
// analysis. A non-positive trigger interval disables automatic triggering.
func (s State) ShouldAnalyze(currentMessageCount int) bool {
	if s.TriggerInterval <= 0 {
		return false
	}
	return currentMessageCount-s.LastAnalyzedMessageCount >= s.TriggerInterval
}

// HasNewContent reports whether any message arrived since the last analysis
func (s State) HasNewContent(currentMessageCount int) bool {
	return currentMessageCount > s.LastAnalyzedMessageCount
}

// RecordAnalyzed advances the cursor. The cursor never moves backwards.
func (s State) RecordAnalyzed(messageCount int, now time.Time) State {
	if messageCount > s.LastAnalyzedMessageCount {
		s.LastAnalyzedMessageCount = messageCount
	}
	s.UpdatedAt = now
	return s
}

// Bounds returns the half-open message range [start, end) to analyze: at most
// WindowSize new messages plus up to OverlapSize messages before them.
func (s State) Bounds(currentMessageCount int) (start, newStart, end int) {
	end = currentMessageCount
	newStart = s.LastAnalyzedMessageCount
	if s.WindowSize > 0 && end-newStart > s.WindowSize {
		newStart = end - s.WindowSize
	}
	if newStart > end {
		newStart = end
	}
	start = newStart - s.OverlapSize
	if start < 0 {
		start = 0
	}
	return start, newStart, end
}

// Window is a bounded slice of conversation submitted for extraction
type Window struct {
	ContextID string
	Text      string
	// ChunkIDs are the grounding ids of the messages in the window
	ChunkIDs []string
	Start    int
	NewStart int
	End      int
}
