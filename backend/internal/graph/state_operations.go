package graph

import (
	"context"
	"fmt"
	"time"

	"ezra-knowledge/backend/internal/window"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// ============================================================================
// Analysis State Operations
// ============================================================================

// Load reads the analysis cursor of a context
func (r *Repository) Load(ctx context.Context, contextID string) (window.State, bool, error) {
	states, err := collect(ctx, r, `
		MATCH (s:AnalysisState {context_id: $contextID})
		RETURN s{.*} AS s
	`, map[string]interface{}{"contextID": contextID}, func(record *neo4j.Record) window.State {
		return stateFromMap(getMapFromRecord(record, "s"))
	})
	if err != nil {
		return window.State{}, false, err
	}
	if len(states) == 0 {
		return window.State{}, false, nil
	}
	return states[0], true, nil
}

// Advance moves the cursor from prev to next only if the stored cursor still
// equals prev's. Taking the node's write lock first serializes concurrent
// advances of one context.
func (r *Repository) Advance(ctx context.Context, prev, next window.State) (bool, error) {
	if next.LastAnalyzedMessageCount < prev.LastAnalyzedMessageCount {
		return false, nil
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, `
			OPTIONAL MATCH (existing:AnalysisState {context_id: $contextID})
			WITH existing
			WHERE existing IS NOT NULL OR $from = 0
			MERGE (s:AnalysisState {context_id: $contextID})
			ON CREATE SET s.last = 0
			SET s._lock = coalesce(s._lock, 0) + 1
			WITH s
			WHERE s.last = $from
			SET s.last = $to,
			    s.window = $window,
			    s.overlap = $overlap,
			    s.interval = $interval,
			    s.updated = datetime($updated)
			RETURN count(s) AS n
		`, map[string]interface{}{
			"contextID": prev.ContextID,
			"from":      int64(prev.LastAnalyzedMessageCount),
			"to":        int64(next.LastAnalyzedMessageCount),
			"window":    int64(next.WindowSize),
			"overlap":   int64(next.OverlapSize),
			"interval":  int64(next.TriggerInterval),
			"updated":   formatTime(next.UpdatedAt),
		})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return getInt64FromRecord(record, "n") > 0, nil
	})
	if err != nil {
		return false, apperrors.NewGraphQueryFailed("advance analysis state", fmt.Errorf("%s: %w", prev.ContextID, err))
	}

	advanced := result.(bool)
	if !advanced {
		r.logger.Debug("Analysis cursor moved concurrently",
			zap.String("context_id", prev.ContextID),
			zap.Int("expected", prev.LastAnalyzedMessageCount),
		)
	}
	return advanced, nil
}

func stateFromMap(s map[string]interface{}) window.State {
	return window.State{
		ContextID:                getStringFromMap(s, "context_id", ""),
		LastAnalyzedMessageCount: int(getInt64FromMap(s, "last")),
		WindowSize:               int(getInt64FromMap(s, "window")),
		OverlapSize:              int(getInt64FromMap(s, "overlap")),
		TriggerInterval:          int(getInt64FromMap(s, "interval")),
		UpdatedAt:                getTimeFromMap(s, "updated"),
	}
}
