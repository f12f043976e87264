package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatTurnEvent announces that a conversation grew. MessageCount is the
// sender's view of the log length and is informational only; the scheduler
// always reads the count from the shared log.
type ChatTurnEvent struct {
	ContextID    string    `json:"context_id"`
	MessageCount int       `json:"message_count"`
	UserID       string    `json:"user_id,omitempty"`
	Force        bool      `json:"force,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// DecodeEvent parses and validates an event payload
func DecodeEvent(payload []byte) (ChatTurnEvent, error) {
	var ev ChatTurnEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChatTurnEvent{}, fmt.Errorf("failed to decode chat turn event: %w", err)
	}
	ev.ContextID = strings.TrimSpace(ev.ContextID)
	if ev.ContextID == "" {
		return ChatTurnEvent{}, fmt.Errorf("chat turn event without context_id")
	}
	if ev.MessageCount < 0 {
		return ChatTurnEvent{}, fmt.Errorf("chat turn event with negative message_count: %d", ev.MessageCount)
	}
	return ev, nil
}
