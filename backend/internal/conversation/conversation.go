package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Roles used by chat collaborators
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one line of a conversation
type Message struct {
	ID        string    `json:"id"`
	ContextID string    `json:"context_id"`
	Role      string    `json:"role"`
	Author    string    `json:"author,omitempty"`
	// UserID is the caller's stable id of the human who wrote the message
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Speaker renders the role the way extraction prompts expect it
func (m Message) Speaker() string {
	switch m.Role {
	case RoleUser:
		if m.Author != "" {
			return m.Author
		}
		return "User"
	case RoleAssistant:
		return "Assistant"
	}
	if m.Role == "" {
		return "Unknown"
	}
	return strings.ToUpper(m.Role[:1]) + m.Role[1:]
}

// Log is an append-only, per-context message history
type Log interface {
	Append(ctx context.Context, msg Message) (Message, error)
	CountMessages(ctx context.Context, contextID string) (int, error)
	// ListMessages returns messages in append order, starting at offset
	ListMessages(ctx context.Context, contextID string, offset, limit int) ([]Message, error)
}

// MemoryLog keeps conversations in process memory
type MemoryLog struct {
	mu       sync.RWMutex
	messages map[string][]Message
}

// NewMemoryLog creates an empty log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{messages: make(map[string][]Message)}
}

func (l *MemoryLog) Append(ctx context.Context, msg Message) (Message, error) {
	if msg.ContextID == "" {
		return Message{}, fmt.Errorf("message without context id")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.messages[msg.ContextID] = append(l.messages[msg.ContextID], msg)
	l.mu.Unlock()
	return msg, nil
}

func (l *MemoryLog) CountMessages(ctx context.Context, contextID string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages[contextID]), nil
}

func (l *MemoryLog) ListMessages(ctx context.Context, contextID string, offset, limit int) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	all := l.messages[contextID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]Message(nil), all[offset:end]...), nil
}
