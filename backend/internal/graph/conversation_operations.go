package graph

import (
	"context"
	"fmt"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	apperrors "ezra-knowledge/backend/pkg/errors"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ============================================================================
// Conversation Operations
// ============================================================================

// Append stores a message at the end of its conversation. The sequence
// number is assigned under the conversation node's write lock.
func (r *Repository) Append(ctx context.Context, msg conversation.Message) (conversation.Message, error) {
	if msg.ContextID == "" {
		return conversation.Message{}, fmt.Errorf("message without context id")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	session := r.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `
			MERGE (c:Conversation {id: $contextID})
			ON CREATE SET c.message_count = 0, c.started_at = datetime($now)
			SET c.message_count = c.message_count + 1
			WITH c
			CREATE (m:Message {
				id: $id,
				context_id: $contextID,
				seq: c.message_count,
				role: $role,
				author: $author,
				user_id: $userID,
				content: $content,
				timestamp: datetime($now)
			})
			CREATE (c)-[:CONTAINS]->(m)
		`, map[string]interface{}{
			"contextID": msg.ContextID,
			"id":        msg.ID,
			"role":      msg.Role,
			"author":    msg.Author,
			"userID":    msg.UserID,
			"content":   msg.Content,
			"now":       formatTime(msg.Timestamp),
		})
		return nil, err
	})
	if err != nil {
		return conversation.Message{}, apperrors.NewGraphQueryFailed("append message", err)
	}
	return msg, nil
}

// CountMessages returns the number of messages appended to a context
func (r *Repository) CountMessages(ctx context.Context, contextID string) (int, error) {
	n, err := r.count(ctx, false, `
		OPTIONAL MATCH (c:Conversation {id: $contextID})
		RETURN coalesce(c.message_count, 0) AS n
	`, map[string]interface{}{"contextID": contextID})
	return int(n), err
}

// ListMessages returns messages in append order, starting at offset
func (r *Repository) ListMessages(ctx context.Context, contextID string, offset, limit int) ([]conversation.Message, error) {
	if offset < 0 {
		offset = 0
	}
	return collect(ctx, r, `
		MATCH (m:Message {context_id: $contextID})
		WHERE m.seq > $offset
		RETURN m{.*} AS m
		ORDER BY m.seq ASC
		LIMIT $limit
	`, map[string]interface{}{
		"contextID": contextID,
		"offset":    int64(offset),
		"limit":     int64(queryLimit(limit)),
	}, func(record *neo4j.Record) conversation.Message {
		m := getMapFromRecord(record, "m")
		return conversation.Message{
			ID:        getStringFromMap(m, "id", ""),
			ContextID: getStringFromMap(m, "context_id", ""),
			Role:      getStringFromMap(m, "role", ""),
			Author:    getStringFromMap(m, "author", ""),
			UserID:    getStringFromMap(m, "user_id", ""),
			Content:   getStringFromMap(m, "content", ""),
			Timestamp: getTimeFromMap(m, "timestamp"),
		}
	})
}
