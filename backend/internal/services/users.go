package services

import (
	"context"
	"sort"
	"strings"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/pipeline"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// userScanLimit bounds how far back the log is read for participants
const userScanLimit = 200

// UserEntityID is the stable entity id of a user known to the API caller
func UserEntityID(userID string) string {
	return "user:" + userID
}

// LogRunContext builds run contexts from the users recorded on a context's
// messages. Every user becomes a known entity; when exactly one user wrote
// in the context, that user is Self.
func LogRunContext(log conversation.Log) pipeline.RunContextFunc {
	l := logger.Named("services")
	return func(ctx context.Context, contextID string) pipeline.RunContext {
		rc := pipeline.RunContext{}

		count, err := log.CountMessages(ctx, contextID)
		if err != nil {
			l.Warn("Failed to count messages for participants", zap.String("context_id", contextID), zap.Error(err))
			return rc
		}
		offset := count - userScanLimit
		if offset < 0 {
			offset = 0
		}
		msgs, err := log.ListMessages(ctx, contextID, offset, userScanLimit)
		if err != nil {
			l.Warn("Failed to list messages for participants", zap.String("context_id", contextID), zap.Error(err))
			return rc
		}

		users := make(map[string]knowledge.NamedEntity)
		for _, m := range msgs {
			userID := strings.TrimSpace(m.UserID)
			if m.Role != conversation.RoleUser || userID == "" {
				continue
			}
			name := strings.TrimSpace(m.Author)
			if name == "" {
				name = userID
			}
			// later messages carry the current display name
			users[userID] = knowledge.NamedEntity{
				ID:     UserEntityID(userID),
				Name:   name,
				Labels: []string{"Person"},
			}
		}
		for _, e := range users {
			rc.KnownEntities = append(rc.KnownEntities, e)
		}
		sort.Slice(rc.KnownEntities, func(i, j int) bool { return rc.KnownEntities[i].ID < rc.KnownEntities[j].ID })

		if len(rc.KnownEntities) == 1 {
			self := rc.KnownEntities[0]
			rc.Self = &self
			rc.Vars = map[string]string{"user": self.Name}
		}
		return rc
	}
}
