package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/pkg/logger"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// CommandPrefix starts a bot command
const CommandPrefix = "!knowledge"

// Notifier receives analysis requests. *pipeline.Scheduler satisfies it.
type Notifier interface {
	Notify(contextID string) bool
	Trigger(contextID string) bool
}

// Handler records channel conversations and feeds them to the pipeline
type Handler struct {
	log          conversation.Log
	notifier     Notifier
	store        knowledge.PropositionStore
	participants *Participants
	logger       *zap.Logger
}

// NewHandler creates a new Discord message handler
func NewHandler(log conversation.Log, notifier Notifier, store knowledge.PropositionStore, participants *Participants) *Handler {
	return &Handler{
		log:          log,
		notifier:     notifier,
		store:        store,
		participants: participants,
		logger:       logger.Named("discord"),
	}
}

// HandleMessage processes a Discord message
func (h *Handler) HandleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply := h.Process(ctx, s.State.User.ID, m.Message)
	if reply != "" {
		h.sendLongMessage(s, m.ChannelID, reply)
	}
}

// Process records one message and returns the reply to send, if any
func (h *Handler) Process(ctx context.Context, botID string, m *discordgo.Message) string {
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return ""
	}

	content := strings.TrimSpace(m.ContentWithMentionsReplaced())
	if content == "" {
		return ""
	}
	contextID := ContextID(m.ChannelID)

	if strings.HasPrefix(content, CommandPrefix) {
		return h.handleCommand(ctx, contextID, strings.TrimSpace(strings.TrimPrefix(content, CommandPrefix)))
	}

	h.participants.Observe(m)

	timestamp := m.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	author := m.Author.GlobalName
	if author == "" {
		author = m.Author.Username
	}
	if _, err := h.log.Append(ctx, conversation.Message{
		ID:        m.ID,
		ContextID: contextID,
		Role:      conversation.RoleUser,
		Author:    author,
		UserID:    m.Author.ID,
		Content:   content,
		Timestamp: timestamp,
	}); err != nil {
		h.logger.Error("Failed to record message",
			zap.String("channel_id", m.ChannelID),
			zap.String("user_id", m.Author.ID),
			zap.Error(err),
		)
		return ""
	}

	queued := h.notifier.Notify(contextID)
	h.logger.Debug("Recorded Discord message",
		zap.String("context_id", contextID),
		zap.String("user_id", m.Author.ID),
		zap.Bool("queued", queued),
	)
	return ""
}

func (h *Handler) handleCommand(ctx context.Context, contextID, args string) string {
	fields := strings.Fields(args)
	cmd := "help"
	if len(fields) > 0 {
		cmd = strings.ToLower(fields[0])
	}

	switch cmd {
	case "analyze":
		if !h.notifier.Trigger(contextID) {
			return "The analysis queue is full, try again shortly."
		}
		return "Analysis queued for this channel."

	case "list":
		props, err := h.store.FindByStatus(ctx, contextID, knowledge.StatusActive, 20)
		if err != nil {
			h.logger.Error("Failed to list propositions", zap.String("context_id", contextID), zap.Error(err))
			return "Sorry, I couldn't load what I know about this channel."
		}
		return formatPropositions(props, time.Now())

	case "forget":
		n, err := h.store.ClearContext(ctx, contextID)
		if err != nil {
			h.logger.Error("Failed to clear context", zap.String("context_id", contextID), zap.Error(err))
			return "Sorry, I couldn't forget this channel."
		}
		h.logger.Info("Channel knowledge cleared by command", zap.String("context_id", contextID), zap.Int64("deleted", n))
		return fmt.Sprintf("Forgot %d statements from this channel.", n)
	}

	return fmt.Sprintf("Usage: `%s analyze` | `%s list` | `%s forget`", CommandPrefix, CommandPrefix, CommandPrefix)
}

// formatPropositions renders statements with their decayed confidence
func formatPropositions(props []knowledge.Proposition, now time.Time) string {
	if len(props) == 0 {
		return "I haven't learned anything from this channel yet."
	}
	var b strings.Builder
	b.WriteString("**What I know here:**\n")
	for _, p := range props {
		fmt.Fprintf(&b, "- %s *(%.0f%%)*\n", p.Text, 100*p.EffectiveConfidence(now))
	}
	return strings.TrimRight(b.String(), "\n")
}
