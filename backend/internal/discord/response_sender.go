package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// maxMessageLength is Discord's per-message character limit
const maxMessageLength = 2000

// sendLongMessage splits a message into chunks if it exceeds Discord's character limit
func (h *Handler) sendLongMessage(s *discordgo.Session, channelID, content string) {
	if len(content) <= maxMessageLength {
		if _, err := s.ChannelMessageSend(channelID, content); err != nil {
			h.logger.Error("Failed to send message", zap.Error(err), zap.String("channel_id", channelID))
		}
		return
	}

	// reserve room for the part indicator
	chunks := splitMessage(content, maxMessageLength-20)
	for i, chunk := range chunks {
		message := fmt.Sprintf("%s\n*(Part %d/%d)*", chunk, i+1, len(chunks))
		if _, err := s.ChannelMessageSend(channelID, message); err != nil {
			h.logger.Error("Failed to send message chunk",
				zap.Error(err),
				zap.String("channel_id", channelID),
				zap.Int("chunk", i+1),
				zap.Int("total_chunks", len(chunks)),
			)
			break
		}
		if i < len(chunks)-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// splitMessage splits on line boundaries into chunks of at most maxLength
// bytes. Lines longer than maxLength are cut.
func splitMessage(content string, maxLength int) []string {
	if len(content) <= maxLength {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(content, "\n") {
		for len(line) > maxLength {
			flush()
			chunks = append(chunks, line[:maxLength])
			line = line[maxLength:]
		}
		extra := len(line)
		if current.Len() > 0 {
			extra++
		}
		if current.Len()+extra > maxLength {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}
