package main

import (
	"testing"

	"ezra-knowledge/backend/internal/discord"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func TestIntents(t *testing.T) {
	got := intents()
	assert.NotZero(t, got&discordgo.IntentsGuildMessages)
	assert.NotZero(t, got&discordgo.IntentsDirectMessages)
	assert.NotZero(t, got&discordgo.IntentsMessageContent)
	assert.Zero(t, got&discordgo.IntentsGuildVoiceStates)
}

func TestContextIDs(t *testing.T) {
	tests := []struct {
		channelID string
		want      string
	}{
		{"123", "discord:123"},
		{"dm-456", "discord:dm-456"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, discord.ContextID(tt.channelID))
	}
	assert.Equal(t, "discord-user:42", discord.UserEntityID("42"))
}
