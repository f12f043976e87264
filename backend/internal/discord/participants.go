package discord

import (
	"context"
	"sort"
	"strings"
	"sync"

	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/pipeline"
	"github.com/bwmarrin/discordgo"
)

// ContextPrefix namespaces Discord channels among conversation contexts
const ContextPrefix = "discord:"

// ContextID maps a channel onto its conversation context
func ContextID(channelID string) string {
	return ContextPrefix + channelID
}

// UserEntityID is the stable entity id of a Discord user, so the same person
// resolves to one entity across channels
func UserEntityID(userID string) string {
	return "discord-user:" + userID
}

// UserEntity describes a Discord user as a known entity
func UserEntity(u *discordgo.User) knowledge.NamedEntity {
	name := u.GlobalName
	if strings.TrimSpace(name) == "" {
		name = u.Username
	}
	return knowledge.NamedEntity{
		ID:          UserEntityID(u.ID),
		Name:        name,
		Labels:      []string{"Person"},
		Description: "Discord user " + u.Username,
	}
}

type channelParticipants struct {
	dm    bool
	users map[string]knowledge.NamedEntity
}

// Participants remembers who spoke or was mentioned in each channel. The
// pipeline uses them as known entities, and in direct messages the human
// is the entity first-person mentions resolve to.
type Participants struct {
	mu       sync.RWMutex
	channels map[string]*channelParticipants
}

// NewParticipants creates an empty registry
func NewParticipants() *Participants {
	return &Participants{channels: make(map[string]*channelParticipants)}
}

// Observe records the author and mentioned users of a message
func (p *Participants) Observe(m *discordgo.Message) {
	if m.Author == nil {
		return
	}
	contextID := ContextID(m.ChannelID)

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.channels[contextID]
	if !ok {
		ch = &channelParticipants{users: make(map[string]knowledge.NamedEntity)}
		p.channels[contextID] = ch
	}
	ch.dm = m.GuildID == ""
	if !m.Author.Bot {
		ch.users[m.Author.ID] = UserEntity(m.Author)
	}
	for _, mention := range m.Mentions {
		if mention == nil || mention.Bot {
			continue
		}
		ch.users[mention.ID] = UserEntity(mention)
	}
}

// RunContext supplies the pipeline's view of a channel. It satisfies
// pipeline.RunContextFunc.
func (p *Participants) RunContext(ctx context.Context, contextID string) pipeline.RunContext {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rc := pipeline.RunContext{Vars: map[string]string{"platform": "discord"}}
	ch, ok := p.channels[contextID]
	if !ok {
		return rc
	}
	for _, e := range ch.users {
		rc.KnownEntities = append(rc.KnownEntities, e)
	}
	sort.Slice(rc.KnownEntities, func(i, j int) bool { return rc.KnownEntities[i].ID < rc.KnownEntities[j].ID })

	if ch.dm && len(rc.KnownEntities) == 1 {
		self := rc.KnownEntities[0]
		rc.Self = &self
	}
	return rc
}
