package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ezra-knowledge/backend/internal/discord"
	"ezra-knowledge/backend/internal/services"
	"ezra-knowledge/backend/pkg/config"
	"ezra-knowledge/backend/pkg/logger"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting Discord listener...")

	if cfg.DiscordBotToken == "" {
		log.Fatal("DISCORD_BOT_TOKEN is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	participants := discord.NewParticipants()
	sm, err := services.NewServiceManager(ctx, cfg, participants.RunContext)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	sm.Start(ctx)

	// Create Discord session
	dg, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		log.Fatal("Failed to create Discord session", zap.Error(err))
	}

	messageHandler := discord.NewHandler(sm.Log, sm.Scheduler, sm.Store, participants)
	dg.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		messageHandler.HandleMessage(s, m)
	})

	dg.Identify.Intents = intents()
	log.Info("Discord bot intents configured",
		zap.Bool("guild_messages", (dg.Identify.Intents&discordgo.IntentsGuildMessages) != 0),
		zap.Bool("direct_messages", (dg.Identify.Intents&discordgo.IntentsDirectMessages) != 0),
		zap.Bool("message_content", (dg.Identify.Intents&discordgo.IntentsMessageContent) != 0),
	)

	// Open connection
	if err := dg.Open(); err != nil {
		log.Fatal("Failed to open Discord connection", zap.Error(err))
	}

	log.Info("Discord listener is running. Press CTRL-C to exit.")

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	log.Info("Shutting down Discord listener...")
	if err := dg.Close(); err != nil {
		log.Warn("Failed to close Discord session", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	cancel()
	sm.StopAll(shutdownCtx)
}

// intents covers reading guild and direct messages, including their content
func intents() discordgo.Intent {
	return discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
}
