package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "ezra-knowledge/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Port     string
	Env      string
	LogLevel string

	// Neo4j
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	// AI
	LiteLLMURL          string
	ModelID             string
	OpenRouterAPIKey    string
	EmbeddingModel      string
	EmbeddingDimensions int

	// Backends
	StoreBackend       string // neo4j, memory
	WindowStateBackend string // neo4j, redis, memory
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGroupID       string

	// Windowing
	WindowSize      int
	OverlapSize     int
	TriggerInterval int

	// Workers
	Workers   int
	QueueSize int
	// RetryBackoff delays automatic reruns of a context whose last run
	// failed; it doubles per failure up to MaxRetryBackoff
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// Stage timeouts
	ExtractTimeout time.Duration
	ResolveTimeout time.Duration
	ReviseTimeout  time.Duration
	StoreTimeout   time.Duration

	// Resolver
	ResolverStages          []string
	PromptStrategy          string // FULL, COMPACT
	HeuristicAccept         float64
	HeuristicCandidate      float64
	EmbeddingAccept         float64
	EmbeddingMargin         float64
	EmbeddingCandidate      float64
	ResolveConcurrency      int
	SimilarPropositionLimit int

	// Schema
	SchemaFile string

	// Discord
	DiscordBotToken string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		LogLevel:                getEnv("LOG_LEVEL", ""),
		Neo4jURI:                getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:               getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:           getEnv("NEO4J_PASSWORD", "password"),
		Neo4jDatabase:           getEnv("NEO4J_DATABASE", ""),
		LiteLLMURL:              getEnv("LITELLM_URL", "http://localhost:4000"),
		ModelID:                 getEnv("MODEL_ID", "openrouter/anthropic/claude-3.5-sonnet"),
		OpenRouterAPIKey:        getEnv("OPENROUTER_API_KEY", ""),
		EmbeddingModel:          getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions:     getEnvInt("EMBEDDING_DIMENSIONS", 1536),
		StoreBackend:            getEnv("STORE_BACKEND", "neo4j"),
		WindowStateBackend:      getEnv("WINDOW_STATE_BACKEND", "neo4j"),
		RedisAddr:               getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:           getEnv("REDIS_PASSWORD", ""),
		RedisDB:                 getEnvInt("REDIS_DB", 0),
		KafkaBrokers:            getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "chat-turns"),
		KafkaGroupID:            getEnv("KAFKA_GROUP_ID", "knowledge-pipeline"),
		WindowSize:              getEnvInt("WINDOW_SIZE", 20),
		OverlapSize:             getEnvInt("WINDOW_OVERLAP", 4),
		TriggerInterval:         getEnvInt("TRIGGER_INTERVAL", 6),
		Workers:                 getEnvInt("PIPELINE_WORKERS", 4),
		QueueSize:               getEnvInt("PIPELINE_QUEUE_SIZE", 64),
		RetryBackoff:            getEnvDuration("PIPELINE_RETRY_BACKOFF", 30*time.Second),
		MaxRetryBackoff:         getEnvDuration("PIPELINE_MAX_RETRY_BACKOFF", 10*time.Minute),
		ExtractTimeout:          getEnvDuration("EXTRACT_TIMEOUT", 60*time.Second),
		ResolveTimeout:          getEnvDuration("RESOLVE_TIMEOUT", 20*time.Second),
		ReviseTimeout:           getEnvDuration("REVISE_TIMEOUT", 20*time.Second),
		StoreTimeout:            getEnvDuration("STORE_TIMEOUT", 15*time.Second),
		ResolverStages:          getEnvList("RESOLVER_STAGES", nil),
		PromptStrategy:          getEnv("RESOLVER_PROMPT_STRATEGY", "COMPACT"),
		HeuristicAccept:         getEnvFloat("HEURISTIC_ACCEPT", 0.85),
		HeuristicCandidate:      getEnvFloat("HEURISTIC_CANDIDATE", 0.6),
		EmbeddingAccept:         getEnvFloat("EMBEDDING_ACCEPT", 0.92),
		EmbeddingMargin:         getEnvFloat("EMBEDDING_MARGIN", 0.05),
		EmbeddingCandidate:      getEnvFloat("EMBEDDING_CANDIDATE", 0.75),
		ResolveConcurrency:      getEnvInt("RESOLVE_CONCURRENCY", 4),
		SimilarPropositionLimit: getEnvInt("SIMILAR_PROPOSITION_LIMIT", 5),
		SchemaFile:              getEnv("SCHEMA_FILE", ""),
		DiscordBotToken:         getEnv("DISCORD_BOT_TOKEN", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.StoreBackend == "neo4j" || c.WindowStateBackend == "neo4j" {
		if c.Neo4jURI == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_URI")
		}
		if c.Neo4jUser == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_USER")
		}
		if c.Neo4jPassword == "" {
			return apperrors.NewConfigMissingRequired("NEO4J_PASSWORD")
		}
	}
	switch c.StoreBackend {
	case "neo4j", "memory":
	default:
		return apperrors.NewConfigValidationFailed("STORE_BACKEND", "must be neo4j or memory")
	}
	switch c.WindowStateBackend {
	case "neo4j", "redis", "memory":
	default:
		return apperrors.NewConfigValidationFailed("WINDOW_STATE_BACKEND", "must be neo4j, redis or memory")
	}
	if c.WindowStateBackend == "redis" && c.RedisAddr == "" {
		return apperrors.NewConfigMissingRequired("REDIS_ADDR")
	}
	if c.LiteLLMURL == "" {
		return apperrors.NewConfigMissingRequired("LITELLM_URL")
	}
	if c.ModelID == "" {
		return apperrors.NewConfigMissingRequired("MODEL_ID")
	}
	if c.WindowSize <= 0 {
		return apperrors.NewConfigValidationFailed("WINDOW_SIZE", "must be positive")
	}
	if c.OverlapSize < 0 {
		return apperrors.NewConfigValidationFailed("WINDOW_OVERLAP", "cannot be negative")
	}
	if c.Workers <= 0 {
		return apperrors.NewConfigValidationFailed("PIPELINE_WORKERS", "must be positive")
	}
	if c.RetryBackoff < 0 || c.MaxRetryBackoff < 0 {
		return apperrors.NewConfigValidationFailed("PIPELINE_RETRY_BACKOFF", "cannot be negative")
	}
	if c.EmbeddingDimensions <= 0 {
		return apperrors.NewConfigValidationFailed("EMBEDDING_DIMENSIONS", "must be positive")
	}
	switch strings.ToUpper(c.PromptStrategy) {
	case "FULL", "COMPACT":
	default:
		return apperrors.NewConfigValidationFailed("RESOLVER_PROMPT_STRATEGY", "must be FULL or COMPACT")
	}
	// OpenRouter API key, Kafka and Discord are optional
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether chat-turn events should be consumed from Kafka
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
