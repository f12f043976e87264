package services

import (
	"context"
	"fmt"
	"sync"

	"ezra-knowledge/backend/internal/adapter"
	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/extract"
	"ezra-knowledge/backend/internal/graph"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/pipeline"
	"ezra-knowledge/backend/internal/resolve"
	"ezra-knowledge/backend/internal/revise"
	"ezra-knowledge/backend/internal/trigger"
	"ezra-knowledge/backend/internal/window"
	"ezra-knowledge/backend/pkg/config"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// ServiceManager builds the pipeline and its backends from configuration and
// owns their lifecycle
type ServiceManager struct {
	cfg    *config.Config
	logger *zap.Logger

	Schema    knowledge.Schema
	LLM       *adapter.LLMAdapter
	Embedder  knowledge.Embedder
	Store     knowledge.Store
	Log       conversation.Log
	Tracker   *window.Tracker
	Scheduler *pipeline.Scheduler
	// Publisher is set when Kafka is configured
	Publisher *trigger.Publisher

	repo     *graph.Repository
	consumer *trigger.Consumer

	mu      sync.Mutex
	closers []closer
	stopped bool
}

// NewServiceManager wires every component. When runContext is nil the known
// users are read from the conversation log.
func NewServiceManager(ctx context.Context, cfg *config.Config, runContext pipeline.RunContextFunc) (*ServiceManager, error) {
	sm := &ServiceManager{cfg: cfg, logger: logger.Named("services")}

	schema := knowledge.DefaultSchema()
	if cfg.SchemaFile != "" {
		loaded, err := knowledge.LoadSchema(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
		schema = loaded
	}
	sm.Schema = schema

	sm.LLM = adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.ModelID)
	sm.Embedder = adapter.NewEmbedder(cfg.LiteLLMURL, cfg.OpenRouterAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)

	if err := sm.initStores(ctx); err != nil {
		sm.closeAll(ctx)
		return nil, err
	}

	stages, err := resolve.BuildStages(cfg.ResolverStages, resolve.Deps{
		Store:      sm.Store,
		Embedder:   sm.Embedder,
		Capability: resolve.NewLLMCapability(sm.LLM),
		Thresholds: resolve.Thresholds{
			HeuristicAccept:    cfg.HeuristicAccept,
			HeuristicCandidate: cfg.HeuristicCandidate,
			EmbeddingAccept:    cfg.EmbeddingAccept,
			EmbeddingMargin:    cfg.EmbeddingMargin,
			EmbeddingCandidate: cfg.EmbeddingCandidate,
		},
		Strategy: resolve.ParseStrategy(cfg.PromptStrategy),
	})
	if err != nil {
		sm.closeAll(ctx)
		return nil, fmt.Errorf("failed to build resolver stages: %w", err)
	}

	orchestratorCfg := pipeline.DefaultConfig()
	orchestratorCfg.ResolveConcurrency = cfg.ResolveConcurrency
	orchestratorCfg.SimilarLimit = cfg.SimilarPropositionLimit
	orchestratorCfg.StoreTimeout = cfg.StoreTimeout

	orchestrator := pipeline.NewOrchestrator(
		extract.NewExtractor(extract.NewLLMCapability(sm.LLM), cfg.ExtractTimeout),
		resolve.NewResolver(stages, cfg.ResolveTimeout),
		revise.NewReviser(revise.NewLLMJudge(sm.LLM), revise.DefaultPolicy(), cfg.ReviseTimeout),
		sm.Store,
		sm.Embedder,
		orchestratorCfg,
	)

	if runContext == nil {
		runContext = LogRunContext(sm.Log)
	}
	sm.Scheduler = pipeline.NewScheduler(orchestrator, sm.Tracker, sm.Log, schema, runContext, pipeline.SchedulerConfig{
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
	})
	sm.Scheduler.OnResult = sm.logResult

	if cfg.KafkaEnabled() {
		sm.Publisher = trigger.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		sm.addCloser("kafka-publisher", func(context.Context) error { return sm.Publisher.Close() })
	}

	sm.logger.Info("Services initialized",
		zap.String("store", cfg.StoreBackend),
		zap.String("window_state", cfg.WindowStateBackend),
		zap.String("schema", schema.Name),
		zap.Int("resolver_stages", len(stages)),
	)
	return sm, nil
}

func (sm *ServiceManager) initStores(ctx context.Context) error {
	cfg := sm.cfg

	if cfg.StoreBackend == "neo4j" || cfg.WindowStateBackend == "neo4j" {
		driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			return err
		}
		sm.repo = graph.NewRepository(driver, graph.Options{
			Database:   cfg.Neo4jDatabase,
			Dimensions: cfg.EmbeddingDimensions,
			Embedder:   sm.Embedder,
		})
		sm.addCloser("neo4j", sm.repo.Close)
		if err := sm.repo.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	switch cfg.StoreBackend {
	case "neo4j":
		sm.Store = sm.repo
		sm.Log = sm.repo
	default:
		sm.Store = knowledge.NewMemoryStore(sm.Embedder)
		sm.Log = conversation.NewMemoryLog()
	}

	var states window.StateStore
	switch cfg.WindowStateBackend {
	case "neo4j":
		states = sm.repo
	case "redis":
		redisStore, err := window.NewRedisStateStore(ctx, window.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		sm.addCloser("redis", func(context.Context) error { return redisStore.Close() })
		states = redisStore
	default:
		states = window.NewMemoryStateStore()
	}

	sm.Tracker = window.NewTracker(states, window.Config{
		WindowSize:      cfg.WindowSize,
		OverlapSize:     cfg.OverlapSize,
		TriggerInterval: cfg.TriggerInterval,
	})
	return nil
}

// Start launches the scheduler workers and, when brokers are configured,
// the Kafka chat-turn consumer
func (sm *ServiceManager) Start(ctx context.Context) {
	sm.Scheduler.Start()
	sm.addCloser("scheduler", sm.Scheduler.Shutdown)

	if sm.cfg.KafkaEnabled() {
		sm.consumer = trigger.NewConsumer(trigger.ConsumerConfig{
			Brokers: sm.cfg.KafkaBrokers,
			Topic:   sm.cfg.KafkaTopic,
			GroupID: sm.cfg.KafkaGroupID,
		}, trigger.NewHandler(sm.Scheduler))
		sm.consumer.Start(ctx)
		sm.addCloser("kafka", func(context.Context) error { return sm.consumer.Close() })
	}
}

// StopAll stops services in reverse start order
func (sm *ServiceManager) StopAll(ctx context.Context) {
	sm.mu.Lock()
	if sm.stopped {
		sm.mu.Unlock()
		return
	}
	sm.stopped = true
	sm.mu.Unlock()

	sm.closeAll(ctx)
	sm.logger.Info("All services stopped")
}

func (sm *ServiceManager) addCloser(name string, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer{name: name, close: fn})
}

func (sm *ServiceManager) closeAll(ctx context.Context) {
	sm.mu.Lock()
	closers := sm.closers
	sm.closers = nil
	sm.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(ctx); err != nil {
			sm.logger.Error("Failed to stop service", zap.String("service", closers[i].name), zap.Error(err))
		}
	}
}

func (sm *ServiceManager) logResult(result *pipeline.Result) {
	if result.Failed {
		return
	}
	sm.logger.Debug("Pipeline run committed",
		zap.String("context_id", result.ContextID),
		zap.Int("propositions", len(result.Propositions)),
		zap.Int("new_entities", result.NewEntityCount),
	)
}
