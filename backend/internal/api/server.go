package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ezra-knowledge/backend/internal/conversation"
	"ezra-knowledge/backend/internal/knowledge"
	"ezra-knowledge/backend/internal/pipeline"
	"ezra-knowledge/backend/internal/trigger"
	"ezra-knowledge/backend/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Analyzer is the scheduler surface the API drives
type Analyzer interface {
	Notify(contextID string) bool
	Trigger(contextID string) bool
	Run(ctx context.Context, contextID string, force bool) (*pipeline.Result, error)
}

// EventPublisher fans chat turns out to every pipeline instance
type EventPublisher interface {
	Publish(ctx context.Context, ev trigger.ChatTurnEvent) error
}

// Server exposes the knowledge store and pipeline over HTTP
type Server struct {
	store     knowledge.Store
	log       conversation.Log
	analyzer  Analyzer
	publisher EventPublisher
	logger    *zap.Logger
}

// NewServer creates the HTTP handlers
func NewServer(store knowledge.Store, log conversation.Log, analyzer Analyzer) *Server {
	return &Server{
		store:    store,
		log:      log,
		analyzer: analyzer,
		logger:   logger.Named("api"),
	}
}

// WithPublisher announces recorded turns as events instead of notifying the
// local scheduler directly
func (s *Server) WithPublisher(p EventPublisher) *Server {
	s.publisher = p
	return s
}

// NewRouter builds a gin engine with logging, recovery and CORS middleware
// and the knowledge routes
func NewRouter(s *Server, production bool) *gin.Engine {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(ginLogger(s.logger))
	router.Use(gin.Recovery())
	router.Use(cors())
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes mounts the health check and /api routes
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", s.health)

	api := router.Group("/api")
	{
		api.POST("/contexts/:id/turns", s.recordTurn)
		api.POST("/contexts/:id/analyze", s.analyze)
		api.GET("/contexts/:id/propositions", s.listPropositions)
		api.GET("/contexts/:id/similar", s.similar)
		api.DELETE("/contexts/:id/propositions", s.clearContext)

		api.GET("/propositions/count", s.countPropositions)
		api.GET("/propositions/:id", s.getProposition)
		api.DELETE("/propositions", s.clearAll)

		api.GET("/entities/:id", s.getEntity)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type turnRequest struct {
	UserMessage      string `json:"user_message" binding:"required"`
	AssistantMessage string `json:"assistant_message"`
	UserID           string `json:"user_id"`
	Author           string `json:"author"`
}

// recordTurn appends a chat exchange to the log and notifies the scheduler
func (s *Server) recordTurn(c *gin.Context) {
	contextID := c.Param("id")
	ctx := c.Request.Context()

	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	messages := []conversation.Message{{
		ContextID: contextID,
		Role:      conversation.RoleUser,
		Author:    req.Author,
		UserID:    req.UserID,
		Content:   req.UserMessage,
		Timestamp: now,
	}}
	if strings.TrimSpace(req.AssistantMessage) != "" {
		messages = append(messages, conversation.Message{
			ContextID: contextID,
			Role:      conversation.RoleAssistant,
			Content:   req.AssistantMessage,
			Timestamp: now,
		})
	}
	for _, msg := range messages {
		if _, err := s.log.Append(ctx, msg); err != nil {
			s.logger.Error("Failed to record message", zap.String("context_id", contextID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record turn"})
			return
		}
	}

	count, err := s.log.CountMessages(ctx, contextID)
	if err != nil {
		s.logger.Error("Failed to count messages", zap.String("context_id", contextID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record turn"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"context_id":    contextID,
		"message_count": count,
		"queued":        s.announce(ctx, contextID, count, req.UserID, now),
	})
}

// announce publishes the turn when a publisher is set and falls back to the
// local scheduler when publishing fails
func (s *Server) announce(ctx context.Context, contextID string, count int, userID string, sentAt time.Time) bool {
	if s.publisher != nil {
		err := s.publisher.Publish(ctx, trigger.ChatTurnEvent{
			ContextID:    contextID,
			MessageCount: count,
			UserID:       userID,
			SentAt:       sentAt,
		})
		if err == nil {
			return true
		}
		s.logger.Warn("Failed to publish chat turn, notifying locally", zap.String("context_id", contextID), zap.Error(err))
	}
	return s.analyzer.Notify(contextID)
}

// analyze forces an analysis. With ?wait=true it runs synchronously and
// returns the result.
func (s *Server) analyze(c *gin.Context) {
	contextID := c.Param("id")

	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, gin.H{"context_id": contextID, "queued": s.analyzer.Trigger(contextID)})
		return
	}

	result, err := s.analyzer.Run(c.Request.Context(), contextID, true)
	if err != nil {
		if errors.Is(err, pipeline.ErrSchedulerClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Pipeline is shutting down"})
			return
		}
		s.logger.Error("Manual analysis failed", zap.String("context_id", contextID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Analysis failed"})
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"context_id": contextID, "analyzed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context_id": contextID, "analyzed": true, "result": result})
}

func (s *Server) listPropositions(c *gin.Context) {
	contextID := c.Param("id")
	limit := queryInt(c, "limit", 100)

	var (
		props []knowledge.Proposition
		err   error
	)
	if raw := c.Query("status"); raw != "" {
		status, parseErr := knowledge.ParseStatus(raw)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
			return
		}
		props, err = s.store.FindByStatus(c.Request.Context(), contextID, status, limit)
	} else {
		props, err = s.store.FindByContext(c.Request.Context(), contextID, limit)
	}
	if err != nil {
		s.internalError(c, "Failed to list propositions", err)
		return
	}
	if props == nil {
		props = []knowledge.Proposition{}
	}
	c.JSON(http.StatusOK, gin.H{"context_id": contextID, "propositions": props})
}

func (s *Server) similar(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	threshold, err := strconv.ParseFloat(c.DefaultQuery("threshold", "0.5"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a number"})
		return
	}

	hits, err := s.store.FindSimilar(c.Request.Context(), knowledge.SimilarQuery{
		ContextID: c.Param("id"),
		Text:      q,
		TopK:      queryInt(c, "top_k", 10),
		Threshold: threshold,
	})
	if err != nil {
		s.internalError(c, "Failed to search propositions", err)
		return
	}
	if hits == nil {
		hits = []knowledge.ScoredProposition{}
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

func (s *Server) clearContext(c *gin.Context) {
	contextID := c.Param("id")
	n, err := s.store.ClearContext(c.Request.Context(), contextID)
	if err != nil {
		s.internalError(c, "Failed to clear context", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"context_id": contextID, "deleted": n})
}

func (s *Server) countPropositions(c *gin.Context) {
	n, err := s.store.CountPropositions(c.Request.Context(), c.Query("context"))
	if err != nil {
		s.internalError(c, "Failed to count propositions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) getProposition(c *gin.Context) {
	prop, err := s.store.GetProposition(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Proposition not found"})
			return
		}
		s.internalError(c, "Failed to fetch proposition", err)
		return
	}
	c.JSON(http.StatusOK, prop)
}

func (s *Server) clearAll(c *gin.Context) {
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirm=true is required"})
		return
	}
	n, err := s.store.ClearAll(c.Request.Context())
	if err != nil {
		s.internalError(c, "Failed to clear propositions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) getEntity(c *gin.Context) {
	entity, err := s.store.GetEntity(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
			return
		}
		s.internalError(c, "Failed to fetch entity", err)
		return
	}
	c.JSON(http.StatusOK, entity)
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func queryInt(c *gin.Context, key string, defaultValue int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
