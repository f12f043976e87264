package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ezra-knowledge/backend/internal/api"
	"ezra-knowledge/backend/internal/services"
	"ezra-knowledge/backend/pkg/config"
	"ezra-knowledge/backend/pkg/logger"
	"github.com/gin-gonic/gin"
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
	log.Info("Starting knowledge API server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// nil: known users come from the user ids recorded with each turn
	sm, err := services.NewServiceManager(ctx, cfg, nil)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	sm.Start(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(sm, cfg.IsProduction()),
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()
	sm.StopAll(shutdownCtx)

	log.Info("Server exited")
}

func newRouter(sm *services.ServiceManager, production bool) *gin.Engine {
	server := api.NewServer(sm.Store, sm.Log, sm.Scheduler)
	if sm.Publisher != nil {
		server.WithPublisher(sm.Publisher)
	}
	return api.NewRouter(server, production)
}
