package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ezra-knowledge/backend/internal/pipeline"
	"ezra-knowledge/backend/internal/revise"
	"ezra-knowledge/backend/internal/services"
	"ezra-knowledge/backend/pkg/config"
	"ezra-knowledge/backend/pkg/logger"
	"go.uber.org/zap"
)

// summary is printed to stdout when the replay finishes
type summary struct {
	ContextID          string       `json:"context_id"`
	Messages           int          `json:"messages"`
	Runs               int          `json:"runs"`
	FailedRuns         int          `json:"failed_runs"`
	Stats              revise.Stats `json:"stats"`
	NewEntities        int          `json:"new_entities"`
	ResolutionFailures int          `json:"resolution_failures"`
	Propositions       int64        `json:"propositions"`
}

func (s *summary) add(result *pipeline.Result) {
	if result == nil {
		return
	}
	s.Runs++
	if result.Failed {
		s.FailedRuns++
		return
	}
	s.Stats.New += result.Stats.New
	s.Stats.Reinforced += result.Stats.Reinforced
	s.Stats.Merged += result.Stats.Merged
	s.Stats.Duplicate += result.Stats.Duplicate
	s.Stats.Failed += result.Stats.Failed
	s.NewEntities += result.NewEntityCount
	s.ResolutionFailures += result.ResolutionFailures
}

// defaultContextID gives every replay a fresh conversation
func defaultContextID(file string, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	return fmt.Sprintf("replay:%s:%d", base, now.Unix())
}

func main() {
	file := flag.String("file", "", "Transcript file (JSON array or one JSON message per line)")
	contextID := flag.String("context", "", "Conversation context id (default: derived from the file name)")
	reset := flag.Bool("reset", false, "Delete all propositions and entities before replaying")
	skipConfirm := flag.Bool("y", false, "Skip confirmation prompt")
	verbose := flag.Bool("verbose", false, "Log pipeline decisions at debug level")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -file transcript.json [-context id] [-reset] [-y] [-verbose]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	if err := logger.Init(cfg.Env, level); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal("Failed to open transcript", zap.Error(err))
	}
	msgs, err := readTranscript(f)
	f.Close()
	if err != nil {
		log.Fatal("Failed to read transcript", zap.Error(err))
	}
	if *contextID == "" {
		*contextID = defaultContextID(*file, time.Now())
	}

	if *reset && !*skipConfirm {
		log.Warn("WARNING: -reset deletes ALL propositions and entities!")
		fmt.Print("Are you sure you want to continue? (yes/no): ")
		var response string
		fmt.Scanln(&response)
		if response != "yes" && response != "y" {
			log.Info("Aborted.")
			os.Exit(0)
		}
	}

	ctx := context.Background()
	sm, err := services.NewServiceManager(ctx, cfg, nil)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer sm.StopAll(ctx)

	if *reset {
		deleted, err := sm.Store.ClearAll(ctx)
		if err != nil {
			log.Fatal("Failed to reset knowledge store", zap.Error(err))
		}
		log.Info("Knowledge store reset", zap.Int64("deleted", deleted))
	}

	log.Info("Replaying transcript",
		zap.String("file", *file),
		zap.String("context_id", *contextID),
		zap.Int("messages", len(msgs)),
	)

	out := summary{ContextID: *contextID, Messages: len(msgs)}
	for i, msg := range msgs {
		msg.ContextID = *contextID
		if _, err := sm.Log.Append(ctx, msg); err != nil {
			log.Fatal("Failed to append message", zap.Int("index", i), zap.Error(err))
		}
		result, err := sm.Scheduler.Run(ctx, *contextID, false)
		if err != nil {
			log.Fatal("Pipeline run failed", zap.Int("index", i), zap.Error(err))
		}
		out.add(result)
	}

	// analyze whatever the last interval left over
	result, err := sm.Scheduler.Run(ctx, *contextID, true)
	if err != nil {
		log.Fatal("Final pipeline run failed", zap.Error(err))
	}
	out.add(result)

	if out.Propositions, err = sm.Store.CountPropositions(ctx, *contextID); err != nil {
		log.Fatal("Failed to count propositions", zap.Error(err))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Fatal("Failed to encode summary", zap.Error(err))
	}
	fmt.Println(string(data))
}
