// Command hallwatch runs the adaptive surveillance decision engine: one
// sampling session per camera source, two-stage classification of burst
// windows, tiered alerting, and the policy training/rollout loop.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vigil-data/hallwatch/internal/alert"
	"github.com/vigil-data/hallwatch/internal/api"
	"github.com/vigil-data/hallwatch/internal/classify"
	"github.com/vigil-data/hallwatch/internal/config"
	"github.com/vigil-data/hallwatch/internal/engine"
	"github.com/vigil-data/hallwatch/internal/httputil"
	"github.com/vigil-data/hallwatch/internal/ingest"
	"github.com/vigil-data/hallwatch/internal/policy"
	"github.com/vigil-data/hallwatch/internal/policy/train"
	"github.com/vigil-data/hallwatch/internal/review"
	"github.com/vigil-data/hallwatch/internal/schedule"
	"github.com/vigil-data/hallwatch/internal/store"
)

var (
	listen        = flag.String("listen", ":8080", "API listen address")
	configPath    = flag.String("config", "engine.json", "Engine tuning config (JSON)")
	dbPath        = flag.String("db", "hallwatch.db", "Engine database path")
	timetablePath = flag.String("timetable", "", "Schedule timetable (YAML), optional")
	classifierURL = flag.String("classifier", "http://localhost:9090", "Scoring service base URL")
	captureURL    = flag.String("capture", "http://localhost:9091", "Capture service base URL")
	notifyURL     = flag.String("notify", "http://localhost:9092", "Notification service base URL")
	trainSpec     = flag.String("train-cron", "@daily", "Training cycle cron spec")
	monitorSpec   = flag.String("monitor-cron", "@hourly", "Rollout monitor cron spec")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("listen address is required")
	}

	cfg := &config.EngineConfig{}
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	} else {
		log.Printf("no config at %s, running on defaults", *configPath)
	}

	var timetable *schedule.Timetable
	if *timetablePath != "" {
		tt, err := schedule.Load(*timetablePath)
		if err != nil {
			log.Fatalf("failed to load timetable: %v", err)
		}
		timetable = tt
	}

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open engine database: %v", err)
	}
	defer db.Close()

	// Serving store plus lifecycle controller; Recover restores the active
	// policy and any in-flight rollout from the last run.
	serving := policy.NewStore()
	controller := train.NewController(db, serving, train.Options{
		MinActionSupport: cfg.GetMinActionSupport(),
		PromotionMargin:  cfg.GetPromotionMargin(),
		RolloutFraction:  cfg.GetRolloutFraction(),
		MonitoringWindow: cfg.GetMonitoringWindow(),
	})
	if err := controller.Recover(); err != nil {
		log.Fatalf("failed to recover policy state: %v", err)
	}

	httpClient := httputil.NewClient(cfg.GetClassifyTimeout())
	classifier := classify.NewHTTPClassifier(*classifierURL, httpClient)
	rates := ingest.NewHTTPRateController(*captureURL, httpClient)
	emitter := alert.NewHTTPEmitter(*notifyURL, httpClient)

	reviews := review.NewQueue(cfg.GetReviewQueueBound(), db)
	orchestrator := engine.NewOrchestrator(engine.OrchestratorConfig{
		Classifier:          classifier,
		ConfidenceThreshold: cfg.GetConfidenceThreshold(),
		CallTimeout:         cfg.GetClassifyTimeout(),
		RetryBackoff:        cfg.GetRetryBackoff(),
		Diagnostics:         db,
	})
	decider := engine.NewDecider(db, emitter, reviews, cfg.GetAlertCooldown())
	pipeline := engine.NewPipeline(orchestrator, decider)

	sessionCfg := engine.SessionConfigFrom(cfg)
	registry := engine.NewRegistry(func(sourceID string) *engine.Session {
		return engine.NewSession(sourceID, sessionCfg, serving, rates, timetable, pipeline.Handle)
	})
	defer registry.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, sourceID := range cfg.Sources {
		if _, err := registry.Register(ctx, sourceID); err != nil {
			log.Fatalf("failed to register source %s: %v", sourceID, err)
		}
	}
	if len(cfg.Sources) == 0 {
		log.Print("no sources configured, waiting for registrations via config reload")
	}

	scheduler, err := train.NewScheduler(controller, *trainSpec, *monitorSpec)
	if err != nil {
		log.Fatalf("failed to build training schedule: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(registry, serving, reviews, db, decider).ServeMux()
		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			log.Printf("engine API listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Print("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Print("graceful shutdown complete")
}
