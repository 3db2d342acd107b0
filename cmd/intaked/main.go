package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/intake-voice-lab/internal/config"
	"github.com/intake-voice-lab/internal/dispatch"
	"github.com/intake-voice-lab/internal/intake"
	"github.com/intake-voice-lab/internal/logging"
	"github.com/intake-voice-lab/internal/ratelimit"
	"github.com/intake-voice-lab/internal/reasoning"
	"github.com/intake-voice-lab/internal/schedule"
	"github.com/intake-voice-lab/internal/stt"
	"github.com/intake-voice-lab/internal/transport"
	"github.com/intake-voice-lab/internal/triage"
)

func main() {
	logging.Init()
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.FatalExitf("failed to load config", "err", err)
	}

	store, err := schedule.OpenSQLite(cfg.SchedulerDBPath)
	if err != nil {
		logging.FatalExitf("failed to open task store", "path", cfg.SchedulerDBPath, "err", err)
	}
	defer store.Close()

	dispatcher := dispatch.LogDispatcher{}

	schedCfg := schedule.Config{
		ExclusionWindow:    cfg.ExclusionWindow,
		ConflictShift:      cfg.ConflictShift,
		MaxConflictRetries: cfg.MaxConflictRetries,
		UrgentThreshold:    cfg.UrgentThreshold,
	}
	scheduler := schedule.New(store, dispatcher, schedCfg)
	defer scheduler.Close()

	sweeper := schedule.NewSweeper(store, dispatcher, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Close()

	limiter := ratelimit.New()
	defer limiter.Close()

	router := triage.NewRouter(
		triage.DefaultTemplates(),
		triage.NewCache(cfg.CacheCapacity, cfg.CacheTTL, cfg.CacheWriteThreshold),
		limiter, cfg.RateLimitMax, cfg.RateLimitWindow,
	)

	analyzer := reasoning.NewClient(reasoning.Config{
		BaseURL:       cfg.ReasoningBaseURL,
		APIKey:        cfg.ReasoningAPIKey,
		Model:         cfg.ReasoningModel,
		FallbackModel: cfg.ReasoningFallback,
		MaxTokens:     cfg.ReasoningMaxTokens,
		Timeout:       cfg.ReasoningTimeout,
	})

	pipeline := intake.NewPipeline(router, analyzer, scheduler)
	sttClient := stt.NewClient(cfg.STTURL, cfg.STTTimeout)
	server := transport.NewServer(cfg, pipeline, sttClient)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/", server.Routes())

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infow("intake service listening", "addr", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logging.Errorw("http server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("graceful shutdown incomplete", "err", err)
	}
}
