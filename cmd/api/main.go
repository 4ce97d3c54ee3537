package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-dedup/internal/api"
	"github.com/dvloznov/finance-dedup/internal/api/handlers"
	"github.com/dvloznov/finance-dedup/internal/app"
	"github.com/dvloznov/finance-dedup/internal/config"
	"github.com/dvloznov/finance-dedup/internal/jobs"
	"github.com/dvloznov/finance-dedup/internal/jobs/inmemory"
	"github.com/dvloznov/finance-dedup/internal/llm"
	"github.com/dvloznov/finance-dedup/internal/logger"
	"github.com/dvloznov/finance-dedup/internal/notify"
	"github.com/dvloznov/finance-dedup/internal/store"
	"github.com/dvloznov/finance-dedup/internal/updates"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides SERVER_HOST/SERVER_PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "dedup-api"})
	ctx := logger.WithContext(context.Background(), log)

	// Candidate store
	client := app.NewRedisClient(cfg.Redis)
	defer client.Close()
	s := store.New(client)
	if err := s.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable at startup")
	}

	det, err := app.NewDetector(ctx, cfg, s)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create duplicate detector")
	}
	upd := updates.New(s, app.UpdatesOptions(cfg))

	pub, err := app.NewPublisher(ctx, cfg.GCP)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create event publisher")
	}
	defer pub.Close()
	notifier := notify.New(pub, notify.Topics{
		Duplicates: cfg.PubSub.DuplicatesTopic,
		Updates:    cfg.PubSub.UpdatesTopic,
		Errors:     cfg.PubSub.ErrorsTopic,
	})

	var reviewer handlers.Reviewer
	if cfg.LLM.ReviewEnabled {
		classifier, err := llm.NewClassifier(ctx, cfg.LLM.Model)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create LLM classifier")
		}
		reviewer = classifier
	}

	// Bulk loads run on an in-process queue when a BigQuery source is configured.
	var (
		publisher jobs.Publisher
		jobStore  jobs.JobStore
		queue     *inmemory.Queue
	)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	if cfg.GCP.Project != "" {
		l, err := app.NewLoader(ctx, cfg, s)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create bulk loader")
		}
		defer l.Close()

		memStore := inmemory.NewStore()
		queue = inmemory.NewQueue(cfg.Loader.QueueSize, 1, memStore)
		if err := queue.Start(workerCtx, app.LoadJobHandler(l)); err != nil {
			log.Fatal().Err(err).Msg("Failed to start load worker")
		}
		publisher, jobStore = queue, memStore
	} else {
		log.Warn().Msg("GCP_PROJECT not set, bulk loads are disabled")
	}

	banks := handlers.BankFilter(cfg.Server.BankAllowed)
	router := api.NewRouter(api.Handlers{
		Duplicates: handlers.NewDuplicatesHandler(det, notifier, reviewer, banks, log),
		Updates:    handlers.NewUpdatesHandler(upd, notifier, banks, log),
		Admin:      handlers.NewAdminHandler(det, publisher, jobStore, log),
		Health:     handlers.NewHealthHandler(s, log),
	}, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminToken:     cfg.Server.AdminToken,
	}, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting dedup API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancelWorker()
	if queue != nil {
		if err := queue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping load queue")
		}
	}

	log.Info().Msg("Server exited")
}
