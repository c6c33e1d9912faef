// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ThommysArt/better-chat/internal/config"
	"github.com/ThommysArt/better-chat/internal/credential"
	"github.com/ThommysArt/better-chat/internal/editing"
	"github.com/ThommysArt/better-chat/internal/handler"
	"github.com/ThommysArt/better-chat/internal/middleware"
	natsclient "github.com/ThommysArt/better-chat/internal/nats"
	"github.com/ThommysArt/better-chat/internal/orchestrator"
	"github.com/ThommysArt/better-chat/internal/reconcile"
	"github.com/ThommysArt/better-chat/internal/store"
	"github.com/ThommysArt/better-chat/internal/title"
	"github.com/ThommysArt/better-chat/pkg/logger"
	"github.com/ThommysArt/better-chat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(ctx, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer shutdown(context.Background())
		}
	}

	// Store: postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to postgres", zap.Error(err))
			os.Exit(1)
		}
		st = pg
		log.Info("using postgres store")
	} else {
		st = store.NewMemory()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	// NATS carries live event fan-out and attachment bytes. Both degrade to
	// disabled when no URL is configured.
	var (
		nc     *natsclient.Client
		events *natsclient.EventBus
		files  *natsclient.FileStore
	)
	if cfg.NATSURL != "" {
		nc, err = natsclient.Connect(natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		defer nc.Close()

		events = natsclient.NewEventBus(nc)
		if err := events.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure event stream", zap.Error(err))
			os.Exit(1)
		}

		files, err = natsclient.NewFileStore(ctx, nc)
		if err != nil {
			log.Error("failed to create file store", zap.Error(err))
			os.Exit(1)
		}
	} else {
		log.Warn("NATS_URL not set, event fan-out and file storage disabled")
	}

	creds := credential.NewResolver(cfg.ProviderKeys())

	var titles title.Generator
	if cfg.GoogleAPIKey != "" {
		titles = title.NewGemini(cfg.GoogleAPIKey)
	}

	// events is a typed nil inside the interface if passed directly when unset.
	var publisher orchestrator.EventPublisher
	if events != nil {
		publisher = events
	}
	orch := orchestrator.New(st, creds, titles, publisher, nil, log, orchestrator.Config{
		TurnTimeout:     cfg.TurnTimeout,
		CheckpointEvery: cfg.CheckpointEvery,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     float32(cfg.Temperature),
	})
	engine := editing.NewEngine(st, log)

	// Backstop against turns stranded in a non-terminal status by a crash.
	sweeper := reconcile.NewSweeper(st, log, cfg.StaleTurnMaxAge, cfg.SweepInterval)
	go sweeper.Run(ctx)

	if events != nil {
		go events.ReportStats(ctx, time.Minute)
	}

	healthHandler := handler.NewHealthHandler(nc, st)
	conversationHandler := handler.NewConversationHandler(st, engine, titles, orch, log)
	modelsHandler := handler.NewModelsHandler()

	var attachments handler.AttachmentStore
	if files != nil {
		attachments = files
	}
	fileHandler := handler.NewFileHandler(attachments, log)

	var subscriber handler.EventSubscriber
	if events != nil {
		subscriber = events
	}
	chatHandler := handler.NewChatHandler(orch, engine, st, subscriber, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/models", modelsHandler.List)

		// Submission accepts anonymous callers; they take the guest path.
		r.With(middleware.OptionalAuth(cfg.JWTSecret)).Post("/chat", chatHandler.Submit)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/files", fileHandler.Upload)
			r.Get("/files/{handle}", fileHandler.Download)

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", conversationHandler.Create)
				r.Get("/", conversationHandler.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", conversationHandler.Get)
					r.Patch("/", conversationHandler.Update)
					r.Delete("/", conversationHandler.Delete)

					r.Post("/branch", conversationHandler.Branch)
					r.Post("/title", conversationHandler.RegenerateTitle)

					r.Get("/turns", conversationHandler.ListTurns)
					r.Get("/events", chatHandler.Events)

					r.Post("/turns/{turnID}/edit", chatHandler.Edit)
					r.Post("/turns/{turnID}/rerun", chatHandler.Rerun)
				})
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
