package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/textql/textql/internal/api"
	"github.com/textql/textql/internal/auth"
	catalogpostgres "github.com/textql/textql/internal/catalog/postgres"
	"github.com/textql/textql/internal/config"
	"github.com/textql/textql/internal/contextstore"
	"github.com/textql/textql/internal/embedding"
	"github.com/textql/textql/internal/feedback"
	"github.com/textql/textql/internal/generation"
	"github.com/textql/textql/internal/nl2sql"
	"github.com/textql/textql/internal/observability"
	duckdbengine "github.com/textql/textql/internal/query/duckdb"
	"github.com/textql/textql/internal/retrieval"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
	"github.com/textql/textql/internal/tokenstore"
)

func main() {
	cfg, err := config.LoadFromEnv("textql-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Error("textql-api failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := duckdbengine.Open(duckdbengine.Config{
		Path:        cfg.Warehouse.Path,
		ReadOnly:    cfg.Warehouse.Path != "",
		ExecTimeout: cfg.Warehouse.ExecTimeout,
		MaxRows:     cfg.Warehouse.MaxRows,
	})
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	metric, _ := textql.ParseMetric(cfg.Retrieval.Metric)
	readiness := []api.ReadinessCheck{engine.HealthCheck, api.CheckCatalogDSN(cfg)}

	var (
		index        contextstore.ExampleIndex
		feedbackRepo feedback.Repository
	)
	switch cfg.Retrieval.Index {
	case "postgres":
		catalogDB, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
			DSN:             cfg.Catalog.DSN,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
			RequireVector:   true,
		})
		if err != nil {
			return err
		}
		defer func(db *sql.DB) { _ = db.Close() }(catalogDB)
		repo := catalogpostgres.NewRepository(catalogDB, metric)
		index, feedbackRepo = repo, repo
		readiness = append(readiness, repo.HealthCheck)
	default:
		logger.Warn("using in-memory example index; examples and feedback are lost on restart")
		index = contextstore.NewMemoryIndex(metric, cfg.Embedding.Dimensions)
		feedbackRepo = feedback.NewMemoryRepository()
	}

	embedder, err := embedding.FromConfig(ctx, cfg.Embedding)
	if err != nil {
		return err
	}
	generator, err := generation.FromConfig(ctx, cfg.AI)
	if err != nil {
		return err
	}

	store := contextstore.New(engine, index)
	validator := sqlguard.New(sqlguard.Policy{})
	tokens := tokenstore.New(tokenstore.Config{
		TTL:           cfg.Tokens.TTL,
		SweepInterval: cfg.Tokens.SweepInterval,
		SingleUse:     cfg.Tokens.SingleUse,
	}, tokenstore.WithLogger(logger))

	service := nl2sql.NewService(nl2sql.Config{
		MaxQuestionLength: cfg.Question.MaxLength,
		SampleRows:        cfg.Warehouse.SampleRows,
		DefaultPageSize:   cfg.Warehouse.DefaultPageSize,
		MaxPageSize:       cfg.Warehouse.MaxPageSize,
	}, nl2sql.Dependencies{
		Context: store,
		Retriever: retrieval.New(embedder, store, retrieval.Config{
			K:           cfg.Retrieval.K,
			MaxDistance: cfg.Retrieval.MaxDistance,
			Timeout:     cfg.Retrieval.Timeout,
		}),
		Generator: generator,
		Validator: validator,
		Tokens:    tokens,
		Executor:  engine,
		Feedback:  feedback.NewRecorder(tokens, feedbackRepo, store, embedder, validator, feedback.WithLogger(logger)),
		Logger:    logger,
	})

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Pipeline:          service,
	}
	if cfg.RateLimit.Enabled {
		deps.GenerateLimiter = api.NewRateLimiter(cfg.RateLimit.Interval, cfg.RateLimit.Burst)
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			return err
		}
		deps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return tokens.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("index", cfg.Retrieval.Index),
			slog.String("ai_provider", cfg.AI.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	})
	return group.Wait()
}
