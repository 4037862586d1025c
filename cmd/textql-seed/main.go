package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/textql/textql/internal/catalog/postgres"
	"github.com/textql/textql/internal/config"
	"github.com/textql/textql/internal/contextstore"
	"github.com/textql/textql/internal/embedding"
	"github.com/textql/textql/internal/observability"
	duckdbengine "github.com/textql/textql/internal/query/duckdb"
	"github.com/textql/textql/internal/seed"
	"github.com/textql/textql/internal/sqlguard"
	"github.com/textql/textql/internal/textql"
)

func main() {
	file := flag.String("file", "", "JSON or YAML file of question/sql pairs")
	dryRun := flag.Bool("dry-run", false, "validate pairs without embedding or storing them")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "-file is required")
		os.Exit(2)
	}

	cfg, err := config.LoadFromEnv("textql-seed")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	pairs, err := seed.ReadFile(*file)
	if err != nil {
		logger.Error("failed to read seed file", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := duckdbengine.Open(duckdbengine.Config{
		Path:     cfg.Warehouse.Path,
		ReadOnly: cfg.Warehouse.Path != "",
	})
	if err != nil {
		logger.Error("failed to open warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = engine.Close() }()

	db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
		RequireVector:   true,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	metric, _ := textql.ParseMetric(cfg.Retrieval.Metric)
	repo := catalogpostgres.NewRepository(db, metric)

	embedder, err := embedding.FromConfig(ctx, cfg.Embedding)
	if err != nil {
		logger.Error("failed to initialize embedder", slog.Any("error", err))
		os.Exit(1)
	}

	importer := seed.NewImporter(contextstore.New(engine, repo), embedder, sqlguard.New(sqlguard.Policy{}), logger)
	importer.DryRun = *dryRun

	report, err := importer.Import(ctx, pairs)
	if err != nil {
		logger.Error("seed import aborted", slog.Int("imported", report.Imported), slog.Any("error", err))
		os.Exit(1)
	}
	total, err := repo.CountExamples(ctx)
	if err != nil {
		logger.Warn("failed to count examples", slog.Any("error", err))
	}
	logger.Info("seed import completed",
		slog.Int("imported", report.Imported),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int64("examples_total", total),
	)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
}
