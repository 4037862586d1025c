package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/textql/textql/internal/config"
	"github.com/textql/textql/internal/demo"
	"github.com/textql/textql/internal/observability"
)

func main() {
	path := flag.String("path", "", "DuckDB file to build; defaults to TEXTQL_WAREHOUSE_PATH")
	flights := flag.Int("flights", 5000, "number of flights to generate")
	seedValue := flag.Int64("seed", 1, "random seed")
	examplesOut := flag.String("examples-out", "", "write curated question/sql pairs to this YAML file")
	flag.Parse()

	cfg, err := config.LoadFromEnv("textql-demo")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	target := *path
	if target == "" {
		target = cfg.Warehouse.Path
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "-path or TEXTQL_WAREHOUSE_PATH is required")
		os.Exit(2)
	}

	db, err := sql.Open("duckdb", target)
	if err != nil {
		logger.Error("failed to open warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	summary, err := demo.Build(ctx, db, demo.Config{Flights: *flights, Seed: *seedValue})
	if err != nil {
		logger.Error("failed to build demo warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("demo warehouse built",
		slog.String("path", target),
		slog.Int("airports", summary.Airports),
		slog.Int("carriers", summary.Carriers),
		slog.Int("flights", summary.Flights),
	)

	if *examplesOut != "" {
		if err := demo.WriteExamples(*examplesOut); err != nil {
			logger.Error("failed to write examples", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("demo examples written", slog.String("path", *examplesOut), slog.Int("pairs", len(demo.Examples())))
	}
}
