package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/textql/textql/internal/archive"
	catalogpostgres "github.com/textql/textql/internal/catalog/postgres"
	"github.com/textql/textql/internal/config"
	"github.com/textql/textql/internal/observability"
	s3store "github.com/textql/textql/internal/storage/s3"
	"github.com/textql/textql/internal/textql"
)

func main() {
	once := flag.Bool("once", false, "archive pending feedback once and exit")
	metricsAddr := flag.String("metrics-addr", "", "serve /v1/metrics on this address while running")
	flag.Parse()

	cfg, err := config.LoadFromEnv("textql-archiver")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	metric, _ := textql.ParseMetric(cfg.Retrieval.Metric)
	repo := catalogpostgres.NewRepository(db, metric)
	svc := &archive.Service{
		Source:      repo,
		Cursors:     repo,
		ObjectStore: store,
		Config: archive.Config{
			Interval:  cfg.Archive.Interval,
			BatchSize: cfg.Archive.BatchSize,
			Dataset:   cfg.Archive.Prefix,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		archived, err := svc.ProcessOnce(ctx)
		if err != nil {
			logger.Error("feedback archive failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("feedback archive completed", slog.Int("records", archived))
		return
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /v1/metrics", promhttp.Handler())
		server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() { _ = server.Close() }()
	}

	logger.Info("feedback archiver started", slog.Duration("interval", cfg.Archive.Interval))
	if err := svc.Run(ctx); err != nil {
		logger.Error("feedback archiver failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("feedback archiver stopped")
}
