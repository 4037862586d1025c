// Package postgres keeps the example index, the feedback log and the
// archive cursor in PostgreSQL. Example embeddings live in a pgvector
// column, so the vector extension must be installed before the index is
// queried.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPingTimeout = 5 * time.Second

// ErrVectorExtensionMissing means the catalog database has no pgvector
// extension; run the migrations first.
var ErrVectorExtensionMissing = errors.New("pgvector extension is not installed")

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
	// RequireVector fails Open when the example index cannot run. The
	// migrate command leaves it off because it installs the extension.
	RequireVector bool
}

// Open connects to the catalog with pgx and applies the pool limits.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("catalog dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	configurePool(db, cfg)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog db: %w", err)
	}
	if cfg.RequireVector {
		if err := VerifyVectorExtension(pingCtx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return db, nil
}

func configurePool(db *sql.DB, cfg DBConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// VerifyVectorExtension reports ErrVectorExtensionMissing unless pgvector is
// installed in the connected database.
func VerifyVectorExtension(ctx context.Context, db *sql.DB) error {
	var installed bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&installed)
	if err != nil {
		return fmt.Errorf("check vector extension: %w", err)
	}
	if !installed {
		return ErrVectorExtensionMissing
	}
	return nil
}
