// Package migrations embeds the catalog schema: the pgvector example index,
// the feedback log and the archive cursor. Each version runs in its own
// transaction under an advisory lock and is re-checked inside it, so two
// migrators started together apply it once.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "textql_schema_migrations"
	// migrationLockKey scopes pg_advisory_xact_lock to this schema.
	migrationLockKey int64 = 0x74657874716c
)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

type migration struct {
	Version int64
	UpSQL   string
	DownSQL string
}

// direction selects which script of a migration runs and how the version
// table is updated afterwards.
type direction bool

const (
	forward  direction = true
	backward direction = false
)

func (d direction) script(m migration) string {
	if d == forward {
		return m.UpSQL
	}
	return m.DownSQL
}

func (d direction) verb() string {
	if d == forward {
		return "apply"
	}
	return "rollback"
}

func (d direction) record(ctx context.Context, tx *sql.Tx, version int64) error {
	query := `DELETE FROM ` + migrationTable + ` WHERE version = $1`
	if d == forward {
		query = `INSERT INTO ` + migrationTable + ` (version) VALUES ($1)`
	}
	if _, err := tx.ExecContext(ctx, query, version); err != nil {
		return fmt.Errorf("record %s of migration %d: %w", d.verb(), version, err)
	}
	return nil
}

// Up applies pending migrations in version order. steps <= 0 applies all of
// them. The count excludes versions another migrator applied first.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	known, applied, err := r.inspect(ctx, db, false)
	if err != nil {
		return 0, err
	}
	done := make(map[int64]bool, len(applied))
	for _, version := range applied {
		done[version] = true
	}

	var pending []migration
	for _, m := range known {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	if steps > 0 && len(pending) > steps {
		pending = pending[:steps]
	}
	return runAll(ctx, db, forward, pending)
}

// Down rolls back the newest applied migrations, one when steps <= 0.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	known, applied, err := r.inspect(ctx, db, true)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[int64]migration, len(known))
	for _, m := range known {
		byVersion[m.Version] = m
	}

	if len(applied) > steps {
		applied = applied[:steps]
	}
	targets := make([]migration, 0, len(applied))
	for _, version := range applied {
		m, ok := byVersion[version]
		if !ok {
			return 0, fmt.Errorf("applied migration %d is missing from source", version)
		}
		targets = append(targets, m)
	}
	return runAll(ctx, db, backward, targets)
}

// VersionStatus reports whether one known migration has been applied.
type VersionStatus struct {
	Version int64
	Applied bool
}

// Status lists every embedded migration in version order with its state.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]VersionStatus, error) {
	known, applied, err := r.inspect(ctx, db, false)
	if err != nil {
		return nil, err
	}
	statuses := make([]VersionStatus, 0, len(known))
	for _, m := range known {
		_, found := slices.BinarySearch(applied, m.Version)
		statuses = append(statuses, VersionStatus{Version: m.Version, Applied: found})
	}
	return statuses, nil
}

// inspect loads the embedded migrations and the applied versions, newest
// first when descending is set.
func (r *Runner) inspect(ctx context.Context, db *sql.DB, descending bool) ([]migration, []int64, error) {
	known, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS `+migrationTable+` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, nil, fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := appliedVersions(ctx, db, descending)
	if err != nil {
		return nil, nil, err
	}
	return known, applied, nil
}

func runAll(ctx context.Context, db *sql.DB, dir direction, targets []migration) (int, error) {
	count := 0
	for _, m := range targets {
		ran, err := runOne(ctx, db, dir, m)
		if err != nil {
			return count, err
		}
		if ran {
			count++
		}
	}
	return count, nil
}

// runOne reports false when the version table already reflects dir, which
// happens when another migrator got the lock first.
func runOne(ctx context.Context, db *sql.DB, dir direction, m migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := lockAndCheck(ctx, tx, m.Version)
	if err != nil {
		return false, err
	}
	if applied == bool(dir) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, dir.script(m)); err != nil {
		return false, fmt.Errorf("%s migration %d: %w", dir.verb(), m.Version, err)
	}
	if err := dir.record(ctx, tx, m.Version); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s of migration %d: %w", dir.verb(), m.Version, err)
	}
	return true, nil
}

// lockAndCheck takes the schema lock for the rest of tx and reports whether
// version is recorded as applied.
func lockAndCheck(ctx context.Context, tx *sql.Tx, version int64) (bool, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	var applied bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+migrationTable+` WHERE version = $1)`, version).Scan(&applied)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return applied, nil
}

func appliedVersions(ctx context.Context, db *sql.DB, descending bool) ([]int64, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return versions, nil
}

// parseScriptName splits "000002_feedback.up.sql" into 2 and "up". Names that
// do not follow the pattern are reported as not ok and ignored.
func parseScriptName(name string) (version int64, dir string, ok bool) {
	stem, found := strings.CutSuffix(name, ".sql")
	if !found {
		return 0, "", false
	}
	dot := strings.LastIndexByte(stem, '.')
	if dot < 0 {
		return 0, "", false
	}
	stem, dir = stem[:dot], stem[dot+1:]
	if dir != "up" && dir != "down" {
		return 0, "", false
	}
	digits, label, found := strings.Cut(stem, "_")
	if !found || label == "" || digits == "" {
		return 0, "", false
	}
	version, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || version < 0 {
		return 0, "", false
	}
	return version, dir, true
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, name := range names {
		version, dir, ok := parseScriptName(path.Base(name))
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", name, err)
		}
		m := byVersion[version]
		if m == nil {
			m = &migration{Version: version}
			byVersion[version] = m
		}
		if dir == "up" {
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		switch {
		case strings.TrimSpace(m.UpSQL) == "":
			return nil, fmt.Errorf("migration %d missing up SQL", m.Version)
		case strings.TrimSpace(m.DownSQL) == "":
			return nil, fmt.Errorf("migration %d missing down SQL", m.Version)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
