package duckdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/textql/textql/internal/query"
)

func newFlightsEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	statements := []string{
		`CREATE TABLE flights (flight_id INTEGER, carrier VARCHAR, origin VARCHAR, dest VARCHAR, arr_delay INTEGER)`,
		`CREATE TABLE airports (faa VARCHAR, name VARCHAR, city VARCHAR)`,
		`INSERT INTO flights VALUES (1, 'AA', 'JFK', 'LAX', 5), (2, 'DL', 'JFK', 'ATL', -3), (3, 'UA', 'SFO', 'JFK', 12)`,
		`INSERT INTO airports VALUES ('JFK', 'John F Kennedy Intl', 'New York'), ('LAX', 'Los Angeles Intl', 'Los Angeles')`,
	}
	for _, statement := range statements {
		if _, err := engine.db.Exec(statement); err != nil {
			t.Fatalf("seed %q: %v", statement, err)
		}
	}
	return engine
}

func TestSchemaListsTablesInNameOrder(t *testing.T) {
	engine := newFlightsEngine(t, Config{})

	schema, err := engine.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	names := schema.TableNames()
	if len(names) != 2 || names[0] != "airports" || names[1] != "flights" {
		t.Fatalf("tables = %v", names)
	}
	flights, _ := schema.Lookup("flights")
	if len(flights.Columns) != 5 || flights.Columns[0].Name != "flight_id" || flights.Columns[4].Name != "arr_delay" {
		t.Fatalf("flights columns = %+v", flights.Columns)
	}
	if flights.Columns[0].Type != "INTEGER" {
		t.Fatalf("flight_id type = %q", flights.Columns[0].Type)
	}
}

func TestSamplesAreBoundedPerTable(t *testing.T) {
	engine := newFlightsEngine(t, Config{})

	samples, err := engine.Samples(context.Background(), 2)
	if err != nil {
		t.Fatalf("Samples() error = %v", err)
	}
	if len(samples["flights"].Rows) != 2 {
		t.Fatalf("flights sample rows = %d", len(samples["flights"].Rows))
	}
	if len(samples["airports"].Rows) != 2 {
		t.Fatalf("airports sample rows = %d", len(samples["airports"].Rows))
	}
	if got := samples["airports"].Columns; len(got) != 3 || got[0] != "faa" {
		t.Fatalf("airports columns = %v", got)
	}
}

func TestExecuteReturnsColumnsAndRows(t *testing.T) {
	engine := newFlightsEngine(t, Config{})

	result, err := engine.Execute(context.Background(), query.Request{
		SQL: "SELECT origin, COUNT(*) AS c FROM flights GROUP BY origin ORDER BY origin;",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Columns) != 2 || result.Columns[1] != "c" {
		t.Fatalf("columns = %v", result.Columns)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	if result.Rows[0][0] != "JFK" || result.Rows[0][1] != int64(2) {
		t.Fatalf("first row = %#v", result.Rows[0])
	}
	if result.Truncated {
		t.Fatal("Truncated = true for a small result")
	}
}

func TestExecuteAppliesRowCap(t *testing.T) {
	engine := newFlightsEngine(t, Config{MaxRows: 2})

	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT * FROM flights ORDER BY flight_id"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || !result.Truncated {
		t.Fatalf("rows = %d truncated = %v, want 2 and true", len(result.Rows), result.Truncated)
	}

	result, err = engine.Execute(context.Background(), query.Request{SQL: "SELECT * FROM flights", RowLimit: 3})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 3 || result.Truncated {
		t.Fatalf("rows = %d truncated = %v, want 3 and false", len(result.Rows), result.Truncated)
	}
}

func TestExecuteDoesNotCommitWrites(t *testing.T) {
	engine := newFlightsEngine(t, Config{})

	// The guard never lets a DELETE through; this pins the rollback itself.
	if _, err := engine.Execute(context.Background(), query.Request{SQL: "DELETE FROM flights RETURNING flight_id"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT COUNT(*) FROM flights"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Rows[0][0] != int64(3) {
		t.Fatalf("count after rollback = %#v, want 3", result.Rows[0][0])
	}
}

func TestExecuteReportsDeadline(t *testing.T) {
	engine := newFlightsEngine(t, Config{ExecTimeout: time.Nanosecond})

	_, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT COUNT(*) FROM range(100000000) a, range(1000) b"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute() error = %v, want DeadlineExceeded", err)
	}
}

func TestExecuteRejectsEmptySQL(t *testing.T) {
	engine := newFlightsEngine(t, Config{})
	if _, err := engine.Execute(context.Background(), query.Request{SQL: " ; "}); err == nil {
		t.Fatal("Execute() expected error for empty sql")
	}
}

func TestStripTrailingSemicolons(t *testing.T) {
	if got := stripTrailingSemicolons(" SELECT 1 ; ; "); got != "SELECT 1" {
		t.Fatalf("stripTrailingSemicolons() = %q", got)
	}
}
