// Package demo builds a small flights warehouse in DuckDB together with a
// matching set of curated question/SQL pairs, so the service can be tried
// end to end without a real dataset.
package demo

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/textql/textql/internal/seed"
)

type Config struct {
	Flights int
	Seed    int64
	Start   time.Time
}

type Summary struct {
	Airports int
	Carriers int
	Flights  int
}

var schemaStatements = []string{
	`CREATE OR REPLACE TABLE airports (
	code VARCHAR PRIMARY KEY,
	name VARCHAR NOT NULL,
	city VARCHAR NOT NULL,
	state VARCHAR NOT NULL
)`,
	`CREATE OR REPLACE TABLE carriers (
	code VARCHAR PRIMARY KEY,
	name VARCHAR NOT NULL
)`,
	`CREATE OR REPLACE TABLE flights (
	flight_id BIGINT PRIMARY KEY,
	carrier VARCHAR NOT NULL,
	origin VARCHAR NOT NULL,
	destination VARCHAR NOT NULL,
	departed_at TIMESTAMP NOT NULL,
	dep_delay INTEGER NOT NULL,
	arr_delay INTEGER NOT NULL,
	distance INTEGER NOT NULL,
	cancelled BOOLEAN NOT NULL
)`,
}

// Build replaces the demo tables in db with freshly generated data.
func Build(ctx context.Context, db *sql.DB, cfg Config) (Summary, error) {
	if cfg.Flights <= 0 {
		cfg.Flights = 5000
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range schemaStatements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return Summary{}, fmt.Errorf("create demo schema: %w", err)
		}
	}

	for _, airport := range Airports {
		if _, err := tx.ExecContext(ctx, `INSERT INTO airports VALUES (?, ?, ?, ?)`,
			airport.Code, airport.Name, airport.City, airport.State); err != nil {
			return Summary{}, fmt.Errorf("insert airport %s: %w", airport.Code, err)
		}
	}
	for _, carrier := range Carriers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO carriers VALUES (?, ?)`, carrier.Code, carrier.Name); err != nil {
			return Summary{}, fmt.Errorf("insert carrier %s: %w", carrier.Code, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO flights VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Summary{}, fmt.Errorf("prepare flight insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	generator := NewGenerator(cfg.Seed, cfg.Start)
	for i := 0; i < cfg.Flights; i++ {
		flight := generator.NextFlight()
		if _, err := stmt.ExecContext(ctx,
			flight.ID, flight.Carrier, flight.Origin, flight.Destination, flight.DepartedAt,
			flight.DepDelay, flight.ArrDelay, flight.Distance, flight.Cancelled,
		); err != nil {
			return Summary{}, fmt.Errorf("insert flight %d: %w", flight.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Summary{}, fmt.Errorf("commit demo data: %w", err)
	}
	return Summary{Airports: len(Airports), Carriers: len(Carriers), Flights: cfg.Flights}, nil
}

// Examples are curated pairs written against the demo schema.
func Examples() []seed.Pair {
	return []seed.Pair{
		{
			Question: "Show flights from JFK",
			SQL:      "SELECT * FROM flights WHERE origin = 'JFK'",
		},
		{
			Question: "How many flights did each carrier operate?",
			SQL:      "SELECT c.name, COUNT(*) AS flights FROM flights f JOIN carriers c ON c.code = f.carrier GROUP BY c.name ORDER BY flights DESC",
		},
		{
			Question: "What is the average arrival delay by destination airport?",
			SQL:      "SELECT destination, AVG(arr_delay) AS avg_arr_delay FROM flights WHERE NOT cancelled GROUP BY destination ORDER BY avg_arr_delay DESC",
		},
		{
			Question: "Which routes are flown most often?",
			SQL:      "SELECT origin, destination, COUNT(*) AS flights FROM flights GROUP BY origin, destination ORDER BY flights DESC LIMIT 10",
		},
		{
			Question: "How many flights were cancelled per month?",
			SQL:      "SELECT date_trunc('month', departed_at) AS month, COUNT(*) AS cancelled FROM flights WHERE cancelled GROUP BY month ORDER BY month",
		},
		{
			Question: "List flights delayed by more than two hours departing from California",
			SQL:      "SELECT f.flight_id, f.origin, f.destination, f.dep_delay FROM flights f JOIN airports a ON a.code = f.origin WHERE a.state = 'CA' AND f.dep_delay > 120 ORDER BY f.dep_delay DESC",
		},
	}
}

// WriteExamples stores Examples at path as YAML in the seed file format.
func WriteExamples(path string) error {
	encoded, err := yaml.Marshal(Examples())
	if err != nil {
		return fmt.Errorf("encode examples: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("write examples: %w", err)
	}
	return nil
}
