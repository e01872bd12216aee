// Package history persists registration run summaries in SQLite.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kwv/tudoalign/icp"
	"github.com/kwv/tudoalign/report"
)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// Store is a run history backed by one SQLite file.
type Store struct {
	db *sql.DB
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records a run together with the configuration that produced it. A
// summary without RunID gets a new one; the ID used is returned.
func (s *Store) Save(sum report.Summary, cfg icp.Config) (string, error) {
	if sum.RunID == "" {
		sum.RunID = NewRunID()
	}
	if sum.Timestamp == 0 {
		sum.Timestamp = time.Now().Unix()
	}

	summaryJSON, err := json.Marshal(sum)
	if err != nil {
		return "", fmt.Errorf("marshaling summary: %w", err)
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}

	query := `
		INSERT INTO icp_runs (
			run_id, algorithm, correspondence, status, iterations, residual,
			initial_residual, elapsed_ms, points, rotation_error, translation_error,
			summary_json, config_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			sum.RunID,
			string(sum.Algorithm),
			sum.Correspondence,
			sum.Status.String(),
			sum.Iterations,
			sum.Residual,
			sum.InitialResidual,
			sum.ElapsedMs,
			sum.Points,
			nullFloat(sum.RotationError),
			nullFloat(sum.TranslationError),
			string(summaryJSON),
			string(configJSON),
			sum.Timestamp,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("inserting run %s: %w", sum.RunID, err)
	}
	return sum.RunID, nil
}

// Get loads one run summary and its configuration.
func (s *Store) Get(runID string) (report.Summary, icp.Config, error) {
	var summaryJSON, configJSON string
	err := s.db.QueryRow(
		`SELECT summary_json, config_json FROM icp_runs WHERE run_id = ?`, runID,
	).Scan(&summaryJSON, &configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Summary{}, icp.Config{}, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return report.Summary{}, icp.Config{}, fmt.Errorf("querying run %s: %w", runID, err)
	}

	var sum report.Summary
	if err := json.Unmarshal([]byte(summaryJSON), &sum); err != nil {
		return report.Summary{}, icp.Config{}, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	var cfg icp.Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return report.Summary{}, icp.Config{}, fmt.Errorf("decoding config of run %s: %w", runID, err)
	}
	return sum, cfg, nil
}

// List returns the most recent runs first.
func (s *Store) List(limit int) ([]report.Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(
		`SELECT summary_json FROM icp_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []report.Summary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		var sum report.Summary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decoding run: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CountByStatus tallies stored runs per terminal status.
func (s *Store) CountByStatus() (map[icp.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM icp_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[icp.Status]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		var st icp.Status
		if err := st.UnmarshalText([]byte(name)); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

const maxBusyRetries = 5

// retryOnBusy reruns fn while SQLite reports a locked database.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
