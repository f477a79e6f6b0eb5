package align

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned by RunStore.Get for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Run is one stored alignment attempt. Result is nil when the run failed.
type Run struct {
	RunID       string  `json:"runId"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	VoxelWidth  float64 `json:"voxelWidth"`
	Result      *Result `json:"result,omitempty"`
	Config      *Config `json:"config,omitempty"`
	Error       string  `json:"error,omitempty"`
	DurationMs  int64   `json:"durationMs"`
	CreatedAtNs int64   `json:"createdAtNs"`
}

// RunStore persists alignment runs in SQLite.
type RunStore struct {
	db *sql.DB
}

// OpenRunStore opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for a throwaway store.
func OpenRunStore(path string) (*RunStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure run store: %w", err)
	}

	s := &RunStore{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *RunStore) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// migrateUp runs all pending migrations. The migrate instance is not closed
// because that would close the shared database handle.
func (s *RunStore) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *RunStore) SchemaVersion() (uint, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("run store schema version %d is dirty", version)
	}
	return version, nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// Insert stores run. Empty RunID and CreatedAtNs are filled in.
func (s *RunStore) Insert(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAtNs == 0 {
		run.CreatedAtNs = time.Now().UnixNano()
	}

	var angle, tx, ty, tz, confidence sql.NullFloat64
	var resultJSON, configJSON sql.NullString
	if run.Result != nil {
		r := run.Result
		angle = sql.NullFloat64{Float64: r.AngleDegrees, Valid: true}
		tx = sql.NullFloat64{Float64: r.Translation.X, Valid: true}
		ty = sql.NullFloat64{Float64: r.Translation.Y, Valid: true}
		tz = sql.NullFloat64{Float64: r.Translation.Z, Valid: true}
		confidence = sql.NullFloat64{Float64: r.Confidence, Valid: true}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	if run.Config != nil {
		data, err := json.Marshal(run.Config)
		if err != nil {
			return fmt.Errorf("marshal run config: %w", err)
		}
		configJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO alignment_runs (
			run_id, source, target, angle_deg, tx, ty, tz, confidence,
			voxel_width, error, result_json, config_json, duration_ms, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.Target, angle, tx, ty, tz, confidence,
		run.VoxelWidth, sql.NullString{String: run.Error, Valid: run.Error != ""},
		resultJSON, configJSON, run.DurationMs, run.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `run_id, source, target, voxel_width, error, result_json, config_json, duration_ms, created_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var errText, resultJSON, configJSON sql.NullString
	if err := row.Scan(&run.RunID, &run.Source, &run.Target, &run.VoxelWidth,
		&errText, &resultJSON, &configJSON, &run.DurationMs, &run.CreatedAtNs); err != nil {
		return nil, err
	}
	run.Error = errText.String
	if resultJSON.Valid {
		run.Result = &Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), run.Result); err != nil {
			return nil, fmt.Errorf("decode result of run %s: %w", run.RunID, err)
		}
	}
	if configJSON.Valid {
		run.Config = &Config{}
		if err := json.Unmarshal([]byte(configJSON.String), run.Config); err != nil {
			return nil, fmt.Errorf("decode config of run %s: %w", run.RunID, err)
		}
	}
	return &run, nil
}

// Get retrieves a run by ID.
func (s *RunStore) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM alignment_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// List returns up to limit runs, newest first. limit <= 0 means 50.
func (s *RunStore) List(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM alignment_runs ORDER BY created_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Delete removes a run. Deleting an unknown ID returns ErrRunNotFound.
func (s *RunStore) Delete(runID string) error {
	res, err := s.db.Exec(`DELETE FROM alignment_runs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
