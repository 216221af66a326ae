package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/blockflow/blockflow/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	path   string
	config Config

	// writeMu serializes journal writes coming from OnEvent.
	writeMu sync.Mutex

	errMu    sync.Mutex
	errCount int
	lastErr  error
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// EventTimeout bounds each write made by OnEvent.
	EventTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.EventTimeout == 0 {
		cfg.EventTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens a fresh database, so pin one.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path:   cfg.Path,
		config: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := memoryPath + "?_pragma=foreign_keys(1)&_time_format=sqlite"
	if s.path != memoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if err := run.Status.Validate(); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}

	query := `
		INSERT INTO runs (id, workflow_id, workflow_name, status, started_at, completed_at, error_code, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowID,
		run.WorkflowName,
		string(run.Status),
		run.StartedAt,
		run.CompletedAt,
		run.ErrorCode,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, workflow_id, workflow_name, status, started_at, completed_at, error_code, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var status string
	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.WorkflowName,
		&status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.ErrorCode,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	run.Status = engine.RunState(status)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus moves a run to status. Entering running stamps started_at;
// entering a terminal state stamps completed_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status engine.RunState, errCode, errMsg *string) error {
	return s.updateRunStatus(ctx, id, status, time.Now().UTC(), errCode, errMsg)
}

func (s *SQLiteStore) updateRunStatus(ctx context.Context, id string, status engine.RunState, at time.Time, errCode, errMsg *string) error {
	if err := status.Validate(); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	var startedAt, completedAt *time.Time
	if status == engine.RunRunning {
		startedAt = &at
	}
	if status.IsTerminal() {
		completedAt = &at
	}

	query := `
		UPDATE runs
		SET status = ?,
		    started_at = COALESCE(?, started_at),
		    completed_at = COALESCE(?, completed_at),
		    error_code = ?,
		    error = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), startedAt, completedAt, errCode, errMsg, at, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

// ListRuns lists runs newest first with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	return s.queryRuns(ctx, query, limitOrAll(limit), offset)
}

// ListRunsByWorkflow lists the runs of one workflow newest first
func (s *SQLiteStore) ListRunsByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE workflow_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	return s.queryRuns(ctx, query, workflowID, limitOrAll(limit), offset)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and, through the foreign key, its events
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return nil
}

// AppendEvent appends an event to the journal
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (event_id, run_id, type, block_id, block_name, block_type, attempt, origin, domain, code, message, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		string(event.Type),
		event.BlockID,
		event.BlockName,
		event.BlockType,
		event.Attempt,
		event.Origin,
		event.Domain,
		event.Code,
		event.Message,
		event.Payload,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents returns journal entries in append order
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}

	query := `
		SELECT id, event_id, run_id, type, block_id, block_name, block_type, attempt, origin, domain, code, message, payload, timestamp
		FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(q.Limit), q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var typ string
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&typ,
			&event.BlockID,
			&event.BlockName,
			&event.BlockType,
			&event.Attempt,
			&event.Origin,
			&event.Domain,
			&event.Code,
			&event.Message,
			&event.Payload,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(typ)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// OnEvent implements engine.EventSink: run.created inserts the run row, run
// transitions update its status and every event is appended to the journal.
// Failures are recorded and reported by Err.
func (s *SQLiteStore) OnEvent(e engine.Event) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.EventTimeout)
	defer cancel()

	if err := s.record(ctx, e); err != nil {
		s.errMu.Lock()
		s.errCount++
		s.lastErr = fmt.Errorf("failed to record %s for run %s: %w", e.Type, e.RunID, err)
		s.errMu.Unlock()
	}
}

func (s *SQLiteStore) record(ctx context.Context, e engine.Event) error {
	ts := e.Timestamp.UTC()
	if e.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}

	switch {
	case e.Type == engine.EventRunCreated:
		err := s.CreateRun(ctx, &Run{
			ID:           e.RunID,
			WorkflowID:   e.WorkflowID,
			WorkflowName: e.WorkflowName,
			Status:       engine.RunCreated,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		})
		if err != nil {
			return err
		}

	case e.Type == engine.EventRunStarted:
		if err := s.updateRunStatus(ctx, e.RunID, engine.RunRunning, ts, nil, nil); err != nil {
			return err
		}

	case e.Type.IsRunTerminal():
		var code, msg *string
		if e.Code != "" {
			c, m := e.Domain+"/"+e.Code, e.Message
			code, msg = &c, &m
		}
		if err := s.updateRunStatus(ctx, e.RunID, terminalState(e.Type), ts, code, msg); err != nil {
			return err
		}
	}

	ev, err := NewEvent(e)
	if err != nil {
		return err
	}
	ev.Timestamp = ts
	return s.AppendEvent(ctx, ev)
}

func terminalState(t engine.EventType) engine.RunState {
	switch t {
	case engine.EventRunSucceeded:
		return engine.RunSucceeded
	case engine.EventRunTimedOut:
		return engine.RunTimedOut
	default:
		return engine.RunFailed
	}
}

// Err reports failed OnEvent writes, nil when every event was recorded.
func (s *SQLiteStore) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.errCount == 0 {
		return nil
	}
	return fmt.Errorf("%d event writes failed, last: %w", s.errCount, s.lastErr)
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
