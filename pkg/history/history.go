// Run history persisted to SQLite or PostgreSQL
// Records each invocation and its task events so past runs can be listed and inspected
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andrewh/runtrace/pkg/runner"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver
)

//go:embed migrations
var migrations embed.FS

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusErrored   = "errored"
)

// maxOutputBytes caps the task output kept per event.
const maxOutputBytes = 64 << 10

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one recorded invocation.
type Run struct {
	ID         uuid.UUID
	Target     string
	Project    string
	Runner     string
	TraceID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Error      string
}

// TaskEvent is one recorded event of a run.
type TaskEvent struct {
	RunID      uuid.UUID
	Seq        int
	TaskID     string
	Project    string
	Target     string
	Type       runner.EventType
	Code       int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Output     string
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store is a run history database.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// NewRunID returns a fresh run identifier.
func NewRunID() uuid.UUID {
	return uuid.New()
}

// Open connects to dsn and applies pending migrations.
//
// Supported forms are sqlite://<path> and postgres://… (or postgresql://…).
func Open(ctx context.Context, dsn string) (*Store, error) {
	var (
		s          = &Store{}
		driverName string
		source     string
	)
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite history DSN needs a path, e.g. sqlite://runtrace.db")
		}
		if !strings.Contains(path, "?") {
			path += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
		s.dialect, driverName, source = dialectSQLite, "sqlite", path
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		s.dialect, driverName, source = dialectPostgres, "pgx", dsn
	default:
		return nil, fmt.Errorf("unsupported history DSN %q, use sqlite://<path> or postgres://…", dsn)
	}

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if s.dialect == dialectSQLite {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to history database: %w", err)
	}

	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	dir := "migrations/sqlite"
	var (
		driver database.Driver
		name   string
		err    error
	)
	switch s.dialect {
	case dialectPostgres:
		dir, name = "migrations/postgres", "pgx"
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		name = "sqlite"
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("preparing history migrations: %w", err)
	}

	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("loading history migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		return fmt.Errorf("preparing history migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying history migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a new run with status running.
func (s *Store) StartRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO runs (id, target, project, runner, trace_id, started_at, status) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID.String(), r.Target, r.Project, r.Runner, r.TraceID, r.StartedAt.UnixNano(), StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", r.ID, err)
	}
	return nil
}

// RecordEvent stores ev as the seq-th event of runID. Stream-level events are stored with an
// empty task ID.
func (s *Store) RecordEvent(ctx context.Context, runID uuid.UUID, seq int, ev runner.Event) error {
	te := TaskEvent{Type: ev.Type, Code: ev.Code, Output: cleanOutput(ev.Output, maxOutputBytes)}
	if t := ev.Task; t != nil {
		te.TaskID, te.Project, te.Target = t.ID, t.Project, t.Target
		te.StartedAt, te.FinishedAt = t.StartTime, t.EndTime
		if !t.StartTime.IsZero() && t.EndTime.After(t.StartTime) {
			te.Duration = t.EndTime.Sub(t.StartTime)
		}
	}

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO task_events (run_id, seq, task_id, project, target, type, code, started_at, finished_at, duration_ms, output)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		runID.String(), seq, te.TaskID, te.Project, te.Target, string(te.Type), te.Code,
		nullTime(te.StartedAt), nullTime(te.FinishedAt), te.Duration.Milliseconds(), te.Output,
	)
	if err != nil {
		return fmt.Errorf("recording event %d of run %s: %w", seq, runID, err)
	}
	return nil
}

// FinishRun stamps the end of a run with its final status and error text.
func (s *Store) FinishRun(ctx context.Context, runID uuid.UUID, finished time.Time, status, errText string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE runs SET finished_at = ?, status = ?, error = ? WHERE id = ?`),
		finished.UnixNano(), status, errText, runID.String(),
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("finishing run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// ListRuns returns up to limit runs, most recent first. A limit of 0 or less returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, target, project, runner, trace_id, started_at, finished_at, status, error
	      FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Target, &r.Project, &r.Runner, &r.TraceID, &started, &finished, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		r.StartedAt = fromUnixNano(sql.NullInt64{Int64: started, Valid: true})
		r.FinishedAt = fromUnixNano(finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Events returns the events of runID in the order they were recorded.
func (s *Store) Events(ctx context.Context, runID uuid.UUID) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT seq, task_id, project, target, type, code, started_at, finished_at, duration_ms, output
		 FROM task_events WHERE run_id = ? ORDER BY seq`), runID.String())
	if err != nil {
		return nil, fmt.Errorf("loading events of run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []TaskEvent
	for rows.Next() {
		var (
			te                TaskEvent
			typ               string
			started, finished sql.NullInt64
			durationMs        int64
		)
		if err := rows.Scan(&te.Seq, &te.TaskID, &te.Project, &te.Target, &typ, &te.Code, &started, &finished, &durationMs, &te.Output); err != nil {
			return nil, fmt.Errorf("loading events of run %s: %w", runID, err)
		}
		te.RunID = runID
		te.Type = runner.EventType(typ)
		te.StartedAt = fromUnixNano(started)
		te.FinishedAt = fromUnixNano(finished)
		te.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, te)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading events of run %s: %w", runID, err)
	}
	return events, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

// cleanOutput makes command output storable as text in both backends: postgres
// rejects NUL bytes and invalid UTF-8 in text columns.
func cleanOutput(s string, n int) string {
	s = strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
