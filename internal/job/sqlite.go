package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marketflow/marketflow/internal/database"
)

const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'STARTED',
		result TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id    TEXT NOT NULL REFERENCES jobs(job_id),
		timestamp TEXT NOT NULL,
		data      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, timestamp, id);
`

// Fixed width keeps lexical order equal to time order.
const timestampLayout = "2006-01-02 15:04:05.000000"

const insertEvent = `INSERT INTO events (job_id, timestamp, data) VALUES (?, ?, ?)`

// errNoMutation rolls back a transaction that found nothing to change.
var errNoMutation = errors.New("no mutation")

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *database.Manager

	// mu makes every store operation exclusive within the process.
	mu  sync.Mutex
	now func() time.Time
}

// NewSQLiteStore wraps an open connection manager. Call Init before use.
func NewSQLiteStore(m *database.Manager) *SQLiteStore {
	return &SQLiteStore{db: m, now: time.Now}
}

// OpenSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func OpenSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	m, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s := NewSQLiteStore(m)
	if err := s.Init(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the jobs and events tables if they do not exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := s.db.Migrate(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return inImmediateTx(ctx, conn, func() error {
			res, err := conn.ExecContext(ctx, `
				INSERT INTO jobs (job_id, status, result) VALUES (?, ?, '')
				ON CONFLICT(job_id) DO NOTHING
			`, jobID, StatusStarted)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				slog.Info("job started", "job_id", jobID)
			}

			if _, err := conn.ExecContext(ctx, insertEvent, jobID, s.timestamp(), data); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			return nil
		})
	})
	switch {
	case err == nil:
		slog.Debug("event recorded", "job_id", jobID)
		return nil
	case database.IsConstraint(err):
		slog.Warn("integrity violation recording event", "job_id", jobID, "error", err)
		return nil
	default:
		slog.Error("record event", "job_id", jobID, "error", err)
		return fmt.Errorf("append event for job %s: %w", jobID, err)
	}
}

func (s *SQLiteStore) UpdateJobByID(ctx context.Context, jobID string, status Status, result string, events []string) (bool, error) {
	if !status.IsTerminal() {
		slog.Warn("refusing non-terminal status update", "job_id", jobID, "status", status)
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return inImmediateTx(ctx, conn, func() error {
			var one int
			err := conn.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ? LIMIT 1`, jobID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				slog.Warn("job not found", "job_id", jobID)
				return errNoMutation
			}
			if err != nil {
				return fmt.Errorf("lookup job: %w", err)
			}

			res, err := conn.ExecContext(ctx, `UPDATE jobs SET status = ?, result = ? WHERE job_id = ?`, status, result, jobID)
			if err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("update job: %w", err)
			}
			if n != 1 {
				slog.Warn("unexpected rows updated", "job_id", jobID, "rows", n)
				return errNoMutation
			}

			if len(events) == 0 {
				return nil
			}
			stmt, err := conn.PrepareContext(ctx, insertEvent)
			if err != nil {
				return fmt.Errorf("prepare events: %w", err)
			}
			defer stmt.Close()
			for _, data := range events {
				if _, err := stmt.ExecContext(ctx, jobID, s.timestamp(), data); err != nil {
					return fmt.Errorf("insert event: %w", err)
				}
			}
			return nil
		})
	})
	switch {
	case err == nil:
		slog.Info("job updated", "job_id", jobID, "status", status, "events", len(events))
		return true, nil
	case errors.Is(err, errNoMutation):
		return false, nil
	case database.IsConstraint(err):
		slog.Error("integrity violation updating job, rolled back", "job_id", jobID, "error", err)
		return false, nil
	default:
		slog.Error("update job", "job_id", jobID, "error", err)
		return false, fmt.Errorf("update job %s: %w", jobID, err)
	}
}

func (s *SQLiteStore) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var j *Job
	err := s.db.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		found := &Job{}
		err = tx.QueryRowContext(ctx, `SELECT job_id, status, result FROM jobs WHERE job_id = ?`, jobID).
			Scan(&found.ID, &found.Status, &found.Result)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT timestamp, data FROM events
			WHERE job_id = ?
			ORDER BY timestamp ASC, id ASC
		`, jobID)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		defer rows.Close()

		found.Events = []Event{}
		for rows.Next() {
			var ts string
			var e Event
			if err := rows.Scan(&ts, &e.Data); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			if e.Timestamp, err = parseTimestamp(ts); err != nil {
				return fmt.Errorf("parse event timestamp %q: %w", ts, err)
			}
			found.Events = append(found.Events, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate events: %w", err)
		}
		j = found
		return nil
	})
	if err != nil {
		slog.Error("get job", "job_id", jobID, "error", err)
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if j == nil {
		slog.Debug("job not found", "job_id", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timestampLayout)
}

// parseTimestamp accepts timestamps with or without fractional seconds.
func parseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(time.DateTime, s, time.UTC)
}

// inImmediateTx runs fn inside a BEGIN IMMEDIATE transaction on conn, taking
// the write lock up front so the busy timeout applies instead of a failed
// read-to-write upgrade. Any error from fn rolls the transaction back.
func inImmediateTx(ctx context.Context, conn *sql.Conn, fn func() error) (err error) {
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	// Runs on error returns and panics alike, so the connection never goes
	// back to the pool inside an open transaction.
	defer func() {
		if committed {
			return
		}
		if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			slog.Warn("rollback failed", "error", rbErr)
		}
	}()

	if err = fn(); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
