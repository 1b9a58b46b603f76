package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database. Every pooled connection gets
// its own database, so callers using it must stick to a single connection.
const MemoryPath = ":memory:"

// pragmas are applied, in order, to every connection handed out by WithConn.
var pragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -20000",
}

const migrateLockRetry = 50 * time.Millisecond

// Manager hands out configured SQLite connections, one per operation.
type Manager struct {
	path    string
	db      *sql.DB
	pragmas []string

	// setupMu serializes acquiring and configuring a connection. It is not
	// held while the caller uses the connection.
	setupMu sync.Mutex
}

// Open prepares a Manager for the database at path. No connection is made
// until the first WithConn call.
func Open(path string) (*Manager, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ConnError{Path: path, Err: err}
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}
	return &Manager{path: path, db: db, pragmas: pragmas}, nil
}

// Path returns the database path the manager was opened with.
func (m *Manager) Path() string {
	return m.path
}

// WithConn acquires a configured connection, runs fn with it and releases it
// on every exit path.
func (m *Manager) WithConn(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	conn, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			slog.Warn("database: connection close failed", "path", m.path, "error", cerr)
		}
	}()
	return fn(ctx, conn)
}

func (m *Manager) acquire(ctx context.Context) (*sql.Conn, error) {
	m.setupMu.Lock()
	defer m.setupMu.Unlock()

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, m.connFailed(err)
	}
	for _, pragma := range m.pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			discard(conn)
			return nil, m.connFailed(fmt.Errorf("apply %q: %w", pragma, err))
		}
	}
	return conn, nil
}

func (m *Manager) connFailed(err error) error {
	slog.Error("database connection failed", "path", m.path, "error", err)
	return &ConnError{Path: m.path, Err: err}
}

// discard drops a half-configured connection from the pool instead of
// returning it for reuse.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

// Migrate applies schema while holding an exclusive lock file next to the
// database, so processes starting together do not interleave DDL.
func (m *Manager) Migrate(ctx context.Context, schema string) error {
	if m.path != MemoryPath {
		lock := flock.New(m.path + ".lock")
		ok, err := lock.TryLockContext(ctx, migrateLockRetry)
		if err != nil {
			return fmt.Errorf("acquire migrate lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("acquire migrate lock: %s is held", lock.Path())
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				slog.Warn("database: release migrate lock", "path", lock.Path(), "error", err)
			}
		}()
	}

	return m.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

// Close closes the underlying connection pool.
func (m *Manager) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}
