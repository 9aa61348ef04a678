package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// gooseMu guards goose's package-level configuration.
var gooseMu sync.Mutex

// SQLite is a Store backed by an embedded SQLite database in WAL mode.
//
// A lock file next to the database keeps a second process from opening the
// same store; the in-process connection pool handles concurrent goroutines.
type SQLite struct {
	conn   *sql.DB
	path   string
	lock   *flock.Flock
	logger *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
//
// The caller MUST call Close() when done to release the lock file.
//
// Example:
//
//	store, err := kv.OpenSQLite(ctx, "data/tasklane.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	// busy_timeout applies per connection, so it rides on the DSN.
	// _txlock=immediate takes the write lock at BEGIN to avoid upgrade deadlocks.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		conn:   conn,
		path:   path,
		lock:   lock,
		logger: logger.With(zap.String("component", "kv")),
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{s.logger.Sugar()})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Get implements Reader.
func (s *SQLite) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	return get(ctx, s.conn, namespace, key)
}

// List implements Reader.
func (s *SQLite) List(ctx context.Context, namespace string) ([]Pair, error) {
	return list(ctx, s.conn, namespace)
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, namespace, key string, value []byte) error {
	return put(ctx, s.conn, namespace, key, value)
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, namespace, key string) error {
	return del(ctx, s.conn, namespace, key)
}

// Update implements Store.
func (s *SQLite) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close checkpoints the WAL, closes the connection pool and releases the
// lock file.
func (s *SQLite) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	err := s.conn.Close()
	s.conn = nil
	if unlockErr := s.lock.Unlock(); unlockErr != nil {
		s.logger.Warn("failed to release database lock", zap.Error(unlockErr))
	}
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	return get(ctx, t.tx, namespace, key)
}

func (t *sqliteTx) List(ctx context.Context, namespace string) ([]Pair, error) {
	return list(ctx, t.tx, namespace)
}

func (t *sqliteTx) Put(ctx context.Context, namespace, key string, value []byte) error {
	return put(ctx, t.tx, namespace, key, value)
}

func (t *sqliteTx) Delete(ctx context.Context, namespace, key string) error {
	return del(ctx, t.tx, namespace, key)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, namespace, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

func list(ctx context.Context, q querier, namespace string) ([]Pair, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE namespace = ? ORDER BY key ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", namespace, err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", namespace, err)
	}
	return pairs, nil
}

func put(ctx context.Context, q querier, namespace, key string, value []byte) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO kv (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`, namespace, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func del(ctx context.Context, q querier, namespace, key string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// gooseLogger routes migration output through zap.
type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }
func (l gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
