// Package store is the shared transactional substrate every state store
// (IngestStore, RegistryStore, ProductsStore) is built on: a local
// relational store backed by SQLite in WAL mode, with a bounded
// connection-acquisition timeout and advisory file-level locking of the
// backing file for cross-process coordination, per spec.md section 4.1.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// DefaultOpenTimeout is the bounded wait every connection acquisition
// carries, per spec.md section 4.1.
const DefaultOpenTimeout = 30 * time.Second

// DB wraps a *sql.DB opened against one SQLite file plus the advisory
// file lock guarding cross-process access to it.
type DB struct {
	SQL  *sql.DB
	path string
	lock *flock.Flock
}

// Open opens (creating if necessary) a SQLite-backed store file at path,
// enabling WAL mode and a busy_timeout matching openTimeout. openTimeout
// defaults to DefaultOpenTimeout when zero.
func Open(path string, openTimeout time.Duration) (*DB, error) {
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}

	lk := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	locked, err := lk.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock on %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("timed out acquiring advisory lock on %s after %s", path, openTimeout)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, openTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		_, _ = lk.TryUnlock()
		return nil, fmt.Errorf("open sqlite store %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY thrash under WAL
	if err := sqlDB.Ping(); err != nil {
		_, _ = lk.TryUnlock()
		return nil, fmt.Errorf("ping sqlite store %s: %w", path, err)
	}

	return &DB{SQL: sqlDB, path: path, lock: lk}, nil
}

// Close flushes and closes the database connection and releases the
// advisory lock.
func (d *DB) Close() error {
	err := d.SQL.Close()
	if unlockErr := d.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// WithTx runs fn inside a serializable transaction. Every public store
// write operation is expected to be a single call to WithTx so that
// partial failure leaves no observable state change (spec.md 4.1
// atomicity contract).
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.SQL.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ResolvePath implements the store path precedence from spec.md section 6:
// <STORE>_DB_PATH env var → PIPELINE_STATE_DIR env var → built-in default.
func ResolvePath(envVar, stateDirEnvVar, stateDir, defaultName string, getenv func(string) string) string {
	if p := getenv(envVar); p != "" {
		return p
	}
	if dir := getenv(stateDirEnvVar); dir != "" {
		return dir + "/" + defaultName
	}
	if stateDir != "" {
		return stateDir + "/" + defaultName
	}
	return defaultName
}
