package registrystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS calibration_tables (
	set_name        TEXT NOT NULL,
	path            TEXT NOT NULL,
	table_type      TEXT NOT NULL,
	order_index     INTEGER NOT NULL,
	valid_start_mjd REAL NOT NULL,
	valid_end_mjd   REAL NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (set_name, order_index)
);
CREATE INDEX IF NOT EXISTS idx_cal_type_status ON calibration_tables (table_type, status);
`

// windowPadDays is the ±1 hour validity-window widening applied at query
// time only, per spec.md section 4.5.
const windowPadDays = 1.0 / 24.0

// StatFunc matches os.Stat's signature, injected so tests can fake
// directory verification without touching the real filesystem.
type StatFunc func(path string) (os.FileInfo, error)

// Store is the persistent calibration-table catalog.
type Store struct {
	db    *store.DB
	clock clock.Clock
	stat  StatFunc
}

// Option configures an optional Store behavior.
type Option func(*Store)

// WithStat overrides the directory-existence check used during
// registration, for tests.
func WithStat(fn StatFunc) Option {
	return func(s *Store) { s.stat = fn }
}

// Open opens (creating if necessary) the registry store at path.
func Open(path string, clk clock.Clock, openTimeout time.Duration, opts ...Option) (*Store, error) {
	db, err := store.Open(path, openTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.SQL.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply registry store schema: %w", err)
	}
	s := &Store{db: db, clock: clk, stat: os.Stat}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database and advisory lock.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) verifyDirectory(path string) error {
	if path == "" {
		return fmt.Errorf("calibration table path is empty")
	}
	info, err := s.stat(path)
	if err != nil {
		return fmt.Errorf("stat calibration table path %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("calibration table path %s is not a directory", path)
	}
	return nil
}

// RegisterSet atomically inserts every table in a solve's set. Each path
// must resolve to an existing directory at registration time; on any
// verification failure (pre- or post-insert), the whole set is rolled
// back (and, for post-insert failures, explicitly retired) and
// RegistrationFailed is returned, fatal to the calling stage.
func (s *Store) RegisterSet(ctx context.Context, setName string, tables []CalibrationTable) error {
	if len(tables) == 0 {
		return perr.Newf(perr.KindRegistrationFailed, "register_set %s: no tables supplied", setName)
	}
	for _, t := range tables {
		if err := s.verifyDirectory(t.Path); err != nil {
			return perr.New(perr.KindRegistrationFailed, fmt.Errorf("register_set %s: %w", setName, err))
		}
	}

	now := s.clock.Now()
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tables {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO calibration_tables
				 (set_name, path, table_type, order_index, valid_start_mjd, valid_end_mjd, status, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				setName, t.Path, t.TableType, t.OrderIndex, t.ValidStartMJD, t.ValidEndMJD, StatusActive, now)
			if err != nil {
				return fmt.Errorf("insert table %s/%s: %w", setName, t.TableType, err)
			}
		}
		return nil
	})
	if err != nil {
		return perr.New(perr.KindRegistrationFailed, fmt.Errorf("register_set %s: %w", setName, err))
	}

	if verifyErr := s.verifySet(ctx, setName, len(tables)); verifyErr != nil {
		_ = s.RetireSet(ctx, setName)
		return perr.New(perr.KindRegistrationFailed, fmt.Errorf("register_set %s: post-insert verification failed: %w", setName, verifyErr))
	}
	return nil
}

// verifySet re-reads a just-registered set and confirms both row count
// and on-disk existence of every member path.
func (s *Store) verifySet(ctx context.Context, setName string, expectedCount int) error {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT path FROM calibration_tables WHERE set_name = ? AND status = ?`, setName, StatusActive)
	if err != nil {
		return fmt.Errorf("re-read set %s: %w", setName, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scan row for set %s: %w", setName, err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(paths) != expectedCount {
		return fmt.Errorf("set %s: expected %d rows, found %d", setName, expectedCount, len(paths))
	}
	for _, p := range paths {
		if err := s.verifyDirectory(p); err != nil {
			return err
		}
	}
	return nil
}

// RetireSet marks every row belonging to setName retired. Idempotent.
func (s *Store) RetireSet(ctx context.Context, setName string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE calibration_tables SET status = ? WHERE set_name = ? AND status != ?`,
			StatusRetired, setName, StatusRetired)
		if err != nil {
			return fmt.Errorf("retire set %s: %w", setName, err)
		}
		return nil
	})
}

// QueryActiveForTime returns the most-recently-created active table of
// tableType whose validity window (widened by ±1 hour at query time)
// contains mjd, or nil if none matches.
func (s *Store) QueryActiveForTime(ctx context.Context, mjd float64, tableType TableType) (*CalibrationTable, error) {
	row := s.db.SQL.QueryRowContext(ctx,
		`SELECT set_name, path, table_type, order_index, valid_start_mjd, valid_end_mjd, status, created_at
		 FROM calibration_tables
		 WHERE table_type = ? AND status = ?
		   AND (valid_start_mjd - ?) <= ? AND ? <= (valid_end_mjd + ?)
		 ORDER BY created_at DESC LIMIT 1`,
		tableType, StatusActive, windowPadDays, mjd, mjd, windowPadDays)

	var t CalibrationTable
	err := row.Scan(&t.SetName, &t.Path, &t.TableType, &t.OrderIndex, &t.ValidStartMJD, &t.ValidEndMJD, &t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query active table for type %s at mjd %f: %w", tableType, mjd, err)
	}
	return &t, nil
}
