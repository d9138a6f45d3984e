// Package flagstore persists FlagSnapshot rows for the temporal flag
// tracker (spec.md section 4.7): immutable per-(ms_path, checkpoint_name)
// captures of flag fractions, enabling post-hoc causal diagnosis of
// calibration failures without re-running the pipeline.
package flagstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS flag_snapshots (
	ms_path               TEXT NOT NULL,
	checkpoint_name       TEXT NOT NULL,
	spw_flag_fraction     TEXT NOT NULL,
	antenna_spw_fraction  TEXT NOT NULL,
	captured_at           TIMESTAMP NOT NULL,
	PRIMARY KEY (ms_path, checkpoint_name)
);
CREATE INDEX IF NOT EXISTS idx_flag_snapshots_ms ON flag_snapshots (ms_path, captured_at);
`

// Snapshot is one immutable flag-fraction capture.
type Snapshot struct {
	MSPath             string
	CheckpointName     string
	SPWFlagFraction    map[int]float64
	AntennaSPWFraction map[string]float64 // sparse, keyed by "<antenna>/<spw>"
	CapturedAt         time.Time
}

// Store is the persistent, append-only flag-snapshot catalog.
type Store struct {
	db    *store.DB
	clock clock.Clock
}

// Open opens (creating if necessary) the flag store at path.
func Open(path string, clk clock.Clock, openTimeout time.Duration) (*Store, error) {
	db, err := store.Open(path, openTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.SQL.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply flag store schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the underlying database and advisory lock.
func (s *Store) Close() error { return s.db.Close() }

// Record persists one snapshot. A second call for the same
// (ms_path, checkpoint_name) is rejected: snapshots are immutable.
func (s *Store) Record(ctx context.Context, snap Snapshot) error {
	spwJSON, err := json.Marshal(snap.SPWFlagFraction)
	if err != nil {
		return fmt.Errorf("marshal spw flag fractions: %w", err)
	}
	antJSON, err := json.Marshal(snap.AntennaSPWFraction)
	if err != nil {
		return fmt.Errorf("marshal antenna/spw flag fractions: %w", err)
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO flag_snapshots (ms_path, checkpoint_name, spw_flag_fraction, antenna_spw_fraction, captured_at)
			 SELECT ?, ?, ?, ?, ?
			 WHERE NOT EXISTS (
			   SELECT 1 FROM flag_snapshots WHERE ms_path = ? AND checkpoint_name = ?
			 )`,
			snap.MSPath, snap.CheckpointName, string(spwJSON), string(antJSON), snap.CapturedAt,
			snap.MSPath, snap.CheckpointName)
		if err != nil {
			return fmt.Errorf("record flag snapshot %s/%s: %w", snap.MSPath, snap.CheckpointName, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("flag snapshot %s/%s already recorded: snapshots are immutable", snap.MSPath, snap.CheckpointName)
		}
		return nil
	})
}

// History returns every snapshot for msPath in temporal order
// (captured_at ascending), for post-hoc causal diagnosis.
func (s *Store) History(ctx context.Context, msPath string) ([]Snapshot, error) {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT ms_path, checkpoint_name, spw_flag_fraction, antenna_spw_fraction, captured_at
		 FROM flag_snapshots WHERE ms_path = ? ORDER BY captured_at ASC`, msPath)
	if err != nil {
		return nil, fmt.Errorf("list flag history for %s: %w", msPath, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var spwJSON, antJSON string
		if err := rows.Scan(&snap.MSPath, &snap.CheckpointName, &spwJSON, &antJSON, &snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan flag snapshot row: %w", err)
		}
		if err := json.Unmarshal([]byte(spwJSON), &snap.SPWFlagFraction); err != nil {
			return nil, fmt.Errorf("unmarshal spw flag fractions: %w", err)
		}
		if err := json.Unmarshal([]byte(antJSON), &snap.AntennaSPWFraction); err != nil {
			return nil, fmt.Errorf("unmarshal antenna/spw flag fractions: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
