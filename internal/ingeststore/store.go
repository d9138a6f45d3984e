package ingeststore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS observation_groups (
	group_id               TEXT PRIMARY KEY,
	expected_subband_count INTEGER NOT NULL,
	received_at            TIMESTAMP NOT NULL,
	last_updated           TIMESTAMP NOT NULL,
	state                  TEXT NOT NULL,
	retry_count            INTEGER NOT NULL DEFAULT 0,
	error_message          TEXT NOT NULL DEFAULT '',
	processing_stage       TEXT NOT NULL DEFAULT '',
	checkpoint_payload     BLOB,
	worker_id              TEXT NOT NULL DEFAULT '',
	lease_expires_at       TIMESTAMP,
	next_claim_at          TIMESTAMP
);
CREATE TABLE IF NOT EXISTS subband_files (
	group_id      TEXT NOT NULL,
	subband_index INTEGER NOT NULL,
	path          TEXT NOT NULL,
	size          INTEGER NOT NULL,
	discovered_at TIMESTAMP NOT NULL,
	PRIMARY KEY (group_id, subband_index)
);
CREATE INDEX IF NOT EXISTS idx_groups_state_received ON observation_groups (state, received_at);
`

// MaxRetries is the default retry budget for a failed group before it
// becomes terminally failed, per spec.md section 4.1 finalize().
const MaxRetries = 3

// Store is the persistent ObservationGroup queue.
type Store struct {
	db    *store.DB
	clock clock.Clock
}

// Open opens (creating if necessary) the ingest store at path.
func Open(path string, clk clock.Clock, openTimeout time.Duration) (*Store, error) {
	db, err := store.Open(path, openTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.SQL.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ingest store schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the underlying database and advisory lock.
func (s *Store) Close() error { return s.db.Close() }

// RegisterFile attaches a discovered subband file to its observation group,
// creating the group row on first sight. Returns the group's resulting
// state. Calling RegisterFile twice with the same (group_id, subband_index)
// is a no-op beyond call-timestamp metadata: the second call returns
// ErrDuplicateFile without mutating state, satisfying the file-arrival
// idempotence property (spec.md section 8).
func (s *Store) RegisterFile(ctx context.Context, reg FileRegistration) (GroupState, error) {
	var resultState GroupState
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()

		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM subband_files WHERE group_id = ? AND subband_index = ?`,
			reg.GroupID, reg.SubbandIndex).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check existing subband file: %w", err)
		}
		if exists > 0 {
			resultState, err = groupState(ctx, tx, reg.GroupID)
			if err != nil {
				return err
			}
			return perr.New(perr.KindDuplicateFile, perr.ErrDuplicateFile)
		}

		expected := reg.ExpectedSubbandCount
		if expected <= 0 {
			expected = 16
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO observation_groups (group_id, expected_subband_count, received_at, last_updated, state)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(group_id) DO NOTHING`,
			reg.GroupID, expected, reg.DiscoveredAt, now, StateCollecting); err != nil {
			return fmt.Errorf("upsert observation group: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subband_files (group_id, subband_index, path, size, discovered_at) VALUES (?, ?, ?, ?, ?)`,
			reg.GroupID, reg.SubbandIndex, reg.Path, reg.Size, reg.DiscoveredAt); err != nil {
			return fmt.Errorf("insert subband file: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT subband_index) FROM subband_files WHERE group_id = ?`,
			reg.GroupID).Scan(&count); err != nil {
			return fmt.Errorf("count subband files: %w", err)
		}

		var expectedCount int
		var state GroupState
		if err := tx.QueryRowContext(ctx,
			`SELECT expected_subband_count, state FROM observation_groups WHERE group_id = ?`,
			reg.GroupID).Scan(&expectedCount, &state); err != nil {
			return fmt.Errorf("read observation group: %w", err)
		}

		if state == StateCollecting && count == expectedCount {
			state = StatePending
			if _, err := tx.ExecContext(ctx,
				`UPDATE observation_groups SET state = ?, last_updated = ? WHERE group_id = ?`,
				state, now, reg.GroupID); err != nil {
				return fmt.Errorf("transition group to pending: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE observation_groups SET last_updated = ? WHERE group_id = ?`,
				now, reg.GroupID); err != nil {
				return fmt.Errorf("touch observation group: %w", err)
			}
		}
		resultState = state
		return nil
	})
	if err != nil {
		return resultState, err
	}
	return resultState, nil
}

func groupState(ctx context.Context, tx *sql.Tx, groupID string) (GroupState, error) {
	var state GroupState
	err := tx.QueryRowContext(ctx, `SELECT state FROM observation_groups WHERE group_id = ?`, groupID).Scan(&state)
	if err != nil {
		return "", fmt.Errorf("read group state: %w", err)
	}
	return state, nil
}

// ClaimNextPending atomically transitions the oldest (by received_at)
// eligible pending group to in_progress, recording the worker and lease
// expiry. Returns perr.ErrNoGroupPending if none are ready.
func (s *Store) ClaimNextPending(ctx context.Context, workerID string, leaseDuration time.Duration) (*ObservationGroup, error) {
	var claimed *ObservationGroup
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		row := tx.QueryRowContext(ctx,
			`SELECT group_id FROM observation_groups
			 WHERE state = ? AND (next_claim_at IS NULL OR next_claim_at <= ?)
			 ORDER BY received_at ASC LIMIT 1`,
			StatePending, now)
		var groupID string
		if err := row.Scan(&groupID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return perr.ErrNoGroupPending
			}
			return fmt.Errorf("select next pending group: %w", err)
		}

		lease := now.Add(leaseDuration)
		if _, err := tx.ExecContext(ctx,
			`UPDATE observation_groups
			 SET state = ?, worker_id = ?, lease_expires_at = ?, last_updated = ?
			 WHERE group_id = ?`,
			StateInProgress, workerID, lease, now, groupID); err != nil {
			return fmt.Errorf("claim group %s: %w", groupID, err)
		}

		g, err := loadGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		claimed = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat extends an in_progress group's lease. Fails with
// perr.KindLeaseLost if a different worker now holds the group.
func (s *Store) Heartbeat(ctx context.Context, groupID, workerID string, leaseDuration time.Duration) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var state GroupState
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT state, worker_id FROM observation_groups WHERE group_id = ?`, groupID).Scan(&state, &owner)
		if err != nil {
			return fmt.Errorf("read group %s: %w", groupID, err)
		}
		if state != StateInProgress || owner != workerID {
			return perr.New(perr.KindLeaseLost, perr.ErrLeaseLost)
		}
		now := s.clock.Now()
		_, err = tx.ExecContext(ctx,
			`UPDATE observation_groups SET lease_expires_at = ?, last_updated = ? WHERE group_id = ?`,
			now.Add(leaseDuration), now, groupID)
		if err != nil {
			return fmt.Errorf("extend lease for %s: %w", groupID, err)
		}
		return nil
	})
}

// Finalize transitions an in_progress group to completed, or to pending
// (with incremented retry_count and exponential backoff) / failed on
// failure, depending on the retry budget.
func (s *Store) Finalize(ctx context.Context, groupID string, outcome Outcome, errMsg string) (GroupState, error) {
	var result GroupState
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		var retryCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT retry_count FROM observation_groups WHERE group_id = ?`, groupID).Scan(&retryCount); err != nil {
			return fmt.Errorf("read group %s: %w", groupID, err)
		}

		switch outcome {
		case OutcomeCompleted:
			result = StateCompleted
			_, err := tx.ExecContext(ctx,
				`UPDATE observation_groups
				 SET state = ?, error_message = '', worker_id = '', lease_expires_at = NULL,
				     next_claim_at = NULL, last_updated = ?
				 WHERE group_id = ?`,
				StateCompleted, now, groupID)
			if err != nil {
				return fmt.Errorf("finalize %s as completed: %w", groupID, err)
			}
		case OutcomeFailed:
			retryCount++
			if retryCount <= MaxRetries {
				result = StatePending
				nextClaim := now.Add(backoffDelay(retryCount))
				_, err := tx.ExecContext(ctx,
					`UPDATE observation_groups
					 SET state = ?, retry_count = ?, error_message = ?, worker_id = '',
					     lease_expires_at = NULL, next_claim_at = ?, last_updated = ?
					 WHERE group_id = ?`,
					StatePending, retryCount, errMsg, nextClaim, now, groupID)
				if err != nil {
					return fmt.Errorf("return %s to pending after retry: %w", groupID, err)
				}
			} else {
				result = StateFailed
				_, err := tx.ExecContext(ctx,
					`UPDATE observation_groups
					 SET state = ?, retry_count = ?, error_message = ?, worker_id = '',
					     lease_expires_at = NULL, next_claim_at = NULL, last_updated = ?
					 WHERE group_id = ?`,
					StateFailed, retryCount, errMsg, now, groupID)
				if err != nil {
					return fmt.Errorf("finalize %s as failed: %w", groupID, err)
				}
			}
		default:
			return fmt.Errorf("unknown outcome %q", outcome)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// FailStalledGroups transitions any collecting group whose last file
// arrival is older than stallTimeout to failed with IncompleteGroup,
// invoked by the ingest controller's housekeeping loop (spec.md section 4.3).
func (s *Store) FailStalledGroups(ctx context.Context, stallTimeout time.Duration) (int, error) {
	var affected int
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		cutoff := now.Add(-stallTimeout)
		res, err := tx.ExecContext(ctx,
			`UPDATE observation_groups
			 SET state = ?, error_message = 'IncompleteGroup', last_updated = ?
			 WHERE state = ? AND last_updated < ?`,
			StateFailed, now, StateCollecting, cutoff)
		if err != nil {
			return fmt.Errorf("fail stalled groups: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count stalled groups: %w", err)
		}
		affected = int(n)
		return nil
	})
	return affected, err
}

// ReapExpiredLeases returns in_progress groups whose lease has expired to
// pending. Idempotent: a group already reaped will not match again.
// retry_count is left unchanged, per spec.md section 8.
func (s *Store) ReapExpiredLeases(ctx context.Context) (int, error) {
	var affected int
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE observation_groups
			 SET state = ?, worker_id = '', lease_expires_at = NULL, last_updated = ?
			 WHERE state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
			StatePending, now, StateInProgress, now)
		if err != nil {
			return fmt.Errorf("reap expired leases: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("count reaped leases: %w", err)
		}
		affected = int(n)
		return nil
	})
	return affected, err
}

// Checkpoint persists an opaque resume payload for a group.
func (s *Store) Checkpoint(ctx context.Context, groupID string, payload []byte) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE observation_groups SET checkpoint_payload = ?, last_updated = ? WHERE group_id = ?`,
			payload, now, groupID)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", groupID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("checkpoint %s: group not found", groupID)
		}
		return nil
	})
}

// ReadCheckpoint returns the last checkpoint payload for a group, or nil
// if none has been written.
func (s *Store) ReadCheckpoint(ctx context.Context, groupID string) ([]byte, error) {
	var payload []byte
	err := s.db.SQL.QueryRowContext(ctx,
		`SELECT checkpoint_payload FROM observation_groups WHERE group_id = ?`, groupID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read checkpoint %s: group not found", groupID)
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", groupID, err)
	}
	return payload, nil
}

// SetProcessingStage records the tag of the stage currently executing for
// a group, surfaced to observers and used for diagnosis after a crash.
func (s *Store) SetProcessingStage(ctx context.Context, groupID, stage string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE observation_groups SET processing_stage = ?, last_updated = ? WHERE group_id = ?`,
			stage, s.clock.Now(), groupID)
		if err != nil {
			return fmt.Errorf("set processing stage for %s: %w", groupID, err)
		}
		return nil
	})
}

// GetGroup returns the current row for a group.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*ObservationGroup, error) {
	return loadGroupConn(ctx, s.db.SQL, groupID)
}

// PendingCount returns the number of groups in the pending state,
// including those still waiting out a retry backoff, used by the ingest
// controller's backpressure signal.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.SQL.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM observation_groups WHERE state = ?`, StatePending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending groups: %w", err)
	}
	return n, nil
}

// SubbandsForGroup returns every registered subband file for groupID,
// ordered by subband index, for handing to the Conversion stage.
func (s *Store) SubbandsForGroup(ctx context.Context, groupID string) ([]SubbandFile, error) {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT group_id, subband_index, path, size, discovered_at
		 FROM subband_files WHERE group_id = ? ORDER BY subband_index ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query subbands for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var files []SubbandFile
	for rows.Next() {
		var f SubbandFile
		if err := rows.Scan(&f.GroupID, &f.SubbandIndex, &f.Path, &f.Size, &f.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan subband row for group %s: %w", groupID, err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subbands for group %s: %w", groupID, err)
	}
	return files, nil
}

func loadGroup(ctx context.Context, tx *sql.Tx, groupID string) (*ObservationGroup, error) {
	g := &ObservationGroup{}
	var lease, nextClaim sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT group_id, expected_subband_count, received_at, last_updated, state, retry_count,
		        error_message, processing_stage, checkpoint_payload, worker_id, lease_expires_at, next_claim_at
		 FROM observation_groups WHERE group_id = ?`, groupID).Scan(
		&g.GroupID, &g.ExpectedSubbandCount, &g.ReceivedAt, &g.LastUpdated, &g.State, &g.RetryCount,
		&g.ErrorMessage, &g.ProcessingStage, &g.CheckpointPayload, &g.WorkerID, &lease, &nextClaim)
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if lease.Valid {
		g.LeaseExpiresAt = &lease.Time
	}
	if nextClaim.Valid {
		g.NextClaimAt = &nextClaim.Time
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT subband_index) FROM subband_files WHERE group_id = ?`, groupID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count subbands for %s: %w", groupID, err)
	}
	g.SubbandCount = count
	return g, nil
}

func loadGroupConn(ctx context.Context, conn interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, groupID string) (*ObservationGroup, error) {
	g := &ObservationGroup{}
	var lease, nextClaim sql.NullTime
	err := conn.QueryRowContext(ctx,
		`SELECT group_id, expected_subband_count, received_at, last_updated, state, retry_count,
		        error_message, processing_stage, checkpoint_payload, worker_id, lease_expires_at, next_claim_at
		 FROM observation_groups WHERE group_id = ?`, groupID).Scan(
		&g.GroupID, &g.ExpectedSubbandCount, &g.ReceivedAt, &g.LastUpdated, &g.State, &g.RetryCount,
		&g.ErrorMessage, &g.ProcessingStage, &g.CheckpointPayload, &g.WorkerID, &lease, &nextClaim)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load group %s: not found", groupID)
		}
		return nil, fmt.Errorf("load group %s: %w", groupID, err)
	}
	if lease.Valid {
		g.LeaseExpiresAt = &lease.Time
	}
	if nextClaim.Valid {
		g.NextClaimAt = &nextClaim.Time
	}
	var count int
	if err := conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT subband_index) FROM subband_files WHERE group_id = ?`, groupID).Scan(&count); err != nil {
		return nil, fmt.Errorf("count subbands for %s: %w", groupID, err)
	}
	g.SubbandCount = count
	return g, nil
}

// backoffDelay computes the nth exponential-backoff interval for a failed
// group's earliest re-claim time.
func backoffDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.MaxInterval = 30 * time.Minute
	b.RandomizationFactor = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.InitialInterval
	}
	return d
}
