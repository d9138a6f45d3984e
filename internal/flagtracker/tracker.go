// Package flagtracker implements the Temporal Flag Tracker from spec.md
// section 4.7: it captures flag-fraction snapshots at well-defined
// pipeline checkpoints via an injectable callback, so calibration
// failures can be diagnosed causally without re-running the pipeline.
package flagtracker

import (
	"context"
	"fmt"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/flagstore"
)

// Checkpoint names the tracker recognizes as the well-defined moments at
// which snapshots establish when a flag entered the dataset.
const (
	CheckpointPostFlag  = "post-flag"
	CheckpointPostSolve = "post-solve"
	CheckpointPostApply = "post-apply"
)

// FlagFunc computes per-SPW and per-antenna-per-SPW flag fractions for
// msPath at the moment it is called. Supplied by the caller so the
// tracker never depends on the visibility-data format itself.
type FlagFunc func(ctx context.Context, msPath string) (spw map[int]float64, antennaSPW map[string]float64, err error)

// Tracker captures and serves flag-fraction history.
type Tracker struct {
	store *flagstore.Store
	clock clock.Clock
}

// New returns a tracker persisting to store.
func New(store *flagstore.Store, clk clock.Clock) *Tracker {
	return &Tracker{store: store, clock: clk}
}

// Snapshot invokes flagFn and persists the result keyed by
// (ms_path, checkpoint_name). Snapshots are immutable: calling Snapshot
// twice for the same pair is an error.
func (t *Tracker) Snapshot(ctx context.Context, msPath, checkpointName string, flagFn FlagFunc) error {
	spw, antennaSPW, err := flagFn(ctx, msPath)
	if err != nil {
		return fmt.Errorf("compute flag fractions for %s at %s: %w", msPath, checkpointName, err)
	}
	return t.store.Record(ctx, flagstore.Snapshot{
		MSPath:             msPath,
		CheckpointName:     checkpointName,
		SPWFlagFraction:    spw,
		AntennaSPWFraction: antennaSPW,
		CapturedAt:         t.clock.Now(),
	})
}

// History returns the full temporal-ordered snapshot history for msPath.
func (t *Tracker) History(ctx context.Context, msPath string) ([]flagstore.Snapshot, error) {
	return t.store.History(ctx, msPath)
}
