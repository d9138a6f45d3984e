package flagtracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/flagstore"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	fs, err := flagstore.Open(filepath.Join(dir, "flags.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("flagstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })
	return New(fs, fc), fc
}

// Fix: Snapshot must invoke the injected FlagFunc and persist exactly
// what it returns, without the tracker depending on the MS format.
func TestSnapshot_PersistsFlagFuncResult(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	called := false
	flagFn := func(ctx context.Context, msPath string) (map[int]float64, map[string]float64, error) {
		called = true
		return map[int]float64{0: 0.5}, map[string]float64{"ea01/0": 0.7}, nil
	}
	if err := tr.Snapshot(ctx, "/data/obsA.ms", CheckpointPostFlag, flagFn); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !called {
		t.Fatalf("expected flagFn to be invoked")
	}

	hist, err := tr.History(ctx, "/data/obsA.ms")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].SPWFlagFraction[0] != 0.5 {
		t.Fatalf("hist = %+v, want one snapshot with spw[0]=0.5", hist)
	}
}

// Fix: an error from flagFn must propagate without writing a partial
// snapshot.
func TestSnapshot_PropagatesFlagFuncError(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	flagFn := func(ctx context.Context, msPath string) (map[int]float64, map[string]float64, error) {
		return nil, nil, errors.New("tool crashed")
	}
	if err := tr.Snapshot(ctx, "/data/obsA.ms", CheckpointPostFlag, flagFn); err == nil {
		t.Fatalf("expected error to propagate from flagFn")
	}

	hist, err := tr.History(ctx, "/data/obsA.ms")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected no snapshot written after flagFn error, got %d", len(hist))
	}
}
