package flagstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(dir, "flags.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

// Fix: recording the same (ms_path, checkpoint_name) pair twice must be
// rejected; snapshots are immutable once captured.
func TestRecord_RejectsDuplicateCheckpoint(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	snap := Snapshot{
		MSPath:             "/data/obsA.ms",
		CheckpointName:      "post-flag",
		SPWFlagFraction:     map[int]float64{0: 0.1, 1: 0.2},
		AntennaSPWFraction:  map[string]float64{"ea01/0": 0.3},
		CapturedAt:          fc.Now(),
	}
	if err := s.Record(ctx, snap); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := s.Record(ctx, snap); err == nil {
		t.Fatalf("expected error recording the same checkpoint twice")
	}
}

// Fix: History must return snapshots in capture order so before/after
// diagnosis can compare adjacent checkpoints.
func TestHistory_TemporalOrder(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	checkpoints := []string{"post-flag", "post-solve", "post-apply"}
	for _, cp := range checkpoints {
		if err := s.Record(ctx, Snapshot{
			MSPath: "/data/obsA.ms", CheckpointName: cp,
			SPWFlagFraction: map[int]float64{0: 0.1}, AntennaSPWFraction: map[string]float64{},
			CapturedAt: fc.Now(),
		}); err != nil {
			t.Fatalf("Record(%s): %v", cp, err)
		}
		fc.Advance(time.Minute)
	}

	hist, err := s.History(ctx, "/data/obsA.ms")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len(hist) = %d, want 3", len(hist))
	}
	for i, cp := range checkpoints {
		if hist[i].CheckpointName != cp {
			t.Fatalf("hist[%d].CheckpointName = %s, want %s", i, hist[i].CheckpointName, cp)
		}
	}
}
