package housekeeping

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/ingeststore"
)

func newTestStore(t *testing.T, fc *clock.Fake) *ingeststore.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := ingeststore.Open(filepath.Join(dir, "ingest.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("ingeststore.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Fix: Run must sweep once immediately on entry, before any ticker fires,
// so a group whose lease already expired before the process started is
// reclaimed without waiting a full interval.
func TestRun_SweepsImmediatelyOnEntry(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	st := newTestStore(t, fc)
	ctx := context.Background()

	if _, err := st.RegisterFile(ctx, ingeststore.FileRegistration{
		GroupID: "G1", SubbandIndex: 0, Path: "obs.ms", Size: 1, DiscoveredAt: fc.Now(), ExpectedSubbandCount: 1,
	}); err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}
	if _, err := st.ClaimNextPending(ctx, "worker-1", time.Minute); err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}
	fc.Advance(2 * time.Minute)

	r := New(st, fc, zap.NewNop().Sugar(), Config{Interval: time.Hour})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		r.Run(runCtx)
		close(done)
	}()
	// The entry sweep runs under runCtx, so let it land before cancelling;
	// a cancelled context would abort the sweep's transaction.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g, err := st.GetGroup(ctx, "G1"); err == nil && g.State == ingeststore.StatePending {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	g, err := st.GetGroup(ctx, "G1")
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.State != ingeststore.StatePending {
		t.Fatalf("State = %s, want pending (lease reclaimed on entry sweep)", g.State)
	}
}

// Fix: Run must stop promptly once its context is cancelled, without
// waiting for the next tick.
func TestRun_StopsOnContextCancel(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	st := newTestStore(t, fc)
	r := New(st, fc, zap.NewNop().Sugar(), Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
