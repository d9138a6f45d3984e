package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/ingeststore"
)

type fakeStage struct {
	name      string
	deps      []string
	execute   func(ctx context.Context, input Context, attempt int) (Context, Outcome, error)
	attempts  int32
	retry     RetryPolicy
	timeout   time.Duration
	startedAt time.Time
	endedAt   time.Time
}

func (s *fakeStage) Name() string          { return s.name }
func (s *fakeStage) DependsOn() []string   { return s.deps }
func (s *fakeStage) RetryPolicy() RetryPolicy {
	if s.retry.MaxAttempts == 0 {
		return DefaultRetryPolicy()
	}
	return s.retry
}
func (s *fakeStage) Timeout() time.Duration { return s.timeout }

func (s *fakeStage) Execute(ctx context.Context, input Context) (Context, Outcome, error) {
	n := atomic.AddInt32(&s.attempts, 1)
	return s.execute(ctx, input, int(n))
}

func alwaysSucceeds(name string) *fakeStage {
	return &fakeStage{
		name: name,
		execute: func(ctx context.Context, input Context, attempt int) (Context, Outcome, error) {
			return input.With(name, true), OutcomeSuccess, nil
		},
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) OnStageStart(groupID, stage string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("start:%s", stage))
}
func (o *recordingObserver) OnStageEnd(groupID, stage string, at time.Time, outcome Outcome, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("end:%s:%s", stage, outcome))
}
func (o *recordingObserver) OnCheckpoint(groupID, stage string, at time.Time, size int) {}
func (o *recordingObserver) OnGroupStateChange(groupID string, at time.Time, state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("state:%s", state))
}

func newTestIngestStore(t *testing.T) (*ingeststore.Store, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	st, err := ingeststore.Open(filepath.Join(dir, "ingest.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("ingeststore.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, fc
}

func seedInProgressGroup(t *testing.T, st *ingeststore.Store, fc *clock.Fake, groupID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.RegisterFile(ctx, ingeststore.FileRegistration{
		GroupID: groupID, SubbandIndex: 0, Path: "obs.ms", Size: 1, DiscoveredAt: fc.Now(), ExpectedSubbandCount: 1,
	}); err != nil {
		t.Fatalf("RegisterFile: %v", err)
	}
	if _, err := st.ClaimNextPending(ctx, "worker-1", time.Hour); err != nil {
		t.Fatalf("ClaimNextPending: %v", err)
	}
}

// Fix: a cyclic DAG must be rejected at construction, not at run time.
func TestNew_RejectsCycle(t *testing.T) {
	a := alwaysSucceeds("A")
	b := alwaysSucceeds("B")
	a.deps = []string{"B"}
	b.deps = []string{"A"}

	_, err := New([]Stage{a, b}, 2, nil, clock.New(), zap.NewNop().Sugar())
	if err == nil {
		t.Fatalf("expected InvalidDAG error for cyclic graph")
	}
}

// Fix: every stage's start time must be >= every dependency's end time,
// and on full success the group must finalize as completed.
func TestRunGroup_RespectsDependencyOrderAndCompletes(t *testing.T) {
	st, fc := newTestIngestStore(t)
	groupID := "G1"
	seedInProgressGroup(t, st, fc, groupID)

	conv := alwaysSucceeds("Conversion")
	model := alwaysSucceeds("ModelPopulation")
	model.deps = []string{"Conversion"}
	apply := alwaysSucceeds("CalibrationApply")
	apply.deps = []string{"ModelPopulation"}

	obs := &recordingObserver{}
	orch, err := New([]Stage{conv, model, apply}, 2, obs, clock.New(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := orch.RunGroup(context.Background(), groupID, NewContext(), st); err != nil {
		t.Fatalf("RunGroup: %v", err)
	}

	g, err := st.GetGroup(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.State != ingeststore.StateCompleted {
		t.Fatalf("State = %s, want completed", g.State)
	}

	convEndIdx := indexOf(obs.events, "end:Conversion:success")
	modelStartIdx := indexOf(obs.events, "start:ModelPopulation")
	if convEndIdx < 0 || modelStartIdx < 0 || modelStartIdx < convEndIdx {
		t.Fatalf("events = %v, want ModelPopulation to start after Conversion ends", obs.events)
	}
}

func indexOf(events []string, target string) int {
	for i, e := range events {
		if e == target {
			return i
		}
	}
	return -1
}

// Fix: a stage that fails retryably on attempt 1 and succeeds on attempt
// 2 must still bring the group to completed, matching scenario 3.
func TestRunGroup_RetryableThenSuccess(t *testing.T) {
	st, fc := newTestIngestStore(t)
	groupID := "G1"
	seedInProgressGroup(t, st, fc, groupID)

	conv := &fakeStage{
		name:  "Conversion",
		retry: RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
		execute: func(ctx context.Context, input Context, attempt int) (Context, Outcome, error) {
			if attempt == 1 {
				return Context{}, OutcomeRetryableError, fmt.Errorf("transient failure")
			}
			return input.With("Conversion", true), OutcomeSuccess, nil
		},
	}

	orch, err := New([]Stage{conv}, 1, nil, clock.New(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.RunGroup(context.Background(), groupID, NewContext(), st); err != nil {
		t.Fatalf("RunGroup: %v", err)
	}

	g, err := st.GetGroup(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.State != ingeststore.StateCompleted {
		t.Fatalf("State = %s, want completed", g.State)
	}
	if conv.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", conv.attempts)
	}
}

// Fix: a fatal stage error must checkpoint the failed stage name and
// finalize the group as failed (retry_count incremented), matching
// scenario 4's rollback contract at the orchestrator level.
func TestRunGroup_FatalErrorChecksPointsAndFails(t *testing.T) {
	st, fc := newTestIngestStore(t)
	groupID := "G1"
	seedInProgressGroup(t, st, fc, groupID)

	conv := &fakeStage{
		name: "CalibrationSolve",
		execute: func(ctx context.Context, input Context, attempt int) (Context, Outcome, error) {
			return Context{}, OutcomeFatalError, fmt.Errorf("third table path missing")
		},
	}

	orch, err := New([]Stage{conv}, 1, nil, clock.New(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.RunGroup(context.Background(), groupID, NewContext(), st); err == nil {
		t.Fatalf("expected RunGroup to return the fatal error")
	}

	g, err := st.GetGroup(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if g.State != ingeststore.StatePending && g.State != ingeststore.StateFailed {
		t.Fatalf("State = %s, want pending (retry) or failed", g.State)
	}
	if g.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", g.RetryCount)
	}

	payload, err := st.ReadCheckpoint(context.Background(), groupID)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected a non-empty failure checkpoint")
	}
}

// Fix: independent stages with no path between them must be allowed to
// run concurrently rather than being serialized.
func TestRunGroup_IndependentStagesRunConcurrently(t *testing.T) {
	st, fc := newTestIngestStore(t)
	groupID := "G1"
	seedInProgressGroup(t, st, fc, groupID)

	var concurrent int32
	var maxConcurrent int32
	makeConcurrentStage := func(name string) *fakeStage {
		return &fakeStage{
			name: name,
			execute: func(ctx context.Context, input Context, attempt int) (Context, Outcome, error) {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return input, OutcomeSuccess, nil
			},
		}
	}

	orch, err := New([]Stage{makeConcurrentStage("Imaging"), makeConcurrentStage("Photometry")}, 4, nil, clock.New(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.RunGroup(context.Background(), groupID, NewContext(), st); err != nil {
		t.Fatalf("RunGroup: %v", err)
	}
	if maxConcurrent < 2 {
		t.Fatalf("maxConcurrent = %d, want independent stages to overlap", maxConcurrent)
	}
}
