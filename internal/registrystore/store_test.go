package registrystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/perr"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(dir, "registry.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

func mkTableDir(t *testing.T, root, name string) string {
	t.Helper()
	p := filepath.Join(root, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("MkdirAll %s: %v", p, err)
	}
	return p
}

// Fix: register_set must insert all member rows in one transaction and
// make every one of them visible to lookup, or none at all.
func TestRegisterSet_AllOrNothing_Success(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	tables := []CalibrationTable{
		{SetName: "setA", Path: mkTableDir(t, root, "K.tbl"), TableType: TypeK, OrderIndex: 0, ValidStartMJD: 60000, ValidEndMJD: 60001},
		{SetName: "setA", Path: mkTableDir(t, root, "BP.tbl"), TableType: TypeBP, OrderIndex: 1, ValidStartMJD: 60000, ValidEndMJD: 60001},
	}
	if err := s.RegisterSet(ctx, "setA", tables); err != nil {
		t.Fatalf("RegisterSet: %v", err)
	}

	got, err := s.QueryActiveForTime(ctx, 60000.5, TypeK)
	if err != nil {
		t.Fatalf("QueryActiveForTime(K): %v", err)
	}
	if got == nil {
		t.Fatalf("expected K table visible after RegisterSet")
	}
	got, err = s.QueryActiveForTime(ctx, 60000.5, TypeBP)
	if err != nil {
		t.Fatalf("QueryActiveForTime(BP): %v", err)
	}
	if got == nil {
		t.Fatalf("expected BP table visible after RegisterSet")
	}
}

// Fix: a set whose third path does not exist must leave no member table
// queryable and return RegistrationFailed, matching scenario 4.
func TestRegisterSet_RollsBackOnMissingPath(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	tables := []CalibrationTable{
		{SetName: "setB", Path: mkTableDir(t, root, "K.tbl"), TableType: TypeK, OrderIndex: 0, ValidStartMJD: 60000, ValidEndMJD: 60001},
		{SetName: "setB", Path: mkTableDir(t, root, "BP.tbl"), TableType: TypeBP, OrderIndex: 1, ValidStartMJD: 60000, ValidEndMJD: 60001},
		{SetName: "setB", Path: filepath.Join(root, "missing.tbl"), TableType: TypeGA, OrderIndex: 2, ValidStartMJD: 60000, ValidEndMJD: 60001},
	}
	err := s.RegisterSet(ctx, "setB", tables)
	if !perr.Is(err, perr.KindRegistrationFailed) {
		t.Fatalf("err = %v, want KindRegistrationFailed", err)
	}

	got, err := s.QueryActiveForTime(ctx, 60000.5, TypeK)
	if err != nil {
		t.Fatalf("QueryActiveForTime(K): %v", err)
	}
	if got != nil {
		t.Fatalf("expected no K table queryable after rolled-back set, got %+v", got)
	}
}

// Fix: validity windows must be widened by exactly ±1 hour at query
// time, not at storage time.
func TestQueryActiveForTime_WindowExtension(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	tables := []CalibrationTable{
		{SetName: "setC", Path: mkTableDir(t, root, "K.tbl"), TableType: TypeK, OrderIndex: 0, ValidStartMJD: 60000.0, ValidEndMJD: 60001.0},
	}
	if err := s.RegisterSet(ctx, "setC", tables); err != nil {
		t.Fatalf("RegisterSet: %v", err)
	}

	// Just inside the widened window (start - 50 minutes).
	inside := 60000.0 - (50.0 / 1440.0)
	got, err := s.QueryActiveForTime(ctx, inside, TypeK)
	if err != nil {
		t.Fatalf("QueryActiveForTime(inside): %v", err)
	}
	if got == nil {
		t.Fatalf("expected table within widened window at mjd %f", inside)
	}

	// Outside the widened window (start - 2 hours).
	outside := 60000.0 - (2.0 / 24.0)
	got, err = s.QueryActiveForTime(ctx, outside, TypeK)
	if err != nil {
		t.Fatalf("QueryActiveForTime(outside): %v", err)
	}
	if got != nil {
		t.Fatalf("expected no table outside widened window at mjd %f, got %+v", outside, got)
	}
}

// Fix: when two active tables of the same type overlap, the query must
// return the most recently created one.
func TestQueryActiveForTime_MostRecentWins(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	old := []CalibrationTable{
		{SetName: "setOld", Path: mkTableDir(t, root, "old.tbl"), TableType: TypeBP, OrderIndex: 0, ValidStartMJD: 60000, ValidEndMJD: 60002},
	}
	if err := s.RegisterSet(ctx, "setOld", old); err != nil {
		t.Fatalf("RegisterSet(old): %v", err)
	}

	fc.Advance(time.Hour)
	newer := []CalibrationTable{
		{SetName: "setNew", Path: mkTableDir(t, root, "new.tbl"), TableType: TypeBP, OrderIndex: 0, ValidStartMJD: 60000, ValidEndMJD: 60002},
	}
	if err := s.RegisterSet(ctx, "setNew", newer); err != nil {
		t.Fatalf("RegisterSet(new): %v", err)
	}

	got, err := s.QueryActiveForTime(ctx, 60001, TypeBP)
	if err != nil {
		t.Fatalf("QueryActiveForTime: %v", err)
	}
	if got == nil || got.SetName != "setNew" {
		t.Fatalf("got = %+v, want setNew", got)
	}
}

// Fix: RetireSet must be idempotent and remove all member rows from
// query visibility.
func TestRetireSet_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	root := t.TempDir()

	tables := []CalibrationTable{
		{SetName: "setD", Path: mkTableDir(t, root, "K.tbl"), TableType: TypeK, OrderIndex: 0, ValidStartMJD: 60000, ValidEndMJD: 60001},
	}
	if err := s.RegisterSet(ctx, "setD", tables); err != nil {
		t.Fatalf("RegisterSet: %v", err)
	}

	if err := s.RetireSet(ctx, "setD"); err != nil {
		t.Fatalf("first RetireSet: %v", err)
	}
	if err := s.RetireSet(ctx, "setD"); err != nil {
		t.Fatalf("second RetireSet: %v", err)
	}

	got, err := s.QueryActiveForTime(ctx, 60000.5, TypeK)
	if err != nil {
		t.Fatalf("QueryActiveForTime: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no active table after retire, got %+v", got)
	}
}
