package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/registrystore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	st, err := registrystore.Open(filepath.Join(dir, "registry.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestDeriveSetName(t *testing.T) {
	got := DeriveSetName("/data/obs/obs_20260731T120000.ms", 60521.5)
	want := "obs_20260731T120000_60521.500000"
	if got != want {
		t.Fatalf("DeriveSetName = %q, want %q", got, want)
	}
}

func TestTableTypeFromPath(t *testing.T) {
	cases := []struct {
		path string
		want registrystore.TableType
	}{
		{"/cal/obsA.kcal", registrystore.TypeK},
		{"/cal/obsA.bacal", registrystore.TypeBA},
		{"/cal/obsA.bpcal", registrystore.TypeBP},
		{"/cal/obsA.gacal", registrystore.TypeGA},
		{"/cal/obsA.gpcal", registrystore.TypeGP},
		{"/cal/obsA.2gcal", registrystore.Type2G},
		{"/cal/obsA.flux", registrystore.TypeFLUX},
	}
	for _, c := range cases {
		got, err := TableTypeFromPath(c.path)
		if err != nil {
			t.Fatalf("TableTypeFromPath(%s): %v", c.path, err)
		}
		if got != c.want {
			t.Fatalf("TableTypeFromPath(%s) = %s, want %s", c.path, got, c.want)
		}
	}
}

func TestTableTypeFromPath_Unknown(t *testing.T) {
	if _, err := TableTypeFromPath("/cal/obsA.unknown"); err == nil {
		t.Fatalf("expected error for unrecognized suffix")
	}
}

func mkDir(t *testing.T, root, name string) string {
	t.Helper()
	p := filepath.Join(root, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	return p
}

// Fix: RegisterSolveSet must derive table types from filenames and
// register the full apply chain in one transaction.
func TestRegisterSolveSet_FullChain(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()

	candidates := []CandidateTable{
		{Path: mkDir(t, root, "obsA.kcal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
		{Path: mkDir(t, root, "obsA.bacal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
		{Path: mkDir(t, root, "obsA.bpcal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
		{Path: mkDir(t, root, "obsA.gacal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
		{Path: mkDir(t, root, "obsA.gpcal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
		{Path: mkDir(t, root, "obsA.2gcal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
		{Path: mkDir(t, root, "obsA.flux"), ValidStartMJD: 60000, ValidEndMJD: 60001},
	}
	setName, err := svc.RegisterSolveSet(ctx, "/data/obsA.ms", 60000.5, candidates)
	if err != nil {
		t.Fatalf("RegisterSolveSet: %v", err)
	}
	if setName != "obsA_60000.500000" {
		t.Fatalf("setName = %q", setName)
	}

	resolved, err := svc.LookupTablesFor(ctx, 60000.5, nil)
	if err != nil {
		t.Fatalf("LookupTablesFor: %v", err)
	}
	if len(resolved) != 7 {
		t.Fatalf("resolved %d tables, want 7", len(resolved))
	}
	for i := 1; i < len(resolved); i++ {
		prevIdx := applyOrderIndex(resolved[i-1].Type)
		curIdx := applyOrderIndex(resolved[i].Type)
		if curIdx <= prevIdx {
			t.Fatalf("resolved tables out of apply order at %d: %s before %s", i, resolved[i-1].Type, resolved[i].Type)
		}
	}
}

// Fix: a missing required type must surface as NoCalibrationAvailable so
// the orchestrator can retry rather than fail permanently.
func TestLookupTablesFor_MissingType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	root := t.TempDir()

	candidates := []CandidateTable{
		{Path: mkDir(t, root, "obsA.kcal"), ValidStartMJD: 60000, ValidEndMJD: 60001},
	}
	if _, err := svc.RegisterSolveSet(ctx, "/data/obsA.ms", 60000.5, candidates); err != nil {
		t.Fatalf("RegisterSolveSet: %v", err)
	}

	_, err := svc.LookupTablesFor(ctx, 60000.5, registrystore.ApplyOrder)
	if !perr.Is(err, perr.KindNoCalibrationAvailable) {
		t.Fatalf("err = %v, want KindNoCalibrationAvailable", err)
	}
}

func applyOrderIndex(tt registrystore.TableType) int {
	for i, t := range registrystore.ApplyOrder {
		if t == tt {
			return i
		}
	}
	return -1
}
