package normalization

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/productsstore"
)

func newTestEngine(t *testing.T) (*Engine, *productsstore.Store) {
	t.Helper()
	dir := t.TempDir()
	fc := clock.NewFake(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC))
	ps, err := productsstore.Open(filepath.Join(dir, "products.db"), fc, 2*time.Second)
	if err != nil {
		t.Fatalf("productsstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return New(ps, fc, Config{}), ps
}

func ref(id string, raw, rawErr, baseline float64) ReferenceObservation {
	return ReferenceObservation{SourceID: id, RawFlux: raw, RawFluxErr: rawErr, BaselineFlux: baseline}
}

// Fix: when raw_flux == baseline_flux for every reference, the
// correction factor is 1.0 and a target's normalized_flux must equal its
// raw_flux exactly, with normalized error no smaller than the raw error.
func TestNormalizeEpoch_RoundTripIdentity(t *testing.T) {
	eng, ps := newTestEngine(t)
	ctx := context.Background()

	refs := []ReferenceObservation{
		ref("R1", 10.0, 0.1, 10.0),
		ref("R2", 20.0, 0.2, 20.0),
		ref("R3", 30.0, 0.3, 30.0),
		ref("R4", 40.0, 0.4, 40.0),
		ref("R5", 50.0, 0.5, 50.0),
	}
	targets := []productsstore.PhotometryMeasurement{
		{SourceID: "TARGET", ImagePath: "epoch1.image", EpochMJD: 60000, RawFlux: 5.0, RawFluxErr: 0.05},
	}

	result, err := eng.NormalizeEpoch(ctx, targets, refs)
	if err != nil {
		t.Fatalf("NormalizeEpoch: %v", err)
	}
	if result.CorrectionFactor != 1.0 {
		t.Fatalf("CorrectionFactor = %v, want 1.0", result.CorrectionFactor)
	}

	stored, err := ps.PhotometryBySource(ctx, "TARGET")
	if err != nil {
		t.Fatalf("PhotometryBySource: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("len(stored) = %d, want 1", len(stored))
	}
	m := stored[0]
	if m.NormalizedFlux == nil || *m.NormalizedFlux != 5.0 {
		t.Fatalf("NormalizedFlux = %v, want 5.0", m.NormalizedFlux)
	}
	if m.NormalizedFluxErr == nil || *m.NormalizedFluxErr < m.RawFluxErr {
		t.Fatalf("NormalizedFluxErr = %v, want >= raw_flux_err %v", m.NormalizedFluxErr, m.RawFluxErr)
	}
}

// Fix: a 6-reference ensemble with one outlier at ratio 1.80 must reject
// exactly that outlier, leaving 5 survivors and a correction factor near
// 1.00, matching the scenario worked in spec.md section 8.
func TestNormalizeEpoch_SixReferenceOneOutlier(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// Five references at ratio ~1.00, one deliberate outlier at 1.80.
	refs := []ReferenceObservation{
		ref("R1", 100.0, 1.0, 100.0),
		ref("R2", 101.0, 1.0, 100.0),
		ref("R3", 99.0, 1.0, 100.0),
		ref("R4", 100.5, 1.0, 100.0),
		ref("R5", 99.5, 1.0, 100.0),
		ref("R6", 180.0, 1.0, 100.0), // ratio 1.80, the outlier
	}
	targets := []productsstore.PhotometryMeasurement{
		{SourceID: "TARGET", ImagePath: "epoch1.image", EpochMJD: 60000, RawFlux: 50.0, RawFluxErr: 0.5},
	}

	result, err := eng.NormalizeEpoch(ctx, targets, refs)
	if err != nil {
		t.Fatalf("NormalizeEpoch: %v", err)
	}
	if result.SurvivorCount != 5 {
		t.Fatalf("SurvivorCount = %d, want 5", result.SurvivorCount)
	}
	if len(result.RejectedSourceIDs) != 1 || result.RejectedSourceIDs[0] != "R6" {
		t.Fatalf("RejectedSourceIDs = %v, want [R6]", result.RejectedSourceIDs)
	}
	if result.CorrectionFactor < 0.98 || result.CorrectionFactor > 1.02 {
		t.Fatalf("CorrectionFactor = %v, want ~1.00", result.CorrectionFactor)
	}
}

// Fix: fewer than min_ensemble surviving references must defer the
// epoch with NormalizationDeferred, leaving targets unwritten.
func TestNormalizeEpoch_DefersWhenEnsembleTooSmall(t *testing.T) {
	eng, ps := newTestEngine(t)
	ctx := context.Background()

	refs := []ReferenceObservation{
		ref("R1", 100.0, 1.0, 100.0),
		ref("R2", 101.0, 1.0, 100.0),
		ref("R3", 99.0, 1.0, 100.0),
	}
	targets := []productsstore.PhotometryMeasurement{
		{SourceID: "TARGET", ImagePath: "epoch1.image", EpochMJD: 60000, RawFlux: 50.0, RawFluxErr: 0.5},
	}

	_, err := eng.NormalizeEpoch(ctx, targets, refs)
	if err == nil {
		t.Fatalf("expected NormalizationDeferred error")
	}
	if !perr.Is(err, perr.KindNormalizationDeferred) {
		t.Fatalf("err kind = %v, want NormalizationDeferred", perr.KindOf(err))
	}

	stored, err := ps.PhotometryBySource(ctx, "TARGET")
	if err != nil {
		t.Fatalf("PhotometryBySource: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("len(stored) = %d, want 0 (no commit on deferral)", len(stored))
	}
}

// Fix: a reference with a non-positive baseline must be excluded from
// the ensemble before outlier rejection runs.
func TestNormalizeEpoch_ExcludesNonPositiveBaseline(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	refs := []ReferenceObservation{
		ref("R1", 100.0, 1.0, 100.0),
		ref("R2", 101.0, 1.0, 100.0),
		ref("R3", 99.0, 1.0, 100.0),
		ref("R4", 100.5, 1.0, 100.0),
		ref("R5", 99.5, 1.0, 100.0),
		ref("R6", 50.0, 1.0, 0), // excluded: non-positive baseline
	}
	targets := []productsstore.PhotometryMeasurement{
		{SourceID: "TARGET", ImagePath: "epoch1.image", EpochMJD: 60000, RawFlux: 50.0, RawFluxErr: 0.5},
	}

	result, err := eng.NormalizeEpoch(ctx, targets, refs)
	if err != nil {
		t.Fatalf("NormalizeEpoch: %v", err)
	}
	if result.SurvivorCount != 5 {
		t.Fatalf("SurvivorCount = %d, want 5 (R6 excluded pre-rejection)", result.SurvivorCount)
	}
}

// Fix: sources with 20 or fewer epochs of normalized photometry must not
// get a variability-stats row.
func TestRecomputeVariability_SkipsLowEpochCount(t *testing.T) {
	eng, ps := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		normFlux := 10.0
		normErr := 0.1
		m := productsstore.PhotometryMeasurement{
			SourceID: "S1", ImagePath: "img" + string(rune('a'+i)) + ".fits", EpochMJD: float64(60000 + i),
			RawFlux: 10.0, RawFluxErr: 0.1, NormalizedFlux: &normFlux, NormalizedFluxErr: &normErr,
		}
		if err := ps.UpsertPhotometry(ctx, m); err != nil {
			t.Fatalf("UpsertPhotometry: %v", err)
		}
	}

	stats, err := eng.RecomputeVariability(ctx, "S1", DefaultEseWeights())
	if err != nil {
		t.Fatalf("RecomputeVariability: %v", err)
	}
	if stats != nil {
		t.Fatalf("stats = %+v, want nil for <=20 epochs", stats)
	}
}

// Fix: a source with more than 20 epochs of constant flux must produce a
// variability-stats row with near-zero fractional variability.
func TestRecomputeVariability_ComputesForSufficientEpochs(t *testing.T) {
	eng, ps := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		normFlux := 10.0
		normErr := 0.1
		m := productsstore.PhotometryMeasurement{
			SourceID: "S1", ImagePath: "img" + string(rune('a'+i)) + ".fits", EpochMJD: float64(60000 + i),
			RawFlux: 10.0, RawFluxErr: 0.1, NormalizedFlux: &normFlux, NormalizedFluxErr: &normErr,
		}
		if err := ps.UpsertPhotometry(ctx, m); err != nil {
			t.Fatalf("UpsertPhotometry: %v", err)
		}
	}

	stats, err := eng.RecomputeVariability(ctx, "S1", DefaultEseWeights())
	if err != nil {
		t.Fatalf("RecomputeVariability: %v", err)
	}
	if stats == nil {
		t.Fatalf("expected non-nil stats for 25 epochs")
	}
	if stats.NEpochs != 25 {
		t.Fatalf("NEpochs = %d, want 25", stats.NEpochs)
	}
	if stats.FractionalVariability > 0.01 {
		t.Fatalf("FractionalVariability = %v, want ~0 for constant flux", stats.FractionalVariability)
	}

	persisted, err := ps.GetVariabilityStats(ctx, "S1")
	if err != nil {
		t.Fatalf("GetVariabilityStats: %v", err)
	}
	if persisted == nil {
		t.Fatalf("expected persisted stats row")
	}
}
