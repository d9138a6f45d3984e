// Package normalization implements the Differential Normalization Engine
// from spec.md section 4.6: per-epoch reference-ensemble ratio
// computation with iterative outlier rejection, correction-factor
// propagation onto target photometry, and variability-statistics
// recompute.
package normalization

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/productsstore"
)

// madScale converts a median absolute deviation to a normal-consistent
// scale estimate (1/Φ^-1(3/4)).
const madScale = 1.4826

// DefaultMinEnsemble is the hard minimum surviving-reference count below
// which the correction factor's robustness degrades, per spec.md
// section 9. Configurable lower only via explicit input, never inferred.
const DefaultMinEnsemble = 5

// MaxOutlierIterations bounds the iterative rejection loop.
const MaxOutlierIterations = 5

// outlierSigma is the MAD-multiple threshold for rejecting a reference.
const outlierSigma = 3.0

// ReferenceObservation is one reference source's raw measurement at the
// current epoch plus its established baseline.
type ReferenceObservation struct {
	SourceID     string
	RawFlux      float64
	RawFluxErr   float64
	BaselineFlux float64
}

// Config tunes the engine's ensemble-size gate. Zero value uses the
// documented defaults.
type Config struct {
	MinEnsemble int
}

// Engine runs the per-epoch normalization algorithm and commits results
// through a ProductsStore.
type Engine struct {
	store *productsstore.Store
	clock clock.Clock
	cfg   Config
}

// New returns a normalization engine backed by store.
func New(store *productsstore.Store, clk clock.Clock, cfg Config) *Engine {
	if cfg.MinEnsemble <= 0 {
		cfg.MinEnsemble = DefaultMinEnsemble
	}
	return &Engine{store: store, clock: clk, cfg: cfg}
}

// EpochResult summarizes one epoch's correction-factor computation.
type EpochResult struct {
	CorrectionFactor    float64
	CorrectionFactorErr float64
	SurvivorCount       int
	RejectedSourceIDs   []string
}

// ratioSample is one reference's surviving ratio, tracked alongside its
// source id for rejection bookkeeping.
type ratioSample struct {
	sourceID string
	ratio    float64
}

// NormalizeEpoch computes the correction factor from refs, then applies
// it to every target measurement, committing the whole batch atomically.
// If fewer than cfg.MinEnsemble references survive outlier rejection,
// the epoch is deferred: targets keep normalized_flux == nil and
// NormalizationDeferred is returned (a soft error; callers must not fail
// the pipeline on it).
func (e *Engine) NormalizeEpoch(ctx context.Context, targets []productsstore.PhotometryMeasurement, refs []ReferenceObservation) (EpochResult, error) {
	samples := make([]ratioSample, 0, len(refs))
	for _, r := range refs {
		if math.IsNaN(r.RawFluxErr) || math.IsInf(r.RawFluxErr, 0) || r.RawFluxErr < 0 {
			continue
		}
		if r.BaselineFlux <= 0 {
			continue
		}
		samples = append(samples, ratioSample{sourceID: r.SourceID, ratio: r.RawFlux / r.BaselineFlux})
	}

	survivors, rejected := rejectOutliers(samples)
	if len(survivors) < e.cfg.MinEnsemble {
		return EpochResult{SurvivorCount: len(survivors), RejectedSourceIDs: rejected},
			perr.New(perr.KindNormalizationDeferred, fmt.Errorf(
				"only %d of %d references survived outlier rejection, need at least %d",
				len(survivors), len(samples), e.cfg.MinEnsemble))
	}

	ratios := make([]float64, len(survivors))
	for i, s := range survivors {
		ratios[i] = s.ratio
	}
	correction := median(ratios)
	correctionErr := madScale * mad(ratios, correction) / math.Sqrt(float64(len(ratios)))

	updated := make([]productsstore.PhotometryMeasurement, 0, len(targets))
	for _, m := range targets {
		normFlux := m.RawFlux / correction
		// sqrt((raw_err/C)^2 + (raw_flux * sigma_C / C^2)^2)
		term1 := m.RawFluxErr / correction
		term2 := m.RawFlux * correctionErr / (correction * correction)
		normErr := math.Sqrt(term1*term1 + term2*term2)
		m.NormalizedFlux = &normFlux
		m.NormalizedFluxErr = &normErr
		updated = append(updated, m)
	}

	if err := e.store.CommitNormalizedBatch(ctx, updated); err != nil {
		return EpochResult{}, fmt.Errorf("commit normalized batch: %w", err)
	}

	return EpochResult{
		CorrectionFactor:    correction,
		CorrectionFactorErr: correctionErr,
		SurvivorCount:       len(survivors),
		RejectedSourceIDs:   rejected,
	}, nil
}

// rejectOutliers iteratively drops samples whose ratio deviates from the
// median by more than outlierSigma * madScale * MAD, until stable or
// MaxOutlierIterations is reached.
func rejectOutliers(samples []ratioSample) (survivors []ratioSample, rejectedIDs []string) {
	current := make([]ratioSample, len(samples))
	copy(current, samples)

	for iter := 0; iter < MaxOutlierIterations; iter++ {
		if len(current) == 0 {
			break
		}
		ratios := make([]float64, len(current))
		for i, s := range current {
			ratios[i] = s.ratio
		}
		m := median(ratios)
		dev := mad(ratios, m)
		threshold := outlierSigma * madScale * dev

		var kept []ratioSample
		changed := false
		for _, s := range current {
			if dev > 0 && math.Abs(s.ratio-m) > threshold {
				rejectedIDs = append(rejectedIDs, s.sourceID)
				changed = true
				continue
			}
			kept = append(kept, s)
		}
		current = kept
		if !changed {
			break
		}
	}
	return current, rejectedIDs
}

func median(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := make([]float64, len(vs))
	copy(sorted, vs)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mad returns the median absolute deviation of vs around center.
func mad(vs []float64, center float64) float64 {
	devs := make([]float64, len(vs))
	for i, v := range vs {
		devs[i] = math.Abs(v - center)
	}
	return median(devs)
}

// EseWeights configures the composite ESE-score computation. Exact
// weighting is a configuration input, not a core invariant, per spec.md
// section 4.6.
type EseWeights struct {
	Asymmetry float64
	Timescale float64
	Amplitude float64
}

// DefaultEseWeights gives each contributing factor equal weight.
func DefaultEseWeights() EseWeights {
	return EseWeights{Asymmetry: 1.0 / 3, Timescale: 1.0 / 3, Amplitude: 1.0 / 3}
}

// RecomputeVariability recomputes and persists VariabilityStats for
// sourceID, using every measurement currently on record. Only sources
// with more than 20 epochs qualify, per spec.md section 4.6; fewer
// epochs is a no-op.
func (e *Engine) RecomputeVariability(ctx context.Context, sourceID string, weights EseWeights) (*productsstore.VariabilityStats, error) {
	measurements, err := e.store.PhotometryBySource(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load photometry for %s: %w", sourceID, err)
	}

	var normalized []productsstore.PhotometryMeasurement
	for _, m := range measurements {
		if m.NormalizedFlux != nil && m.NormalizedFluxErr != nil {
			normalized = append(normalized, m)
		}
	}
	if len(normalized) <= 20 {
		return nil, nil
	}

	fluxes := make([]float64, len(normalized))
	errs := make([]float64, len(normalized))
	epochs := make([]float64, len(normalized))
	for i, m := range normalized {
		fluxes[i] = *m.NormalizedFlux
		errs[i] = *m.NormalizedFluxErr
		epochs[i] = m.EpochMJD
	}

	mean := weightedMean(fluxes, errs)
	chi2 := chiSquared(fluxes, errs, mean)
	dof := float64(len(fluxes) - 1)
	chi2Reduced := chi2 / dof

	fracVar := fractionalVariability(fluxes, errs, mean)

	timescaleDays := epochs[len(epochs)-1] - epochs[0]
	amplitude := peakToTrough(fluxes) / mean

	ese := compositeESEScore(weights, chi2Reduced, timescaleDays, amplitude)
	significance := math.Sqrt(2 * chi2Reduced)

	stats := productsstore.VariabilityStats{
		SourceID:              sourceID,
		NEpochs:               len(normalized),
		Chi2Reduced:           chi2Reduced,
		FractionalVariability: fracVar,
		Significance:          significance,
		ESEScore:              ese,
		UpdatedAt:             e.clock.Now(),
	}
	if err := e.store.ReplaceVariabilityStats(ctx, stats); err != nil {
		return nil, fmt.Errorf("replace variability stats for %s: %w", sourceID, err)
	}
	return &stats, nil
}

func weightedMean(vals, errs []float64) float64 {
	var num, den float64
	for i := range vals {
		w := 1.0 / (errs[i] * errs[i])
		num += vals[i] * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func chiSquared(vals, errs []float64, mean float64) float64 {
	var sum float64
	for i := range vals {
		d := (vals[i] - mean) / errs[i]
		sum += d * d
	}
	return sum
}

func fractionalVariability(vals, errs []float64, mean float64) float64 {
	if mean == 0 {
		return 0
	}
	var sumSq, meanErrSq float64
	n := float64(len(vals))
	sampleMean := 0.0
	for _, v := range vals {
		sampleMean += v
	}
	sampleMean /= n
	for i, v := range vals {
		d := v - sampleMean
		sumSq += d * d
		meanErrSq += errs[i] * errs[i]
	}
	variance := sumSq/n - meanErrSq/n
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) / mean
}

func peakToTrough(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}

// compositeESEScore combines asymmetry (approximated by reduced chi^2),
// timescale membership in [14,180] days, and amplitude membership in
// [0.2,2.0] into a single weighted score in [0,1].
func compositeESEScore(w EseWeights, chi2Reduced, timescaleDays, amplitude float64) float64 {
	asymmetryScore := sigmoidGate(chi2Reduced, 1.0)
	timescaleScore := rangeMembership(timescaleDays, 14, 180)
	amplitudeScore := rangeMembership(amplitude, 0.2, 2.0)
	total := w.Asymmetry + w.Timescale + w.Amplitude
	if total == 0 {
		return 0
	}
	return (w.Asymmetry*asymmetryScore + w.Timescale*timescaleScore + w.Amplitude*amplitudeScore) / total
}

func sigmoidGate(x, midpoint float64) float64 {
	return 1.0 / (1.0 + math.Exp(-(x-midpoint)))
}

func rangeMembership(x, lo, hi float64) float64 {
	if x < lo || x > hi {
		return 0
	}
	return 1
}
