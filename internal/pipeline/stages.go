package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/flagtracker"
	"github.com/skywave-obs/continuum/internal/normalization"
	"github.com/skywave-obs/continuum/internal/orchestrator"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/productsstore"
	"github.com/skywave-obs/continuum/internal/registry"
	"github.com/skywave-obs/continuum/internal/registrystore"
)

// Context keys threaded through orchestrator.Context between stages. All
// are package-private: stages downstream of the one that sets a key are
// the only consumers, so there is no reason to export them.
const (
	keyGroupID    = "pipeline.group_id"
	keySubbands   = "pipeline.subband_paths"
	keyMSPath     = "pipeline.ms_path"
	keyMidMJD     = "pipeline.mid_mjd"
	keyTablePaths = "pipeline.calibration_table_paths"
	keyImagePath  = "pipeline.image_path"
	keySourceIDs  = "pipeline.source_ids"
)

// GroupInput seeds the root Context an Orchestrator.RunGroup call is
// given: everything a Conversion stage needs to begin.
func GroupInput(groupID string, subbandPaths []string, midMJD float64) orchestrator.Context {
	return orchestrator.NewContext().
		With(keyGroupID, groupID).
		With(keySubbands, subbandPaths).
		With(keyMidMJD, midMJD)
}

// advanceMS loads the MS record at msPath, applies mutate, and upserts
// the result. UpsertMS replaces the whole row, so every stage past
// Conversion that touches an MS's progress fields (stage, cal_applied,
// image_name) must round-trip through the existing record rather than
// upserting a partial one.
func advanceMS(ctx context.Context, products *productsstore.Store, msPath string, mutate func(*productsstore.MSRecord)) error {
	rec, err := products.GetMS(ctx, msPath)
	if err != nil {
		return fmt.Errorf("load ms %s: %w", msPath, err)
	}
	if rec == nil {
		return fmt.Errorf("advance ms %s: no ms record found", msPath)
	}
	mutate(rec)
	return products.UpsertMS(ctx, *rec)
}

func mustString(input orchestrator.Context, key string) (string, error) {
	v, ok := input.Get(key)
	if !ok {
		return "", fmt.Errorf("context missing required key %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("context key %q has unexpected type %T", key, v)
	}
	return s, nil
}

// classifyToolError maps a collaborator-returned error into an
// orchestrator outcome. Tool errors are retryable by default (transient
// I/O, resource contention); a collaborator that wants a fatal
// classification should return a *perr.StageError with KindFatalStage.
func classifyToolError(err error) (orchestrator.Outcome, error) {
	if err == nil {
		return orchestrator.OutcomeSuccess, nil
	}
	if perr.KindOf(err) == perr.KindFatalStage {
		return orchestrator.OutcomeFatalError, err
	}
	return orchestrator.OutcomeRetryableError, err
}

// ConversionStage turns the group's raw subband files into one
// Measurement Set, then records it in ProductsStore.
type ConversionStage struct {
	Converter Converter
	Products  *productsstore.Store
	MSPathFor func(groupID string) string
	Clock     clock.Clock
	Log       *zap.SugaredLogger
}

func (s *ConversionStage) Name() string        { return "Conversion" }
func (s *ConversionStage) DependsOn() []string  { return nil }
func (s *ConversionStage) RetryPolicy() orchestrator.RetryPolicy { return orchestrator.DefaultRetryPolicy() }
func (s *ConversionStage) Timeout() time.Duration { return 0 }

func (s *ConversionStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	groupID, err := mustString(input, keyGroupID)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}
	subbandsRaw, ok := input.Get(keySubbands)
	if !ok {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("context missing %q", keySubbands)
	}
	subbands, ok := subbandsRaw.([]string)
	if !ok {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("context key %q has unexpected type", keySubbands)
	}
	midMJD, _ := input.Get(keyMidMJD)
	mjd, _ := midMJD.(float64)

	msPath := s.MSPathFor(groupID)
	result, err := s.Converter.Convert(ctx, subbands, msPath, nil)
	if outcome, terr := classifyToolError(err); terr != nil {
		return orchestrator.Context{}, outcome, fmt.Errorf("conversion for group %s: %w", groupID, terr)
	}
	_ = result

	if err := s.Products.UpsertMS(ctx, productsstore.MSRecord{
		Path: msPath, MidMJD: mjd, Stage: "converted",
	}); err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("record ms %s: %w", msPath, err)
	}

	return input.With(keyMSPath, msPath), orchestrator.OutcomeSuccess, nil
}

// ModelPopulationStage populates a sky model into the converted MS. It
// also captures the pipeline's post-flag checkpoint: the flag state of
// the data as it enters calibration, before CalibrationSolveStage's
// post-solve snapshot.
type ModelPopulationStage struct {
	Populator   ModelPopulator
	FlagTracker *flagtracker.Tracker
	FlagFn      flagtracker.FlagFunc
}

func (s *ModelPopulationStage) Name() string       { return "ModelPopulation" }
func (s *ModelPopulationStage) DependsOn() []string { return []string{"Conversion"} }
func (s *ModelPopulationStage) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.DefaultRetryPolicy()
}
func (s *ModelPopulationStage) Timeout() time.Duration { return 0 }

func (s *ModelPopulationStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	msPath, err := mustString(input, keyMSPath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}
	_, err = s.Populator.PopulateModel(ctx, msPath, nil)
	if outcome, terr := classifyToolError(err); terr != nil {
		return orchestrator.Context{}, outcome, fmt.Errorf("model population for %s: %w", msPath, terr)
	}

	if s.FlagTracker != nil && s.FlagFn != nil {
		if err := s.FlagTracker.Snapshot(ctx, msPath, flagtracker.CheckpointPostFlag, s.FlagFn); err != nil {
			return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("post-flag snapshot for %s: %w", msPath, err)
		}
	}

	return input, orchestrator.OutcomeSuccess, nil
}

// CalibrationSolveStage derives calibration tables from the model-populated
// MS and registers the resulting set with the registry, atomically.
type CalibrationSolveStage struct {
	Solver      CalibrationSolver
	Registry    *registry.Service
	OutputDir   func(msPath string) string
	FlagTracker *flagtracker.Tracker
	FlagFn      flagtracker.FlagFunc
}

func (s *CalibrationSolveStage) Name() string        { return "CalibrationSolve" }
func (s *CalibrationSolveStage) DependsOn() []string  { return []string{"ModelPopulation"} }
func (s *CalibrationSolveStage) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.DefaultRetryPolicy()
}
func (s *CalibrationSolveStage) Timeout() time.Duration { return 0 }

func (s *CalibrationSolveStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	msPath, err := mustString(input, keyMSPath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}
	midMJDRaw, _ := input.Get(keyMidMJD)
	midMJD, _ := midMJDRaw.(float64)

	result, err := s.Solver.Solve(ctx, msPath, s.OutputDir(msPath), nil)
	if outcome, terr := classifyToolError(err); terr != nil {
		return orchestrator.Context{}, outcome, fmt.Errorf("calibration solve for %s: %w", msPath, terr)
	}

	candidates := make([]registry.CandidateTable, 0, len(result.OutputPaths))
	for _, p := range result.OutputPaths {
		candidates = append(candidates, registry.CandidateTable{
			Path: p, ValidStartMJD: midMJD - 0.5, ValidEndMJD: midMJD + 0.5,
		})
	}
	if _, err := s.Registry.RegisterSolveSet(ctx, msPath, midMJD, candidates); err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("register solve set for %s: %w", msPath, err)
	}

	if s.FlagTracker != nil && s.FlagFn != nil {
		if err := s.FlagTracker.Snapshot(ctx, msPath, flagtracker.CheckpointPostSolve, s.FlagFn); err != nil {
			return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("post-solve flag snapshot for %s: %w", msPath, err)
		}
	}

	return input, orchestrator.OutcomeSuccess, nil
}

// CalibrationApplyStage resolves the registry's active tables for the
// group's observation time and applies them in registry apply-order.
type CalibrationApplyStage struct {
	Applier     CalibrationApplier
	Registry    *registry.Service
	Products    *productsstore.Store
	FlagTracker *flagtracker.Tracker
	FlagFn      flagtracker.FlagFunc
}

func (s *CalibrationApplyStage) Name() string       { return "CalibrationApply" }
func (s *CalibrationApplyStage) DependsOn() []string { return []string{"CalibrationSolve"} }
func (s *CalibrationApplyStage) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.DefaultRetryPolicy()
}
func (s *CalibrationApplyStage) Timeout() time.Duration { return 0 }

func (s *CalibrationApplyStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	msPath, err := mustString(input, keyMSPath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}
	midMJDRaw, _ := input.Get(keyMidMJD)
	midMJD, _ := midMJDRaw.(float64)

	resolved, err := s.Registry.LookupTablesFor(ctx, midMJD, registrystore.ApplyOrder)
	if err != nil {
		outcome := orchestrator.OutcomeRetryableError
		if perr.KindOf(err) != perr.KindNoCalibrationAvailable {
			outcome = orchestrator.OutcomeFatalError
		}
		return orchestrator.Context{}, outcome, fmt.Errorf("resolve calibration tables for %s: %w", msPath, err)
	}

	paths := make([]string, len(resolved))
	for i, r := range resolved {
		paths[i] = r.Table.Path
	}

	_, err = s.Applier.Apply(ctx, msPath, paths, nil)
	if outcome, terr := classifyToolError(err); terr != nil {
		return orchestrator.Context{}, outcome, fmt.Errorf("calibration apply for %s: %w", msPath, terr)
	}

	if err := advanceMS(ctx, s.Products, msPath, func(rec *productsstore.MSRecord) {
		rec.Stage = "calibration_apply"
		rec.CalApplied = true
	}); err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("advance ms %s: %w", msPath, err)
	}

	if s.FlagTracker != nil && s.FlagFn != nil {
		if err := s.FlagTracker.Snapshot(ctx, msPath, flagtracker.CheckpointPostApply, s.FlagFn); err != nil {
			return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("post-apply flag snapshot for %s: %w", msPath, err)
		}
	}

	return input.With(keyTablePaths, paths), orchestrator.OutcomeSuccess, nil
}

// ImagingStage produces an image from the calibrated MS and records it.
type ImagingStage struct {
	Imager       Imager
	Products     *productsstore.Store
	ImagePathFor func(msPath string) string
	Clock        clock.Clock
}

func (s *ImagingStage) Name() string        { return "Imaging" }
func (s *ImagingStage) DependsOn() []string  { return []string{"CalibrationApply"} }
func (s *ImagingStage) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.DefaultRetryPolicy()
}
func (s *ImagingStage) Timeout() time.Duration { return 0 }

func (s *ImagingStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	msPath, err := mustString(input, keyMSPath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}
	imagePath := s.ImagePathFor(msPath)
	_, err = s.Imager.Image(ctx, msPath, imagePath, nil)
	if outcome, terr := classifyToolError(err); terr != nil {
		return orchestrator.Context{}, outcome, fmt.Errorf("imaging for %s: %w", msPath, terr)
	}

	if err := s.Products.InsertImage(ctx, productsstore.ImageRecord{
		Path: imagePath, MSPath: msPath, CreatedAt: s.Clock.Now(), Type: "continuum",
	}); err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("record image %s: %w", imagePath, err)
	}

	if err := advanceMS(ctx, s.Products, msPath, func(rec *productsstore.MSRecord) {
		rec.Stage = "imaging"
		rec.ImageName = imagePath
	}); err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("advance ms %s: %w", msPath, err)
	}

	return input.With(keyImagePath, imagePath), orchestrator.OutcomeSuccess, nil
}

// PhotometryStage measures per-source flux in the image and records raw
// photometry. Normalized fields are left null; NormalizationStage fills
// them in a later stage.
type PhotometryStage struct {
	Photometer Photometer
	Products   *productsstore.Store
}

func (s *PhotometryStage) Name() string       { return "Photometry" }
func (s *PhotometryStage) DependsOn() []string { return []string{"Imaging"} }
func (s *PhotometryStage) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.DefaultRetryPolicy()
}
func (s *PhotometryStage) Timeout() time.Duration { return 0 }

// SourceMeasurement is the shape expected back from Photometer.Measure's
// ToolResult.Metadata["measurements"], decoupling the tool boundary from
// productsstore's schema.
type SourceMeasurement struct {
	SourceID   string
	EpochMJD   float64
	RawFlux    float64
	RawFluxErr float64
	IsBaseline bool
}

func (s *PhotometryStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	imagePath, err := mustString(input, keyImagePath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}

	result, err := s.Photometer.Measure(ctx, imagePath, nil)
	if outcome, terr := classifyToolError(err); terr != nil {
		return orchestrator.Context{}, outcome, fmt.Errorf("photometry for %s: %w", imagePath, terr)
	}

	measurements, _ := result.Metadata["measurements"].([]SourceMeasurement)
	sourceIDs := make([]string, 0, len(measurements))
	for _, m := range measurements {
		if err := s.Products.UpsertPhotometry(ctx, productsstore.PhotometryMeasurement{
			SourceID: m.SourceID, ImagePath: imagePath, EpochMJD: m.EpochMJD,
			RawFlux: m.RawFlux, RawFluxErr: m.RawFluxErr, IsBaseline: m.IsBaseline,
		}); err != nil {
			return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("record photometry for %s: %w", m.SourceID, err)
		}
		sourceIDs = append(sourceIDs, m.SourceID)
	}

	return input.With(keySourceIDs, sourceIDs), orchestrator.OutcomeSuccess, nil
}

// NormalizationStage runs the differential normalization engine over the
// epoch's target photometry, deferring (not failing) when the reference
// ensemble is too small.
type NormalizationStage struct {
	Engine      *normalization.Engine
	Products    *productsstore.Store
	RefResolver func(ctx context.Context, imagePath string) ([]normalization.ReferenceObservation, error)
	EseWeights  normalization.EseWeights
	Log         *zap.SugaredLogger
}

func (s *NormalizationStage) Name() string        { return "Normalization" }
func (s *NormalizationStage) DependsOn() []string  { return []string{"Photometry"} }
func (s *NormalizationStage) RetryPolicy() orchestrator.RetryPolicy {
	return orchestrator.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 1}
}
func (s *NormalizationStage) Timeout() time.Duration { return 0 }

func (s *NormalizationStage) Execute(ctx context.Context, input orchestrator.Context) (orchestrator.Context, orchestrator.Outcome, error) {
	imagePath, err := mustString(input, keyImagePath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, err
	}
	sourceIDsRaw, _ := input.Get(keySourceIDs)
	sourceIDs, _ := sourceIDsRaw.([]string)

	refs, err := s.RefResolver(ctx, imagePath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("resolve reference ensemble for %s: %w", imagePath, err)
	}

	allForImage, err := s.Products.PhotometryByImage(ctx, imagePath)
	if err != nil {
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("load targets for %s: %w", imagePath, err)
	}
	var epochTargets []productsstore.PhotometryMeasurement
	for _, t := range allForImage {
		if !t.IsBaseline {
			epochTargets = append(epochTargets, t)
		}
	}

	_, err = s.Engine.NormalizeEpoch(ctx, epochTargets, refs)
	if err != nil {
		if perr.Is(err, perr.KindNormalizationDeferred) {
			s.Log.Infow("normalization deferred", "image_path", imagePath, "error", err)
			return input, orchestrator.OutcomeSuccess, nil
		}
		return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("normalize epoch for %s: %w", imagePath, err)
	}

	for _, sourceID := range sourceIDs {
		if _, err := s.Engine.RecomputeVariability(ctx, sourceID, s.EseWeights); err != nil {
			return orchestrator.Context{}, orchestrator.OutcomeFatalError, fmt.Errorf("recompute variability for %s: %w", sourceID, err)
		}
	}

	return input, orchestrator.OutcomeSuccess, nil
}
