// continuumd is the process entrypoint: it loads configuration, opens
// the four state stores, wires the ingest controller, orchestrator, and
// housekeeping routines together, and runs until a shutdown signal gives
// in-flight work a grace period to finish.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/config"
	"github.com/skywave-obs/continuum/internal/exectool"
	"github.com/skywave-obs/continuum/internal/flagstore"
	"github.com/skywave-obs/continuum/internal/flagtracker"
	"github.com/skywave-obs/continuum/internal/housekeeping"
	"github.com/skywave-obs/continuum/internal/ingest"
	"github.com/skywave-obs/continuum/internal/ingeststore"
	"github.com/skywave-obs/continuum/internal/logging"
	"github.com/skywave-obs/continuum/internal/normalization"
	"github.com/skywave-obs/continuum/internal/obsmetrics"
	"github.com/skywave-obs/continuum/internal/orchestrator"
	"github.com/skywave-obs/continuum/internal/pathparser"
	"github.com/skywave-obs/continuum/internal/pipeline"
	"github.com/skywave-obs/continuum/internal/productsstore"
	"github.com/skywave-obs/continuum/internal/registry"
	"github.com/skywave-obs/continuum/internal/registrystore"
	"github.com/skywave-obs/continuum/internal/watcher"
)

// defaultShutdownGrace is how long in-flight stages are given to finish
// after a shutdown signal, per spec.md section 5's exit-behavior clause.
const defaultShutdownGrace = 30 * time.Second

// defaultStoreOpenTimeout is the per-connection busy timeout spec.md
// section 6 requires (at least 30 seconds).
const defaultStoreOpenTimeout = 30 * time.Second

func main() {
	dev := flag.Bool("dev", false, "use a human-readable development logger")
	shutdownGrace := flag.Duration("shutdown-grace", defaultShutdownGrace, "grace period for in-flight stages on shutdown")
	pollWatcher := flag.Bool("poll-watch", false, "use polling instead of fsnotify for the input directory watcher")
	doctor := flag.Bool("doctor", false, "run preflight checks and exit")
	flag.Parse()

	if *doctor {
		if err := runDoctor(config.Load(os.Getenv)); err != nil {
			var exitErr ExitCodeError
			if errors.As(err, &exitErr) {
				os.Exit(exitErr.Code)
			}
			fmt.Fprintf(os.Stderr, "continuumd: %v\n", err)
			os.Exit(1)
		}
		return
	}

	baseLog, err := logging.New(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "continuumd: build logger: %v\n", err)
		os.Exit(1)
	}
	defer baseLog.Sync() //nolint:errcheck

	if err := run(baseLog, *shutdownGrace, *pollWatcher); err != nil {
		baseLog.Sugar().Fatalw("continuumd exited with error", "error", err)
	}
}

func run(baseLog *zap.Logger, shutdownGrace time.Duration, pollWatcher bool) error {
	log := logging.Named(baseLog, "main")
	cfg := config.Load(os.Getenv)
	clk := clock.Real{}

	ingestStore, err := ingeststore.Open(cfg.IngestDBPath, clk, defaultStoreOpenTimeout)
	if err != nil {
		return fmt.Errorf("open ingest store: %w", err)
	}
	defer ingestStore.Close() //nolint:errcheck

	registryStore, err := registrystore.Open(cfg.RegistryDBPath, clk, defaultStoreOpenTimeout)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	defer registryStore.Close() //nolint:errcheck

	productsStore, err := productsstore.Open(cfg.ProductsDBPath, clk, defaultStoreOpenTimeout)
	if err != nil {
		return fmt.Errorf("open products store: %w", err)
	}
	defer productsStore.Close() //nolint:errcheck

	flagStore, err := flagstore.Open(cfg.FlagStoreDBPath, clk, defaultStoreOpenTimeout)
	if err != nil {
		return fmt.Errorf("open flag store: %w", err)
	}
	defer flagStore.Close() //nolint:errcheck

	registrySvc := registry.New(registryStore)
	flagTracker := flagtracker.New(flagStore, clk)
	normEngine := normalization.New(productsStore, clk, normalization.Config{MinEnsemble: normalization.DefaultMinEnsemble})

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	metrics := obsmetrics.New(registerer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
		group.Go(func() error {
			log.Infow("metrics server listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	w, closeWatcher, err := buildWatcher(cfg, pollWatcher, logging.Named(baseLog, "watcher"), ctx)
	if err != nil {
		return fmt.Errorf("build watcher: %w", err)
	}
	defer closeWatcher() //nolint:errcheck

	controller := ingest.New(ingestStore, pathparser.Default(), clk, logging.Named(baseLog, "ingest"), ingest.Config{
		ExpectedSubbandCount: cfg.ExpectedSubbandCount,
		StallTimeout:         cfg.StallTimeout,
	})
	group.Go(func() error { controller.Run(gctx, w); return nil })
	group.Go(func() error { controller.RunHousekeeping(gctx, cfg.HousekeepingInterval); return nil })

	leaseReaper := housekeeping.New(ingestStore, clk, logging.Named(baseLog, "housekeeping"), housekeeping.Config{Interval: cfg.HousekeepingInterval})
	group.Go(func() error { leaseReaper.Run(gctx); return nil })

	orch, err := buildOrchestrator(cfg, baseLog, clk, metrics, registrySvc, productsStore, normEngine, flagTracker)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	workerID := uuid.NewString()
	group.Go(func() error {
		runClaimLoop(gctx, controller, ingestStore, orch, workerID, cfg.LeaseDuration, logging.Named(baseLog, "claim-loop"))
		return nil
	})

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// buildWatcher constructs the configured filesystem watcher and returns
// its Close func bound to a context so callers can defer a uniform
// signature regardless of implementation.
func buildWatcher(cfg config.Config, poll bool, log *zap.SugaredLogger, ctx context.Context) (watcher.Watcher, func() error, error) {
	matcher := func(path string) bool {
		return strings.HasSuffix(path, ".ms") && strings.Contains(path, "_sb")
	}
	if poll {
		p := watcher.NewPull(ctx, cfg.WatchDir, matcher, 2*time.Second, log)
		return p, p.Close, nil
	}
	p, err := watcher.NewPush(cfg.WatchDir, matcher, 500*time.Millisecond, log)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

// buildOrchestrator wires the seven pipeline stages. Every stage except
// Normalization is bound to an exectool-backed external collaborator
// named by convention after the stage it serves (continuum-convert,
// continuum-model-populate, ...); Normalization runs the in-process engine.
func buildOrchestrator(
	cfg config.Config,
	baseLog *zap.Logger,
	clk clock.Clock,
	metrics *obsmetrics.Metrics,
	registrySvc *registry.Service,
	productsStore *productsstore.Store,
	normEngine *normalization.Engine,
	flagTracker *flagtracker.Tracker,
) (*orchestrator.Orchestrator, error) {
	toolLog := logging.Named(baseLog, "exectool")

	converter, err := exectool.Lookup("continuum-convert", toolLog)
	if err != nil {
		return nil, err
	}
	populator, err := exectool.Lookup("continuum-model-populate", toolLog)
	if err != nil {
		return nil, err
	}
	solver, err := exectool.Lookup("continuum-cal-solve", toolLog)
	if err != nil {
		return nil, err
	}
	applier, err := exectool.Lookup("continuum-cal-apply", toolLog)
	if err != nil {
		return nil, err
	}
	imager, err := exectool.Lookup("continuum-image", toolLog)
	if err != nil {
		return nil, err
	}
	photometer, err := exectool.Lookup("continuum-photometry", toolLog)
	if err != nil {
		return nil, err
	}

	msPathFor := func(groupID string) string { return fmt.Sprintf("products/ms/%s.ms", groupID) }
	outputDirFor := func(msPath string) string { return strings.TrimSuffix(msPath, ".ms") + "_tables" }
	imagePathFor := func(msPath string) string { return strings.TrimSuffix(msPath, ".ms") + ".image" }

	stages := []orchestrator.Stage{
		&pipeline.ConversionStage{
			Converter: exectool.Converter{Tool: converter},
			Products:  productsStore,
			MSPathFor: msPathFor,
			Clock:     clk,
			Log:       logging.Named(baseLog, "conversion"),
		},
		&pipeline.ModelPopulationStage{
			Populator:   exectool.ModelPopulator{Tool: populator},
			FlagTracker: flagTracker,
			FlagFn:      noopFlagFunc,
		},
		&pipeline.CalibrationSolveStage{
			Solver:      exectool.CalibrationSolver{Tool: solver},
			Registry:    registrySvc,
			OutputDir:   outputDirFor,
			FlagTracker: flagTracker,
			FlagFn:      noopFlagFunc,
		},
		&pipeline.CalibrationApplyStage{
			Applier:     exectool.CalibrationApplier{Tool: applier},
			Registry:    registrySvc,
			Products:    productsStore,
			FlagTracker: flagTracker,
			FlagFn:      noopFlagFunc,
		},
		&pipeline.ImagingStage{
			Imager:       exectool.Imager{Tool: imager},
			Products:     productsStore,
			ImagePathFor: imagePathFor,
			Clock:        clk,
		},
		&pipeline.PhotometryStage{Photometer: exectool.Photometer{Tool: photometer}, Products: productsStore},
		&pipeline.NormalizationStage{
			Engine:      normEngine,
			Products:    productsStore,
			RefResolver: referenceEnsembleResolver(productsStore),
			EseWeights:  normalization.DefaultEseWeights(),
			Log:         logging.Named(baseLog, "normalization"),
		},
	}

	return orchestrator.New(stages, cfg.OrchestratorPoolSize, metrics, clk, logging.Named(baseLog, "orchestrator"))
}

// noopFlagFunc stands in for the visibility-data flag-fraction reader:
// computing real per-SPW/per-antenna flag fractions requires reading the
// Measurement Set itself, which is outside this core's scope (spec.md
// Non-goals exclude calibration-solver math). A deployment supplies a
// real FlagFunc reading its own MS format; this default keeps the
// checkpoint trail present but empty.
func noopFlagFunc(ctx context.Context, msPath string) (map[int]float64, map[string]float64, error) {
	return map[int]float64{}, map[string]float64{}, nil
}

// referenceEnsembleResolver loads an image's flagged-baseline
// photometry as the reference ensemble normalization needs, per
// PhotometryMeasurement.IsBaseline.
func referenceEnsembleResolver(products *productsstore.Store) func(context.Context, string) ([]normalization.ReferenceObservation, error) {
	return func(ctx context.Context, imagePath string) ([]normalization.ReferenceObservation, error) {
		rows, err := products.PhotometryByImage(ctx, imagePath)
		if err != nil {
			return nil, err
		}
		refs := make([]normalization.ReferenceObservation, 0, len(rows))
		for _, r := range rows {
			if !r.IsBaseline {
				continue
			}
			baseline := r.RawFlux
			if r.NormalizedFlux != nil {
				baseline = *r.NormalizedFlux
			}
			refs = append(refs, normalization.ReferenceObservation{
				SourceID: r.SourceID, RawFlux: r.RawFlux, RawFluxErr: r.RawFluxErr, BaselineFlux: baseline,
			})
		}
		return refs, nil
	}
}

// runClaimLoop wakes on every group the ingest controller reports ready
// and claims the oldest pending group available, which need not be the
// one that woke it -- Ready() is a backpressure signal, not a FIFO
// handoff. It exits when ctx is cancelled.
func runClaimLoop(ctx context.Context, controller *ingest.Controller, ingestStore *ingeststore.Store, orch *orchestrator.Orchestrator, workerID string, leaseDuration time.Duration, log *zap.SugaredLogger) {
	for {
		select {
		case _, ok := <-controller.Ready():
			if !ok {
				return
			}
			claimAndRun(ctx, ingestStore, orch, workerID, leaseDuration, log)
		case <-ctx.Done():
			return
		}
	}
}

func claimAndRun(ctx context.Context, ingestStore *ingeststore.Store, orch *orchestrator.Orchestrator, workerID string, leaseDuration time.Duration, log *zap.SugaredLogger) {
	claimed, err := ingestStore.ClaimNextPending(ctx, workerID, leaseDuration)
	if err != nil {
		log.Debugw("no group claimed", "error", err)
		return
	}

	subbands, err := ingestStore.SubbandsForGroup(ctx, claimed.GroupID)
	if err != nil {
		log.Errorw("subbands_for_group failed", "group_id", claimed.GroupID, "error", err)
		return
	}
	paths := make([]string, len(subbands))
	for i, f := range subbands {
		paths[i] = f.Path
	}

	observedAt, err := pathparser.TimeFromGroupID(claimed.GroupID)
	if err != nil {
		log.Errorw("cannot recover observation time from group id", "group_id", claimed.GroupID, "error", err)
		return
	}
	midMJD := pipeline.MJDFromTime(observedAt)

	root := pipeline.GroupInput(claimed.GroupID, paths, midMJD)
	if err := orch.RunGroup(ctx, claimed.GroupID, root, ingestStore); err != nil {
		log.Warnw("group run finished with error", "group_id", claimed.GroupID, "error", err)
	}
}
