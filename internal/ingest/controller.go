// Package ingest implements the Ingest Controller from spec.md section
// 4.3: it connects watcher events to the IngestStore, derives group
// membership via an injectable PathParser, and surfaces ready groups to
// the orchestrator over a bounded channel.
package ingest

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/ingeststore"
	"github.com/skywave-obs/continuum/internal/pathparser"
	"github.com/skywave-obs/continuum/internal/perr"
	"github.com/skywave-obs/continuum/internal/watcher"
)

// DefaultExpectedSubbands is the default expected_subband_count for a
// newly observed group when no overriding metadata is supplied.
const DefaultExpectedSubbands = 16

// DefaultStallTimeout is the default duration since last file arrival
// after which a collecting group is failed with IncompleteGroup.
const DefaultStallTimeout = time.Hour

// DefaultHousekeepingInterval is the default period between
// stall-detection sweeps.
const DefaultHousekeepingInterval = 5 * time.Minute

// Controller drains a Watcher's events into the IngestStore and exposes
// a bounded queue of groups that became ready (pending).
type Controller struct {
	store    *ingeststore.Store
	parser   pathparser.PathParser
	clock    clock.Clock
	log      *zap.SugaredLogger
	expected int
	stall    time.Duration

	ready chan string // group_id, bounded backpressure signal
}

// Config configures the Ingest Controller's tunables. Zero values take
// the documented defaults.
type Config struct {
	ExpectedSubbandCount int
	StallTimeout         time.Duration
	ReadyQueueSize       int
}

// New constructs a Controller. parser derives (group_id, subband_index)
// from each arriving path; the controller itself never inspects
// filenames directly.
func New(store *ingeststore.Store, parser pathparser.PathParser, clk clock.Clock, log *zap.SugaredLogger, cfg Config) *Controller {
	expected := cfg.ExpectedSubbandCount
	if expected <= 0 {
		expected = DefaultExpectedSubbands
	}
	stall := cfg.StallTimeout
	if stall <= 0 {
		stall = DefaultStallTimeout
	}
	queueSize := cfg.ReadyQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Controller{
		store:    store,
		parser:   parser,
		clock:    clk,
		log:      log,
		expected: expected,
		stall:    stall,
		ready:    make(chan string, queueSize),
	}
}

// Ready returns the channel of group IDs that have become pending and
// are waiting to be claimed. It never drops events: when full, a
// subsequent poll of the store (via PendingCount/ClaimNextPending)
// recovers any group a blocked send hasn't yet delivered.
func (c *Controller) Ready() <-chan string { return c.ready }

// Run drains w's events until ctx is cancelled, registering each arrival
// with the IngestStore and forwarding newly-pending groups to Ready().
func (c *Controller) Run(ctx context.Context, w watcher.Watcher) {
	for {
		select {
		case arrival, ok := <-w.Events():
			if !ok {
				return
			}
			c.handleArrival(ctx, arrival)
		case err, ok := <-w.Errors():
			if !ok {
				continue
			}
			c.log.Warnw("watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleArrival(ctx context.Context, arrival watcher.FileArrival) {
	result, err := c.parser.Parse(arrival.Path)
	if err != nil {
		if errors.Is(err, pathparser.Ignored) {
			return
		}
		c.log.Warnw("path parse failed", "path", arrival.Path, "error", err)
		return
	}

	info, statErr := fileSize(arrival.Path)
	if statErr != nil {
		c.log.Warnw("stat failed for arrived file", "path", arrival.Path, "error", statErr)
		return
	}

	state, err := c.store.RegisterFile(ctx, ingeststore.FileRegistration{
		GroupID:              result.GroupID,
		SubbandIndex:         result.SubbandIndex,
		Path:                 arrival.Path,
		Size:                 info,
		DiscoveredAt:         arrival.DiscoveredAt,
		ExpectedSubbandCount: c.expected,
	})
	if err != nil {
		if perr.Is(err, perr.KindDuplicateFile) {
			c.log.Debugw("duplicate file registration, no-op", "path", arrival.Path, "group_id", result.GroupID)
			return
		}
		c.log.Errorw("register_file failed", "path", arrival.Path, "group_id", result.GroupID, "error", err)
		return
	}

	c.log.Debugw("registered subband file", "path", arrival.Path, "group_id", result.GroupID,
		"subband_index", result.SubbandIndex, "size", humanize.Bytes(uint64(info)), "state", state)

	if state == ingeststore.StatePending {
		select {
		case c.ready <- result.GroupID:
		case <-ctx.Done():
		}
	}
}

// fileSize is overridable in tests; production code stats the real file.
var fileSize = func(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// PendingCount reports how many groups are in the pending state,
// including those still waiting out a retry backoff, for the
// controller's backpressure signal.
func (c *Controller) PendingCount(ctx context.Context) (int, error) {
	return c.store.PendingCount(ctx)
}

// RunHousekeeping periodically fails groups stalled in collecting past
// the configured stall timeout, until ctx is cancelled.
func (c *Controller) RunHousekeeping(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			n, err := c.store.FailStalledGroups(ctx, c.stall)
			if err != nil {
				c.log.Errorw("fail_stalled_groups failed", "error", err)
				continue
			}
			if n > 0 {
				c.log.Infow("failed stalled groups", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
