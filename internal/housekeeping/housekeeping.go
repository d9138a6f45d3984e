// Package housekeeping runs the periodic lease-reaping sweep described in
// spec.md section 5: any observation group whose worker lease has expired
// is returned to pending so another worker can claim it.
package housekeeping

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/ingeststore"
)

// DefaultInterval is the sweep cadence when Config.Interval is zero.
const DefaultInterval = 5 * time.Minute

// Config tunes the reaper loop.
type Config struct {
	Interval time.Duration
}

// Runner drives IngestStore.ReapExpiredLeases on a fixed interval until
// its context is cancelled.
type Runner struct {
	store *ingeststore.Store
	clock clock.Clock
	log   *zap.SugaredLogger
	cfg   Config
}

// New returns a lease-reaping Runner.
func New(store *ingeststore.Store, clk clock.Clock, log *zap.SugaredLogger, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Runner{store: store, clock: clk, log: log, cfg: cfg}
}

// Run blocks, sweeping expired leases every Config.Interval, until ctx is
// cancelled. It runs one sweep immediately on entry so a restart doesn't
// wait a full interval before reclaiming stranded groups.
func (r *Runner) Run(ctx context.Context) {
	r.sweep(ctx)

	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Infow("housekeeping runner stopping")
			return
		case <-ticker.C():
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	reaped, err := r.store.ReapExpiredLeases(ctx)
	if err != nil {
		r.log.Errorw("reap expired leases failed", "error", err)
		return
	}
	if reaped > 0 {
		r.log.Infow("reaped expired leases", "count", reaped)
	}
}
