package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/ingeststore"
	"github.com/skywave-obs/continuum/internal/perr"
)

// Orchestrator executes one Stage DAG per observation group, bounding
// cross-group parallelism at the caller and per-group stage concurrency
// at construction time.
type Orchestrator struct {
	dag      *dag
	poolSize int
	observer Observer
	clock    clock.Clock
	log      *zap.SugaredLogger
}

// New validates the stage DAG (rejecting cycles with InvalidDAG) and
// returns an Orchestrator ready to run groups through it. poolSize bounds
// how many stages of one group may execute concurrently; zero defaults
// to the number of logical CPUs.
func New(stages []Stage, poolSize int, observer Observer, clk clock.Clock, log *zap.SugaredLogger) (*Orchestrator, error) {
	d, err := buildDAG(stages)
	if err != nil {
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Orchestrator{dag: d, poolSize: poolSize, observer: observer, clock: clk, log: log}, nil
}

// stageFailure carries the terminal error that stopped a group's run.
type stageFailure struct {
	stageName string
	outcome   Outcome
	err       error
}

// RunGroup executes every stage of the DAG for groupID in dependency
// order, with stages having no remaining dependency on each other
// running concurrently up to the configured pool size. On any fatal
// error it writes a checkpoint naming the failed stage and finalizes the
// group as failed; on full success it finalizes the group as completed.
func (o *Orchestrator) RunGroup(ctx context.Context, groupID string, root Context, store *ingeststore.Store) error {
	total := len(o.dag.stages)
	if total == 0 {
		_, err := store.Finalize(ctx, groupID, ingeststore.OutcomeCompleted, "")
		return err
	}

	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]Context, total)
	remaining := make(map[string]int, total)
	for k, v := range o.dag.inDegree {
		remaining[k] = v
	}
	done := 0
	var failure *stageFailure
	var closeOnce sync.Once

	readyCh := make(chan string, total)
	closeReady := func() { closeOnce.Do(func() { close(readyCh) }) }
	for name, deg := range remaining {
		if deg == 0 {
			readyCh <- name
		}
	}

	poolSize := o.poolSize
	if poolSize > total {
		poolSize = total
	}

	runOne := func(name string) {
		stage := o.dag.stages[name]

		mu.Lock()
		input := root
		for _, dep := range stage.DependsOn() {
			input = input.Merge(results[dep])
		}
		mu.Unlock()

		startAt := o.clock.Now()
		o.observer.OnStageStart(groupID, name, startAt)
		output, outcome, err := o.runStageWithRetry(groupCtx, store, groupID, stage, input)
		o.observer.OnStageEnd(groupID, name, o.clock.Now(), outcome, err)

		mu.Lock()
		defer mu.Unlock()
		if failure != nil {
			// Another stage already failed the group; abandon this
			// result rather than schedule further work on a closed
			// readyCh.
			return
		}
		if err != nil {
			failure = &stageFailure{stageName: name, outcome: outcome, err: err}
			cancel()
			closeReady()
			return
		}

		results[name] = output
		done++
		for _, dependent := range o.dag.dependents[name] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				readyCh <- dependent
			}
		}
		if done == total {
			closeReady()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case name, ok := <-readyCh:
					if !ok {
						return
					}
					runOne(name)
				case <-groupCtx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()

	if failure != nil {
		payload := []byte(fmt.Sprintf(`{"failed_stage":%q,"error":%q}`, failure.stageName, failure.err.Error()))
		if err := store.Checkpoint(ctx, groupID, payload); err != nil {
			o.log.Errorw("failed to write failure checkpoint", "group_id", groupID, "error", err)
		} else {
			o.observer.OnCheckpoint(groupID, failure.stageName, o.clock.Now(), len(payload))
		}
		newState, err := store.Finalize(ctx, groupID, ingeststore.OutcomeFailed, failure.err.Error())
		if err != nil {
			return fmt.Errorf("finalize group %s as failed: %w", groupID, err)
		}
		o.observer.OnGroupStateChange(groupID, o.clock.Now(), string(newState))
		return failure.err
	}

	newState, err := store.Finalize(ctx, groupID, ingeststore.OutcomeCompleted, "")
	if err != nil {
		return fmt.Errorf("finalize group %s as completed: %w", groupID, err)
	}
	o.observer.OnGroupStateChange(groupID, o.clock.Now(), string(newState))
	return nil
}

// runStageWithRetry runs one stage to completion of its retry policy.
// The returned error is non-nil only for a terminal outcome (fatal, or a
// cancellation that did not originate from the stage's own per-attempt
// timeout): retryable attempts are retried internally with backoff.
func (o *Orchestrator) runStageWithRetry(ctx context.Context, store *ingeststore.Store, groupID string, stage Stage, input Context) (Context, Outcome, error) {
	policy := stage.RetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialBackoff
	bo.MaxInterval = policy.MaxBackoff
	bo.Multiplier = policy.BackoffMultiplier
	if bo.Multiplier <= 0 {
		bo.Multiplier = 2.0
	}
	bo.RandomizationFactor = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Context{}, OutcomeCancelled, perr.New(perr.KindCancelled, ctx.Err())
		}

		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if stage.Timeout() > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, stage.Timeout())
		}
		output, outcome, err := stage.Execute(attemptCtx, input)
		if cancelAttempt != nil {
			cancelAttempt()
		}

		switch outcome {
		case OutcomeSuccess:
			return output, outcome, nil
		case OutcomeCancelled:
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				// Timed out at the attempt level only: treated like a
				// retryable error, per spec.md section 5.
				lastErr = perr.New(perr.KindRetryableStage, fmt.Errorf("stage %s attempt %d timed out after %s", stage.Name(), attempt, stage.Timeout()))
			} else {
				return Context{}, OutcomeCancelled, perr.New(perr.KindCancelled, err)
			}
		case OutcomeFatalError:
			return Context{}, outcome, perr.New(perr.KindFatalStage, err)
		case OutcomeRetryableError:
			lastErr = perr.New(perr.KindRetryableStage, err)
		default:
			return Context{}, OutcomeFatalError, perr.New(perr.KindFatalStage, fmt.Errorf("stage %s returned unknown outcome", stage.Name()))
		}

		if attempt < policy.MaxAttempts {
			delay := bo.NextBackOff()
			o.log.Debugw("retrying stage after backoff", "group_id", groupID, "stage", stage.Name(), "attempt", attempt, "delay", humanize.RelTime(o.clock.Now(), o.clock.Now().Add(delay), "", ""))
			select {
			case <-o.clock.After(delay):
			case <-ctx.Done():
				return Context{}, OutcomeCancelled, perr.New(perr.KindCancelled, ctx.Err())
			}
		}
	}
	// Retry budget exhausted: promote to fatal.
	return Context{}, OutcomeFatalError, perr.New(perr.KindFatalStage, fmt.Errorf("stage %s exhausted retry budget: %w", stage.Name(), lastErr))
}
