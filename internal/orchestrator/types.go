// Package orchestrator implements the Pipeline Orchestrator from spec.md
// section 4.4: a DAG of stages executed in dependency order with
// retries, per-attempt timeouts, cooperative cancellation, and immutable
// context propagation.
package orchestrator

import (
	"context"
	"time"
)

// Outcome classifies the result of one stage attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryableError
	OutcomeFatalError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableError:
		return "retryable_error"
	case OutcomeFatalError:
		return "fatal_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Context is an immutable bag of typed values threaded through stage
// execution. With returns a new Context carrying every entry of the
// receiver plus the added key; the receiver is never mutated.
type Context struct {
	values map[string]any
}

// NewContext returns an empty immutable context.
func NewContext() Context {
	return Context{values: map[string]any{}}
}

// With returns a new Context with key set to value, leaving c unchanged.
func (c Context) With(key string, value any) Context {
	next := make(map[string]any, len(c.values)+1)
	for k, v := range c.values {
		next[k] = v
	}
	next[key] = value
	return Context{values: next}
}

// Get returns the value for key and whether it was present.
func (c Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Merge returns a new Context containing every entry of c and other;
// where both define the same key, other's value wins. Used to compute a
// stage's input context from multiple completed dependencies.
func (c Context) Merge(other Context) Context {
	next := make(map[string]any, len(c.values)+len(other.values))
	for k, v := range c.values {
		next[k] = v
	}
	for k, v := range other.values {
		next[k] = v
	}
	return Context{values: next}
}

// RetryPolicy bounds how many attempts a stage gets and how backoff
// between attempts grows.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is used by stages that don't specify one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Stage is one node of the pipeline DAG. Execute must suspend only at
// I/O, external-tool invocation, or explicit cancellation checks, and
// must honor ctx's deadline and cancellation cooperatively.
type Stage interface {
	Name() string
	DependsOn() []string
	Execute(ctx context.Context, input Context) (Context, Outcome, error)
	RetryPolicy() RetryPolicy
	Timeout() time.Duration
}

// Observer receives progress events from the orchestrator. Implementations
// must not block significantly; the orchestrator does not buffer events.
type Observer interface {
	OnStageStart(groupID, stageName string, at time.Time)
	OnStageEnd(groupID, stageName string, at time.Time, outcome Outcome, err error)
	OnCheckpoint(groupID, stageName string, at time.Time, payloadSize int)
	OnGroupStateChange(groupID string, at time.Time, newState string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) OnStageStart(string, string, time.Time)              {}
func (NopObserver) OnStageEnd(string, string, time.Time, Outcome, error) {}
func (NopObserver) OnCheckpoint(string, string, time.Time, int)         {}
func (NopObserver) OnGroupStateChange(string, time.Time, string)        {}
