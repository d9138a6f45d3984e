// Package perr defines the error-kind taxonomy the orchestrator and stores
// classify outcomes by. It replaces the exception-for-control-flow pattern
// flagged in spec section 9 with a sentinel-error + Kind scheme so callers
// switch on kind rather than instance-of checks.
package perr

import (
	"errors"
	"fmt"
)

// Kind is a coarse classification the orchestrator and stores use to decide
// retry vs. fatal behavior. It is not a Go error type itself — Kind values
// are compared with ==, and StageError carries one alongside the wrapped
// error.
type Kind int

const (
	KindUnknown Kind = iota
	KindDuplicateFile
	KindIncompleteGroup
	KindLeaseLost
	KindInvalidDAG
	KindRetryableStage
	KindFatalStage
	KindNoCalibrationAvailable
	KindRegistrationFailed
	KindNormalizationDeferred
	KindStoreUnavailable
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateFile:
		return "DuplicateFile"
	case KindIncompleteGroup:
		return "IncompleteGroup"
	case KindLeaseLost:
		return "LeaseLost"
	case KindInvalidDAG:
		return "InvalidDAG"
	case KindRetryableStage:
		return "RetryableStageError"
	case KindFatalStage:
		return "FatalStageError"
	case KindNoCalibrationAvailable:
		return "NoCalibrationAvailable"
	case KindRegistrationFailed:
		return "RegistrationFailed"
	case KindNormalizationDeferred:
		return "NormalizationDeferred"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the orchestrator should back off and re-attempt
// on this kind, independent of any per-stage retry_policy exhaustion.
func (k Kind) Retryable() bool {
	switch k {
	case KindRetryableStage, KindNoCalibrationAvailable, KindStoreUnavailable:
		return true
	default:
		return false
	}
}

// StageError wraps an underlying error with the Kind the orchestrator
// classifies it by.
type StageError struct {
	Kind Kind
	Err  error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// New wraps err with kind. If err is nil, New returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Kind: kind, Err: err}
}

// Newf builds a StageError from a format string, analogous to fmt.Errorf.
func Newf(kind Kind, format string, args ...any) error {
	return &StageError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// KindUnknown if err does not wrap a *StageError.
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel errors for equality checks where no extra context is needed.
var (
	ErrDuplicateFile  = errors.New("duplicate file registration")
	ErrLeaseLost      = errors.New("lease lost to another worker")
	ErrNoGroupPending = errors.New("no pending group available")
	ErrInvalidDAG     = errors.New("stage dependency graph is invalid")
)
