package balance

import (
	"context"
	"errors"
	"fmt"
)

// Common errors shared by the pool, the store and the orchestrator.
var (
	// ErrTimeout is returned when an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrAuth is returned when credentials were rejected.
	ErrAuth = errors.New("authentication failed")

	// ErrExtraction is returned when a balance could not be parsed from the target.
	ErrExtraction = errors.New("balance extraction failed")

	// ErrPoolExhausted is returned when no pooled resource became available in time.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrResourceHealth marks a pooled resource that failed reset or health check.
	ErrResourceHealth = errors.New("resource unhealthy")

	// ErrPoolClosed is returned by acquisitions on a pool that has shut down.
	ErrPoolClosed = errors.New("resource pool shut down")

	// ErrNotApplicable is returned by a fast path that cannot serve the account.
	// It is not a failure: the caller falls through to the slow path.
	ErrNotApplicable = errors.New("fast path not applicable")

	// ErrFastPath marks a fast-path failure that was not followed by a slow
	// path because the account was already re-authenticated today.
	ErrFastPath = errors.New("fast path failed")
)

// ExtractionKind classifies a slow-path extraction failure.
type ExtractionKind string

const (
	KindAuthFailed  ExtractionKind = "auth_failed"
	KindParseFailed ExtractionKind = "parse_failed"
	KindTimeout     ExtractionKind = "timeout"
	KindBlocked     ExtractionKind = "blocked"
)

// Temporary reports whether the kind may succeed on another attempt within
// the same cycle.
func (k ExtractionKind) Temporary() bool {
	return k == KindTimeout || k == KindBlocked
}

// ExtractionError is returned by extractors.
type ExtractionError struct {
	Kind    ExtractionKind
	Message string
	Err     error
}

// NewExtractionError is a convenience constructor.
func NewExtractionError(kind ExtractionKind, message string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("extraction %s: %s", e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is maps the kind onto the package sentinels.
func (e *ExtractionError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuthFailed
	case ErrExtraction:
		return e.Kind == KindParseFailed
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// Temporary reports whether another attempt in the same cycle may succeed.
func (e *ExtractionError) Temporary() bool {
	return e.Kind.Temporary()
}

// Reason is the failure reason reported in a Result.
type Reason string

const (
	ReasonTimeout       Reason = "timeout"
	ReasonAuthFailed    Reason = "auth_failed"
	ReasonParseFailed   Reason = "parse_failed"
	ReasonBlocked       Reason = "blocked"
	ReasonPoolExhausted Reason = "pool_exhausted"
	ReasonPoolClosed    Reason = "pool_closed"
	ReasonFastPath      Reason = "fast_path_failed"
	ReasonCancelled     Reason = "cancelled"
	ReasonInternal      Reason = "internal"
)

// Classify maps an error onto a reason and whether the account should be
// retried on the next cycle.
func Classify(err error) (Reason, bool) {
	if err == nil {
		return "", false
	}

	var xe *ExtractionError
	if errors.As(err, &xe) {
		switch xe.Kind {
		case KindAuthFailed:
			return ReasonAuthFailed, false
		case KindParseFailed:
			return ReasonParseFailed, false
		case KindTimeout:
			return ReasonTimeout, true
		case KindBlocked:
			return ReasonBlocked, true
		}
	}

	switch {
	case errors.Is(err, ErrFastPath):
		return ReasonFastPath, true
	case errors.Is(err, ErrPoolExhausted):
		return ReasonPoolExhausted, true
	case errors.Is(err, ErrPoolClosed):
		return ReasonPoolClosed, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ReasonTimeout, true
	case errors.Is(err, context.Canceled):
		return ReasonCancelled, true
	case errors.Is(err, ErrAuth):
		return ReasonAuthFailed, false
	case errors.Is(err, ErrExtraction):
		return ReasonParseFailed, false
	default:
		return ReasonInternal, true
	}
}
