package types

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Transient errors. Callers retry these with backoff.
var (
	ErrBusUnavailable   = errors.New("bus unavailable")
	ErrBusBackpressure  = errors.New("bus backpressure")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrEvaluatorTimeout = errors.New("evaluator timeout")
	ErrCircuitOpen      = errors.New("circuit open")
)

// Store commit errors.
var (
	// ErrConflict means the proposal's base version is no longer current.
	ErrConflict = errors.New("version conflict")
	// ErrContention means rebase attempts were exhausted.
	ErrContention = errors.New("commit contention")
)

// Evaluator rejects. Terminal for the mutation.
var (
	ErrContradiction      = errors.New("contradicts existing knowledge")
	ErrUtilityTooLow      = errors.New("predicted utility too low")
	ErrEvaluatorsDegraded = errors.New("too many evaluators degraded")
)

// ValidationKind names a validator rejection.
type ValidationKind string

const (
	SchemaInvalid        ValidationKind = "SchemaInvalid"
	UnknownDomain        ValidationKind = "UnknownDomain"
	CyclicDependency     ValidationKind = "CyclicDependency"
	ConfidenceBelowFloor ValidationKind = "ConfidenceBelowFloor"
	ForbiddenRemoval     ValidationKind = "ForbiddenRemoval"
	DuplicateFieldName   ValidationKind = "DuplicateFieldName"
	TimestampNotUtc      ValidationKind = "TimestampNotUtc"
)

// ValidationError is a structured validator reject. Always terminal.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewValidationError builds a validator reject.
func NewValidationError(kind ValidationKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// InvariantViolation reports a tree invariant failing on (or after) commit.
// Catastrophic: the commit aborts, or an applied commit is rolled back.
type InvariantViolation struct {
	Which  string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Which, e.Detail)
}

// IsTerminalReject reports whether err ends the mutation with status rejected
// and must never be retried.
func IsTerminalReject(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	return errors.Is(err, ErrContradiction) ||
		errors.Is(err, ErrUtilityTooLow) ||
		errors.Is(err, ErrEvaluatorsDegraded) ||
		errors.Is(err, ErrContention)
}

// IsTransient reports whether err is retryable with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusUnavailable) ||
		errors.Is(err, ErrBusBackpressure) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrEvaluatorTimeout) ||
		errors.Is(err, ErrCircuitOpen)
}

// RejectReason maps a terminal error to the reason string carried on
// semantic_validation events.
func RejectReason(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return string(ve.Kind)
	}
	switch {
	case errors.Is(err, ErrContradiction):
		return "Contradiction"
	case errors.Is(err, ErrUtilityTooLow):
		return "UtilityTooLow"
	case errors.Is(err, ErrEvaluatorsDegraded):
		return "EvaluatorsDegraded"
	case errors.Is(err, ErrContention):
		return "Contention"
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	default:
		return "Internal"
	}
}
