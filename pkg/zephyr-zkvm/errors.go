package zephyrzkvm

import (
	"errors"
	"fmt"

	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/aggregate"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/executor"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/recursion"
	"github.com/zephyrlabs/zephyr-zkvm/internal/zephyr-zkvm/stark"
)

// ErrorCode classifies pipeline errors. Decode failures are a distinct
// kind from cryptographic rejection: a DecodeFault means the bytes were
// not a proof, never that a proof was invalid.
type ErrorCode int

const (
	// ErrUnknown represents an unclassified error
	ErrUnknown ErrorCode = iota

	// ErrInvalidConfig represents an invalid configuration
	ErrInvalidConfig

	// ErrInvalidInput represents malformed caller input
	ErrInvalidInput

	// ErrExecution represents a guest execution fault
	ErrExecution

	// ErrProofGeneration represents a prover-side failure
	ErrProofGeneration

	// ErrConstraintViolation represents an algebraic verification
	// rejection
	ErrConstraintViolation

	// ErrProximityFailure represents a commitment or low-degree
	// rejection
	ErrProximityFailure

	// ErrAggregation represents an invalid child proof during reduction
	ErrAggregation

	// ErrVerification represents a structural verification rejection
	// (seal chain, continuation chain, IO binding)
	ErrVerification

	// ErrDecode represents a serialization failure
	ErrDecode
)

// Error is the typed fault of the public surface
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("zephyr-zkvm error [%d]: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("zephyr-zkvm error [%d]: %s", e.Code, e.Message)
}

// Unwrap returns the cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func errf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// classify maps internal errors to the public fault taxonomy
func classify(err error, fallback ErrorCode, msg string) *Error {
	var (
		fault *executor.Fault
		cerr  *stark.ConstraintError
		perr  *stark.ProximityError
		aerr  *aggregate.AggregationFault
		xerr  *recursion.ExecError
	)
	switch {
	case errors.As(err, &fault):
		return errf(ErrExecution, err, "%s", msg)
	case errors.As(err, &cerr):
		return errf(ErrConstraintViolation, err, "%s", msg)
	case errors.As(err, &perr):
		return errf(ErrProximityFailure, err, "%s", msg)
	case errors.As(err, &aerr):
		return errf(ErrAggregation, err, "%s", msg)
	case errors.As(err, &xerr):
		return errf(ErrAggregation, err, "%s", msg)
	default:
		return errf(fallback, err, "%s", msg)
	}
}
