package stark

import "fmt"

// ConstraintError reports an algebraic verification failure: the
// out-of-domain identity does not hold, the interaction channels do not
// cancel, or the proof's claimed values are malformed
type ConstraintError struct {
	Reason string
}

func (e *ConstraintError) Error() string {
	return "constraint violation: " + e.Reason
}

// ProximityError reports a failed commitment or low-degree check: a
// Merkle path does not authenticate, or a FRI fold is inconsistent
type ProximityError struct {
	Reason string
}

func (e *ProximityError) Error() string {
	return "proximity failure: " + e.Reason
}

func constraintErrf(format string, args ...any) error {
	return &ConstraintError{Reason: fmt.Sprintf(format, args...)}
}

func proximityErrf(format string, args ...any) error {
	return &ProximityError{Reason: fmt.Sprintf(format, args...)}
}
