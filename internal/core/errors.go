package core

import (
	"errors"
	"fmt"
)

// ErrInconclusiveMatch marks an evaluation that cannot be resolved with the
// data at hand: a property value missing from the bag, an unsupported
// operator, or an unavailable dependency result. Callers must fall back to
// remote evaluation, never treat it as false.
var ErrInconclusiveMatch = errors.New("inconclusive match")

func inconclusive(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconclusiveMatch, fmt.Sprintf(format, args...))
}

// CyclicDependencyError reports that topological sorting stalled on a cycle,
// naming one flag still unresolved. The normal evaluation path removes
// cycles first, so this surfaces only when cycle removal was skipped.
type CyclicDependencyError struct {
	FlagKey string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected for flag %q", e.FlagKey)
}

// MissingDependencyError reports a flag referencing a dependency ID that no
// loaded flag carries. The edge is dropped and evaluation continues.
type MissingDependencyError struct {
	FlagKey      string
	DependencyID string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("flag %q depends on missing flag ID %q", e.FlagKey, e.DependencyID)
}
