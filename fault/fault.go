// Package fault classifies the error outcomes of state-mutating operations so
// callers can distinguish "fix your input" from "you lost a race" from "the
// payment provider broke". Domain packages wrap their sentinel errors with a
// kind; the HTTP layer maps kinds to status codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of a rejected operation.
type Kind int

const (
	// KindValidation: malformed or missing input. No state changed.
	KindValidation Kind = iota + 1
	// KindAuthorization: the actor may not perform this transition. No state changed.
	KindAuthorization
	// KindState: the operation is not valid for the entity's current status. No state changed.
	KindState
	// KindConflict: lost a race to a concurrent mutator. The caller should
	// re-fetch and decide, not treat it as a hard failure.
	KindConflict
	// KindSettlement: the external payment capability failed. State is either
	// unchanged or moved to failed, never silently advanced.
	KindSettlement
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindConflict:
		return "conflict"
	case KindSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from err, or 0 when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
