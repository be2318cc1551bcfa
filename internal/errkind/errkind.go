package errkind

import (
	"errors"
	"fmt"
)

// Classifies errors surfaced by the core components.
//
// Kinds drive the orchestrator's retry policy and the CLI's exit code
// mapping. Components create kinded sentinels with [New] and wrap causes
// with fmt.Errorf and %w; the kind survives any depth of wrapping.
type Kind int

const (
	Unknown Kind = iota
	Usage
	NotFound
	Parse
	Validation
	IO
	Network
	Checksum
	Patch
	Build
	Sandbox
	Cycle
	MissingDependency
	Lock
	Rollback
	Transient
)

// Returns the lowercase name of the kind, for logs and summaries.
func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage"
	case NotFound:
		return "not-found"
	case Parse:
		return "parse"
	case Validation:
		return "validation"
	case IO:
		return "io"
	case Network:
		return "network"
	case Checksum:
		return "checksum"
	case Patch:
		return "patch"
	case Build:
		return "build"
	case Sandbox:
		return "sandbox"
	case Cycle:
		return "cycle"
	case MissingDependency:
		return "missing-dependency"
	case Lock:
		return "lock"
	case Rollback:
		return "rollback"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// A sentinel error carrying a kind.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Creates a kinded sentinel error.
//
// Packages declare their Err* values with New so that callers can both
// match them with errors.Is and classify them with [Of].
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Returns the kind of the outermost kinded error in err's chain, or
// Unknown when the chain carries no kind.
func Of(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Reports whether err is worth retrying.
//
// Network failures and errors explicitly marked Transient qualify;
// everything else is considered deterministic.
func IsTransient(err error) bool {
	switch Of(err) {
	case Network, Transient:
		return true
	}
	return false
}

// Wraps err so that it classifies as Transient while still matching its
// original sentinels via errors.Is.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", transientMark, err)
}

var transientMark = New(Transient, "transient")
