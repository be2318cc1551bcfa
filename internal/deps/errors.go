package deps

import (
	"fmt"
	"strings"

	"github.com/kilnhq/kiln/internal/errkind"
)

var (
	ErrCycle   = errkind.New(errkind.Cycle, "dependency cycle")
	ErrMissing = errkind.New(errkind.MissingDependency, "missing dependency")
	ErrUnknown = errkind.New(errkind.NotFound, "unknown package")
)

// Reports a dependency cycle. Path begins and ends with the same name.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Reports a declared dependency with no recipe or installed record.
type MissingError struct {
	Parent string
	Child  string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing dependency: %s required by %s", e.Child, e.Parent)
}

func (e *MissingError) Unwrap() error { return ErrMissing }
