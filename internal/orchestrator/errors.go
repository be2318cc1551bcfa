package orchestrator

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrBatchFailed   = errkind.New(errkind.Build, "one or more packages failed")
	ErrHasDependents = errkind.New(errkind.Usage, "package has installed dependents")
	ErrNoRecipe      = errkind.New(errkind.NotFound, "no recipe for package")
)
