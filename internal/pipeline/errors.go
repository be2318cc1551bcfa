package pipeline

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrPatch     = errkind.New(errkind.Patch, "patch application failed")
	ErrStage     = errkind.New(errkind.Build, "build stage failed")
	ErrHook      = errkind.New(errkind.Build, "hook failed")
	ErrHookPath  = errkind.New(errkind.Validation, "hook outside recipe directory")
	ErrNoSources = errkind.New(errkind.Validation, "recipe has no sources to build")
)

// Returns the last n bytes of s, unchanged if s is already within the limit.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
