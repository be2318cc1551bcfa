package sandbox

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrSetup         = errkind.New(errkind.Sandbox, "session setup failed")
	ErrMount         = errkind.New(errkind.Sandbox, "pseudo-filesystem mount failed")
	ErrUnmount       = errkind.New(errkind.Sandbox, "pseudo-filesystem unmount failed")
	ErrTimeout       = errkind.New(errkind.Sandbox, "command timed out")
	ErrUnsafeCleanup = errkind.New(errkind.Sandbox, "refusing cleanup outside sandbox base")
)
