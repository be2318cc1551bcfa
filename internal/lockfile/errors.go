package lockfile

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrTimeout     = errkind.New(errkind.Lock, "lock acquisition timed out")
	ErrWouldBlock  = errkind.New(errkind.Lock, "lock is held by another process")
	ErrAlreadyHeld = errkind.New(errkind.Usage, "lock already held by this process")
)
