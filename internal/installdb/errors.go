package installdb

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrNotInstalled = errkind.New(errkind.NotFound, "package not installed")
	ErrCorrupt      = errkind.New(errkind.Parse, "installed database corrupt")
	ErrWrite        = errkind.New(errkind.IO, "installed database write failed")
)
