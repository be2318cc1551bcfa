package fetch

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrNetwork    = errkind.New(errkind.Network, "download failed")
	ErrChecksum   = errkind.New(errkind.Checksum, "checksum verification failed")
	ErrTooSmall   = errkind.New(errkind.Validation, "downloaded file below minimum size")
	ErrNoTool     = errkind.New(errkind.NotFound, "no tool available for this source type")
	ErrUnsafePath = errkind.New(errkind.Validation, "archive entry escapes destination")
)
