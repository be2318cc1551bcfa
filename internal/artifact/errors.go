package artifact

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrNotFound  = errkind.New(errkind.NotFound, "no cached artifact")
	ErrIntegrity = errkind.New(errkind.Checksum, "artifact failed integrity check")
	ErrManifest  = errkind.New(errkind.Parse, "malformed manifest")
	ErrPack      = errkind.New(errkind.IO, "packing failed")
	ErrInstall   = errkind.New(errkind.IO, "install failed")
)
