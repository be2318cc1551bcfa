package upstream

import "github.com/kilnhq/kiln/internal/errkind"

var (
	ErrNoVersion   = errkind.New(errkind.NotFound, "no upstream version detected")
	ErrNoCandidate = errkind.New(errkind.Network, "no candidate URL yielded a valid archive")
	ErrNotNewer    = errkind.New(errkind.Usage, "detected version is not newer")
)
