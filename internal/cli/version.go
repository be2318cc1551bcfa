package cli

import "github.com/kilnhq/kiln/internal"

// Returns the detailed version string for the version command.
func versionString() string {
	return internal.VersionString()
}
