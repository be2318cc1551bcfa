package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	toolName = "kiln"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Holds every filesystem prefix the orchestrator persists state under.
//
// Construct one with [Default] and override individual fields from flags
// or environment before handing it to components. Components receive the
// resolved Layout and never consult the process environment themselves.
type Layout struct {
	Root        string   // Target root filesystem for installs ("/" when empty).
	Recipes     []string // Ordered recipe root directories, first match wins.
	SourceCache string   // Downloaded source archives.
	BinaryCache string   // Packed binary artifacts.
	Manifests   string   // Per-artifact file manifests.
	InstalledDB string   // Installed-package registry file.
	Locks       string   // Named lock files.
	Logs        string   // Global and per-tag log files.
	State       string   // Miscellaneous persisted state (graph cache, virtuals).
	Sandbox     string   // Base directory for build sessions.
}

// Returns the default layout rooted under the XDG base directories.
//
//	Linux: ~/.local/state/kiln/... and ~/.cache/kiln/...
func Default() Layout {
	state := filepath.Join(xdg.StateHome, toolName)
	cache := filepath.Join(xdg.CacheHome, toolName)

	return Layout{
		Root:        "/",
		Recipes:     []string{filepath.Join(state, "recipes")},
		SourceCache: filepath.Join(cache, "sources", "cache"),
		BinaryCache: filepath.Join(cache, "binaries", "cache"),
		Manifests:   filepath.Join(state, "manifests"),
		InstalledDB: filepath.Join(state, "installed.db"),
		Locks:       filepath.Join(state, "locks"),
		Logs:        filepath.Join(state, "logs"),
		State:       filepath.Join(state, "state"),
		Sandbox:     filepath.Join(cache, "build"),
	}
}

// Creates every directory the layout refers to.
//
// The installed DB parent is created rather than the file itself. Missing
// directories are created with [DefaultDirMode]; existing ones are left
// untouched.
func (l Layout) Ensure() error {
	dirs := []string{
		l.SourceCache,
		l.BinaryCache,
		l.Manifests,
		filepath.Dir(l.InstalledDB),
		l.Locks,
		l.Logs,
		l.State,
		l.Sandbox,
	}
	dirs = append(dirs, l.Recipes...)

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
			return err
		}
	}
	return nil
}
