package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// What Remove does with installed files whose content no longer
// matches the manifest.
type ModifiedPolicy int

const (
	KeepModified   ModifiedPolicy = iota // leave in place and report
	BackupModified                       // rename to <file>.kiln-saved, then report
	ForceRemove                          // remove regardless
)

// Outcome of a removal pass.
type RemoveResult struct {
	Removed []string // manifest paths deleted from the target root
	Kept    []string // modified paths left in place (or backed up)
}

// Removes a package's files from the target root, consulting its
// newest stored manifest.
//
// Files are removed in reverse path order so that directory contents go
// before their parents; directories left empty are then pruned. A file
// whose digest differs from the manifest is handled per the policy and
// reported in the result.
func (s *Store) Remove(name, targetRoot string, policy ModifiedPolicy) (*RemoveResult, error) {
	manifestPath, err := s.newestManifest(name)
	if err != nil {
		return nil, err
	}
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	paths := manifest.Paths()
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	byPath := make(map[string]digest.Digest, len(manifest.Records))
	for _, r := range manifest.Records {
		byPath[r.Path] = r.Digest
	}

	result := &RemoveResult{}
	dirs := make(map[string]bool)

	for _, p := range paths {
		target := filepath.Join(targetRoot, filepath.FromSlash(strings.TrimPrefix(p, "./")))
		dirs[filepath.Dir(target)] = true

		fh, err := os.Open(target)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, err
		}
		actual, derr := digest.Canonical.FromReader(fh)
		fh.Close()
		if derr != nil {
			return result, derr
		}

		if actual != byPath[p] && policy != ForceRemove {
			if policy == BackupModified {
				saved := target + ".kiln-saved"
				if err := os.Rename(target, saved); err != nil {
					slog.Warn("backing up modified file failed", "path", target, "error", err)
				} else {
					slog.Info("modified file backed up", "path", target, "backup", saved)
				}
			} else {
				slog.Warn("modified file left in place", "path", target)
			}
			result.Kept = append(result.Kept, p)
			continue
		}

		if err := os.Remove(target); err != nil {
			return result, fmt.Errorf("removing %s: %w", target, err)
		}
		result.Removed = append(result.Removed, p)
	}

	pruneEmptyDirs(dirs, targetRoot)

	slog.Info("artifact removed", "name", name, "root", targetRoot,
		"removed", len(result.Removed), "kept", len(result.Kept))
	return result, nil
}

// Removes directories emptied by the removal, walking up toward the
// target root. Non-empty directories stop the walk; the root itself is
// never removed.
func pruneEmptyDirs(dirs map[string]bool, targetRoot string) {
	ordered := make([]string, 0, len(dirs))
	for d := range dirs {
		ordered = append(ordered, d)
	}
	// Deepest first.
	sort.Sort(sort.Reverse(sort.StringSlice(ordered)))

	for _, dir := range ordered {
		for dir != targetRoot && strings.HasPrefix(dir, targetRoot) {
			entries, err := os.ReadDir(dir)
			if err != nil || len(entries) > 0 {
				break
			}
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}
