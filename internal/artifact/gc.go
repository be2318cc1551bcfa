package artifact

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Prunes old artifacts from the cache.
//
// An artifact is removed when it is older than the retention period,
// unless it is among the newest keepPerPackage entries for its package
// name. Manifests are removed together with their archives. Returns
// the number of artifacts removed.
func (s *Store) GC(retention time.Duration, keepPerPackage int) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.opts.BinaryDir, "*.tar.*"))
	if err != nil {
		return 0, err
	}

	type entry struct {
		path string
		stem string
		name string
		mod  time.Time
	}

	byName := make(map[string][]entry)
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		stem := stemOf(m)
		name, _ := splitStem(stem)
		byName[name] = append(byName[name], entry{path: m, stem: stem, name: name, mod: info.ModTime()})
	}

	cutoff := time.Now().Add(-retention)
	removed := 0

	for name, entries := range byName {
		// Newest first; the protected prefix survives regardless of age.
		sort.Slice(entries, func(i, j int) bool { return entries[i].mod.After(entries[j].mod) })

		for i, e := range entries {
			if i < keepPerPackage || e.mod.After(cutoff) {
				continue
			}
			if err := os.Remove(e.path); err != nil {
				slog.Warn("gc could not remove artifact", "path", e.path, "error", err)
				continue
			}
			os.Remove(filepath.Join(s.opts.ManifestDir, e.stem+".manifest"))
			removed++
			slog.Debug("artifact pruned", "name", name, "path", e.path)
		}
	}

	return removed, nil
}
