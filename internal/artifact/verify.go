package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Outcome of a verification pass.
type VerifyResult struct {
	Missing  []string // manifest paths absent from the target root
	Modified []string // manifest paths whose content digest differs
}

// Reports whether everything the manifest lists is present and intact.
func (v *VerifyResult) Clean() bool {
	return len(v.Missing) == 0 && len(v.Modified) == 0
}

// Verifies a package's installed files against its newest stored
// manifest.
func (s *Store) Verify(name, targetRoot string) (*VerifyResult, error) {
	manifestPath, err := s.newestManifest(name)
	if err != nil {
		return nil, err
	}
	return s.VerifyManifest(manifestPath, targetRoot)
}

// Verifies installed files against a specific manifest file.
func (s *Store) VerifyManifest(manifestPath, targetRoot string) (*VerifyResult, error) {
	manifest, err := ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	missing, modified, err := verifyTree(manifest, targetRoot)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Missing: missing, Modified: modified}, nil
}

// Recomputes the digest of every manifest-listed file under root.
func verifyTree(m *Manifest, root string) (missing, modified []string, err error) {
	for _, r := range m.Records {
		target := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(r.Path, "./")))

		fh, err := os.Open(target)
		if err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, r.Path)
				continue
			}
			return nil, nil, err
		}

		actual, derr := digest.Canonical.FromReader(fh)
		fh.Close()
		if derr != nil {
			return nil, nil, derr
		}
		if actual != r.Digest {
			modified = append(modified, r.Path)
		}
	}
	return missing, modified, nil
}

// Returns the path of the newest manifest stored for a package. The
// prefix glob also sees longer package names, so stems are re-checked
// for an exact name match.
func (s *Store) newestManifest(name string) (string, error) {
	matches, _ := filepath.Glob(filepath.Join(s.opts.ManifestDir, name+"-*.manifest"))
	sort.Strings(matches)

	var candidates []string
	for _, m := range matches {
		if stemName, _ := splitStem(stemOf(m)); stemName == name {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no manifest for %s", ErrNotFound, name)
	}
	return candidates[len(candidates)-1], nil
}
