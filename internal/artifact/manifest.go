package artifact

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// One manifest record: the digest of a regular file and its path
// relative to the target root, "./"-prefixed.
type Record struct {
	Digest digest.Digest
	Path   string
}

// The ordered list of records covering every regular file in an
// artifact. Paths are unique and sorted.
type Manifest struct {
	Records []Record
}

// Computes the manifest of a staged tree: every regular file, sorted by
// path, hashed with SHA-256.
func BuildManifest(stagedTree string) (*Manifest, error) {
	var records []Record

	err := filepath.WalkDir(stagedTree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(stagedTree, path)
		if err != nil {
			return err
		}

		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		dg, err := digest.Canonical.FromReader(fh)
		fh.Close()
		if err != nil {
			return err
		}

		records = append(records, Record{Digest: dg, Path: normalizePath(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPack, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })
	return &Manifest{Records: records}, nil
}

// Converts a relative path to the canonical "./"-prefixed slash form.
func normalizePath(rel string) string {
	return "./" + filepath.ToSlash(rel)
}

// Renders the manifest in its on-disk line format:
//
//	<sha256-hex>  ./<relative-path>
func (m *Manifest) Bytes() []byte {
	var b bytes.Buffer
	for _, r := range m.Records {
		fmt.Fprintf(&b, "%s  %s\n", r.Digest.Encoded(), r.Path)
	}
	return b.Bytes()
}

// Reports whether two manifests list the same files with the same
// digests.
func (m *Manifest) Equal(other *Manifest) bool {
	return bytes.Equal(m.Bytes(), other.Bytes())
}

// Returns the manifest's record paths in order.
func (m *Manifest) Paths() []string {
	out := make([]string, len(m.Records))
	for i, r := range m.Records {
		out[i] = r.Path
	}
	return out
}

// Parses the on-disk manifest format. Duplicate paths are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	seen := make(map[string]bool)

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		hexDigest, path, ok := strings.Cut(line, "  ")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: %q", ErrManifest, i+1, line)
		}
		path = strings.TrimSpace(path)
		if !strings.HasPrefix(path, "./") {
			return nil, fmt.Errorf("%w: line %d: path %q not ./-prefixed", ErrManifest, i+1, path)
		}
		if seen[path] {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrManifest, path)
		}
		seen[path] = true

		dg := digest.NewDigestFromEncoded(digest.SHA256, hexDigest)
		if err := dg.Validate(); err != nil {
			return nil, fmt.Errorf("%w: line %d: bad digest: %v", ErrManifest, i+1, err)
		}

		m.Records = append(m.Records, Record{Digest: dg, Path: path})
	}
	return m, nil
}

// Loads and parses a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: manifest %s", ErrNotFound, path)
		}
		return nil, err
	}
	return ParseManifest(data)
}
