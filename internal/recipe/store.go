package recipe

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
)

// Metafile name extension.
const metafileExt = ".ini"

// Configures a [Store].
type StoreOptions struct {
	Roots     []string // Ordered recipe root directories; first match wins.
	Retention int      // Backups kept per metafile. 0 means 5.
}

// Discovers, loads, caches and edits metafiles under a set of roots.
//
// Parsed recipes are cached by the content digest of the file, so a
// rewritten metafile is re-parsed on next load without any explicit
// invalidation.
type Store struct {
	roots     []string
	retention int

	mu    sync.RWMutex
	cache map[digest.Digest]*Recipe
}

// Creates a store over the given roots.
func NewStore(opts StoreOptions) *Store {
	if opts.Retention == 0 {
		opts.Retention = 5
	}
	return &Store{
		roots:     opts.Roots,
		retention: opts.Retention,
		cache:     make(map[digest.Digest]*Recipe),
	}
}

// Locates the metafile for a package name.
//
// Each root is searched in order for "<name>.ini", "<name>/<name>.ini"
// and finally any "*<name>*.ini" below the root. The first root with a
// match wins; when later roots also match, a warning names the shadowed
// paths.
func (s *Store) Find(name string) (string, error) {
	var matches []string

	for _, root := range s.roots {
		if m := findInRoot(root, name); m != "" {
			matches = append(matches, m)
		}
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if len(matches) > 1 {
		slog.Warn("duplicate recipes found, first root wins",
			"name", name,
			"using", matches[0],
			"shadowed", strings.Join(matches[1:], ", "),
		)
	}
	return matches[0], nil
}

// Searches a single root for a package's metafile.
func findInRoot(root, name string) string {
	direct := filepath.Join(root, name+metafileExt)
	if fileExists(direct) {
		return direct
	}

	nested := filepath.Join(root, name, name+metafileExt)
	if fileExists(nested) {
		return nested
	}

	var fuzzy []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		base := d.Name()
		if strings.HasSuffix(base, metafileExt) && strings.Contains(base, name) {
			fuzzy = append(fuzzy, path)
		}
		return nil
	})
	if len(fuzzy) > 0 {
		sort.Strings(fuzzy)
		return fuzzy[0]
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Loads and parses a metafile, consulting the content-digest cache.
func (s *Store) Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	key := digest.FromBytes(data)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	doc, err := ParseDocument(data, path)
	if err != nil {
		return nil, err
	}
	r := doc.Recipe()

	s.mu.Lock()
	s.cache[key] = r
	s.mu.Unlock()

	return r, nil
}

// Locates and loads a package's metafile by name.
func (s *Store) LoadByName(name string) (*Recipe, error) {
	path, err := s.Find(name)
	if err != nil {
		return nil, err
	}
	return s.Load(path)
}

// Loads the document form of a metafile for field access and edits.
// Documents are not cached; edits always see the current bytes.
func (s *Store) LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseDocument(data, path)
}

// Enumerates metafile paths under one root, or under every configured
// root when root is empty. Paths are sorted.
func (s *Store) List(root string) ([]string, error) {
	roots := s.roots
	if root != "" {
		roots = []string{root}
	}

	var out []string
	for _, r := range roots {
		err := filepath.WalkDir(r, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), metafileExt) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	sort.Strings(out)
	return out, nil
}

// Reads one section-qualified field from a metafile.
func (s *Store) Get(path, field string) (string, error) {
	doc, err := s.LoadDocument(path)
	if err != nil {
		return "", err
	}
	v, ok := doc.Get(field)
	if !ok {
		return "", fmt.Errorf("%w: field %q in %s", ErrNotFound, field, path)
	}
	return v, nil
}

// Writes one section-qualified field through the atomic update path.
func (s *Store) Set(path, field, value string) error {
	return s.UpdateAtomic(path, map[string]string{field: value})
}

// Checks a recipe against the required-field rules.
//
// A missing or malformed name is fatal, and so is a source with a
// checksum but no URL. Everything else produces warnings: a missing
// version, a source with a URL but no checksum, an unsupported URL
// scheme. A recipe needs at least one source unless a
// "sources" directory sits beside the metafile.
func (s *Store) Validate(r *Recipe) ([]string, error) {
	var warnings []string
	var fatal []string

	if r.Name == "" {
		fatal = append(fatal, "missing required field package.name")
	} else if !ValidName(r.Name) {
		fatal = append(fatal, fmt.Sprintf("invalid package name %q", r.Name))
	}

	if r.Version == "" {
		warnings = append(warnings, "missing package.version")
	}

	if len(r.Sources) == 0 {
		localSources := filepath.Join(r.Dir(), "sources")
		if info, err := os.Stat(localSources); err != nil || !info.IsDir() {
			fatal = append(fatal, "no sources declared and no sources directory present")
		}
	}

	for _, src := range r.Sources {
		if src.URL == "" {
			fatal = append(fatal, fmt.Sprintf("source %d has a checksum but no URL", src.Index))
			continue
		}
		if !SupportedScheme(src.URL) {
			warnings = append(warnings, fmt.Sprintf("source %d: unsupported URL scheme: %s", src.Index, src.URL))
		}
		if src.SHA256 == "" {
			warnings = append(warnings, fmt.Sprintf("source %d has no sha256 checksum: %s", src.Index, src.URL))
		}
	}

	if len(fatal) > 0 {
		return warnings, fmt.Errorf("%w: %s", ErrValidation, strings.Join(fatal, "; "))
	}
	return warnings, nil
}

// Starter metafile written by Create.
const starterTemplate = `[package]
name = %s
version =
category = %s

[sources]
url_1 =
sha256_1 =

[deps]
depends =

[build]
system = auto
`

// Materializes a starter metafile at the canonical location under the
// first root: <root>/<category>[/<sub>]/<name>/<name>.ini. Refuses to
// overwrite an existing metafile.
func (s *Store) Create(category, name, sub string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: invalid package name %q", ErrValidation, name)
	}
	if len(s.roots) == 0 {
		return "", fmt.Errorf("%w: no recipe roots configured", ErrNotFound)
	}

	dir := filepath.Join(s.roots[0], category)
	if sub != "" {
		dir = filepath.Join(dir, sub)
	}
	dir = filepath.Join(dir, name)
	path := filepath.Join(dir, name+metafileExt)

	if fileExists(path) {
		return "", fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}

	content := fmt.Sprintf(starterTemplate, name, category)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}

	slog.Info("recipe created", "name", name, "path", path)
	return path, nil
}
