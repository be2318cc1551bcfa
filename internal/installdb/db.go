package installdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/paths"
)

// Name of the lock serializing registry mutations.
const dbLockName = "installed-db"

// How long a mutation waits for the registry lock.
const dbLockTimeout = 5 * time.Minute

// Timestamp layout for backup suffixes.
const backupStamp = "20060102T150405Z"

// One installed package.
type Record struct {
	Name        string
	Version     string
	Depends     []string
	BuildDeps   []string
	OptDeps     []string
	ManifestRef string
	InstalledAt time.Time
}

// The installed-package registry.
//
// All mutations are serialized by the installed-db lock and applied
// through backup, temp-write and rename. Concurrent readers may observe
// either the old or the new registry, never a partial one.
type DB struct {
	path      string // installed.db; siblings derive from it
	locks     *lockfile.Manager
	retention int

	mu sync.Mutex
}

// Opens the registry at path. The file need not exist yet.
func Open(path string, locks *lockfile.Manager, retention int) *DB {
	if retention == 0 {
		retention = 5
	}
	return &DB{path: path, locks: locks, retention: retention}
}

func (db *DB) dependsPath() string   { return filepath.Join(filepath.Dir(db.path), "depends.db") }
func (db *DB) manifestsPath() string { return filepath.Join(filepath.Dir(db.path), "manifests.db") }

// Registers a package, replacing any existing record with the same
// name.
func (db *DB) MarkInstalled(ctx context.Context, rec Record) error {
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = time.Now().UTC()
	}

	return db.mutate(ctx, func(records map[string]*Record) {
		r := rec
		records[rec.Name] = &r
		slog.Info("package marked installed", "name", rec.Name, "version", rec.Version)
	})
}

// Removes a package's record. Unknown names are a no-op.
func (db *DB) MarkUninstalled(ctx context.Context, name string) error {
	return db.mutate(ctx, func(records map[string]*Record) {
		if _, ok := records[name]; ok {
			delete(records, name)
			slog.Info("package marked uninstalled", "name", name)
		}
	})
}

// Returns the installed version of a package, or false.
func (db *DB) CheckInstalled(name string) (string, bool, error) {
	records, err := db.load()
	if err != nil {
		return "", false, err
	}
	rec, ok := records[name]
	if !ok {
		return "", false, nil
	}
	return rec.Version, true, nil
}

// Returns the full record for a package.
func (db *DB) Get(name string) (*Record, error) {
	records, err := db.load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	out := *rec
	return &out, nil
}

// Returns every record, sorted by name.
func (db *DB) List() ([]Record, error) {
	records, err := db.load()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Returns the runtime dependencies recorded for a package.
func (db *DB) DependsOf(name string) ([]string, error) {
	rec, err := db.Get(name)
	if err != nil {
		return nil, err
	}
	return rec.Depends, nil
}

// Returns the installed packages whose recorded runtime dependencies
// include name, sorted.
func (db *DB) RequiredBy(name string) ([]string, error) {
	records, err := db.load()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rec := range records {
		for _, dep := range rec.Depends {
			if dep == name {
				out = append(out, rec.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Restores the registry from its newest backup when the live file is
// absent or unreadable while backups exist. Called once at startup.
func (db *DB) Recover() error {
	if _, statErr := os.Stat(db.path); statErr == nil {
		if _, err := db.load(); err == nil {
			return nil
		}
	}

	backups, _ := filepath.Glob(db.path + ".bak.*")
	if len(backups) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))

	slog.Warn("installed database unreadable, restoring from backup", "backup", backups[0])
	for _, pair := range [][2]string{
		{backups[0], db.path},
		{siblingBackup(backups[0], db.dependsPath()), db.dependsPath()},
		{siblingBackup(backups[0], db.manifestsPath()), db.manifestsPath()},
	} {
		if pair[0] == "" {
			continue
		}
		data, err := os.ReadFile(pair[0])
		if err != nil {
			continue
		}
		if err := os.WriteFile(pair[1], data, paths.DefaultFileMode); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return nil
}

// Maps an installed.db backup path to the matching sibling backup.
func siblingBackup(installedBackup, sibling string) string {
	stamp := installedBackup[strings.LastIndex(installedBackup, ".bak."):]
	candidate := sibling + stamp
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Runs a mutation under the registry lock and persists the result.
func (db *DB) mutate(ctx context.Context, fn func(map[string]*Record)) error {
	if db.locks != nil {
		lock, err := db.locks.Acquire(ctx, dbLockName, dbLockTimeout)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	records, err := db.load()
	if err != nil {
		return err
	}

	fn(records)
	return db.save(records)
}

// Reads all three registry files into memory.
//
// A read failure is retried once to tolerate a concurrent
// replace-via-rename.
func (db *DB) load() (map[string]*Record, error) {
	records, err := db.loadOnce()
	if err != nil {
		records, err = db.loadOnce()
	}
	return records, err
}

func (db *DB) loadOnce() (map[string]*Record, error) {
	records := make(map[string]*Record)

	data, err := os.ReadFile(db.path)
	if os.IsNotExist(err) {
		return records, nil
	}
	if err != nil {
		return nil, err
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %s:%d: %q", ErrCorrupt, db.path, i+1, line)
		}
		records[strings.TrimSpace(name)] = &Record{
			Name:    strings.TrimSpace(name),
			Version: strings.TrimSpace(version),
		}
	}

	if err := db.loadDepends(records); err != nil {
		return nil, err
	}
	if err := db.loadManifests(records); err != nil {
		return nil, err
	}
	return records, nil
}

// Parses depends.db lines: "name: deps", "name!build: deps",
// "name!opt: deps".
func (db *DB) loadDepends(records map[string]*Record) error {
	data, err := os.ReadFile(db.dependsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, list, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		name, kind := strings.TrimSpace(key), ""
		if base, k, found := strings.Cut(name, "!"); found {
			name, kind = base, k
		}

		rec, ok := records[name]
		if !ok {
			continue
		}

		deps := strings.Fields(list)
		switch kind {
		case "":
			rec.Depends = deps
		case "build":
			rec.BuildDeps = deps
		case "opt":
			rec.OptDeps = deps
		}
	}
	return nil
}

// Parses manifests.db lines: "name: <manifest-path> <unix-seconds>".
func (db *DB) loadManifests(records map[string]*Record) error {
	data, err := os.ReadFile(db.manifestsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		rec, ok := records[strings.TrimSpace(name)]
		if !ok {
			continue
		}

		fields := strings.Fields(rest)
		if len(fields) >= 1 && fields[0] != "-" {
			rec.ManifestRef = fields[0]
		}
		if len(fields) >= 2 {
			if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				rec.InstalledAt = time.Unix(secs, 0).UTC()
			}
		}
	}
	return nil
}

// Persists the registry: backups first, then temp-write and rename for
// each file.
func (db *DB) save(records map[string]*Record) error {
	if err := os.MkdirAll(filepath.Dir(db.path), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	stamp := time.Now().UTC().Format(backupStamp)
	for _, path := range []string{db.path, db.dependsPath(), db.manifestsPath()} {
		if data, err := os.ReadFile(path); err == nil {
			backup := fmt.Sprintf("%s.bak.%s", path, stamp)
			for n := 1; ; n++ {
				if _, err := os.Stat(backup); os.IsNotExist(err) {
					break
				}
				backup = fmt.Sprintf("%s.bak.%s.%d", path, stamp, n)
			}
			if err := os.WriteFile(backup, data, paths.DefaultFileMode); err != nil {
				return fmt.Errorf("%w: %v", ErrWrite, err)
			}
		}
		db.pruneBackups(path)
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	var installed, depends, manifests strings.Builder
	for _, name := range names {
		rec := records[name]
		fmt.Fprintf(&installed, "%s=%s\n", rec.Name, rec.Version)

		fmt.Fprintf(&depends, "%s: %s\n", rec.Name, strings.Join(rec.Depends, " "))
		if len(rec.BuildDeps) > 0 {
			fmt.Fprintf(&depends, "%s!build: %s\n", rec.Name, strings.Join(rec.BuildDeps, " "))
		}
		if len(rec.OptDeps) > 0 {
			fmt.Fprintf(&depends, "%s!opt: %s\n", rec.Name, strings.Join(rec.OptDeps, " "))
		}

		ref := rec.ManifestRef
		if ref == "" {
			ref = "-"
		}
		fmt.Fprintf(&manifests, "%s: %s %d\n", rec.Name, ref, rec.InstalledAt.Unix())
	}

	for _, f := range []struct {
		path string
		data string
	}{
		{db.path, installed.String()},
		{db.dependsPath(), depends.String()},
		{db.manifestsPath(), manifests.String()},
	} {
		tmp := fmt.Sprintf("%s.tmp.%d", f.path, os.Getpid())
		if err := os.WriteFile(tmp, []byte(f.data), paths.DefaultFileMode); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		if err := os.Rename(tmp, f.path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return nil
}

// Removes backups of one registry file beyond the retention count.
func (db *DB) pruneBackups(path string) {
	backups, _ := filepath.Glob(path + ".bak.*")
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	for i, old := range backups {
		if i < db.retention {
			continue
		}
		os.Remove(old)
	}
}
