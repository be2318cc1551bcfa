package artifact

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/ulikunitz/xz"

	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/paths"
)

// Compression codecs in preference order. All three are always
// available in-process; the store uses the single codec named in
// [Options] (zstd unless configured otherwise) and an unknown name
// fails packing.
const (
	CodecZstd = "zst"
	CodecXz   = "xz"
	CodecGzip = "gz"
)

// Timestamp layout in artifact and manifest names.
const artifactStamp = "20060102T150405Z"

// Configures a [Store].
type Options struct {
	BinaryDir   string            // Archive cache directory.
	ManifestDir string            // Manifest directory.
	Codec       string            // Preferred codec; empty means zstd.
	ZstdLevel   zstd.EncoderLevel // 0 means zstd.SpeedDefault.
	Locks       *lockfile.Manager // Serializes pack/install per cache entry.
}

// The content-addressable binary artifact cache.
type Store struct {
	opts Options
}

// A packed artifact in the cache.
type Artifact struct {
	Name         string
	Version      string
	Path         string        // archive location in the binary cache
	ManifestPath string        // sibling manifest location
	Digest       digest.Digest // digest of the archive bytes
	Size         int64
	Reused       bool // an identical cached artifact was reused
}

// How long pack/install wait on the per-entry lock.
const entryLockTimeout = 30 * time.Minute

// Creates a store with defaults applied.
func NewStore(opts Options) *Store {
	if opts.Codec == "" {
		opts.Codec = CodecZstd
	}
	if opts.ZstdLevel == 0 {
		opts.ZstdLevel = zstd.SpeedDefault
	}
	return &Store{opts: opts}
}

// Packs a staged tree into the cache.
//
// The tree's manifest is computed first; when it is byte-identical to
// an existing artifact's manifest for the same package, that artifact
// is reused and no new archive is written. Otherwise a deterministic
// tar is produced, compressed, and moved into the cache by rename. The
// manifest lands beside it under the manifest directory.
func (s *Store) Pack(ctx context.Context, name, version, stagedTree string) (*Artifact, error) {
	if s.opts.Locks != nil {
		lock, err := s.opts.Locks.Acquire(ctx, "cache-entry/"+name+"-"+version, entryLockTimeout)
		if err != nil {
			return nil, err
		}
		defer lock.Release()
	}

	manifest, err := BuildManifest(stagedTree)
	if err != nil {
		return nil, err
	}

	if existing := s.findByManifest(name, manifest); existing != nil {
		slog.Info("identical artifact already cached, reusing",
			"name", name, "version", version, "path", existing.Path)
		existing.Reused = true
		return existing, nil
	}

	if err := os.MkdirAll(s.opts.BinaryDir, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPack, err)
	}
	if err := os.MkdirAll(s.opts.ManifestDir, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPack, err)
	}

	stem := s.uniqueStem(name, version)
	archivePath := filepath.Join(s.opts.BinaryDir, stem+".tar."+s.opts.Codec)
	manifestPath := filepath.Join(s.opts.ManifestDir, stem+".manifest")

	tmp := archivePath + ".part"
	size, dg, err := s.writeArchive(tmp, stagedTree)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, archivePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %v", ErrPack, err)
	}

	if err := os.WriteFile(manifestPath, manifest.Bytes(), paths.DefaultFileMode); err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("%w: %v", ErrPack, err)
	}

	slog.Info("artifact packed",
		"name", name, "version", version, "path", archivePath, "size", size, "files", len(manifest.Records))

	return &Artifact{
		Name:         name,
		Version:      version,
		Path:         archivePath,
		ManifestPath: manifestPath,
		Digest:       dg,
		Size:         size,
	}, nil
}

// Streams the deterministic tar of stagedTree through the configured
// compressor into path, returning the archive size and digest.
func (s *Store) writeArchive(path, stagedTree string) (int64, digest.Digest, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrPack, err)
	}

	digester := digest.Canonical.Digester()
	counted := &countingWriter{w: io.MultiWriter(out, digester.Hash())}

	compressor, err := s.newCompressor(counted)
	if err != nil {
		out.Close()
		return 0, "", err
	}

	tw := tar.NewWriter(compressor)
	packErr := writeTreeToTar(tw, stagedTree)
	if err := tw.Close(); packErr == nil {
		packErr = err
	}
	if err := compressor.Close(); packErr == nil {
		packErr = err
	}
	if err := out.Close(); packErr == nil {
		packErr = err
	}
	if packErr != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrPack, packErr)
	}

	return counted.n, digester.Digest(), nil
}

// Returns a compressor for the configured codec.
//
// Zstd runs single-threaded so the output is byte-stable across hosts;
// xz and gzip are deterministic by construction.
func (s *Store) newCompressor(w io.Writer) (io.WriteCloser, error) {
	switch s.opts.Codec {
	case CodecZstd:
		return zstd.NewWriter(w,
			zstd.WithEncoderLevel(s.opts.ZstdLevel),
			zstd.WithEncoderConcurrency(1),
		)
	case CodecXz:
		return xz.NewWriter(w)
	case CodecGzip:
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	default:
		return nil, fmt.Errorf("%w: unknown codec %q", ErrPack, s.opts.Codec)
	}
}

// Wraps a reader for the codec matching an archive's suffix.
func newDecompressor(path string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".tar."+CodecZstd):
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, err
		}
		return zr.IOReadCloser(), zr.Close, nil
	case strings.HasSuffix(path, ".tar."+CodecXz):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return xr, func() {}, nil
	case strings.HasSuffix(path, ".tar."+CodecGzip):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown archive suffix: %s", ErrIntegrity, filepath.Base(path))
	}
}

// Returns the newest cached artifact for a package at a version, or
// [ErrNotFound].
func (s *Store) CacheCheck(name, version string) (*Artifact, error) {
	stems := s.entryStems(name, version)
	if len(stems) == 0 {
		return nil, fmt.Errorf("%w: %s-%s", ErrNotFound, name, version)
	}

	// Newest timestamp sorts last.
	stem := stems[len(stems)-1]
	return s.artifactForStem(name, version, stem)
}

// Returns every stem "<name>-<version>-<ts>" present in the binary
// cache for the entry, sorted ascending.
func (s *Store) entryStems(name, version string) []string {
	matches, _ := filepath.Glob(filepath.Join(s.opts.BinaryDir, name+"-"+version+"-*.tar.*"))
	var stems []string
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") {
			continue
		}
		stems = append(stems, stemOf(m))
	}
	sort.Strings(stems)
	return stems
}

// Builds the Artifact value for a cache stem.
func (s *Store) artifactForStem(name, version, stem string) (*Artifact, error) {
	matches, _ := filepath.Glob(filepath.Join(s.opts.BinaryDir, stem+".tar.*"))
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, stem)
	}
	archivePath := matches[0]

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, archivePath)
	}

	return &Artifact{
		Name:         name,
		Version:      version,
		Path:         archivePath,
		ManifestPath: filepath.Join(s.opts.ManifestDir, stem+".manifest"),
		Size:         info.Size(),
	}, nil
}

// Strips directory and archive suffix from a cache path, leaving
// "<name>-<version>-<ts>".
func stemOf(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, ".tar."); i > 0 {
		return base[:i]
	}
	return strings.TrimSuffix(base, ".manifest")
}

// Searches the package's cached manifests for one byte-identical to m
// and returns its artifact.
func (s *Store) findByManifest(name string, m *Manifest) *Artifact {
	matches, _ := filepath.Glob(filepath.Join(s.opts.ManifestDir, name+"-*.manifest"))
	sort.Strings(matches)

	want := m.Bytes()
	for _, manifestPath := range matches {
		data, err := os.ReadFile(manifestPath)
		if err != nil || len(data) != len(want) || string(data) != string(want) {
			continue
		}

		stem := stemOf(manifestPath)
		stemName, version := splitStem(stem)
		// The glob is prefix-based, so "hello-*" also sees "hello-world"
		// manifests; only an exact name match may dedupe.
		if stemName != name {
			continue
		}

		archives, _ := filepath.Glob(filepath.Join(s.opts.BinaryDir, stem+".tar.*"))
		if len(archives) == 0 {
			continue
		}
		info, err := os.Stat(archives[0])
		if err != nil {
			continue
		}

		return &Artifact{
			Name:         name,
			Version:      version,
			Path:         archives[0],
			ManifestPath: manifestPath,
			Size:         info.Size(),
		}
	}
	return nil
}

// Splits "<name>-<version>-<ts>" back into name and version. The
// timestamp is the last dash-separated field; the version the one
// before it.
func splitStem(stem string) (name, version string) {
	i := strings.LastIndexByte(stem, '-')
	if i < 0 {
		return stem, ""
	}
	rest := stem[:i]
	j := strings.LastIndexByte(rest, '-')
	if j < 0 {
		return rest, ""
	}
	return rest[:j], rest[j+1:]
}

// Produces a unique "<name>-<version>-<ts>" stem for a new cache entry.
func (s *Store) uniqueStem(name, version string) string {
	stamp := time.Now().UTC().Format(artifactStamp)
	stem := fmt.Sprintf("%s-%s-%s", name, version, stamp)
	for n := 1; ; n++ {
		matches, _ := filepath.Glob(filepath.Join(s.opts.BinaryDir, stem+".tar.*"))
		if len(matches) == 0 {
			return stem
		}
		stem = fmt.Sprintf("%s-%s-%s.%d", name, version, stamp, n)
	}
}

// Counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
