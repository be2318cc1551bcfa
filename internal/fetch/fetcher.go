package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opencontainers/go-digest"

	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/paths"
)

// Issues HTTP requests. Satisfied by *http.Client; tests substitute a
// canned implementation.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Clones or updates version-controlled sources. Implementations live
// outside the core; a nil client makes git sources fail with
// [ErrNoTool].
type GitClient interface {
	Clone(ctx context.Context, url, dest string) error
}

// Configures a [Fetcher].
type Options struct {
	CacheDir    string            // Shared source cache directory.
	Mirrors     []string          // Mirror URL prefixes tried after the origin.
	MaxAttempts int               // Attempts per candidate URL. 0 means 3.
	BackoffBase time.Duration     // Initial retry interval. 0 means 500ms.
	BackoffMax  time.Duration     // Retry interval cap. 0 means 30s.
	MinSize     int64             // Reject downloads smaller than this. 0 means 256 bytes.
	Timeout     time.Duration     // Total per-request timeout. 0 means 10 minutes.
	Client      Doer              // HTTP transport. nil means a default client.
	Git         GitClient         // VCS transport. nil rejects git sources.
	Locks       *lockfile.Manager // Serializes downloads per cache entry.
}

// Downloads URL-addressed sources into a shared cache and verifies
// their checksums.
type Fetcher struct {
	opts Options
}

// How long a fetch waits for another process downloading the same
// basename before giving up.
const fetchLockTimeout = 30 * time.Minute

// Creates a fetcher with defaults applied.
func New(opts Options) *Fetcher {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.MinSize == 0 {
		opts.MinSize = 256
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	return &Fetcher{opts: opts}
}

// Fetches a source, returning the path of the verified cached file.
//
// A cached file that matches the expected checksum (or any cached file,
// when no checksum is declared) is returned without network traffic. A
// cached file that fails verification is deleted and re-downloaded.
// Candidates are the original URL followed by each mirror prefix with
// the URL's basename appended; each candidate gets retries with
// exponential backoff before the next is tried.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, expectedSHA string) (string, error) {
	dest, err := f.cachePath(rawURL)
	if err != nil {
		return "", err
	}

	if f.opts.Locks != nil {
		lock, lerr := f.opts.Locks.Acquire(ctx, "source/"+filepath.Base(dest), fetchLockTimeout)
		if lerr != nil {
			return "", lerr
		}
		defer lock.Release()
	}

	if ok, err := f.cachedValid(dest, expectedSHA); err != nil {
		return "", err
	} else if ok {
		slog.Debug("source cache hit", "url", rawURL, "path", dest)
		return dest, nil
	}

	var lastErr error
	for _, candidate := range f.candidates(rawURL) {
		err := f.download(ctx, candidate, dest, expectedSHA)
		if err == nil {
			f.writeSidecar(dest, rawURL)
			return dest, nil
		}
		lastErr = err
		slog.Warn("source candidate failed", "url", candidate, "error", err)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("%w: all sources exhausted for %s: %w", wrapKindOf(lastErr), rawURL, lastErr)
}

// Preserves checksum exhaustion as Checksum, everything else as Network.
func wrapKindOf(err error) error {
	if errors.Is(err, ErrChecksum) {
		return ErrChecksum
	}
	return ErrNetwork
}

// Reports whether the cached file exists and passes verification.
// Corrupt cached files are removed so the caller re-downloads.
func (f *Fetcher) cachedValid(dest, expectedSHA string) (bool, error) {
	info, err := os.Stat(dest)
	if err != nil {
		return false, nil
	}

	if expectedSHA == "" {
		return info.Size() >= f.opts.MinSize, nil
	}

	actual, err := fileDigest(dest)
	if err != nil {
		return false, err
	}
	if actual.Encoded() == expectedSHA {
		return true, nil
	}

	slog.Warn("cached source failed verification, re-downloading",
		"path", dest, "expected", expectedSHA, "actual", actual.Encoded())
	if err := os.Remove(dest); err != nil {
		return false, err
	}
	return false, nil
}

// Builds the candidate URL list: the origin, then each mirror prefix
// with the filename appended. file and git URLs have no mirrors.
func (f *Fetcher) candidates(rawURL string) []string {
	if strings.HasPrefix(rawURL, "file://") || strings.HasPrefix(rawURL, "git://") || strings.HasPrefix(rawURL, "git+") {
		return []string{rawURL}
	}

	out := []string{rawURL}
	base := path.Base(urlPath(rawURL))
	for _, mirror := range f.opts.Mirrors {
		out = append(out, strings.TrimSuffix(mirror, "/")+"/"+base)
	}
	return out
}

// Downloads one candidate into dest, verifying size and checksum.
func (f *Fetcher) download(ctx context.Context, rawURL, dest, expectedSHA string) error {
	switch {
	case strings.HasPrefix(rawURL, "file://"):
		return f.copyLocal(strings.TrimPrefix(rawURL, "file://"), dest, expectedSHA)
	case strings.HasPrefix(rawURL, "git://"), strings.HasPrefix(rawURL, "git+"):
		if f.opts.Git == nil {
			return fmt.Errorf("%w: git sources need a VCS client", ErrNoTool)
		}
		return f.opts.Git.Clone(ctx, rawURL, dest)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.opts.BackoffBase
	policy.MaxInterval = f.opts.BackoffMax
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := f.downloadOnce(ctx, rawURL, dest, expectedSHA)
		if err == nil {
			return nil
		}
		// Checksum mismatches and undersized bodies will not improve on
		// retry against the same URL; move on to the next candidate.
		if errors.Is(err, ErrChecksum) || errors.Is(err, ErrTooSmall) {
			return backoff.Permanent(err)
		}
		slog.Debug("download attempt failed", "url", rawURL, "attempt", attempt, "error", err)
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.opts.MaxAttempts-1)), ctx)
	return backoff.Retry(operation, b)
}

// Performs a single transfer into a temporary sibling of dest, renaming
// only after size and checksum verification pass.
func (f *Fetcher) downloadOnce(ctx context.Context, rawURL, dest, expectedSHA string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", ErrNetwork, rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), paths.DefaultDirMode); err != nil {
		return err
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	dr := newDigestReader(resp.Body)
	_, cpErr := io.Copy(out, dr)
	if err := out.Close(); cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrNetwork, cpErr)
	}

	if dr.Size() < f.opts.MinSize {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %d bytes < %d", ErrTooSmall, rawURL, dr.Size(), f.opts.MinSize)
	}
	if expectedSHA != "" && dr.Sum().Encoded() != expectedSHA {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksum, rawURL, dr.Sum().Encoded(), expectedSHA)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return err
	}

	slog.Info("source fetched", "url", rawURL, "path", dest, "size", dr.Size())
	return nil
}

// Copies a local file into the cache, verifying like a download.
func (f *Fetcher) copyLocal(src, dest, expectedSHA string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), paths.DefaultDirMode); err != nil {
		return err
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	dr := newDigestReader(in)
	_, cpErr := io.Copy(out, dr)
	if err := out.Close(); cpErr == nil {
		cpErr = err
	}
	if cpErr != nil {
		os.Remove(tmp)
		return cpErr
	}

	if dr.Size() < f.opts.MinSize {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: %d bytes < %d", ErrTooSmall, src, dr.Size(), f.opts.MinSize)
	}
	if expectedSHA != "" && dr.Sum().Encoded() != expectedSHA {
		os.Remove(tmp)
		return fmt.Errorf("%w: %s: got %s, want %s", ErrChecksum, src, dr.Sum().Encoded(), expectedSHA)
	}

	return os.Rename(tmp, dest)
}

// Returns the cache path for a URL.
//
// The primary key is the URL's basename. When the basename is already
// claimed by a different URL (recorded in a sidecar file), the path
// gains a prefix derived from the full URL's hash so distinct sources
// never collide.
func (f *Fetcher) cachePath(rawURL string) (string, error) {
	base := path.Base(urlPath(rawURL))
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("%w: URL has no usable basename: %s", ErrNetwork, rawURL)
	}

	primary := filepath.Join(f.opts.CacheDir, base)
	owner, err := os.ReadFile(primary + ".url")
	if err != nil || string(owner) == rawURL {
		return primary, nil
	}

	h := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.opts.CacheDir, hex.EncodeToString(h[:6])+"-"+base), nil
}

// Records which URL owns a cache entry.
func (f *Fetcher) writeSidecar(dest, rawURL string) {
	if err := os.WriteFile(dest+".url", []byte(rawURL), paths.DefaultFileMode); err != nil {
		slog.Warn("writing cache sidecar failed", "path", dest, "error", err)
	}
}

// Extracts the path component of a URL, tolerating bare paths.
func urlPath(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	return rawURL
}

// Computes the digest of a file on disk.
func fileDigest(path string) (digest.Digest, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fh.Close()
	return digest.Canonical.FromReader(fh)
}

// Summarizes the cache for reporting: entry count and total bytes.
func (f *Fetcher) CacheSummary() (int, int64, error) {
	entries, err := os.ReadDir(f.opts.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	count := 0
	var bytes int64
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".url") || strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		if info, err := e.Info(); err == nil {
			count++
			bytes += info.Size()
		}
	}
	return count, bytes, nil
}

// Removes cached sources older than the retention period. Returns the
// number of files removed.
func (f *Fetcher) Clean(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(f.opts.CacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		full := filepath.Join(f.opts.CacheDir, e.Name())
		if err := os.Remove(full); err == nil {
			removed++
			os.Remove(full + ".url")
		}
	}
	return removed, nil
}
