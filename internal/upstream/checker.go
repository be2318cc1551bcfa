package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/kilnhq/kiln/internal/fetch"
	"github.com/kilnhq/kiln/internal/recipe"
)

// Archive suffixes probed when constructing candidate URLs.
var candidateSuffixes = []string{".tar.xz", ".tar.gz", ".tar.bz2", ".tgz", ".zip"}

// Generic version pattern applied to release listings when the recipe
// carries no explicit regex: "<name>-<version>.<archive-suffix>".
const listingPattern = `%s[-_]v?([0-9][0-9A-Za-z._-]*?)\.(?:tar\.(?:gz|xz|bz2)|tgz|zip)`

// Cap on response bytes read from listing pages.
const maxListingBytes = 4 << 20

// Configures a [Checker].
type Options struct {
	Client  fetch.Doer     // Listing page transport. nil means http.DefaultClient.
	Fetcher *fetch.Fetcher // Candidate probing and checksum computation.
	Recipes *recipe.Store  // Atomic recipe updates.
	MinSize int64          // A probed archive below this is rejected. 0 means 1 KiB.
}

// Detects upstream versions and rewrites recipes.
type Checker struct {
	opts Options
}

// Creates a checker with defaults applied.
func New(opts Options) *Checker {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.MinSize == 0 {
		opts.MinSize = 1 << 10
	}
	return &Checker{opts: opts}
}

// A proposed recipe update.
type Proposal struct {
	Name       string
	Current    string
	Detected   string
	Candidates []string // download URLs to probe, in order
}

// Returns the latest upstream version visible for the recipe.
//
// With [update] hints, the api URL is fetched and the recipe's regex
// extracts versions from the body. Otherwise the directory of the first
// source URL is treated as a release listing and scanned with a
// generic "<name>-<version>.<suffix>" pattern. The highest version
// found wins.
func (c *Checker) Detect(ctx context.Context, r *recipe.Recipe) (string, error) {
	pageURL, pattern := c.detectionHints(r)
	if pageURL == "" {
		return "", fmt.Errorf("%w: %s has no update hints and no http sources", ErrNoVersion, r.Name)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("update regex for %s: %w", r.Name, err)
	}

	body, err := c.fetchPage(ctx, pageURL)
	if err != nil {
		return "", err
	}

	versions := extractVersions(re, body)
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s: nothing matched on %s", ErrNoVersion, r.Name, pageURL)
	}

	sort.Slice(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) > 0
	})

	slog.Debug("upstream versions detected", "package", r.Name, "latest", versions[0], "count", len(versions))
	return versions[0], nil
}

// Returns the page URL and extraction pattern for a recipe.
func (c *Checker) detectionHints(r *recipe.Recipe) (pageURL, pattern string) {
	if r.Update.API != "" {
		pattern = r.Update.Regex
		if pattern == "" {
			pattern = fmt.Sprintf(listingPattern, regexp.QuoteMeta(r.Name))
		}
		return r.Update.API, pattern
	}

	for _, src := range r.Sources {
		if !strings.HasPrefix(src.URL, "http://") && !strings.HasPrefix(src.URL, "https://") &&
			!strings.HasPrefix(src.URL, "ftp://") {
			continue
		}
		u, err := url.Parse(src.URL)
		if err != nil {
			continue
		}
		u.Path = path.Dir(u.Path) + "/"
		return u.String(), fmt.Sprintf(listingPattern, regexp.QuoteMeta(r.Name))
	}
	return "", ""
}

func (c *Checker) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", fetch.ErrNetwork, err)
	}
	resp, err := c.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", fetch.ErrNetwork, pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s: HTTP %d", fetch.ErrNetwork, pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", fetch.ErrNetwork, err)
	}
	return string(body), nil
}

// Collects capture-group matches, falling back to whole matches for
// group-less patterns, deduplicated.
func extractVersions(re *regexp.Regexp, body string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range re.FindAllStringSubmatch(body, -1) {
		v := m[0]
		if len(m) > 1 && m[1] != "" {
			v = m[1]
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Detects the upstream version and, when it is strictly newer than the
// recipe's current one, constructs the candidate download URLs.
func (c *Checker) ProposeUpdate(ctx context.Context, r *recipe.Recipe) (*Proposal, error) {
	detected, err := c.Detect(ctx, r)
	if err != nil {
		return nil, err
	}

	if r.Version != "" && CompareVersions(detected, r.Version) <= 0 {
		return nil, fmt.Errorf("%w: %s: detected %s, current %s", ErrNotNewer, r.Name, detected, r.Version)
	}

	return &Proposal{
		Name:       r.Name,
		Current:    r.Version,
		Detected:   detected,
		Candidates: candidateURLs(r, detected),
	}, nil
}

// Builds candidate download URLs for a new version: the recorded URL
// with the old version substituted, then the URL's directory with
// common archive names appended.
func candidateURLs(r *recipe.Recipe, newVersion string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	for _, src := range r.Sources {
		if src.URL == "" {
			continue
		}

		if r.Version != "" && strings.Contains(src.URL, r.Version) {
			add(strings.ReplaceAll(src.URL, r.Version, newVersion))
		}

		u, err := url.Parse(src.URL)
		if err != nil {
			continue
		}
		dir := path.Dir(u.Path)
		for _, suffix := range candidateSuffixes {
			cu := *u
			cu.Path = path.Join(dir, fmt.Sprintf("%s-%s%s", r.Name, newVersion, suffix))
			add(cu.String())
		}
	}
	return out
}

// Tries each candidate until one fetches as a plausible archive, and
// returns its URL and SHA-256.
func (c *Checker) Probe(ctx context.Context, candidates []string) (string, string, error) {
	for _, candidate := range candidates {
		cached, err := c.opts.Fetcher.Fetch(ctx, candidate, "")
		if err != nil {
			slog.Debug("candidate rejected", "url", candidate, "error", err)
			continue
		}

		dg, size, err := fileDigestAndSize(cached)
		if err != nil || size < c.opts.MinSize {
			slog.Debug("candidate too small", "url", candidate, "size", size)
			continue
		}

		slog.Info("candidate accepted", "url", candidate, "sha256", dg.Encoded(), "size", size)
		return candidate, dg.Encoded(), nil
	}
	return "", "", fmt.Errorf("%w: tried %d candidates", ErrNoCandidate, len(candidates))
}

// Rewrites the recipe with the new version, source URL and checksum
// through the store's atomic update path.
func (c *Checker) Apply(r *recipe.Recipe, newVersion, newURL, newSHA string) error {
	changes := map[string]string{
		"package.version":  newVersion,
		"sources.url_1":    newURL,
		"sources.sha256_1": newSHA,
	}
	if err := c.opts.Recipes.UpdateAtomic(r.Path, changes); err != nil {
		return err
	}
	slog.Info("recipe updated", "package", r.Name, "version", newVersion, "url", newURL)
	return nil
}

func fileDigestAndSize(path string) (digest.Digest, int64, error) {
	fh, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return "", 0, err
	}
	dg, err := digest.Canonical.FromReader(fh)
	if err != nil {
		return "", 0, err
	}
	return dg, info.Size(), nil
}
