package orchestrator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln/internal/artifact"
)

// Verification report for one package.
type VerifyOutcome struct {
	Name     string
	Missing  []string
	Modified []string
	Err      error
}

// Filesystem sanity findings under the managed paths.
type FSReport struct {
	BrokenSymlinks []string
	WorldWritable  []string
}

// Verifies one installed package, or every installed package when
// target is empty, against the stored manifests.
//
// Packages verify concurrently up to the worker limit; hashing whole
// trees is I/O bound and independent per package.
func (o *Orchestrator) Verify(ctx context.Context, target string) ([]VerifyOutcome, error) {
	var names []string
	if target != "" {
		names = []string{target}
	} else {
		records, err := o.opts.DB.List()
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			names = append(names, rec.Name)
		}
	}

	outcomes := make([]VerifyOutcome, len(names))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := VerifyOutcome{Name: name}
			res, err := o.verifyOne(name)
			if err != nil {
				out.Err = err
			} else {
				out.Missing = res.Missing
				out.Modified = res.Modified
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// Verifies one package against the manifest recorded at install time,
// falling back to the newest stored manifest.
func (o *Orchestrator) verifyOne(name string) (*artifact.VerifyResult, error) {
	if rec, err := o.opts.DB.Get(name); err == nil && rec.ManifestRef != "" {
		if res, err := o.opts.Artifacts.VerifyManifest(rec.ManifestRef, o.opts.TargetRoot); err == nil {
			return res, nil
		}
	}
	return o.opts.Artifacts.Verify(name, o.opts.TargetRoot)
}

// Scans the managed paths for broken symlinks and world-writable
// files.
//
// Managed paths are the target-root subtrees that installed manifests
// actually populate, so an unmanaged /home never gets scanned.
func (o *Orchestrator) DoctorFS(ctx context.Context) (*FSReport, error) {
	roots, err := o.managedRoots()
	if err != nil {
		return nil, err
	}

	report := &FSReport{}
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}

			if d.Type()&fs.ModeSymlink != 0 {
				if _, serr := os.Stat(path); serr != nil {
					report.BrokenSymlinks = append(report.BrokenSymlinks, path)
				}
				return nil
			}

			info, ierr := d.Info()
			if ierr != nil {
				return nil
			}
			if info.Mode().IsRegular() && info.Mode().Perm()&0002 != 0 {
				report.WorldWritable = append(report.WorldWritable, path)
			}
			return nil
		})
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// Derives the set of top-level target-root directories covered by
// installed manifests.
func (o *Orchestrator) managedRoots() ([]string, error) {
	records, err := o.opts.DB.List()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, rec := range records {
		if rec.ManifestRef == "" {
			continue
		}
		m, err := artifact.ReadManifest(rec.ManifestRef)
		if err != nil {
			continue
		}
		for _, p := range m.Paths() {
			rel := strings.TrimPrefix(p, "./")
			if top, _, ok := strings.Cut(rel, "/"); ok {
				seen[filepath.Join(o.opts.TargetRoot, top)] = true
			}
		}
	}

	out := make([]string, 0, len(seen))
	for root := range seen {
		out = append(out, root)
	}
	sort.Strings(out)
	return out, nil
}

// Returns the installed packages nothing else depends on.
func (o *Orchestrator) Orphans(ctx context.Context) ([]string, error) {
	graph, err := o.buildGraph()
	if err != nil {
		return nil, err
	}
	return graph.Orphans(), nil
}
