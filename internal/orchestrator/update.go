package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kilnhq/kiln/internal/upstream"
)

// Upstream update workflows.
type UpdateMode int

const (
	// Report the detected version only.
	ModeCheck UpdateMode = iota
	// Rewrite the recipe with the new version and checksum.
	ModeMeta
	// Rewrite the recipe, build through packaging, then restore the
	// recipe. Nothing is installed; the packed artifact is not removed
	// and stays in the binary cache.
	ModeDryRun
	// Rewrite, build, install and mark installed.
	ModeUpgrade
)

// Outcome of an update check for one package.
type UpdateOutcome struct {
	Name     string
	Current  string
	Detected string // empty when no newer version exists
	Applied  bool
	Err      error
}

// Runs the update workflow for one package.
//
// Destructive modes restore the recipe from its timestamped backup when
// a later step fails, so a failed upgrade never strands a recipe
// pointing at an unbuildable version.
func (o *Orchestrator) Update(ctx context.Context, name string, mode UpdateMode) UpdateOutcome {
	out := UpdateOutcome{Name: name}

	r, err := o.opts.Recipes.LoadByName(name)
	if err != nil {
		out.Err = err
		return out
	}
	out.Current = r.Version

	proposal, err := o.opts.Checker.ProposeUpdate(ctx, r)
	if err != nil {
		if errors.Is(err, upstream.ErrNotNewer) {
			slog.Debug("package up to date", "package", name, "version", r.Version)
			return out
		}
		out.Err = err
		return out
	}
	out.Detected = proposal.Detected

	if mode == ModeCheck {
		return out
	}

	newURL, newSHA, err := o.opts.Checker.Probe(ctx, proposal.Candidates)
	if err != nil {
		out.Err = err
		return out
	}

	lock, err := o.opts.Locks.Acquire(ctx, "recipe-store", commandLockTimeout)
	if err != nil {
		out.Err = err
		return out
	}
	err = o.opts.Checker.Apply(r, proposal.Detected, newURL, newSHA)
	lock.Release()
	if err != nil {
		out.Err = err
		return out
	}
	out.Applied = true

	if mode == ModeMeta {
		return out
	}

	// Reload so the pipeline sees the rewritten metafile.
	updated, err := o.opts.Recipes.Load(r.Path)
	if err != nil {
		out.Err = o.restoreRecipe(r.Path, err)
		return out
	}

	if _, err := o.runPipeline(ctx, updated); err != nil {
		out.Err = o.restoreRecipe(r.Path, err)
		out.Applied = false
		return out
	}

	switch mode {
	case ModeDryRun:
		// Build verified; the rewrite is rolled back and the artifact
		// stays in the cache only as a side effect of packaging.
		if err := o.opts.Recipes.Restore(r.Path); err != nil {
			out.Err = err
			return out
		}
		out.Applied = false
		slog.Info("dry-run upgrade succeeded", "package", name, "version", proposal.Detected)

	case ModeUpgrade:
		if err := o.installOne(ctx, name); err != nil {
			out.Err = o.restoreRecipe(r.Path, err)
			out.Applied = false
			return out
		}
		slog.Info("package upgraded", "package", name, "from", out.Current, "to", proposal.Detected)
	}

	return out
}

// Restores a recipe after a failed destructive update, preserving the
// original failure.
func (o *Orchestrator) restoreRecipe(path string, cause error) error {
	if rerr := o.opts.Recipes.Restore(path); rerr != nil {
		return fmt.Errorf("%v (and recipe restore failed: %w)", cause, rerr)
	}
	slog.Warn("recipe restored after failed update", "path", path, "cause", cause)
	return cause
}

// Runs the update workflow for every installed package.
func (o *Orchestrator) UpdateAll(ctx context.Context, mode UpdateMode) ([]UpdateOutcome, error) {
	records, err := o.opts.DB.List()
	if err != nil {
		return nil, err
	}

	var outcomes []UpdateOutcome
	failures := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out := o.Update(ctx, rec.Name, mode)
		outcomes = append(outcomes, out)
		if out.Err != nil {
			failures++
			if o.opts.Policy == Abort {
				return outcomes, fmt.Errorf("%w: update of %s: %v", ErrBatchFailed, rec.Name, out.Err)
			}
		}
	}

	if failures > 0 {
		return outcomes, fmt.Errorf("%w: %d updates failed", ErrBatchFailed, failures)
	}
	return outcomes, nil
}
