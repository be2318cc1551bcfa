package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilnhq/kiln/internal/artifact"
	"github.com/kilnhq/kiln/internal/deps"
	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/fetch"
	"github.com/kilnhq/kiln/internal/installdb"
	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/pipeline"
	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/upstream"
)

// What a batch does after a package fails.
type FailPolicy int

const (
	// Stop admitting new packages on the first failure.
	Abort FailPolicy = iota
	// Record the failure and keep going; dependants of the failed
	// package are skipped.
	Continue
	// Abort only when the failed package has dependants waiting in the
	// same batch; leaf failures are recorded and the batch continues.
	AbortOnCritical
)

// How long commands wait on the coarse-grained locks.
const commandLockTimeout = 30 * time.Minute

// Configures an [Orchestrator].
type Options struct {
	Recipes   *recipe.Store
	DB        *installdb.DB
	Pipeline  *pipeline.Pipeline
	Artifacts *artifact.Store
	Fetcher   *fetch.Fetcher
	Checker   *upstream.Checker
	Locks     *lockfile.Manager

	TargetRoot      string
	Workers         int        // Parallel pipelines. 0 means 1.
	Retries         int        // Extra attempts per package on transient failures.
	Policy          FailPolicy
	Virtuals        map[string][]string // Virtual name expansion for the graph.
	IncludeOptional bool                // Follow optional dependencies when resolving.
	Strict          bool                // Missing dependencies fail resolution.
}

// Coordinates recipes, graph, pipelines, artifact cache and installed
// database behind the top-level commands.
type Orchestrator struct {
	opts Options
}

// Creates an orchestrator with defaults applied.
func New(opts Options) *Orchestrator {
	if opts.Workers == 0 {
		opts.Workers = 1
	}
	return &Orchestrator{opts: opts}
}

// Outcome of one package within a batch.
type Outcome struct {
	Name     string
	Stage    string // error kind of the failure ("install" for the install step), not the pipeline stage; empty on success
	Err      error
	LogPath  string
	Attempts int
	Skipped  bool // not attempted because a dependency failed
}

// Result of a batch command.
type Result struct {
	Outcomes []Outcome
}

// Returns the failed outcomes.
func (r *Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Builds the dependency graph from the current recipes and installed
// set.
func (o *Orchestrator) buildGraph() (*deps.Graph, error) {
	paths, err := o.opts.Recipes.List("")
	if err != nil {
		return nil, err
	}

	var recipes []*recipe.Recipe
	for _, p := range paths {
		r, err := o.opts.Recipes.Load(p)
		if err != nil {
			slog.Warn("skipping unparseable recipe", "path", p, "error", err)
			continue
		}
		recipes = append(recipes, r)
	}

	records, err := o.opts.DB.List()
	if err != nil {
		return nil, err
	}
	installed := make([]string, len(records))
	for i, rec := range records {
		installed[i] = rec.Name
	}

	return deps.Build(recipes, installed, o.opts.Virtuals), nil
}

// Resolves the build order for a target.
func (o *Orchestrator) resolveOrder(targets ...string) (*deps.Graph, []string, error) {
	graph, err := o.buildGraph()
	if err != nil {
		return nil, nil, err
	}
	order, err := graph.ResolveMany(targets, deps.ResolveOptions{
		IncludeOptional: o.opts.IncludeOptional,
		Strict:          o.opts.Strict,
	})
	if err != nil {
		return nil, nil, err
	}
	return graph, order, nil
}

// Builds a target and everything it depends on, in order.
//
// Packages whose recipe version already has a cached artifact are
// skipped. Each package gets the configured retry budget for transient
// failures; the fail policy decides what a failure does to the rest of
// the batch. The returned error is [ErrBatchFailed] when any outcome
// failed.
func (o *Orchestrator) Build(ctx context.Context, target string) (*Result, error) {
	return o.BuildMany(ctx, []string{target})
}

// Builds several targets through one merged dependency order.
func (o *Orchestrator) BuildMany(ctx context.Context, targets []string) (*Result, error) {
	lock, err := o.opts.Locks.Acquire(ctx, "global-build", commandLockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	graph, order, err := o.resolveOrder(targets...)
	if err != nil {
		return nil, err
	}

	slog.Info("build order resolved", "targets", targets, "packages", len(order))

	result := o.runBatch(ctx, graph, order, o.buildOne)
	if len(result.Failures()) > 0 {
		return result, fmt.Errorf("%w: %d of %d", ErrBatchFailed, len(result.Failures()), len(order))
	}
	return result, nil
}

// Builds one package unless its artifact is already cached.
func (o *Orchestrator) buildOne(ctx context.Context, name string) (string, error) {
	r, err := o.opts.Recipes.LoadByName(name)
	if err != nil {
		// Installed without a recipe: nothing to build.
		if _, installed, _ := o.opts.DB.CheckInstalled(name); installed {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", ErrNoRecipe, name)
	}

	if _, err := o.opts.Artifacts.CacheCheck(r.Name, r.Version); err == nil {
		slog.Info("artifact already cached, skipping build", "package", r.Name, "version", r.Version)
		return "", nil
	}

	return o.runPipeline(ctx, r)
}

// Runs the pipeline for a recipe under the package lock, returning the
// preserved log path.
func (o *Orchestrator) runPipeline(ctx context.Context, r *recipe.Recipe) (string, error) {
	lock, err := o.opts.Locks.Acquire(ctx, "package/"+r.Name, commandLockTimeout)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	res, err := o.opts.Pipeline.Run(ctx, r)
	logPath := ""
	if res != nil {
		logPath = res.LogPath
	}
	return logPath, err
}

// Runs one package attempt loop: the first try plus the retry budget
// for transient failures.
func (o *Orchestrator) attempt(ctx context.Context, name string, fn buildFunc) Outcome {
	out := Outcome{Name: name}

	for out.Attempts = 1; ; out.Attempts++ {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out
		}

		logPath, err := fn(ctx, name)
		if logPath != "" {
			out.LogPath = logPath
		}
		if err == nil {
			out.Err = nil
			return out
		}
		out.Err = err
		out.Stage = errkind.Of(err).String()

		if out.Attempts > o.opts.Retries || !errkind.IsTransient(err) {
			return out
		}

		slog.Warn("transient failure, retrying package",
			"package", name, "attempt", out.Attempts, "error", err)

		select {
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		case <-time.After(time.Duration(out.Attempts) * time.Second):
		}
	}
}

// Ensures a target is built, installs it and its dependencies into the
// target root in dependency order, and records them in the installed
// database.
func (o *Orchestrator) Install(ctx context.Context, target string) (*Result, error) {
	if res, err := o.BuildMany(ctx, []string{target}); err != nil {
		return res, err
	}

	_, order, err := o.resolveOrder(target)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, name := range order {
		out := Outcome{Name: name}
		if err := o.installOne(ctx, name); err != nil {
			out.Err = err
			out.Stage = "install"
			result.Outcomes = append(result.Outcomes, out)
			return result, err
		}
		result.Outcomes = append(result.Outcomes, out)
	}
	return result, nil
}

// Installs one package from the cache and marks it installed. Already
// installed versions are left alone.
func (o *Orchestrator) installOne(ctx context.Context, name string) error {
	r, err := o.opts.Recipes.LoadByName(name)
	if err != nil {
		if _, installed, _ := o.opts.DB.CheckInstalled(name); installed {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNoRecipe, name)
	}

	if version, installed, _ := o.opts.DB.CheckInstalled(name); installed && version == r.Version {
		slog.Debug("already installed", "package", name, "version", version)
		return nil
	}

	art, err := o.opts.Artifacts.CacheCheck(r.Name, r.Version)
	if err != nil {
		return err
	}

	if err := o.opts.Artifacts.Install(ctx, r.Name, r.Version, o.opts.TargetRoot, artifact.InstallOptions{}); err != nil {
		return err
	}

	return o.opts.DB.MarkInstalled(ctx, installdb.Record{
		Name:        r.Name,
		Version:     r.Version,
		Depends:     r.Depends,
		BuildDeps:   r.BuildDeps,
		OptDeps:     r.OptDeps,
		ManifestRef: art.ManifestPath,
	})
}

// Removes an installed package from the target root.
//
// Refuses when other installed packages depend on it unless forced.
func (o *Orchestrator) Uninstall(ctx context.Context, name string, force bool) error {
	graph, err := o.buildGraph()
	if err != nil {
		return err
	}

	if _, installed, err := o.opts.DB.CheckInstalled(name); err != nil {
		return err
	} else if !installed {
		return fmt.Errorf("%w: %s", installdb.ErrNotInstalled, name)
	}

	var dependents []string
	for _, parent := range graph.Reverse(name) {
		if _, installed, _ := o.opts.DB.CheckInstalled(parent); installed {
			dependents = append(dependents, parent)
		}
	}
	if len(dependents) > 0 && !force {
		return fmt.Errorf("%w: %s required by %v", ErrHasDependents, name, dependents)
	}

	if _, err := o.opts.Artifacts.Remove(name, o.opts.TargetRoot, artifact.KeepModified); err != nil {
		return err
	}
	return o.opts.DB.MarkUninstalled(ctx, name)
}

// Rebuilds every installed package in topological order, bypassing the
// artifact cache.
func (o *Orchestrator) RebuildAll(ctx context.Context) (*Result, error) {
	lock, err := o.opts.Locks.Acquire(ctx, "global-build", commandLockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	records, err := o.opts.DB.List()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &Result{}, nil
	}

	graph, err := o.buildGraph()
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(records))
	for i, rec := range records {
		targets[i] = rec.Name
	}
	order, err := graph.ResolveMany(targets, deps.ResolveOptions{})
	if err != nil {
		return nil, err
	}

	// Only rebuild what is actually installed; resolution may pull in
	// uninstalled leaves.
	var rebuild []string
	for _, name := range order {
		if _, installed, _ := o.opts.DB.CheckInstalled(name); installed {
			rebuild = append(rebuild, name)
		}
	}

	result := o.runBatch(ctx, graph, rebuild, func(ctx context.Context, name string) (string, error) {
		r, err := o.opts.Recipes.LoadByName(name)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoRecipe, name)
		}
		return o.runPipeline(ctx, r)
	})

	if len(result.Failures()) > 0 {
		return result, fmt.Errorf("%w: %d of %d", ErrBatchFailed, len(result.Failures()), len(rebuild))
	}
	return result, nil
}
