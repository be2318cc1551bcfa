package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kilnhq/kiln/internal/artifact"
	"github.com/kilnhq/kiln/internal/fetch"
	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/sandbox"
)

// Patch strip levels tried in order.
var patchStripLevels = []int{1, 0, 2}

// Configures a [Pipeline].
type Options struct {
	Fetcher   *fetch.Fetcher
	Sandbox   *sandbox.Sandbox
	Artifacts *artifact.Store

	LogDir     string // Per-package build logs are preserved here.
	Jobs       int    // Default build parallelism. 0 means the CPU count.
	TrustHooks bool   // Allow hook scripts outside the recipe directory.
	Fakeroot   string // Fakeroot-style shim prefixed to install commands. Optional.
	Mount      bool   // Mount pseudo-filesystems into the session.
}

// Builds one package at a time through the stage state machine.
type Pipeline struct {
	opts Options
}

// Creates a pipeline with defaults applied.
func New(opts Options) *Pipeline {
	if opts.Jobs == 0 {
		opts.Jobs = runtime.NumCPU()
	}
	return &Pipeline{opts: opts}
}

// Outcome of a pipeline run.
type Result struct {
	State    State
	Artifact *artifact.Artifact // set when State is Packaged
	LogPath  string             // preserved per-package build log
}

// Per-run working state.
type build struct {
	recipe   *recipe.Recipe
	session  *sandbox.Session
	env      *buildEnv
	srcDir   string // source directory inside work/
	stageDir string // staged tree populated by the install stage
	state    State
}

// Runs the full pipeline for a recipe.
//
// On success the result carries the packed artifact. On failure the
// session is rolled back, the per-package log is preserved, and the
// first error is returned verbatim wrapped with its stage name; the
// pipeline itself never retries.
func (p *Pipeline) Run(ctx context.Context, r *recipe.Recipe) (*Result, error) {
	if len(r.Sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSources, r.Name)
	}

	sess, err := p.opts.Sandbox.Create()
	if err != nil {
		return nil, err
	}

	b := &build{
		recipe:   r,
		session:  sess,
		env:      newBuildEnv(),
		stageDir: filepath.Join(sess.Dir, "destdir"),
		state:    Idle,
	}
	b.env.apply(r.Environment)
	b.env.apply(map[string]string{
		"KILN_PACKAGE": r.Name,
		"KILN_VERSION": r.Version,
		"KILN_JOBS":    fmt.Sprintf("%d", p.jobs(r)),
	})

	result, err := p.runStages(ctx, b)
	logPath := p.preserveLog(b)

	if err != nil {
		p.rollback(b)
		slog.Error("build failed",
			"package", r.Name, "stage", b.state.stageName(), "log", logPath, "error", err)
		return &Result{State: Failed, LogPath: logPath}, err
	}

	if cerr := p.opts.Sandbox.Cleanup(sess); cerr != nil {
		slog.Warn("session cleanup failed", "package", r.Name, "error", cerr)
	}

	result.LogPath = logPath
	return result, nil
}

// Advances through the stages in order, stopping at the first failure.
func (p *Pipeline) runStages(ctx context.Context, b *build) (*Result, error) {
	type stage struct {
		to  State
		fn  func(context.Context, *build) error
		pre recipe.Stage
		post recipe.Stage
	}

	stages := []stage{
		{Prepared, p.prepare, recipe.PrePrepare, recipe.PostPrepare},
		{Configured, p.configure, recipe.PreConfigure, recipe.PostConfigure},
		{Built, p.buildStage, recipe.PreBuild, recipe.PostBuild},
		{Checked, p.check, recipe.PreCheck, recipe.PostCheck},
		{Staged, p.install, recipe.PreInstall, recipe.PostInstall},
		{Stripped, p.stripTree, "", ""},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if st.pre != "" {
			if err := p.runHook(ctx, b, st.pre); err != nil {
				return nil, p.stageErr(b, st.to, err)
			}
		}
		if err := st.fn(ctx, b); err != nil {
			return nil, p.stageErr(b, st.to, err)
		}
		if st.post != "" {
			if err := p.runHook(ctx, b, st.post); err != nil {
				return nil, p.stageErr(b, st.to, err)
			}
		}

		b.state = st.to
		slog.Debug("stage complete", "package", b.recipe.Name, "state", b.state.String())
	}

	art, err := p.opts.Artifacts.Pack(ctx, b.recipe.Name, b.recipe.Version, b.stageDir)
	if err != nil {
		return nil, p.stageErr(b, Packaged, err)
	}
	b.state = Packaged

	slog.Info("package built", "package", b.recipe.Name, "version", b.recipe.Version, "artifact", art.Path)
	return &Result{State: Packaged, Artifact: art}, nil
}

// Wraps a stage failure with its stage name and flips the state.
func (p *Pipeline) stageErr(b *build, failedAt State, err error) error {
	stage := failedAt.stageName()
	b.state = Failed
	return fmt.Errorf("%w: %s stage of %s: %w", ErrStage, stage, b.recipe.Name, err)
}

// Prepare: fetch and verify every source, extract archives into work/,
// copy plain files, then apply patches in order.
func (p *Pipeline) prepare(ctx context.Context, b *build) error {
	if p.opts.Mount {
		if err := p.opts.Sandbox.MountPseudoFS(b.session); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(b.stageDir, 0755); err != nil {
		return err
	}

	for _, src := range b.recipe.Sources {
		cached, err := p.opts.Fetcher.Fetch(ctx, src.URL, src.SHA256)
		if err != nil {
			return err
		}

		if isArchive(cached) {
			if err := fetch.Extract(cached, b.session.Work); err != nil {
				return err
			}
		} else if err := copyFileContents(cached, filepath.Join(b.session.Work, filepath.Base(cached))); err != nil {
			return err
		}
	}

	b.srcDir = detectSrcDir(b.session.Work)

	for i, patchRef := range b.recipe.Patches {
		if err := p.applyPatch(ctx, b, i, patchRef); err != nil {
			return err
		}
	}
	return nil
}

// Reports whether a cached source looks like an extractable archive.
func isArchive(path string) bool {
	name := strings.ToLower(path)
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar.xz", ".tar.bz2", ".tar", ".zip"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// A single extracted top-level directory becomes the source directory;
// otherwise the work directory itself is used.
func detectSrcDir(workDir string) string {
	entries, err := os.ReadDir(workDir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return workDir
	}
	return filepath.Join(workDir, entries[0].Name())
}

// Applies one patch, trying the strip levels in order. Remote patch
// references are fetched first; local ones resolve against the recipe
// directory.
func (p *Pipeline) applyPatch(ctx context.Context, b *build, index int, ref string) error {
	path := ref
	if recipe.SupportedScheme(ref) {
		cached, err := p.opts.Fetcher.Fetch(ctx, ref, "")
		if err != nil {
			return err
		}
		path = cached
	} else if !filepath.IsAbs(ref) {
		path = filepath.Join(b.recipe.Dir(), ref)
	}

	for _, level := range patchStripLevels {
		res, err := p.opts.Sandbox.Run(ctx, b.session, sandbox.Command{
			Shell: fmt.Sprintf("patch -p%d -N -i %s", level, shellQuote(path)),
			Dir:   b.srcDir,
			Env:   b.env.resolve(nil),
		})
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			slog.Debug("patch applied", "package", b.recipe.Name, "patch", ref, "strip", level)
			return nil
		}
	}

	return fmt.Errorf("%w: patch %d (%s) at strip levels 1, 0, 2", ErrPatch, index, ref)
}

// Configure: detect the build system and run its configure command.
func (p *Pipeline) configure(ctx context.Context, b *build) error {
	system := detectSystem(b.recipe, b.srcDir)
	b.env.apply(map[string]string{
		"KILN_PREFIX":  b.recipe.Build.Prefix,
		"KILN_DESTDIR": b.stageDir,
	})
	slog.Info("build system selected", "package", b.recipe.Name, "system", system)

	cmds := p.commands(b, system)
	if cmds.configure == "" {
		return nil
	}
	return p.runStageCommand(ctx, b, cmds.configure)
}

// Build: run the build command with the configured parallelism.
func (p *Pipeline) buildStage(ctx context.Context, b *build) error {
	cmds := p.commands(b, detectSystem(b.recipe, b.srcDir))
	if cmds.build == "" {
		return nil
	}
	return p.runStageCommand(ctx, b, cmds.build)
}

// Check: run the test suite. Failures are warnings unless the recipe
// says strict_check.
func (p *Pipeline) check(ctx context.Context, b *build) error {
	cmds := p.commands(b, detectSystem(b.recipe, b.srcDir))
	if cmds.check == "" {
		return nil
	}

	err := p.runStageCommand(ctx, b, cmds.check)
	if err == nil {
		return nil
	}
	if b.recipe.Build.StrictCheck {
		return err
	}
	slog.Warn("check stage failed", "package", b.recipe.Name, "error", err)
	return nil
}

// Install: run the install command with output directed into the
// staged tree, under the fakeroot shim when one is configured.
func (p *Pipeline) install(ctx context.Context, b *build) error {
	cmds := p.commands(b, detectSystem(b.recipe, b.srcDir))
	if cmds.install == "" {
		return fmt.Errorf("no install command for %s", b.recipe.Name)
	}

	command := cmds.install
	if p.opts.Fakeroot != "" && os.Geteuid() != 0 {
		command = p.opts.Fakeroot + " sh -c " + shellQuote(command)
	}
	return p.runStageCommand(ctx, b, command)
}

// Runs one stage command in the session, converting a non-zero exit
// into an error carrying the captured stderr tail.
func (p *Pipeline) runStageCommand(ctx context.Context, b *build, shell string) error {
	res, err := p.opts.Sandbox.Run(ctx, b.session, sandbox.Command{
		Shell: shell,
		Dir:   b.srcDir,
		Env:   b.env.resolve(nil),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%q exited %d: %s", shell, res.ExitCode, tail(res.Stderr, 500))
	}
	return nil
}

// Resolves the stage commands for the build's system.
func (p *Pipeline) commands(b *build, system string) stageCommands {
	return resolveCommands(b.recipe, system, b.stageDir, p.jobs(b.recipe))
}

// The recipe's jobs override or the pipeline default.
func (p *Pipeline) jobs(r *recipe.Recipe) int {
	if r.Build.Jobs > 0 {
		return r.Build.Jobs
	}
	return p.opts.Jobs
}

// Copies the session's build log to the persistent log directory.
func (p *Pipeline) preserveLog(b *build) string {
	src := b.session.LogPath()
	if _, err := os.Stat(src); err != nil {
		return ""
	}
	if p.opts.LogDir == "" {
		return src
	}
	if err := os.MkdirAll(p.opts.LogDir, 0755); err != nil {
		return src
	}

	dst := filepath.Join(p.opts.LogDir, b.recipe.Name+"-"+b.session.ID+".log")
	if err := copyFileContents(src, dst); err != nil {
		slog.Warn("preserving build log failed", "package", b.recipe.Name, "error", err)
		return src
	}
	return dst
}

// Rollback: remove the staged tree and session directories, releasing
// any session mounts. The recipe and all caches stay untouched.
func (p *Pipeline) rollback(b *build) {
	if err := p.opts.Sandbox.Cleanup(b.session); err != nil {
		slog.Error("rollback cleanup failed", "package", b.recipe.Name, "error", err)
	}
}
