package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kilnhq/kiln/internal"
	"github.com/kilnhq/kiln/internal/artifact"
	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/fetch"
	"github.com/kilnhq/kiln/internal/installdb"
	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/logging"
	"github.com/kilnhq/kiln/internal/orchestrator"
	"github.com/kilnhq/kiln/internal/paths"
	"github.com/kilnhq/kiln/internal/pipeline"
	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/sandbox"
	"github.com/kilnhq/kiln/internal/upstream"
)

// Represents the root command for the kiln CLI.
var RootCmd struct {
	Quiet   bool `short:"q" help:"Suppress informational output."`
	Verbose bool `short:"v" help:"Enable verbose output."`
	Debug   bool `short:"d" help:"Enable debug output."`

	Root       string   `help:"Target root filesystem." env:"LFS_ROOT" default:"/"`
	Recipes    []string `help:"Recipe root directories, first match wins." env:"KILN_RECIPES"`
	Jobs       int      `help:"Build parallelism per package." env:"BUILD_JOBS"`
	Workers    int      `help:"Packages built in parallel." env:"KILN_WORKERS" default:"1"`
	Retry      int      `help:"Extra attempts for transient failures." env:"RETRY"`
	Mirrors    []string `help:"Mirror URL prefixes." env:"KILN_MIRRORS"`
	Timeout    int      `help:"Subprocess timeout in seconds." env:"KILN_TIMEOUT" default:"3600"`
	Retention  int      `help:"Backups kept per edited file." env:"KILN_BACKUP_RETENTION" default:"5"`
	LogMaxMB   int      `help:"Log rotation threshold in MiB." env:"KILN_LOG_MAX_MB" default:"10"`
	LogKeep    int      `help:"Rotated log copies kept." env:"KILN_LOG_KEEP" default:"5"`
	TrustHooks bool     `help:"Allow hook scripts outside the recipe directory." env:"KILN_TRUST_HOOKS"`
	Privileged bool     `help:"Use chroot isolation instead of namespaces."`

	AbortOnError    bool `help:"Stop the batch on the first failure." env:"ABORT_ON_ERROR"`
	ContinueOnError bool `help:"Record failures and keep going." env:"CONTINUE_ON_ERROR"`

	Recipe    RecipeCmd    `cmd:"" help:"Create, inspect and edit recipes."`
	Deps      DepsCmd      `cmd:"" help:"Resolve and inspect the dependency graph."`
	Source    SourceCmd    `cmd:"" help:"Fetch, verify and manage source archives."`
	Build     BuildCmd     `cmd:"" help:"Build packages into the binary cache."`
	Install   InstallCmd   `cmd:"" help:"Install packages onto the target root."`
	Uninstall UninstallCmd `cmd:"" help:"Remove installed packages."`
	Update    UpdateCmd    `cmd:"" help:"Check for and apply upstream updates."`
	Verify    VerifyCmd    `cmd:"" help:"Verify installed packages against manifests."`
	Doctor    DoctorCmd    `cmd:"" help:"Filesystem and binary sanity scans."`
	Version   VersionCmd   `cmd:"" help:"Show version information."`
}

// Everything a command needs, wired once after flag parsing.
type app struct {
	layout    paths.Layout
	locks     *lockfile.Manager
	sink      *logging.Sink
	recipes   *recipe.Store
	db        *installdb.DB
	fetcher   *fetch.Fetcher
	sandbox   *sandbox.Sandbox
	artifacts *artifact.Store
	pipeline  *pipeline.Pipeline
	checker   *upstream.Checker
	orch      *orchestrator.Orchestrator
}

// Parses arguments, configures logging, wires the components, and runs
// the selected subcommand.
//
// The returned exit code follows the CLI convention: 0 success, 1
// operation failure, 2 usage error.
func Execute() (code int) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Parse-time exits arrive as a kongExit panic and become the exit
	// code here; any other panic is re-raised.
	defer func() {
		if r := recover(); r != nil {
			ke, ok := r.(kongExit)
			if !ok {
				panic(r)
			}
			code = ke.code
		}
	}()

	parseErr := 0
	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Source-based package build orchestrator.\n\nBuilds packages from recipes into a content-addressable binary cache and installs them onto a target root."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Exit(func(code int) {
			if code != 0 {
				parseErr = 2
			}
			panic(kongExit{code: parseErr})
		}),
	)

	a, err := newApp()
	if err != nil {
		slog.Error(err.Error())
		return 1
	}
	defer a.sink.Close()

	if err := kongCtx.Run(a); err != nil {
		slog.Error(err.Error())
		if errkind.Of(err) == errkind.Usage {
			return 2
		}
		return 1
	}
	return 0
}

// Sentinel carried by panic when kong wants to exit during parsing
// (bad flags, --help). Recovered in Execute.
type kongExit struct{ code int }

// Recovers a kong parse exit into its exit code. Returns -1 when there
// is no panic to recover; any other panic is re-raised. Like recover
// itself, it only sees a panic when it is the deferred call.
func RecoverExit() int {
	if r := recover(); r != nil {
		if ke, ok := r.(kongExit); ok {
			return ke.code
		}
		panic(r)
	}
	return -1
}

// Wires the component graph from the parsed flags.
func newApp() (*app, error) {
	layout := paths.Default()
	if RootCmd.Root != "" {
		layout.Root = RootCmd.Root
	}
	if len(RootCmd.Recipes) > 0 {
		layout.Recipes = RootCmd.Recipes
	}
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	locks := lockfile.NewManager(layout.Locks)

	sink := logging.NewSink(logging.Options{
		Dir:        layout.Logs,
		Level:      logLevel(),
		MaxBytes:   int64(RootCmd.LogMaxMB) << 20,
		KeepCopies: RootCmd.LogKeep,
		GzipOld:    true,
		Locks:      locks,
	})
	slog.SetDefault(slog.New(sink))

	recipes := recipe.NewStore(recipe.StoreOptions{
		Roots:     layout.Recipes,
		Retention: RootCmd.Retention,
	})

	db := installdb.Open(layout.InstalledDB, locks, RootCmd.Retention)
	if err := db.Recover(); err != nil {
		return nil, err
	}

	fetcher := fetch.New(fetch.Options{
		CacheDir: layout.SourceCache,
		Mirrors:  RootCmd.Mirrors,
		Locks:    locks,
	})

	sb := sandbox.New(sandbox.Options{
		BaseDir:        layout.Sandbox,
		Privileged:     RootCmd.Privileged || os.Geteuid() == 0,
		DefaultTimeout: time.Duration(RootCmd.Timeout) * time.Second,
	})

	artifacts := artifact.NewStore(artifact.Options{
		BinaryDir:   layout.BinaryCache,
		ManifestDir: layout.Manifests,
		Locks:       locks,
	})

	pipe := pipeline.New(pipeline.Options{
		Fetcher:    fetcher,
		Sandbox:    sb,
		Artifacts:  artifacts,
		LogDir:     layout.Logs,
		Jobs:       RootCmd.Jobs,
		TrustHooks: RootCmd.TrustHooks,
		Mount:      os.Geteuid() == 0,
	})

	checker := upstream.New(upstream.Options{
		Fetcher: fetcher,
		Recipes: recipes,
	})

	orch := orchestrator.New(orchestrator.Options{
		Recipes:    recipes,
		DB:         db,
		Pipeline:   pipe,
		Artifacts:  artifacts,
		Fetcher:    fetcher,
		Checker:    checker,
		Locks:      locks,
		TargetRoot: layout.Root,
		Workers:    RootCmd.Workers,
		Retries:    RootCmd.Retry,
		Policy:     failPolicy(),
	})

	return &app{
		layout:    layout,
		locks:     locks,
		sink:      sink,
		recipes:   recipes,
		db:        db,
		fetcher:   fetcher,
		sandbox:   sb,
		artifacts: artifacts,
		pipeline:  pipe,
		checker:   checker,
		orch:      orch,
	}, nil
}

// Maps the mode flags to the log floor.
func logLevel() slog.Level {
	switch {
	case RootCmd.Debug || internal.IsDebug():
		return slog.LevelDebug
	case RootCmd.Quiet || internal.IsQuiet():
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Maps the policy flags to a fail policy. Abort wins when both are
// set; the default aborts only on failures with waiting dependants.
func failPolicy() orchestrator.FailPolicy {
	switch {
	case RootCmd.AbortOnError:
		return orchestrator.Abort
	case RootCmd.ContinueOnError:
		return orchestrator.Continue
	default:
		return orchestrator.AbortOnCritical
	}
}

// Renders a batch result summary: each failed package with its error
// kind and log path.
func summarize(res *orchestrator.Result) string {
	if res == nil {
		return ""
	}
	failures := res.Failures()
	if len(failures) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("failed packages:\n")
	for _, f := range failures {
		b.WriteString("  ")
		b.WriteString(f.Name)
		if f.Skipped {
			b.WriteString(" (skipped: dependency failed)")
		} else {
			if f.Stage != "" {
				b.WriteString(" [" + f.Stage + "]")
			}
			if f.LogPath != "" {
				b.WriteString(" log: " + f.LogPath)
			}
		}
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

var errUsage = errkind.New(errkind.Usage, "usage error")

// Wraps a message as a usage error so Execute exits 2.
func usageErr(msg string) error {
	return errors.Join(errUsage, errors.New(msg))
}
