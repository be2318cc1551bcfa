package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"

	"github.com/kilnhq/kiln/internal/artifact"
	"github.com/kilnhq/kiln/internal/errkind"
	"github.com/kilnhq/kiln/internal/fetch"
	"github.com/kilnhq/kiln/internal/installdb"
	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/pipeline"
	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/sandbox"
)

// Simulates build tools: install commands populate KILN_DESTDIR with a
// per-package binary; configured packages fail their build stage.
type fakeRunner struct {
	mu       sync.Mutex
	failPkgs map[string]bool
	built    []string
}

func (r *fakeRunner) Run(ctx context.Context, spec sandbox.RunSpec) (int, error) {
	shell := spec.Argv[len(spec.Argv)-1]
	pkg := envValue(spec.Env, "KILN_PACKAGE")

	r.mu.Lock()
	fail := r.failPkgs[pkg]
	r.mu.Unlock()

	if fail && strings.Contains(shell, "make") && !strings.Contains(shell, "install") {
		if spec.Stderr != nil {
			spec.Stderr.Write([]byte("simulated build failure\n"))
		}
		return 2, nil
	}

	if strings.Contains(shell, "install") {
		dest := envValue(spec.Env, "KILN_DESTDIR")
		full := filepath.Join(dest, "usr", "bin", pkg)
		os.MkdirAll(filepath.Dir(full), 0755)
		os.WriteFile(full, []byte("binary of "+pkg+"\n"), 0755)

		r.mu.Lock()
		r.built = append(r.built, pkg)
		r.mu.Unlock()
	}
	return 0, nil
}

func envValue(env []string, key string) string {
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, key+"="); ok {
			return v
		}
	}
	return ""
}

type nopMounter struct{}

func (nopMounter) Mount(source, target, fstype string, flags uintptr, data string) error { return nil }
func (nopMounter) Unmount(target string, flags int) error                                { return nil }

type testEnv struct {
	orch    *Orchestrator
	runner  *fakeRunner
	recipes *recipe.Store
	db      *installdb.DB
	store   *artifact.Store
	root    string
	recDir  string
	srcDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	env := &testEnv{
		runner: &fakeRunner{failPkgs: make(map[string]bool)},
		root:   filepath.Join(base, "rootfs"),
		recDir: filepath.Join(base, "recipes"),
		srcDir: filepath.Join(base, "upstream"),
	}
	os.MkdirAll(env.recDir, 0755)
	os.MkdirAll(env.srcDir, 0755)

	locks := lockfile.NewManager(filepath.Join(base, "locks"))
	env.recipes = recipe.NewStore(recipe.StoreOptions{Roots: []string{env.recDir}})
	env.db = installdb.Open(filepath.Join(base, "installed.db"), nil, 3)
	env.store = artifact.NewStore(artifact.Options{
		BinaryDir:   filepath.Join(base, "binaries", "cache"),
		ManifestDir: filepath.Join(base, "manifests"),
	})

	fetcher := fetch.New(fetch.Options{
		CacheDir: filepath.Join(base, "sources", "cache"),
		MinSize:  1,
	})

	pipe := pipeline.New(pipeline.Options{
		Fetcher: fetcher,
		Sandbox: sandbox.New(sandbox.Options{
			BaseDir: filepath.Join(base, "build"),
			Runner:  env.runner,
			Mounter: nopMounter{},
		}),
		Artifacts: env.store,
		LogDir:    filepath.Join(base, "logs"),
		Jobs:      1,
	})

	env.orch = New(Options{
		Recipes:    env.recipes,
		DB:         env.db,
		Pipeline:   pipe,
		Artifacts:  env.store,
		Fetcher:    fetcher,
		Locks:      locks,
		TargetRoot: env.root,
		Workers:    2,
		Policy:     Continue,
	})
	return env
}

// Writes an upstream source archive and a recipe referencing it.
func (env *testEnv) addPackage(t *testing.T, name string, depends ...string) {
	t.Helper()

	archive := filepath.Join(env.srcDir, name+"-1.0.tar.gz")
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	content := "source of " + name + "\n"
	tw.WriteHeader(&tar.Header{Name: name + "-1.0/", Typeflag: tar.TypeDir, Mode: 0755})
	tw.WriteHeader(&tar.Header{Name: name + "-1.0/Makefile", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))})
	tw.Write([]byte(content))
	tw.Close()
	zw.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	meta := fmt.Sprintf("[package]\nname = %s\nversion = 1.0\n\n[sources]\nurl_1 = file://%s\n", name, archive)
	if len(depends) > 0 {
		meta += "\n[deps]\ndepends = " + strings.Join(depends, ", ") + "\n"
	}
	if err := os.WriteFile(filepath.Join(env.recDir, name+".ini"), []byte(meta), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildSinglePackage(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "hello")

	res, err := env.orch.Build(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Failures()) != 0 {
		t.Fatalf("failures: %+v", res.Failures())
	}

	if _, err := env.store.CacheCheck("hello", "1.0"); err != nil {
		t.Fatalf("artifact not cached: %v", err)
	}
}

func TestBuildSkipsCached(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "hello")

	if _, err := env.orch.Build(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	buildsAfterFirst := len(env.runner.built)

	if _, err := env.orch.Build(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	if len(env.runner.built) != buildsAfterFirst {
		t.Fatal("cached package was rebuilt")
	}
}

func TestInstallWithDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "c")
	env.addPackage(t, "b", "c")
	env.addPackage(t, "a", "b")

	res, err := env.orch.Install(context.Background(), "a")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	// Install order is dependency-first.
	var names []string
	for _, out := range res.Outcomes {
		names = append(names, out.Name)
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, names); diff != "" {
		t.Fatalf("install order (-want +got):\n%s", diff)
	}

	// All three are recorded and their files exist under the root.
	for _, name := range names {
		version, ok, err := env.db.CheckInstalled(name)
		if err != nil || !ok || version != "1.0" {
			t.Fatalf("CheckInstalled(%s) = %q, %v, %v", name, version, ok, err)
		}
		if _, err := os.Stat(filepath.Join(env.root, "usr", "bin", name)); err != nil {
			t.Fatalf("installed file for %s missing: %v", name, err)
		}
	}

	// Every dependency's artifact was packed before its dependant.
	builds := env.runner.built
	index := func(name string) int {
		for i, b := range builds {
			if b == name {
				return i
			}
		}
		return -1
	}
	if !(index("c") < index("b") && index("b") < index("a")) {
		t.Fatalf("build order violated dependencies: %v", builds)
	}
}

func TestBuildCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "x", "y")
	env.addPackage(t, "y", "z")
	env.addPackage(t, "z", "x")

	_, err := env.orch.Build(context.Background(), "x")
	if errkind.Of(err) != errkind.Cycle {
		t.Fatalf("err = %v (kind %v), want a cycle error", err, errkind.Of(err))
	}
}

func TestBuildFailureSkipsDependents(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "base")
	env.addPackage(t, "app", "base")
	env.runner.failPkgs["base"] = true

	res, err := env.orch.Build(context.Background(), "app")
	if !errors.Is(err, ErrBatchFailed) {
		t.Fatalf("err = %v, want ErrBatchFailed", err)
	}

	var baseOut, appOut *Outcome
	for i := range res.Outcomes {
		switch res.Outcomes[i].Name {
		case "base":
			baseOut = &res.Outcomes[i]
		case "app":
			appOut = &res.Outcomes[i]
		}
	}
	if baseOut == nil || baseOut.Err == nil {
		t.Fatalf("base outcome = %+v, want failure", baseOut)
	}
	if appOut == nil || !appOut.Skipped {
		t.Fatalf("app outcome = %+v, want skipped", appOut)
	}
}

func TestUninstallRefusedWithDependents(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "b")
	env.addPackage(t, "a", "b")

	if _, err := env.orch.Install(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	err := env.orch.Uninstall(context.Background(), "b", false)
	if !errors.Is(err, ErrHasDependents) {
		t.Fatalf("err = %v, want ErrHasDependents", err)
	}

	// State unchanged.
	if _, ok, _ := env.db.CheckInstalled("b"); !ok {
		t.Fatal("refused uninstall modified the database")
	}
	if _, err := os.Stat(filepath.Join(env.root, "usr", "bin", "b")); err != nil {
		t.Fatal("refused uninstall removed files")
	}
}

func TestUninstallForce(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "b")
	env.addPackage(t, "a", "b")

	if _, err := env.orch.Install(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	if err := env.orch.Uninstall(context.Background(), "b", true); err != nil {
		t.Fatalf("forced Uninstall: %v", err)
	}

	if _, ok, _ := env.db.CheckInstalled("b"); ok {
		t.Fatal("b still recorded after forced uninstall")
	}
	if _, err := os.Stat(filepath.Join(env.root, "usr", "bin", "b")); !os.IsNotExist(err) {
		t.Fatal("b's files survive forced uninstall")
	}

	// a's verify now reports the b binary missing only if b provided
	// it; a's own file is intact.
	if _, err := os.Stat(filepath.Join(env.root, "usr", "bin", "a")); err != nil {
		t.Fatal("forced uninstall of b removed a's files")
	}
}

func TestAttemptRetriesTransient(t *testing.T) {
	env := newTestEnv(t)
	env.orch.opts.Retries = 2

	calls := 0
	fn := func(ctx context.Context, name string) (string, error) {
		calls++
		if calls < 3 {
			return "", fetch.ErrNetwork
		}
		return "", nil
	}

	out := env.orch.attempt(context.Background(), "pkg", fn)
	if out.Err != nil {
		t.Fatalf("attempt failed despite retries: %v", out.Err)
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", out.Attempts)
	}
}

func TestAttemptDoesNotRetryDeterministic(t *testing.T) {
	env := newTestEnv(t)
	env.orch.opts.Retries = 5

	calls := 0
	fn := func(ctx context.Context, name string) (string, error) {
		calls++
		return "", pipeline.ErrStage
	}

	out := env.orch.attempt(context.Background(), "pkg", fn)
	if out.Err == nil {
		t.Fatal("deterministic failure reported success")
	}
	if calls != 1 {
		t.Fatalf("build failure retried %d times", calls)
	}
}

func TestVerifyInstalled(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "hello")

	if _, err := env.orch.Install(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	outcomes, err := env.orch.Verify(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if len(outcomes[0].Missing)+len(outcomes[0].Modified) != 0 {
		t.Fatalf("fresh install not clean: %+v", outcomes[0])
	}

	// Damage a file; verify notices.
	os.Remove(filepath.Join(env.root, "usr", "bin", "hello"))
	outcomes, err = env.orch.Verify(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes[0].Missing) != 1 {
		t.Fatalf("missing = %v, want the removed binary", outcomes[0].Missing)
	}
}

func TestDoctorFS(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "hello")

	if _, err := env.orch.Install(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	// Plant a broken symlink and a world-writable file under the
	// managed tree.
	os.Symlink("/nonexistent-target", filepath.Join(env.root, "usr", "bin", "dangling"))
	os.WriteFile(filepath.Join(env.root, "usr", "bin", "loose"), []byte("x"), 0666)
	os.Chmod(filepath.Join(env.root, "usr", "bin", "loose"), 0666) // past the umask

	report, err := env.orch.DoctorFS(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.BrokenSymlinks) != 1 || !strings.HasSuffix(report.BrokenSymlinks[0], "dangling") {
		t.Fatalf("broken symlinks = %v", report.BrokenSymlinks)
	}
	if len(report.WorldWritable) != 1 || !strings.HasSuffix(report.WorldWritable[0], "loose") {
		t.Fatalf("world-writable = %v", report.WorldWritable)
	}
}

func TestParallelWorkersHonorDependencies(t *testing.T) {
	env := newTestEnv(t)
	env.orch.opts.Workers = 4

	// Diamond: top depends on left and right, both depend on bottom.
	env.addPackage(t, "bottom")
	env.addPackage(t, "left", "bottom")
	env.addPackage(t, "right", "bottom")
	env.addPackage(t, "top", "left", "right")

	if _, err := env.orch.Build(context.Background(), "top"); err != nil {
		t.Fatalf("Build: %v", err)
	}

	index := func(name string) int {
		for i, b := range env.runner.built {
			if b == name {
				return i
			}
		}
		t.Fatalf("%s never built (built: %v)", name, env.runner.built)
		return -1
	}
	if !(index("bottom") < index("left") && index("bottom") < index("right")) {
		t.Fatalf("bottom built after its dependants: %v", env.runner.built)
	}
	if top := index("top"); top < index("left") || top < index("right") {
		t.Fatalf("top built before its dependencies: %v", env.runner.built)
	}
}

func TestCancelStopsBatch(t *testing.T) {
	env := newTestEnv(t)
	env.addPackage(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.orch.Build(ctx, "a")
	if err == nil {
		t.Fatal("cancelled build reported success")
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrBatchFailed) {
		t.Fatalf("err = %v", err)
	}
}
