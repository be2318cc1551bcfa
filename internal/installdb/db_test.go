package installdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "installed.db"), nil, 3)
}

func TestMarkAndCheckInstalled(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.MarkInstalled(ctx, Record{
		Name:        "hello",
		Version:     "1.0",
		Depends:     []string{"glibc", "zlib"},
		BuildDeps:   []string{"make"},
		ManifestRef: "/manifests/hello-1.0.manifest",
	})
	if err != nil {
		t.Fatalf("MarkInstalled: %v", err)
	}

	version, ok, err := db.CheckInstalled("hello")
	if err != nil || !ok || version != "1.0" {
		t.Fatalf("CheckInstalled = %q, %v, %v", version, ok, err)
	}

	if _, ok, _ := db.CheckInstalled("ghost"); ok {
		t.Fatal("unknown package reported installed")
	}
}

func TestOnDiskFormat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.MarkInstalled(ctx, Record{Name: "hello", Version: "1.0", Depends: []string{"glibc"}}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(db.path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello=1.0") {
		t.Fatalf("installed.db = %q, want name=version lines", data)
	}

	deps, err := os.ReadFile(db.dependsPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(deps), "hello: glibc") {
		t.Fatalf("depends.db = %q", deps)
	}
}

func TestUpgradeReplacesRecord(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.MarkInstalled(ctx, Record{Name: "hello", Version: "1.0"})
	db.MarkInstalled(ctx, Record{Name: "hello", Version: "2.0"})

	records, err := db.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after upgrade, want 1", len(records))
	}
	if records[0].Version != "2.0" {
		t.Fatalf("version = %q after upgrade", records[0].Version)
	}
}

func TestMarkUninstalled(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.MarkInstalled(ctx, Record{Name: "hello", Version: "1.0"})
	if err := db.MarkUninstalled(ctx, "hello"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := db.CheckInstalled("hello"); ok {
		t.Fatal("package still installed after MarkUninstalled")
	}

	if _, err := db.Get("hello"); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Get = %v, want ErrNotInstalled", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	want := Record{
		Name:        "gcc",
		Version:     "12.2.0",
		Depends:     []string{"glibc", "mpfr"},
		BuildDeps:   []string{"make", "bison"},
		OptDeps:     []string{"isl"},
		ManifestRef: "/manifests/gcc-12.2.0.manifest",
		InstalledAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := db.MarkInstalled(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get("gcc")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Fatalf("record (-want +got):\n%s", diff)
	}
}

func TestRequiredBy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.MarkInstalled(ctx, Record{Name: "glibc", Version: "2.38"})
	db.MarkInstalled(ctx, Record{Name: "hello", Version: "1.0", Depends: []string{"glibc"}})
	db.MarkInstalled(ctx, Record{Name: "vim", Version: "9.0", Depends: []string{"glibc", "ncurses"}})

	got, err := db.RequiredBy("glibc")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"hello", "vim"}, got); diff != "" {
		t.Fatalf("RequiredBy (-want +got):\n%s", diff)
	}

	deps, err := db.DependsOf("vim")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"glibc", "ncurses"}, deps); diff != "" {
		t.Fatalf("DependsOf (-want +got):\n%s", diff)
	}
}

func TestMutationCreatesBackup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.MarkInstalled(ctx, Record{Name: "a", Version: "1"})
	db.MarkInstalled(ctx, Record{Name: "b", Version: "1"})

	backups, _ := filepath.Glob(db.path + ".bak.*")
	if len(backups) == 0 {
		t.Fatal("no backup created by second mutation")
	}
}

func TestBackupRetention(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		db.MarkInstalled(ctx, Record{Name: "pkg", Version: string(rune('0' + i))})
	}

	backups, _ := filepath.Glob(db.path + ".bak.*")
	if len(backups) > 3 {
		t.Fatalf("%d backups survive, retention is 3", len(backups))
	}
}

func TestRecoverFromBackup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.MarkInstalled(ctx, Record{Name: "hello", Version: "1.0"})
	db.MarkInstalled(ctx, Record{Name: "vim", Version: "9.0"})

	// Simulate a crash between backup and rename: the live file is gone.
	if err := os.Remove(db.path); err != nil {
		t.Fatal(err)
	}

	if err := db.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	// The backup held the state before the last mutation.
	version, ok, err := db.CheckInstalled("hello")
	if err != nil || !ok || version != "1.0" {
		t.Fatalf("after recover: CheckInstalled = %q, %v, %v", version, ok, err)
	}
}

func TestRecoverNoopWhenHealthy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.MarkInstalled(ctx, Record{Name: "hello", Version: "1.0"})
	if err := db.Recover(); err != nil {
		t.Fatalf("Recover on healthy db: %v", err)
	}
	if v, ok, _ := db.CheckInstalled("hello"); !ok || v != "1.0" {
		t.Fatal("healthy recover lost data")
	}
}

func TestEmptyDB(t *testing.T) {
	db := newTestDB(t)

	records, err := db.List()
	if err != nil {
		t.Fatalf("List on missing files: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("List = %v, want empty", records)
	}
}

func TestCorruptDB(t *testing.T) {
	db := newTestDB(t)
	if err := os.MkdirAll(filepath.Dir(db.path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(db.path, []byte("not a record line\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := db.List(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}
