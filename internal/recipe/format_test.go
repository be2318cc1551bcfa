package recipe

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleMetafile = `# hello world package
[package]
name = hello
version = 1.0
description = "GNU hello"
arch = x86_64, aarch64

[environment]
CFLAGS = -O2

[sources]
url_1 = https://example.org/hello-1.0.tar.gz
sha256_1 = aa11bb22cc33dd44ee55ff66aa77bb88cc99dd00ee11ff22aa33bb44cc55dd66
url_2 = https://example.org/hello-extras.tar.gz

[patches]
patch_1 = fix-build.patch
patch_2 = https://example.org/cve-2024.patch

[hooks]
post_install = hooks/register.sh

[deps]
depends = glibc, zlib
build_deps = make
opt_deps =

[build]
system = autotools
configure = ./configure --prefix=/usr   # default layout
jobs = 4

[update]
api = https://example.org/releases
regex = hello-([0-9.]+)\.tar
`

func TestParseRecipe(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleMetafile), "hello.ini")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	r := doc.Recipe()

	if r.Name != "hello" || r.Version != "1.0" {
		t.Fatalf("name/version = %q/%q", r.Name, r.Version)
	}
	if r.Description != "GNU hello" {
		t.Fatalf("quotes not stripped: %q", r.Description)
	}
	if diff := cmp.Diff([]string{"x86_64", "aarch64"}, r.Arch); diff != "" {
		t.Fatalf("arch mismatch (-want +got):\n%s", diff)
	}
	if r.Environment["CFLAGS"] != "-O2" {
		t.Fatalf("environment = %v", r.Environment)
	}

	if len(r.Sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(r.Sources))
	}
	if r.Sources[0].Index != 1 || r.Sources[0].SHA256 == "" {
		t.Fatalf("source 1 checksum not correlated: %+v", r.Sources[0])
	}
	if r.Sources[1].Index != 2 || r.Sources[1].SHA256 != "" {
		t.Fatalf("source 2 unexpectedly has checksum: %+v", r.Sources[1])
	}

	if diff := cmp.Diff([]string{"fix-build.patch", "https://example.org/cve-2024.patch"}, r.Patches); diff != "" {
		t.Fatalf("patch order (-want +got):\n%s", diff)
	}
	if r.Hooks[PostInstall] != "hooks/register.sh" {
		t.Fatalf("hooks = %v", r.Hooks)
	}
	if diff := cmp.Diff([]string{"glibc", "zlib"}, r.Depends); diff != "" {
		t.Fatalf("depends (-want +got):\n%s", diff)
	}
	if len(r.OptDeps) != 0 {
		t.Fatalf("empty opt_deps parsed as %v", r.OptDeps)
	}

	if r.Build.System != "autotools" || r.Build.Jobs != 4 {
		t.Fatalf("build config = %+v", r.Build)
	}
	if r.Build.Configure != "./configure --prefix=/usr" {
		t.Fatalf("trailing comment not stripped: %q", r.Build.Configure)
	}
	if r.Update.Regex != `hello-([0-9.]+)\.tar` {
		t.Fatalf("update regex = %q", r.Update.Regex)
	}
}

func TestParseDefaults(t *testing.T) {
	doc, err := ParseDocument([]byte("[package]\nname = x\n"), "x.ini")
	if err != nil {
		t.Fatal(err)
	}
	r := doc.Recipe()
	if r.Build.System != SystemAuto {
		t.Fatalf("default system = %q, want auto", r.Build.System)
	}
	if r.Build.Prefix != "/usr" {
		t.Fatalf("default prefix = %q, want /usr", r.Build.Prefix)
	}
}

func TestParseMultilineBlock(t *testing.T) {
	input := "[build]\ninstall = |\nmake install DESTDIR=$DEST\nchmod 755 $DEST/usr/bin/hello\n.\n"
	doc, err := ParseDocument([]byte(input), "x.ini")
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	want := "make install DESTDIR=$DEST\nchmod 755 $DEST/usr/bin/hello"
	if got, _ := doc.Get("build.install"); got != want {
		t.Fatalf("block value = %q, want %q", got, want)
	}

	// The block round-trips through serialization.
	doc2, err := ParseDocument(doc.Bytes(), "x.ini")
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if got, _ := doc2.Get("build.install"); got != want {
		t.Fatalf("round-tripped block = %q, want %q", got, want)
	}
}

func TestParseUnterminatedBlock(t *testing.T) {
	_, err := ParseDocument([]byte("a = |\nno terminator\n"), "x.ini")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestParseMissingEquals(t *testing.T) {
	_, err := ParseDocument([]byte("[package]\nname\n"), "x.ini")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	if !strings.Contains(err.Error(), ":2:") {
		t.Fatalf("error %q does not carry the line number", err)
	}
}

func TestRepeatedKeysPreserveOrder(t *testing.T) {
	input := "[patches]\np = first.patch\np = second.patch\np = third.patch\n"
	doc, err := ParseDocument([]byte(input), "x.ini")
	if err != nil {
		t.Fatal(err)
	}
	got := doc.GetAll("patches.p")
	want := []string{"first.patch", "second.patch", "third.patch"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestSetRewritesInPlace(t *testing.T) {
	doc, err := ParseDocument([]byte(sampleMetafile), "hello.ini")
	if err != nil {
		t.Fatal(err)
	}

	doc.Set("package.version", "2.0")
	out := string(doc.Bytes())

	if !strings.Contains(out, "version = 2.0") {
		t.Fatal("updated value missing")
	}
	if strings.Contains(out, "version = 1.0") {
		t.Fatal("old value still present")
	}

	// Position preserved: version still sits before description.
	if strings.Index(out, "version = 2.0") > strings.Index(out, "description") {
		t.Fatal("in-place rewrite moved the entry")
	}
}

func TestSetAppendsNewKeyToSection(t *testing.T) {
	doc, err := ParseDocument([]byte("[package]\nname = x\n\n[build]\nsystem = make\n"), "x.ini")
	if err != nil {
		t.Fatal(err)
	}

	doc.Set("package.homepage", "https://example.org")
	reparsed, err := ParseDocument(doc.Bytes(), "x.ini")
	if err != nil {
		t.Fatalf("re-parse after Set: %v", err)
	}
	if got, _ := reparsed.Get("package.homepage"); got != "https://example.org" {
		t.Fatalf("appended key = %q", got)
	}
	// The existing build section still parses under its own header.
	if got, _ := reparsed.Get("build.system"); got != "make" {
		t.Fatalf("build.system = %q after append", got)
	}
}

func TestSetNewSection(t *testing.T) {
	doc, err := ParseDocument([]byte("[package]\nname = x\n"), "x.ini")
	if err != nil {
		t.Fatal(err)
	}
	doc.Set("update.api", "https://example.org/releases")

	reparsed, err := ParseDocument(doc.Bytes(), "x.ini")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := reparsed.Get("update.api"); got != "https://example.org/releases" {
		t.Fatalf("update.api = %q", got)
	}
}

func TestCommentsAndBlanksRoundTrip(t *testing.T) {
	input := "# header comment\n\n[package]\n# about the name\nname = x\n"
	doc, err := ParseDocument([]byte(input), "x.ini")
	if err != nil {
		t.Fatal(err)
	}
	if got := string(doc.Bytes()); got != input {
		t.Fatalf("round trip changed unedited lines:\ngot:  %q\nwant: %q", got, input)
	}
}

func TestTrailingCommentPreservedOnRewrite(t *testing.T) {
	doc, err := ParseDocument([]byte("[build]\njobs = 4  # leave headroom\n"), "x.ini")
	if err != nil {
		t.Fatal(err)
	}
	doc.Set("build.jobs", "8")
	out := string(doc.Bytes())
	if !strings.Contains(out, "jobs = 8") || !strings.Contains(out, "# leave headroom") {
		t.Fatalf("rewrite lost value or comment: %q", out)
	}
}

func TestURLIndex(t *testing.T) {
	tests := []struct {
		key    string
		prefix string
		idx    int
		ok     bool
	}{
		{"url", "url", 1, true},
		{"url_1", "url", 1, true},
		{"url_12", "url", 12, true},
		{"sha256_2", "sha256", 2, true},
		{"url_0", "url", 0, false},
		{"url_x", "url", 0, false},
		{"mirror", "url", 0, false},
	}
	for _, tt := range tests {
		idx, ok := urlIndex(tt.key, tt.prefix)
		if idx != tt.idx || ok != tt.ok {
			t.Errorf("urlIndex(%q, %q) = %d,%v want %d,%v", tt.key, tt.prefix, idx, ok, tt.idx, tt.ok)
		}
	}
}
