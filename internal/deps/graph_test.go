package deps

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kilnhq/kiln/internal/recipe"
)

// Builds a recipe with only the fields the graph reads.
func rcp(name string, depends, buildDeps, optDeps []string) *recipe.Recipe {
	return &recipe.Recipe{
		Name:      name,
		Depends:   depends,
		BuildDeps: buildDeps,
		OptDeps:   optDeps,
	}
}

func TestResolveChain(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"b"}, nil, nil),
		rcp("b", []string{"c"}, nil, nil),
		rcp("c", nil, nil, nil),
	}, nil, nil)

	got, err := g.Resolve("a", ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestResolveTopologicalProperty(t *testing.T) {
	recipes := []*recipe.Recipe{
		rcp("app", []string{"liba", "libb"}, []string{"tool"}, nil),
		rcp("liba", []string{"libc"}, nil, nil),
		rcp("libb", []string{"libc"}, nil, nil),
		rcp("libc", nil, nil, nil),
		rcp("tool", []string{"libc"}, nil, nil),
	}
	g := Build(recipes, nil, nil)

	order, err := g.Resolve("app", ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}

	index := make(map[string]int)
	for i, name := range order {
		index[name] = i
	}

	// Every edge A -> B satisfies index(B) < index(A).
	for _, r := range recipes {
		for _, dep := range append(append([]string{}, r.Depends...), r.BuildDeps...) {
			if index[dep] >= index[r.Name] {
				t.Fatalf("edge %s -> %s violated in %v", r.Name, dep, order)
			}
		}
	}
	if order[len(order)-1] != "app" {
		t.Fatalf("target not last: %v", order)
	}
}

func TestResolveDeterministicTieBreak(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("top", []string{"zeta", "alpha", "mid"}, nil, nil),
		rcp("zeta", nil, nil, nil),
		rcp("alpha", nil, nil, nil),
		rcp("mid", nil, nil, nil),
	}, nil, nil)

	got, err := g.Resolve("top", ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"alpha", "mid", "zeta", "top"}, got); diff != "" {
		t.Fatalf("same-rank nodes not lexicographic (-want +got):\n%s", diff)
	}
}

func TestResolveCycle(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("x", []string{"y"}, nil, nil),
		rcp("y", []string{"z"}, nil, nil),
		rcp("z", []string{"x"}, nil, nil),
	}, nil, nil)

	_, err := g.Resolve("x", ResolveOptions{})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}

	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("err %T does not carry a cycle path", err)
	}
	if len(ce.Path) < 2 || ce.Path[0] != ce.Path[len(ce.Path)-1] {
		t.Fatalf("cycle path %v does not begin and end with the same node", ce.Path)
	}
	members := map[string]bool{"x": true, "y": true, "z": true}
	for _, n := range ce.Path {
		if !members[n] {
			t.Fatalf("cycle path %v contains %q outside the cycle", ce.Path, n)
		}
	}
}

func TestResolveCycleFromEveryMember(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("x", []string{"y"}, nil, nil),
		rcp("y", []string{"z"}, nil, nil),
		rcp("z", []string{"x"}, nil, nil),
	}, nil, nil)

	for _, target := range []string{"x", "y", "z"} {
		if _, err := g.Resolve(target, ResolveOptions{}); !errors.Is(err, ErrCycle) {
			t.Fatalf("Resolve(%s) = %v, want ErrCycle", target, err)
		}
	}
}

func TestResolveMissingStrict(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"ghost"}, nil, nil),
	}, nil, nil)

	_, err := g.Resolve("a", ResolveOptions{Strict: true})
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}
	var me *MissingError
	if !errors.As(err, &me) || me.Parent != "a" || me.Child != "ghost" {
		t.Fatalf("missing error = %+v", me)
	}
}

func TestResolveMissingLenient(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"ghost"}, nil, nil),
	}, nil, nil)

	got, err := g.Resolve("a", ResolveOptions{})
	if err != nil {
		t.Fatalf("lenient resolve failed: %v", err)
	}
	if diff := cmp.Diff([]string{"ghost", "a"}, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestResolveInstalledDepWithoutRecipe(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"glibc"}, nil, nil),
	}, []string{"glibc"}, nil)

	// Installed names count as known even in strict mode.
	if _, err := g.Resolve("a", ResolveOptions{Strict: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
}

func TestResolveUnknownTarget(t *testing.T) {
	g := Build(nil, nil, nil)
	if _, err := g.Resolve("nope", ResolveOptions{}); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown", err)
	}
}

func TestResolveOptionalDeps(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"b"}, nil, []string{"extra"}),
		rcp("b", nil, nil, nil),
		rcp("extra", nil, nil, nil),
	}, nil, nil)

	without, err := g.Resolve("a", ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "a"}, without); diff != "" {
		t.Fatalf("without optional (-want +got):\n%s", diff)
	}

	with, err := g.Resolve("a", ResolveOptions{IncludeOptional: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "extra", "a"}, with); diff != "" {
		t.Fatalf("with optional (-want +got):\n%s", diff)
	}
}

func TestVirtualExpansion(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("app", []string{"virtual/cc"}, nil, nil),
		rcp("gcc", nil, nil, nil),
		rcp("clang", nil, nil, nil),
	}, nil, map[string][]string{
		"virtual/cc": {"gcc", "clang"},
	})

	got, err := g.Resolve("app", ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"clang", "gcc", "app"}, got); diff != "" {
		t.Fatalf("virtual expansion (-want +got):\n%s", diff)
	}
}

func TestResolveMany(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"c"}, nil, nil),
		rcp("b", []string{"c"}, nil, nil),
		rcp("c", nil, nil, nil),
	}, nil, nil)

	got, err := g.ResolveMany([]string{"a", "b"}, ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, got); diff != "" {
		t.Fatalf("merged order (-want +got):\n%s", diff)
	}
}

func TestReverse(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("app", []string{"lib"}, nil, nil),
		rcp("tool", []string{"lib"}, nil, nil),
		rcp("lib", []string{"core"}, nil, nil),
		rcp("core", nil, nil, nil),
	}, nil, nil)

	got := g.Reverse("core")
	if diff := cmp.Diff([]string{"app", "lib", "tool"}, got); diff != "" {
		t.Fatalf("Reverse (-want +got):\n%s", diff)
	}

	if got := g.Reverse("app"); len(got) != 0 {
		t.Fatalf("Reverse(app) = %v, want empty", got)
	}
}

func TestOrphans(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("app", []string{"lib"}, nil, nil),
		rcp("lib", nil, nil, nil),
		rcp("standalone", nil, nil, nil),
	}, []string{"app", "lib", "standalone"}, nil)

	got := g.Orphans()
	if diff := cmp.Diff([]string{"app", "standalone"}, got); diff != "" {
		t.Fatalf("Orphans (-want +got):\n%s", diff)
	}
}

func TestChangedImpact(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("app", []string{"lib"}, nil, nil),
		rcp("tool", []string{"lib"}, nil, nil),
		rcp("lib", []string{"core"}, nil, nil),
		rcp("core", nil, nil, nil),
		rcp("unrelated", nil, nil, nil),
	}, []string{"app", "tool", "lib", "core", "unrelated"}, nil)

	got := g.ChangedImpact([]string{"core"})
	if diff := cmp.Diff([]string{"core", "lib", "app", "tool"}, got); diff != "" {
		t.Fatalf("ChangedImpact (-want +got):\n%s", diff)
	}
}

func TestSelfDependencyIgnored(t *testing.T) {
	g := Build([]*recipe.Recipe{
		rcp("a", []string{"a", "b"}, nil, nil),
		rcp("b", nil, nil, nil),
	}, nil, nil)

	got, err := g.Resolve("a", ResolveOptions{})
	if err != nil {
		t.Fatalf("self-dep should not cycle: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "a"}, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}
