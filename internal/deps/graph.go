package deps

import (
	"slices"
	"sort"

	"github.com/kilnhq/kiln/internal/recipe"
)

// The package dependency graph with forward and reverse adjacency.
//
// Construct with [Build]; the graph is immutable afterwards. Rebuild
// from the current recipe store whenever recipes change.
type Graph struct {
	forward  map[string][]string // pkg -> sorted direct dependencies
	backward map[string][]string // dep -> sorted direct dependents

	hasRecipe map[string]bool // names backed by a recipe
	installed map[string]bool // names present in the installed DB
	optional  map[string][]string // pkg -> sorted optional dependencies
}

// Produces the graph from the current recipes, the installed package
// set, and a virtual-name expansion map.
//
// Runtime and build dependencies become edges unconditionally; optional
// dependencies are recorded separately and only contribute edges when a
// resolve call asks for them. A dependency naming a virtual expands to
// every concrete name in its mapping.
func Build(recipes []*recipe.Recipe, installed []string, virtuals map[string][]string) *Graph {
	g := &Graph{
		forward:   make(map[string][]string),
		backward:  make(map[string][]string),
		hasRecipe: make(map[string]bool),
		installed: make(map[string]bool),
		optional:  make(map[string][]string),
	}

	for _, name := range installed {
		g.installed[name] = true
	}

	for _, r := range recipes {
		if r.Name == "" {
			continue
		}
		g.hasRecipe[r.Name] = true

		var deps []string
		for _, d := range r.Depends {
			deps = append(deps, expand(d, virtuals)...)
		}
		for _, d := range r.BuildDeps {
			deps = append(deps, expand(d, virtuals)...)
		}
		g.forward[r.Name] = dedupeSorted(deps, r.Name)

		var opts []string
		for _, d := range r.OptDeps {
			opts = append(opts, expand(d, virtuals)...)
		}
		g.optional[r.Name] = dedupeSorted(opts, r.Name)
	}

	for pkg, deps := range g.forward {
		for _, dep := range deps {
			g.backward[dep] = append(g.backward[dep], pkg)
		}
	}
	for pkg, opts := range g.optional {
		for _, dep := range opts {
			g.backward[dep] = append(g.backward[dep], pkg)
		}
	}
	for dep := range g.backward {
		g.backward[dep] = dedupeSorted(g.backward[dep], "")
	}

	return g
}

// Expands a virtual name to its concrete names, or returns the name
// itself when no mapping exists.
func expand(name string, virtuals map[string][]string) []string {
	if concrete, ok := virtuals[name]; ok && len(concrete) > 0 {
		return concrete
	}
	return []string{name}
}

// Sorts, removes duplicates, and drops self-references.
func dedupeSorted(names []string, self string) []string {
	sort.Strings(names)
	out := names[:0]
	var prev string
	for _, n := range names {
		if n == "" || n == prev || n == self {
			continue
		}
		out = append(out, n)
		prev = n
	}
	return slices.Clip(out)
}

// Returns the direct dependencies of a package, with optional
// dependencies appended when asked for.
func (g *Graph) directDeps(pkg string, includeOptional bool) []string {
	deps := g.forward[pkg]
	if !includeOptional || len(g.optional[pkg]) == 0 {
		return deps
	}
	merged := append(append([]string{}, deps...), g.optional[pkg]...)
	return dedupeSorted(merged, pkg)
}

// Returns the direct dependencies of a package in sorted order,
// optional dependencies included when asked for.
func (g *Graph) DirectDeps(pkg string, includeOptional bool) []string {
	return g.directDeps(pkg, includeOptional)
}

// Reports whether a name is resolvable: backed by a recipe or already
// installed.
func (g *Graph) known(name string) bool {
	return g.hasRecipe[name] || g.installed[name]
}

// Returns every package name in the graph, sorted.
func (g *Graph) Nodes() []string {
	seen := make(map[string]bool)
	for pkg := range g.forward {
		seen[pkg] = true
	}
	for _, deps := range g.forward {
		for _, d := range deps {
			seen[d] = true
		}
	}
	for name := range g.installed {
		seen[name] = true
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Returns all names that transitively depend on pkg, sorted.
func (g *Graph) Reverse(pkg string) []string {
	seen := make(map[string]bool)
	stack := []string{pkg}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, parent := range g.backward[cur] {
			if !seen[parent] {
				seen[parent] = true
				stack = append(stack, parent)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Returns installed packages no other installed package depends on,
// sorted.
func (g *Graph) Orphans() []string {
	var out []string
	for name := range g.installed {
		needed := false
		for _, parent := range g.backward[name] {
			if g.installed[parent] {
				needed = true
				break
			}
		}
		if !needed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Returns the installed packages whose transitive dependencies include
// any name in changed, in dependency-first topological order.
func (g *Graph) ChangedImpact(changed []string) []string {
	impacted := make(map[string]bool)
	for _, name := range changed {
		for _, parent := range g.Reverse(name) {
			if g.installed[parent] {
				impacted[parent] = true
			}
		}
		if g.installed[name] {
			impacted[name] = true
		}
	}

	order := g.topoOrder()
	out := make([]string, 0, len(impacted))
	for _, name := range order {
		if impacted[name] {
			out = append(out, name)
		}
	}
	return out
}

// Produces a dependency-first ordering over the whole graph. Edges that
// close a cycle are ignored without logging, so every node still
// appears exactly once.
func (g *Graph) topoOrder() []string {
	state := make(map[string]color)
	var order []string

	var visit func(name string)
	visit = func(name string) {
		switch state[name] {
		case visiting:
			return // cycle member; tolerated for ordering queries
		case done:
			return
		}
		state[name] = visiting
		for _, dep := range g.directDeps(name, false) {
			visit(dep)
		}
		state[name] = done
		order = append(order, name)
	}

	for _, name := range g.Nodes() {
		if state[name] != done {
			visit(name)
		}
	}
	return order
}
