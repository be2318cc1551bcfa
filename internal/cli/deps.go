package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/deps"
	"github.com/kilnhq/kiln/internal/recipe"
)

// How long CLI commands wait on coarse locks.
const lockWait = 10 * time.Minute

// Represents the 'kiln deps' command group.
type DepsCmd struct {
	Resolve    DepsResolveCmd    `cmd:"" help:"Print the dependency-first build order for a package."`
	Check      DepsCheckCmd      `cmd:"" help:"Check every recipe's dependencies for resolvability."`
	Orphans    DepsOrphansCmd    `cmd:"" help:"List installed packages nothing depends on."`
	Reverse    DepsReverseCmd    `cmd:"" help:"List packages that transitively depend on one."`
	RebuildAll DepsRebuildAllCmd `cmd:"" name:"rebuild-all" help:"Rebuild every installed package in order."`
	Graph      DepsGraphCmd      `cmd:"" help:"Print the adjacency of the dependency graph."`
}

// Builds the graph from the app's stores.
func buildGraph(a *app) (*deps.Graph, error) {
	paths, err := a.recipes.List("")
	if err != nil {
		return nil, err
	}
	var recipes []*recipe.Recipe
	for _, p := range paths {
		if r, err := a.recipes.Load(p); err == nil {
			recipes = append(recipes, r)
		}
	}

	records, err := a.db.List()
	if err != nil {
		return nil, err
	}
	installed := make([]string, len(records))
	for i, rec := range records {
		installed[i] = rec.Name
	}

	return deps.Build(recipes, installed, nil), nil
}

type DepsResolveCmd struct {
	Name     string `arg:"" help:"Target package."`
	Optional bool   `help:"Include optional dependencies."`
	Strict   bool   `help:"Fail on unresolvable dependencies."`
}

func (c *DepsResolveCmd) Run(ctx context.Context, a *app) error {
	g, err := buildGraph(a)
	if err != nil {
		return err
	}
	order, err := g.Resolve(c.Name, deps.ResolveOptions{
		IncludeOptional: c.Optional,
		Strict:          c.Strict,
	})
	if err != nil {
		return err
	}
	for _, name := range order {
		fmt.Println(name)
	}
	return nil
}

type DepsCheckCmd struct{}

func (c *DepsCheckCmd) Run(ctx context.Context, a *app) error {
	g, err := buildGraph(a)
	if err != nil {
		return err
	}

	bad := 0
	for _, name := range g.Nodes() {
		if _, err := g.Resolve(name, deps.ResolveOptions{Strict: true}); err != nil {
			fmt.Printf("%s: %v\n", name, err)
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d packages fail to resolve", bad)
	}
	fmt.Println("ok")
	return nil
}

type DepsOrphansCmd struct{}

func (c *DepsOrphansCmd) Run(ctx context.Context, a *app) error {
	orphans, err := a.orch.Orphans(ctx)
	if err != nil {
		return err
	}
	for _, name := range orphans {
		fmt.Println(name)
	}
	return nil
}

type DepsReverseCmd struct {
	Name string `arg:"" help:"Package to query dependants for."`
}

func (c *DepsReverseCmd) Run(ctx context.Context, a *app) error {
	g, err := buildGraph(a)
	if err != nil {
		return err
	}
	for _, name := range g.Reverse(c.Name) {
		fmt.Println(name)
	}
	return nil
}

type DepsRebuildAllCmd struct{}

func (c *DepsRebuildAllCmd) Run(ctx context.Context, a *app) error {
	res, err := a.orch.RebuildAll(ctx)
	if summary := summarize(res); summary != "" {
		fmt.Println(summary)
	}
	return err
}

type DepsGraphCmd struct{}

func (c *DepsGraphCmd) Run(ctx context.Context, a *app) error {
	g, err := buildGraph(a)
	if err != nil {
		return err
	}
	for _, name := range g.Nodes() {
		direct := g.DirectDeps(name, true)
		if len(direct) == 0 {
			continue
		}
		fmt.Printf("%s: %s\n", name, strings.Join(direct, " "))
	}
	return nil
}
