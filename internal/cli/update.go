package cli

import (
	"context"
	"fmt"

	"github.com/kilnhq/kiln/internal/orchestrator"
)

// Represents the 'kiln update' command group.
type UpdateCmd struct {
	Check    UpdateCheckCmd    `cmd:"" help:"Report newer upstream versions."`
	Meta     UpdateMetaCmd     `cmd:"" help:"Rewrite recipes with detected versions and checksums."`
	TestLink UpdateTestLinkCmd `cmd:"" name:"test-link" help:"Probe candidate download URLs for a new version."`
	DryRun   UpdateDryRunCmd   `cmd:"" name:"dry-run" help:"Rewrite, build through packaging, then discard."`
	Upgrade  UpdateUpgradeCmd  `cmd:"" help:"Rewrite, build, install and mark installed."`
}

// Runs one update mode against a package or every installed package.
func runUpdate(ctx context.Context, a *app, name string, all bool, mode orchestrator.UpdateMode) error {
	if all {
		outcomes, err := a.orch.UpdateAll(ctx, mode)
		for _, out := range outcomes {
			printUpdate(out)
		}
		return err
	}
	if name == "" {
		return usageErr("package name required unless --all is set")
	}

	out := a.orch.Update(ctx, name, mode)
	printUpdate(out)
	return out.Err
}

func printUpdate(out orchestrator.UpdateOutcome) {
	switch {
	case out.Err != nil:
		fmt.Printf("%s: error: %v\n", out.Name, out.Err)
	case out.Detected == "":
		fmt.Printf("%s: up to date (%s)\n", out.Name, out.Current)
	case out.Applied:
		fmt.Printf("%s: %s -> %s (applied)\n", out.Name, out.Current, out.Detected)
	default:
		fmt.Printf("%s: %s -> %s\n", out.Name, out.Current, out.Detected)
	}
}

type UpdateCheckCmd struct {
	Name string `arg:"" optional:"" help:"Package to check."`
	All  bool   `help:"Check every installed package."`
}

func (c *UpdateCheckCmd) Run(ctx context.Context, a *app) error {
	return runUpdate(ctx, a, c.Name, c.All, orchestrator.ModeCheck)
}

type UpdateMetaCmd struct {
	Name string `arg:"" optional:"" help:"Package to update."`
	All  bool   `help:"Update every installed package's recipe."`
}

func (c *UpdateMetaCmd) Run(ctx context.Context, a *app) error {
	return runUpdate(ctx, a, c.Name, c.All, orchestrator.ModeMeta)
}

type UpdateTestLinkCmd struct {
	Name string `arg:"" help:"Package whose candidates to probe."`
}

func (c *UpdateTestLinkCmd) Run(ctx context.Context, a *app) error {
	r, err := a.recipes.LoadByName(c.Name)
	if err != nil {
		return err
	}
	proposal, err := a.checker.ProposeUpdate(ctx, r)
	if err != nil {
		return err
	}

	url, sha, err := a.checker.Probe(ctx, proposal.Candidates)
	if err != nil {
		return err
	}
	fmt.Printf("%s\nsha256 %s\n", url, sha)
	return nil
}

type UpdateDryRunCmd struct {
	Name string `arg:"" optional:"" help:"Package to dry-run upgrade."`
	All  bool   `help:"Dry-run every installed package."`
}

func (c *UpdateDryRunCmd) Run(ctx context.Context, a *app) error {
	return runUpdate(ctx, a, c.Name, c.All, orchestrator.ModeDryRun)
}

type UpdateUpgradeCmd struct {
	Name string `arg:"" optional:"" help:"Package to upgrade."`
	All  bool   `help:"Upgrade every installed package."`
}

func (c *UpdateUpgradeCmd) Run(ctx context.Context, a *app) error {
	return runUpdate(ctx, a, c.Name, c.All, orchestrator.ModeUpgrade)
}
