package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/artifact"
	"github.com/kilnhq/kiln/internal/installdb"
)

// Represents the 'kiln build' command group.
type BuildCmd struct {
	Pkg          BuildPkgCmd          `cmd:"" help:"Build a package and its dependencies into the cache."`
	FromDir      BuildFromDirCmd      `cmd:"" name:"from-dir" help:"Pack an already-staged directory tree."`
	FromMetafile BuildFromMetafileCmd `cmd:"" name:"from-metafile" help:"Build directly from a metafile path."`
}

type BuildPkgCmd struct {
	Names []string `arg:"" help:"Packages to build."`
}

func (c *BuildPkgCmd) Run(ctx context.Context, a *app) error {
	res, err := a.orch.BuildMany(ctx, c.Names)
	if summary := summarize(res); summary != "" {
		fmt.Println(summary)
	}
	return err
}

type BuildFromDirCmd struct {
	Name    string `arg:"" help:"Package name for the artifact."`
	Version string `arg:"" help:"Package version for the artifact."`
	Dir     string `arg:"" help:"Staged tree to pack."`
}

func (c *BuildFromDirCmd) Run(ctx context.Context, a *app) error {
	art, err := a.artifacts.Pack(ctx, c.Name, c.Version, c.Dir)
	if err != nil {
		return err
	}
	fmt.Println(art.Path)
	return nil
}

type BuildFromMetafileCmd struct {
	Path string `arg:"" help:"Metafile to build."`
}

func (c *BuildFromMetafileCmd) Run(ctx context.Context, a *app) error {
	r, err := a.recipes.Load(c.Path)
	if err != nil {
		return err
	}
	res, err := a.pipeline.Run(ctx, r)
	if err != nil {
		return err
	}
	fmt.Println(res.Artifact.Path)
	return nil
}

// Represents the 'kiln install' command group.
type InstallCmd struct {
	PkgFromCache InstallPkgCmd   `cmd:"" name:"pkg-from-cache" help:"Install a package (building it first if needed)."`
	DirToRoot    InstallDirCmd   `cmd:"" name:"dir-to-root" help:"Pack a staged tree and install it onto the root."`
}

type InstallPkgCmd struct {
	Name string `arg:"" help:"Package to install."`
}

func (c *InstallPkgCmd) Run(ctx context.Context, a *app) error {
	res, err := a.orch.Install(ctx, c.Name)
	if summary := summarize(res); summary != "" {
		fmt.Println(summary)
	}
	return err
}

type InstallDirCmd struct {
	Name    string `arg:"" help:"Package name to record."`
	Version string `arg:"" help:"Package version to record."`
	Dir     string `arg:"" help:"Staged tree to install."`
	Delete  bool   `help:"Remove files under managed directories that the manifest does not list."`
}

func (c *InstallDirCmd) Run(ctx context.Context, a *app) error {
	art, err := a.artifacts.Pack(ctx, c.Name, c.Version, c.Dir)
	if err != nil {
		return err
	}
	err = a.artifacts.Install(ctx, c.Name, c.Version, a.layout.Root, artifact.InstallOptions{
		DeleteExtraneous: c.Delete,
	})
	if err != nil {
		return err
	}
	return a.db.MarkInstalled(ctx, installdb.Record{
		Name:        c.Name,
		Version:     c.Version,
		ManifestRef: art.ManifestPath,
	})
}

// Represents the 'kiln uninstall' command.
type UninstallCmd struct {
	Name  string `arg:"" help:"Package to remove."`
	Force bool   `help:"Remove even when other installed packages depend on it."`
}

func (c *UninstallCmd) Run(ctx context.Context, a *app) error {
	return a.orch.Uninstall(ctx, c.Name, c.Force)
}

// Represents the 'kiln verify' command group.
type VerifyCmd struct {
	Pkg VerifyPkgCmd `cmd:"" help:"Verify one installed package."`
	All VerifyAllCmd `cmd:"" help:"Verify every installed package."`
}

type VerifyPkgCmd struct {
	Name string `arg:"" help:"Package to verify."`
}

func (c *VerifyPkgCmd) Run(ctx context.Context, a *app) error {
	return runVerify(ctx, a, c.Name)
}

type VerifyAllCmd struct{}

func (c *VerifyAllCmd) Run(ctx context.Context, a *app) error {
	return runVerify(ctx, a, "")
}

func runVerify(ctx context.Context, a *app, target string) error {
	outcomes, err := a.orch.Verify(ctx, target)
	if err != nil {
		return err
	}

	dirty := 0
	for _, out := range outcomes {
		if out.Err != nil {
			fmt.Printf("%s: error: %v\n", out.Name, out.Err)
			dirty++
			continue
		}
		if len(out.Missing) == 0 && len(out.Modified) == 0 {
			fmt.Printf("%s: ok\n", out.Name)
			continue
		}
		dirty++
		for _, p := range out.Missing {
			fmt.Printf("%s: missing %s\n", out.Name, filepath.Clean(p))
		}
		for _, p := range out.Modified {
			fmt.Printf("%s: modified %s\n", out.Name, filepath.Clean(p))
		}
	}

	if dirty > 0 {
		return fmt.Errorf("%d packages failed verification", dirty)
	}
	return nil
}
