package cli

import (
	"context"
	"fmt"
	"strings"
)

// Represents the 'kiln recipe' command group.
type RecipeCmd struct {
	Create      RecipeCreateCmd      `cmd:"" help:"Materialize a starter recipe."`
	List        RecipeListCmd        `cmd:"" help:"Enumerate recipes."`
	Load        RecipeLoadCmd        `cmd:"" help:"Parse a recipe and print its fields."`
	Get         RecipeGetCmd         `cmd:"" help:"Read one field."`
	Set         RecipeSetCmd         `cmd:"" help:"Write one field atomically."`
	Validate    RecipeValidateCmd    `cmd:"" help:"Check a recipe against the required-field rules."`
	Diff        RecipeDiffCmd        `cmd:"" help:"Diff a recipe against its newest backup."`
	Restore     RecipeRestoreCmd     `cmd:"" help:"Restore a recipe from its newest backup."`
	BackupClean RecipeBackupCleanCmd `cmd:"" name:"backup-clean" help:"Prune old recipe backups."`
}

type RecipeCreateCmd struct {
	Category string `arg:"" help:"Recipe category directory."`
	Name     string `arg:"" help:"Package name."`
	Sub      string `arg:"" optional:"" help:"Optional subcategory."`
}

func (c *RecipeCreateCmd) Run(ctx context.Context, a *app) error {
	path, err := a.recipes.Create(c.Category, c.Name, c.Sub)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

type RecipeListCmd struct {
	Root string `arg:"" optional:"" help:"Restrict to one recipe root."`
}

func (c *RecipeListCmd) Run(ctx context.Context, a *app) error {
	paths, err := a.recipes.List(c.Root)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

type RecipeLoadCmd struct {
	Name string `arg:"" help:"Package name or metafile path."`
}

func (c *RecipeLoadCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}
	r, err := a.recipes.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("name: %s\nversion: %s\n", r.Name, r.Version)
	if r.Description != "" {
		fmt.Printf("description: %s\n", r.Description)
	}
	for _, src := range r.Sources {
		fmt.Printf("source %d: %s", src.Index, src.URL)
		if src.SHA256 != "" {
			fmt.Printf(" (sha256 %s)", src.SHA256)
		}
		fmt.Println()
	}
	for i, p := range r.Patches {
		fmt.Printf("patch %d: %s\n", i+1, p)
	}
	if len(r.Depends) > 0 {
		fmt.Printf("depends: %s\n", strings.Join(r.Depends, ", "))
	}
	if len(r.BuildDeps) > 0 {
		fmt.Printf("build deps: %s\n", strings.Join(r.BuildDeps, ", "))
	}
	fmt.Printf("build system: %s\n", r.Build.System)
	return nil
}

type RecipeGetCmd struct {
	Name  string `arg:"" help:"Package name or metafile path."`
	Field string `arg:"" help:"Section-qualified field, e.g. package.version."`
}

func (c *RecipeGetCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}
	value, err := a.recipes.Get(path, c.Field)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

type RecipeSetCmd struct {
	Name  string `arg:"" help:"Package name or metafile path."`
	Field string `arg:"" help:"Section-qualified field."`
	Value string `arg:"" help:"New value."`
}

func (c *RecipeSetCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}

	lock, err := a.locks.Acquire(ctx, "recipe-store", lockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	return a.recipes.Set(path, c.Field, c.Value)
}

type RecipeValidateCmd struct {
	Name string `arg:"" help:"Package name or metafile path."`
}

func (c *RecipeValidateCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}
	r, err := a.recipes.Load(path)
	if err != nil {
		return err
	}

	warnings, err := a.recipes.Validate(r)
	for _, w := range warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

type RecipeDiffCmd struct {
	Name string `arg:"" help:"Package name or metafile path."`
}

func (c *RecipeDiffCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}
	diff, err := a.recipes.Diff(path)
	if err != nil {
		return err
	}
	fmt.Print(diff)
	return nil
}

type RecipeRestoreCmd struct {
	Name string `arg:"" help:"Package name or metafile path."`
}

func (c *RecipeRestoreCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}

	lock, err := a.locks.Acquire(ctx, "recipe-store", lockWait)
	if err != nil {
		return err
	}
	defer lock.Release()

	return a.recipes.Restore(path)
}

type RecipeBackupCleanCmd struct {
	Name string `arg:"" help:"Package name or metafile path."`
	Keep int    `help:"Backups to keep." default:"-1"`
}

func (c *RecipeBackupCleanCmd) Run(ctx context.Context, a *app) error {
	path, err := resolveRecipePath(a, c.Name)
	if err != nil {
		return err
	}
	removed, err := a.recipes.CleanBackups(path, c.Keep)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d backups\n", removed)
	return nil
}

// Accepts either a package name or a direct metafile path.
func resolveRecipePath(a *app, nameOrPath string) (string, error) {
	if strings.ContainsRune(nameOrPath, '/') || strings.HasSuffix(nameOrPath, ".ini") {
		return nameOrPath, nil
	}
	return a.recipes.Find(nameOrPath)
}
