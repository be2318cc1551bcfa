package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/kilnhq/kiln/internal/recipe"
	"github.com/kilnhq/kiln/internal/sandbox"
)

// PATH value hook processes run with: system binary directories plus
// the session's tools directory.
const hookPathDirs = "/usr/sbin:/usr/bin:/sbin:/bin"

// Runs the hook for a stage if the recipe declares one.
//
// pre_* hook failures are fatal; post_* failures are logged as
// warnings unless the recipe sets strict_hooks. Hook scripts must live
// inside the recipe's directory unless trust is enabled.
func (p *Pipeline) runHook(ctx context.Context, b *build, stage recipe.Stage) error {
	script, ok := b.recipe.Hooks[stage]
	if !ok || script == "" {
		return nil
	}

	path, err := p.resolveHookPath(b.recipe, script)
	if err != nil {
		return err
	}

	slog.Debug("running hook", "package", b.recipe.Name, "stage", string(stage), "script", path)

	env := b.env.resolve(map[string]string{
		"PATH":           hookPathDirs + ":" + filepath.Join(b.session.Dir, "tools"),
		"KILN_PACKAGE":   b.recipe.Name,
		"KILN_VERSION":   b.recipe.Version,
		"KILN_BUILD_DIR": b.srcDir,
		"KILN_STAGE_DIR": b.stageDir,
	})

	res, err := p.opts.Sandbox.Run(ctx, b.session, sandbox.Command{
		Shell: "sh " + path,
		Dir:   b.srcDir,
		Env:   env,
	})
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("%w: %s exited %d: %s", ErrHook, string(stage), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if err == nil {
		return nil
	}

	if strings.HasPrefix(string(stage), "post_") && !b.recipe.Build.StrictHooks {
		slog.Warn("post hook failed", "package", b.recipe.Name, "stage", string(stage), "error", err)
		return nil
	}
	return fmt.Errorf("hook %s: %w", string(stage), err)
}

// Resolves a hook script reference against the recipe directory.
//
// Absolute references and references that climb out of the recipe
// directory are refused unless hooks are trusted.
func (p *Pipeline) resolveHookPath(r *recipe.Recipe, script string) (string, error) {
	if p.opts.TrustHooks {
		if filepath.IsAbs(script) {
			return script, nil
		}
		return filepath.Join(r.Dir(), script), nil
	}

	if filepath.IsAbs(script) {
		return "", fmt.Errorf("%w: absolute path %q", ErrHookPath, script)
	}
	cleaned := filepath.Clean(script)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrHookPath, script)
	}
	return filepath.Join(r.Dir(), cleaned), nil
}
