package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/recipe"
)

// Marker files checked during build system auto-detection, in priority
// order.
var detectionOrder = []struct {
	marker string
	system string
}{
	{"configure", recipe.SystemAutotools},
	{"CMakeLists.txt", recipe.SystemCMake},
	{"meson.build", recipe.SystemMeson},
	{"Cargo.toml", recipe.SystemCargo},
	{"package.json", recipe.SystemNode},
	{"pyproject.toml", recipe.SystemPython},
	{"setup.py", recipe.SystemPython},
}

// Returns the build system for a source directory, honoring the
// recipe's explicit choice and probing marker files on auto. Falls
// back to make.
func detectSystem(r *recipe.Recipe, srcDir string) string {
	if r.Build.System != "" && r.Build.System != recipe.SystemAuto {
		return r.Build.System
	}

	for _, d := range detectionOrder {
		if _, err := os.Stat(filepath.Join(srcDir, d.marker)); err == nil {
			return d.system
		}
	}
	return recipe.SystemMake
}

// The default stage commands for one build system. Empty strings skip
// the stage.
type stageCommands struct {
	configure string
	build     string
	check     string
	install   string
}

// Returns the default commands for a build system.
//
// destDir is the staged tree the install stage populates; prefix the
// recipe's install prefix; jobs the parallelism level.
func defaultCommands(system, prefix, destDir string, jobs int) stageCommands {
	switch system {
	case recipe.SystemAutotools:
		return stageCommands{
			configure: fmt.Sprintf("./configure --prefix=%s", prefix),
			build:     fmt.Sprintf("make -j%d", jobs),
			check:     "make check",
			install:   fmt.Sprintf("make DESTDIR=%s install", destDir),
		}
	case recipe.SystemCMake:
		return stageCommands{
			configure: fmt.Sprintf("cmake -S . -B build -DCMAKE_INSTALL_PREFIX=%s", prefix),
			build:     fmt.Sprintf("cmake --build build -j %d", jobs),
			check:     "ctest --test-dir build --output-on-failure",
			install:   fmt.Sprintf("DESTDIR=%s cmake --install build", destDir),
		}
	case recipe.SystemMeson:
		return stageCommands{
			configure: fmt.Sprintf("meson setup build --prefix=%s", prefix),
			build:     fmt.Sprintf("ninja -C build -j %d", jobs),
			check:     "meson test -C build",
			install:   fmt.Sprintf("DESTDIR=%s ninja -C build install", destDir),
		}
	case recipe.SystemCargo:
		return stageCommands{
			build:   fmt.Sprintf("cargo build --release --jobs %d", jobs),
			check:   "cargo test --release",
			install: fmt.Sprintf("cargo install --path . --root %s%s --locked", destDir, prefix),
		}
	case recipe.SystemNode:
		return stageCommands{
			configure: "npm ci",
			build:     "npm run build --if-present",
			check:     "npm test --if-present",
			install:   fmt.Sprintf("npm pack --pack-destination %s", destDir),
		}
	case recipe.SystemPython:
		return stageCommands{
			build:   "python3 -m compileall .",
			check:   "python3 -m pytest || true",
			install: fmt.Sprintf("pip3 install --no-deps --prefix=%s --root=%s .", prefix, destDir),
		}
	case recipe.SystemCustom:
		return stageCommands{}
	default: // make
		return stageCommands{
			build:   fmt.Sprintf("make -j%d", jobs),
			check:   "make check",
			install: fmt.Sprintf("make DESTDIR=%s PREFIX=%s install", destDir, prefix),
		}
	}
}

// Resolves the effective commands: recipe overrides win over the build
// system defaults.
func resolveCommands(r *recipe.Recipe, system, destDir string, jobs int) stageCommands {
	cmds := defaultCommands(system, r.Build.Prefix, destDir, jobs)
	if r.Build.Configure != "" {
		cmds.configure = r.Build.Configure
	}
	if r.Build.Build != "" {
		cmds.build = r.Build.Build
	}
	if r.Build.Check != "" {
		cmds.check = r.Build.Check
	}
	if r.Build.Install != "" {
		cmds.install = r.Build.Install
	}
	return cmds
}
