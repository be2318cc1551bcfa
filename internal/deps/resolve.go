package deps

import (
	"fmt"
	"log/slog"
)

// DFS node colors.
type color int

const (
	unseen color = iota
	visiting
	done
)

// Controls resolution behavior.
type ResolveOptions struct {
	IncludeOptional bool // follow optional dependency edges
	Strict          bool // missing dependencies fail instead of warning
}

// Returns the packages required to build target in dependency-first
// order: every name with dependencies appears strictly after all of
// them. The target itself is last.
//
// A cycle among concrete names fails with a [CycleError] whose path is
// reconstructed from the DFS stack, beginning and ending at the same
// name. A declared dependency with neither a recipe nor an installed
// record fails with a [MissingError] in strict mode; otherwise it is
// logged and treated as a leaf.
func (g *Graph) Resolve(target string, opts ResolveOptions) ([]string, error) {
	if !g.known(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, target)
	}

	state := make(map[string]color)
	var stack []string
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		stack = append(stack, name)

		for _, dep := range g.directDeps(name, opts.IncludeOptional) {
			switch state[dep] {
			case done:
				continue
			case visiting:
				return &CycleError{Path: cyclePath(stack, dep)}
			}

			if !g.known(dep) {
				if opts.Strict {
					return &MissingError{Parent: name, Child: dep}
				}
				slog.Warn("dependency has no recipe, treating as leaf", "package", name, "dependency", dep)
				state[dep] = done
				order = append(order, dep)
				continue
			}

			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	if err := visit(target); err != nil {
		return nil, err
	}
	return order, nil
}

// Reconstructs a cycle path from the DFS stack: the suffix starting at
// the first occurrence of repeated, closed with repeated again.
func cyclePath(stack []string, repeated string) []string {
	start := 0
	for i, name := range stack {
		if name == repeated {
			start = i
			break
		}
	}
	path := append([]string{}, stack[start:]...)
	return append(path, repeated)
}

// Resolves each target and merges the sequences, preserving the first
// occurrence of every name.
func (g *Graph) ResolveMany(targets []string, opts ResolveOptions) ([]string, error) {
	seen := make(map[string]bool)
	var merged []string

	for _, target := range targets {
		order, err := g.Resolve(target, opts)
		if err != nil {
			return nil, err
		}
		for _, name := range order {
			if !seen[name] {
				seen[name] = true
				merged = append(merged, name)
			}
		}
	}
	return merged, nil
}
