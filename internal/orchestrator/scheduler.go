package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilnhq/kiln/internal/deps"
)

// Builds or otherwise processes one package; returns its preserved log
// path and the first error.
type buildFunc func(ctx context.Context, name string) (string, error)

// Runs a dependency-ordered batch on the worker pool.
//
// A package is admitted only when every direct dependency inside the
// batch is done; packages whose dependencies failed are skipped. The
// fail policy controls whether a failure cancels the remainder.
func (o *Orchestrator) runBatch(ctx context.Context, graph *deps.Graph, order []string, fn buildFunc) *Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i
	}

	pending := append([]string{}, order...)
	done := make(map[string]bool, len(order))
	failed := make(map[string]bool)
	running := 0

	outcomes := make(chan Outcome)
	result := &Result{}
	aborted := false

	depsOf := func(name string) []string {
		var inBatch []string
		for _, dep := range graph.DirectDeps(name, o.opts.IncludeOptional) {
			if _, ok := index[dep]; ok {
				inBatch = append(inBatch, dep)
			}
		}
		return inBatch
	}

	for len(pending) > 0 || running > 0 {
		// Admit everything whose dependencies are settled, up to the
		// worker cap.
		if !aborted {
			var still []string
			for _, name := range pending {
				blocked, broken := false, false
				for _, dep := range depsOf(name) {
					if failed[dep] {
						broken = true
						break
					}
					if !done[dep] {
						blocked = true
					}
				}

				switch {
				case broken:
					failed[name] = true
					result.Outcomes = append(result.Outcomes, Outcome{
						Name:    name,
						Skipped: true,
						Err:     fmt.Errorf("%w: dependency failed", ErrBatchFailed),
					})
				case blocked || running >= o.opts.Workers:
					still = append(still, name)
				default:
					running++
					go func(name string) {
						outcomes <- o.attempt(ctx, name, fn)
					}(name)
				}
			}
			pending = still
		} else {
			// Aborted: everything pending is skipped.
			for _, name := range pending {
				result.Outcomes = append(result.Outcomes, Outcome{
					Name:    name,
					Skipped: true,
					Err:     context.Canceled,
				})
			}
			pending = nil
		}

		if running == 0 {
			if len(pending) > 0 {
				// No progress possible; should not happen with a valid
				// topological order.
				slog.Error("scheduler stuck, abandoning batch", "pending", pending)
				for _, name := range pending {
					result.Outcomes = append(result.Outcomes, Outcome{
						Name: name, Skipped: true,
						Err: fmt.Errorf("%w: scheduler could not admit", ErrBatchFailed),
					})
				}
			}
			break
		}

		out := <-outcomes
		running--
		result.Outcomes = append(result.Outcomes, out)

		if out.Err != nil {
			failed[out.Name] = true
			if o.shouldAbort(graph, index, done, out.Name) {
				slog.Error("aborting batch", "package", out.Name, "error", out.Err)
				aborted = true
				cancel()
			}
		} else {
			done[out.Name] = true
		}
	}

	return result
}

// Applies the fail policy to one failure.
func (o *Orchestrator) shouldAbort(graph *deps.Graph, index map[string]int, done map[string]bool, failedName string) bool {
	switch o.opts.Policy {
	case Continue:
		return false
	case AbortOnCritical:
		for _, parent := range graph.Reverse(failedName) {
			if _, inBatch := index[parent]; inBatch && !done[parent] {
				return true
			}
		}
		return false
	default: // Abort
		return true
	}
}
