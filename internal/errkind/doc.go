// Package errkind defines the error taxonomy shared by all components.
//
// Each package declares kinded sentinel errors with [New] and wraps
// causes with fmt.Errorf and %w. Callers match sentinels with errors.Is
// as usual; the orchestrator and CLI additionally classify failures with
// [Of] to drive retries and exit codes without depending on every
// package's sentinels.
package errkind
