// Package orchestrator coordinates the top-level commands.
//
// It is the only component that retries whole pipelines (the fetcher
// retries single downloads): pipelines report their first failure
// verbatim, and the orchestrator re-runs a whole pipeline up to
// the configured budget when the failure classifies as transient. The
// fail policy decides whether a batch aborts on the first failure,
// records it and continues, or aborts only when the failed package has
// dependants waiting in the same batch.
//
// Builds run on a worker pool. A package is admitted only once every
// dependency is in the done set, so a dependant always observes its
// dependencies' cache entries and installed records. Locks nest in one
// fixed order: global-build is held while package/<name> is taken, and
// package/<name> while the fetcher and artifact store take their
// source/ and cache-entry/ locks. recipe-store and installed-db are
// taken and released on their own, never while another of these is
// held.
package orchestrator
