// Package lockfile provides named exclusive locks shared across processes.
//
// Locks are advisory flock(2) locks on files under a configured directory,
// so the OS releases them when a holder crashes. On filesystems without
// flock support the manager falls back to lock directories containing the
// holder's pid, verifying staleness before stealing.
//
// The lock names used by the core are fixed: "global-build",
// "recipe-store", "installed-db", "package/<name>",
// "cache-entry/<name>-<version>", plus "source/<basename>" for source
// downloads and "log-rotate/<name>" for log rotation. Acquisition order across components
// follows the global order documented in the orchestrator to preclude
// deadlock.
package lockfile
