// Package pipeline drives a single package build through its stages.
//
// The pipeline is a per-package state machine: Idle, Prepared,
// Configured, Built, Checked, Staged, Stripped, Packaged, with Failed
// reachable from anywhere. Prepare fetches and extracts sources and
// applies patches; Configure detects the build system when the recipe
// says auto; Build and Install run inside the sandbox session with the
// recipe's environment; Strip removes unneeded symbols from ELF
// objects in the staged tree; Package hands the tree to the artifact
// store.
//
// Hooks wrap the stages in recipe-declared order. pre_* hook failures
// are fatal, post_* failures are warnings unless the recipe marks them
// strict. Stage-level retries are deliberately absent: the pipeline
// reports the first failure verbatim and the orchestrator owns the
// retry policy.
//
// Rollback tears the session down but preserves the per-package build
// log under the configured log directory.
package pipeline
