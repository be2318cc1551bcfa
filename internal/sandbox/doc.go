// Package sandbox provides isolated per-package build sessions.
//
// A session owns a directory tree (root/, work/, logs/, tmp/) under the
// configured sandbox base. Pseudo-filesystems are mounted under root/
// with scoped acquisition: whatever happens after a successful mount,
// release unmounts in reverse order with bounded retries before the
// session directory is deleted. Cleanup refuses to touch paths that
// resolve outside the sandbox base.
//
// This package is the only place in kiln that starts subprocesses.
// Commands run through a Runner, privileged sessions chroot into the
// session root, unprivileged ones enter private mount, pid and network
// namespaces. Tests substitute a fake Runner and Mounter.
package sandbox
