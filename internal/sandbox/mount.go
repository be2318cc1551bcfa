package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kilnhq/kiln/internal/paths"
)

// Performs the actual mount and unmount syscalls. Tests substitute a
// recording fake.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

// Mounter backed by mount(2)/umount2(2).
type unixMounter struct{}

func (unixMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixMounter) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// One pseudo-filesystem mounted under the session root.
type pseudoMount struct {
	target string // path below root/
	source string
	fstype string
	flags  uintptr
	data   string
}

// The pseudo-filesystems a build session needs, in mount order.
//
// nosuid, nodev and noexec are applied except where the mount type
// forbids it: /dev needs device nodes, /proc and /tmp need exec for
// some build systems' self-inspection.
var pseudoMounts = []pseudoMount{
	{target: "proc", source: "proc", fstype: "proc", flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{target: "sys", source: "sysfs", fstype: "sysfs", flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{target: "dev", source: "tmpfs", fstype: "tmpfs", flags: unix.MS_NOSUID, data: "mode=0755"},
	{target: "run", source: "tmpfs", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_NODEV, data: "mode=0755"},
	{target: "tmp", source: "tmpfs", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_NODEV, data: "mode=1777"},
}

// Unmount retry schedule: immediate, then after short pauses, then a
// final lazy detach.
const (
	unmountRetries = 3
	unmountPause   = 200 * time.Millisecond
)

// Mounts the session's pseudo-filesystems under root/.
//
// Acquisition is scoped: on the first failure everything already
// mounted is released before the error returns, so a session never
// leaks mounts past this call.
func (s *Sandbox) MountPseudoFS(sess *Session) error {
	for _, m := range pseudoMounts {
		target := filepath.Join(sess.Root, m.target)
		if err := os.MkdirAll(target, paths.DefaultDirMode); err != nil {
			s.ReleaseMounts(sess)
			return fmt.Errorf("%w: %v", ErrMount, err)
		}

		if err := s.opts.Mounter.Mount(m.source, target, m.fstype, m.flags, m.data); err != nil {
			s.ReleaseMounts(sess)
			return fmt.Errorf("%w: %s on %s: %v", ErrMount, m.fstype, target, err)
		}

		sess.mounts = append(sess.mounts, target)
		slog.Debug("mounted", "target", target, "fstype", m.fstype)
	}
	return nil
}

// Unmounts everything the session mounted, in reverse order.
//
// Busy mounts are retried with pauses and finally detached lazily.
// Release keeps going past individual failures so one stuck mount
// cannot pin the others; the first error is reported after all targets
// have been attempted.
func (s *Sandbox) ReleaseMounts(sess *Session) error {
	var first error

	for i := len(sess.mounts) - 1; i >= 0; i-- {
		target := sess.mounts[i]
		if err := s.unmountWithRetry(target); err != nil && first == nil {
			first = err
		}
	}
	sess.mounts = nil
	return first
}

func (s *Sandbox) unmountWithRetry(target string) error {
	var err error
	for attempt := 0; attempt < unmountRetries; attempt++ {
		if err = s.opts.Mounter.Unmount(target, 0); err == nil {
			slog.Debug("unmounted", "target", target)
			return nil
		}
		time.Sleep(unmountPause)
	}

	if derr := s.opts.Mounter.Unmount(target, unix.MNT_DETACH); derr == nil {
		slog.Warn("mount released with lazy detach", "target", target)
		return nil
	}

	return fmt.Errorf("%w: %s: %v", ErrUnmount, target, err)
}
