package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilnhq/kiln/internal/paths"
)

// Timestamp layout for session identifiers.
const sessionStamp = "20060102T150405Z"

// Configures a [Sandbox].
type Options struct {
	BaseDir        string        // All sessions live below this directory.
	Privileged     bool          // chroot into the session root instead of using namespaces.
	DefaultTimeout time.Duration // Applied to commands without their own. 0 means 1 hour.
	Runner         Runner        // Subprocess execution. nil means the real runner.
	Mounter        Mounter       // mount/umount syscalls. nil means the real mounter.
}

// Creates and tears down isolated build sessions.
type Sandbox struct {
	opts Options
}

// Creates a sandbox with defaults applied.
func New(opts Options) *Sandbox {
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = time.Hour
	}
	if opts.Runner == nil {
		opts.Runner = &execRunner{}
	}
	if opts.Mounter == nil {
		opts.Mounter = &unixMounter{}
	}
	return &Sandbox{opts: opts}
}

// An ephemeral, isolated working context for one package build.
type Session struct {
	ID   string
	Dir  string // session directory under the sandbox base
	Root string // staging root; pseudo-filesystems mount below it
	Work string // source extraction and build trees
	Logs string // per-package build log
	Tmp  string // scratch space

	Env map[string]string // environment applied to every command

	mounts []string // active mount targets, mount order
}

// Allocates a new session with a unique "<utc-timestamp>-<pid>" id and
// the standard directory tree.
func (s *Sandbox) Create() (*Session, error) {
	id := fmt.Sprintf("%s-%d", time.Now().UTC().Format(sessionStamp), os.Getpid())

	dir := filepath.Join(s.opts.BaseDir, id)
	for n := 1; ; n++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = filepath.Join(s.opts.BaseDir, fmt.Sprintf("%s.%d", id, n))
	}

	sess := &Session{
		ID:   filepath.Base(dir),
		Dir:  dir,
		Root: filepath.Join(dir, "root"),
		Work: filepath.Join(dir, "work"),
		Logs: filepath.Join(dir, "logs"),
		Tmp:  filepath.Join(dir, "tmp"),
		Env:  make(map[string]string),
	}

	for _, d := range []string{sess.Root, sess.Work, sess.Logs, sess.Tmp} {
		if err := os.MkdirAll(d, paths.DefaultDirMode); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("%w: %v", ErrSetup, err)
		}
	}

	slog.Debug("session created", "id", sess.ID, "dir", dir)
	return sess, nil
}

// Path of the session's build log.
func (sess *Session) LogPath() string {
	return filepath.Join(sess.Logs, "build.log")
}

// Tears the session down: releases any remaining mounts, then deletes
// the session directory.
//
// A sanity check refuses deletion when the resolved session directory
// is "/" or falls outside the sandbox base, so a corrupted session
// value can never escalate into deleting the host tree.
func (s *Sandbox) Cleanup(sess *Session) error {
	if err := s.ReleaseMounts(sess); err != nil {
		return err
	}

	resolved, err := filepath.EvalSymlinks(sess.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnsafeCleanup, err)
	}
	base, err := filepath.EvalSymlinks(s.opts.BaseDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeCleanup, err)
	}

	if resolved == "/" || resolved == base || !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s resolves to %s", ErrUnsafeCleanup, sess.Dir, resolved)
	}

	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("%w: %v", ErrSetup, err)
	}

	slog.Debug("session cleaned up", "id", sess.ID)
	return nil
}
