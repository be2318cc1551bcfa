package lockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kilnhq/kiln/internal/paths"
)

// Interval between acquisition attempts while waiting for a contended lock.
const pollInterval = 100 * time.Millisecond

// Hands out named exclusive locks backed by files in a single directory.
//
// A Manager is safe for concurrent use. It tracks names held by this
// process and refuses re-acquisition, since flock(2) is per open file
// description and would silently succeed on a second open.
type Manager struct {
	dir string

	mu   sync.Mutex
	held map[string]bool
}

// Creates a manager storing lock files under dir.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:  dir,
		held: make(map[string]bool),
	}
}

// A held named lock. Release exactly once.
type Lock struct {
	name    string
	path    string
	file    *os.File // nil when the directory fallback is in use
	mgr     *Manager
	dirLock bool
}

// Acquires the named lock, blocking up to timeout.
//
// Returns [ErrTimeout] when the deadline passes, [ErrAlreadyHeld] when
// this process already holds the name, and the context error when ctx is
// cancelled while waiting. A zero timeout tries exactly once and returns
// [ErrWouldBlock] on contention.
func (m *Manager) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	if err := m.reserve(name); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		lock, err := m.tryOnce(name)
		if err == nil {
			slog.Debug("lock acquired", "name", name)
			return lock, nil
		}
		if !errors.Is(err, ErrWouldBlock) {
			m.unreserve(name)
			return nil, err
		}

		if timeout == 0 {
			m.unreserve(name)
			return nil, fmt.Errorf("%w: %s", ErrWouldBlock, name)
		}
		if time.Now().After(deadline) {
			m.unreserve(name)
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
		}

		select {
		case <-ctx.Done():
			m.unreserve(name)
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Makes a single non-blocking acquisition attempt.
func (m *Manager) tryOnce(name string) (*Lock, error) {
	path := m.lockPath(name)
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, paths.DefaultFileMode)
	if err != nil {
		return nil, err
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		f.Truncate(0)
		fmt.Fprintf(f, "%d\n", os.Getpid())
		f.Sync()
		return &Lock{name: name, path: path, file: f, mgr: m}, nil

	case errors.Is(err, unix.EWOULDBLOCK):
		f.Close()
		return nil, ErrWouldBlock

	case errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP):
		f.Close()
		return m.tryDirLock(name)

	default:
		f.Close()
		return nil, err
	}
}

// Attempts the directory-based fallback used on filesystems without
// advisory lock support.
//
// The lock is a directory whose pid file names the holder. A directory
// whose recorded holder no longer exists is stale and is removed before
// retrying once.
func (m *Manager) tryDirLock(name string) (*Lock, error) {
	dir := m.lockPath(name) + ".d"

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, paths.DefaultDirMode)
		if err == nil {
			pidFile := filepath.Join(dir, "pid")
			if werr := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode); werr != nil {
				os.RemoveAll(dir)
				return nil, werr
			}
			return &Lock{name: name, path: dir, mgr: m, dirLock: true}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if staleLockDir(dir) {
			slog.Warn("removing stale lock", "name", name, "path", dir)
			os.RemoveAll(dir)
			continue
		}
		return nil, ErrWouldBlock
	}
	return nil, ErrWouldBlock
}

// Reports whether the lock directory's recorded holder is gone.
func staleLockDir(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "pid"))
	if err != nil {
		// No pid file: a holder mid-creation or a leftover. Only treat a
		// directory older than a minute as abandoned.
		info, serr := os.Stat(dir)
		return serr == nil && time.Since(info.ModTime()) > time.Minute
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	return syscall.Kill(pid, 0) == syscall.ESRCH
}

// Releases the lock. Safe to call on an already-released lock.
func (l *Lock) Release() error {
	if l.mgr == nil {
		return nil
	}
	l.mgr.unreserve(l.name)
	l.mgr = nil

	slog.Debug("lock released", "name", l.name)

	if l.dirLock {
		return os.RemoveAll(l.path)
	}

	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// Returns the lock file path for a name, flattening separators so that
// names like "package/<name>" stay within the lock directory.
func (m *Manager) lockPath(name string) string {
	safe := strings.NewReplacer("/", "-", string(filepath.Separator), "-").Replace(name)
	return filepath.Join(m.dir, safe+".lock")
}

// Marks a name as held by this process, failing if it already is.
func (m *Manager) reserve(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[name] {
		return fmt.Errorf("%w: %s", ErrAlreadyHeld, name)
	}
	m.held[name] = true
	return nil
}

func (m *Manager) unreserve(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
}
