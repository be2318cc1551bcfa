package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
)

// How long a rotator waits for the cross-process rotation lock before
// giving up and leaving rotation to the holder.
const rotateLockTimeout = 2 * time.Second

// Rotates the named log file: the live file becomes "<name>.1", existing
// copies shift up, and copies beyond the keep cap are removed. When
// GzipOld is set, copies beyond the first are gzipped.
//
// Rotation across processes is serialized by a named lock so two
// rotators cannot shift the same chain concurrently. Must be called with
// the sink mutex held.
func (c *sinkCore) rotate(name string, lf *logFile) error {
	if c.opts.Locks != nil {
		lock, err := c.opts.Locks.Acquire(context.Background(), "log-rotate/"+name, rotateLockTimeout)
		if err != nil {
			// Another process is rotating this chain; reopen and move on.
			return nil
		}
		defer lock.Release()
	}

	lf.f.Close()
	delete(c.files, name)

	base := filepath.Join(c.opts.Dir, name)

	// Drop the copy that would shift past the cap.
	last := fmt.Sprintf("%s.%d", base, c.opts.KeepCopies)
	os.Remove(last)
	os.Remove(last + ".gz")

	for i := c.opts.KeepCopies - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", base, i)
		to := fmt.Sprintf("%s.%d", base, i+1)
		if _, err := os.Stat(from + ".gz"); err == nil {
			os.Rename(from+".gz", to+".gz")
			continue
		}
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
			if c.opts.GzipOld && i+1 >= 2 {
				gzipFile(to)
			}
		}
	}

	return os.Rename(base, base+".1")
}

// Compresses path to path.gz and removes the original. Failures leave
// the uncompressed file in place.
func gzipFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	zw := gzip.NewWriter(dst)
	_, cpErr := io.Copy(zw, src)
	if err := zw.Close(); cpErr == nil {
		cpErr = err
	}
	if err := dst.Close(); cpErr == nil {
		cpErr = err
	}

	if cpErr != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}
