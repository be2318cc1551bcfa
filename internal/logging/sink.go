package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kilnhq/kiln/internal/lockfile"
	"github.com/kilnhq/kiln/internal/paths"
)

// Level above slog.LevelError for unrecoverable conditions. The sink
// itself never aborts the caller; FATAL is a severity label, not an exit.
const LevelFatal = slog.Level(12)

// Name of the global log file all lines are appended to.
const globalLog = "kiln.log"

// Tag used when a record carries no group.
const defaultTag = "kiln"

// Configures a [Sink].
type Options struct {
	Dir        string            // Directory holding all log files.
	Level      slog.Level        // Floor; records below it are dropped.
	MaxBytes   int64             // Rotation threshold per file. 0 means 10 MiB.
	KeepCopies int               // Rotated copies kept per file. 0 means 5.
	GzipOld    bool              // Gzip rotated copies beyond the first.
	MaskKeys   []string          // Keys to mask; nil means the default set.
	Stderr     io.Writer         // Fallback stream. nil means os.Stderr.
	Locks      *lockfile.Manager // Serializes rotation across processes. Optional.
}

// Appends structured, masked, size-rotated log lines to a global file
// and a per-tag file.
//
// Sink implements slog.Handler. Writes are serialized by an internal
// mutex so concurrent writers never interleave within a line. Handler
// clones produced by WithAttrs and WithGroup share one open-file table.
type Sink struct {
	core *sinkCore

	tag   string
	attrs []slog.Attr
}

// State shared by all handler clones of one sink.
type sinkCore struct {
	opts   Options
	mask   *masker
	stderr io.Writer

	mu    sync.Mutex
	files map[string]*logFile
}

type logFile struct {
	f    *os.File
	size int64
}

// Creates a sink writing under opts.Dir.
func NewSink(opts Options) *Sink {
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.KeepCopies == 0 {
		opts.KeepCopies = 5
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return &Sink{
		core: &sinkCore{
			opts:   opts,
			mask:   newMasker(opts.MaskKeys),
			stderr: stderr,
			files:  make(map[string]*logFile),
		},
		tag: defaultTag,
	}
}

// Reports whether a record at the given level would be emitted.
func (s *Sink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.core.opts.Level
}

// Formats and writes one record.
//
// The line layout is fixed:
//
//	<RFC3339 UTC> [LEVEL] <tag> <pid> <message> key=value ...
//
// Errors writing to files degrade to the fallback stream; Handle never
// returns a non-nil error to the caller.
func (s *Sink) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(levelLabel(r.Level))
	b.WriteString("] ")
	b.WriteString(s.tag)
	fmt.Fprintf(&b, " %d ", os.Getpid())
	b.WriteString(r.Message)

	for _, a := range s.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	line := s.core.mask.apply(b.String())

	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeLine(globalLog, line)
	if s.tag != defaultTag {
		c.writeLine(s.tag+".log", line)
	}
	return nil
}

// Returns a handler clone with the attributes appended.
func (s *Sink) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Sink{
		core:  s.core,
		tag:   s.tag,
		attrs: append(append([]slog.Attr{}, s.attrs...), attrs...),
	}
}

// Returns a handler clone whose lines are tagged with name and fanned
// out to "<name>.log".
func (s *Sink) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	return &Sink{core: s.core, tag: name, attrs: s.attrs}
}

// Closes all open log files.
func (s *Sink) Close() error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for name, lf := range c.files {
		if err := lf.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.files, name)
	}
	return first
}

// Appends one line to the named file, rotating first when the write
// would exceed the size budget. Must be called with the mutex held.
func (c *sinkCore) writeLine(name, line string) {
	lf, err := c.open(name)
	if err != nil {
		fmt.Fprint(c.stderr, line)
		return
	}

	if lf.size+int64(len(line)) > c.opts.MaxBytes && lf.size > 0 {
		if err := c.rotate(name, lf); err != nil {
			fmt.Fprintf(c.stderr, "log rotation of %s failed: %v\n", name, err)
		}
		lf, err = c.open(name)
		if err != nil {
			fmt.Fprint(c.stderr, line)
			return
		}
	}

	n, err := lf.f.WriteString(line)
	lf.size += int64(n)
	if err != nil {
		fmt.Fprint(c.stderr, line)
	}
}

// Returns the open handle for a log file, opening it on first use.
func (c *sinkCore) open(name string) (*logFile, error) {
	if lf, ok := c.files[name]; ok {
		return lf, nil
	}

	if err := os.MkdirAll(c.opts.Dir, paths.DefaultDirMode); err != nil {
		return nil, err
	}
	path := filepath.Join(c.opts.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, paths.DefaultFileMode)
	if err != nil {
		return nil, err
	}

	size := int64(0)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	lf := &logFile{f: f, size: size}
	c.files[name] = lf
	return lf, nil
}

// Writes "[LEVEL]" labels including the FATAL extension.
func levelLabel(l slog.Level) string {
	if l >= LevelFatal {
		return "FATAL"
	}
	return l.String()
}

// Appends one " key=value" pair, flattening groups with dotted keys.
func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, slog.Attr{Key: a.Key + "." + ga.Key, Value: ga.Value})
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}
