package pipeline

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln/internal/sandbox"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Strips unneeded symbols from every ELF object in the staged tree.
//
// Each candidate is backed up into the session's tmp directory before
// strip runs; a per-file strip failure restores the backup and the walk
// continues. Only a filesystem error aborts the stage.
func (p *Pipeline) stripTree(ctx context.Context, b *build) error {
	return filepath.WalkDir(b.stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		elf, err := isELF(path)
		if err != nil || !elf {
			return err
		}

		backup := filepath.Join(b.session.Tmp, filepath.Base(path)+".prestrip")
		if err := copyFileContents(path, backup); err != nil {
			return err
		}

		res, runErr := p.opts.Sandbox.Run(ctx, b.session, sandbox.Command{
			Shell: "strip --strip-unneeded " + shellQuote(path),
			Dir:   b.stageDir,
		})
		if runErr != nil || res.ExitCode != 0 {
			slog.Warn("strip failed, restoring original",
				"path", path, "error", runErr)
			if rerr := copyFileContents(backup, path); rerr != nil {
				return rerr
			}
		}

		os.Remove(backup)
		return nil
	})
}

// Reports whether the file starts with the ELF magic.
func isELF(path string) (bool, error) {
	fh, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fh.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(fh, head); err != nil {
		return false, nil // shorter than the magic: not ELF
	}
	return bytes.Equal(head, elfMagic), nil
}

func copyFileContents(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}

// Quotes a path for the shell command line.
func shellQuote(s string) string {
	return "'" + string(bytes.ReplaceAll([]byte(s), []byte("'"), []byte(`'\''`))) + "'"
}
