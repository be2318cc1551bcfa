package artifact

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilnhq/kiln/internal/paths"
)

// Controls [Store.Install].
type InstallOptions struct {
	// Remove files under the archive's top-level directories that the
	// manifest does not list (rsync --delete semantics). Off by default;
	// the caller opts in explicitly.
	DeleteExtraneous bool
}

// Installs a cached artifact into the target root.
//
// The archive is verified against its manifest, extracted into a
// private temporary directory under the target filesystem, and copied
// into place. On any failure mid-copy the files already copied are
// removed by consulting the manifest, so the target never keeps a
// partial install.
func (s *Store) Install(ctx context.Context, name, version, targetRoot string, opts InstallOptions) error {
	if s.opts.Locks != nil {
		lock, err := s.opts.Locks.Acquire(ctx, "cache-entry/"+name+"-"+version, entryLockTimeout)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	art, err := s.CacheCheck(name, version)
	if err != nil {
		return err
	}

	manifest, err := ReadManifest(art.ManifestPath)
	if err != nil {
		return err
	}

	// Staging area on the same filesystem as the target, so the final
	// copy is cheap and never crosses devices.
	if err := os.MkdirAll(targetRoot, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	stage, err := os.MkdirTemp(targetRoot, ".kiln-install-")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	defer os.RemoveAll(stage)

	if err := s.unpackArchive(art.Path, stage); err != nil {
		return err
	}

	// The extracted tree must contain every manifest file with the
	// recorded digest before anything touches the target root.
	if missing, modified, err := verifyTree(manifest, stage); err != nil {
		return err
	} else if len(missing) > 0 || len(modified) > 0 {
		return fmt.Errorf("%w: %s: %d missing, %d modified against manifest",
			ErrIntegrity, art.Path, len(missing), len(modified))
	}

	if err := copyTree(stage, targetRoot); err != nil {
		slog.Error("install failed mid-copy, undoing", "name", name, "error", err)
		undoInstall(manifest, targetRoot)
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}

	if opts.DeleteExtraneous {
		s.deleteExtraneous(manifest, stage, targetRoot)
	}

	slog.Info("artifact installed", "name", name, "version", version, "root", targetRoot)
	return nil
}

// Decompresses and untars an archive into destDir.
func (s *Store) unpackArchive(archivePath, destDir string) error {
	fh, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}
	defer fh.Close()

	r, closeFn, err := newDecompressor(archivePath, fh)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIntegrity, archivePath, err)
	}
	defer closeFn()

	if err := extractTar(tar.NewReader(r), destDir); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIntegrity, archivePath, err)
	}
	return nil
}

// Copies an extracted tree into the target root, preserving modes and
// symlinks. Ownership follows the invoking user; preserving arbitrary
// target-owner bits requires running privileged or under a fakeroot
// shim, in which case chown succeeds and is applied.
func copyTree(srcRoot, dstRoot string) error {
	return filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcRoot {
			return nil
		}

		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstRoot, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())

		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)

		default:
			return copyRegular(path, target, info.Mode().Perm())
		}
	})
}

func copyRegular(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), paths.DefaultDirMode); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	_, cpErr := io.Copy(out, in)
	if err := out.Close(); cpErr == nil {
		cpErr = err
	}
	return cpErr
}

// Removes every manifest-listed file from the target root after a
// failed copy. Errors are logged, not propagated: undo is best effort.
func undoInstall(m *Manifest, targetRoot string) {
	for _, r := range m.Records {
		target := filepath.Join(targetRoot, filepath.FromSlash(strings.TrimPrefix(r.Path, "./")))
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			slog.Warn("undo could not remove file", "path", target, "error", err)
		}
	}
}

// Removes regular files under the archive's top-level directories that
// the manifest does not list.
func (s *Store) deleteExtraneous(m *Manifest, stage, targetRoot string) {
	listed := make(map[string]bool, len(m.Records))
	for _, r := range m.Records {
		listed[strings.TrimPrefix(r.Path, "./")] = true
	}

	tops, err := os.ReadDir(stage)
	if err != nil {
		return
	}

	for _, top := range tops {
		if !top.IsDir() {
			continue
		}
		root := filepath.Join(targetRoot, top.Name())
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(targetRoot, path)
			if err != nil {
				return nil
			}
			if !listed[filepath.ToSlash(rel)] {
				slog.Debug("removing extraneous file", "path", path)
				os.Remove(path)
			}
			return nil
		})
	}
}
