package fetch

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/kilnhq/kiln/internal/paths"
)

// Extracts an archive into destDir, selecting the extractor by suffix.
//
// Supported: .tar.gz/.tgz, .tar.xz, .tar.bz2, .tar, .zip and plain .gz.
// Entries whose normalized path is absolute or climbs out of destDir
// fail the whole extraction with [ErrUnsafePath]. Unknown suffixes fail
// with [ErrNoTool].
func Extract(archive, destDir string) error {
	if err := os.MkdirAll(destDir, paths.DefaultDirMode); err != nil {
		return err
	}

	name := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		return extractTarCompressed(archive, destDir, func(r io.Reader) (io.Reader, error) {
			zr, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			return zr, nil
		})

	case strings.HasSuffix(name, ".tar.xz"):
		return extractTarCompressed(archive, destDir, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})

	case strings.HasSuffix(name, ".tar.bz2"):
		return extractTarCompressed(archive, destDir, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})

	case strings.HasSuffix(name, ".tar"):
		return extractTarCompressed(archive, destDir, func(r io.Reader) (io.Reader, error) {
			return r, nil
		})

	case strings.HasSuffix(name, ".zip"):
		return extractZip(archive, destDir)

	case strings.HasSuffix(name, ".gz"):
		return extractGzipFile(archive, destDir)

	default:
		return fmt.Errorf("%w: unrecognized archive suffix: %s", ErrNoTool, filepath.Base(archive))
	}
}

// Opens the archive, wraps it in the given decompressor, and untars it.
func extractTarCompressed(archive, destDir string, wrap func(io.Reader) (io.Reader, error)) error {
	fh, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer fh.Close()

	r, err := wrap(fh)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archive, err)
	}

	return untar(tar.NewReader(r), destDir)
}

// Writes the entries of a tar stream under destDir.
func untar(tr *tar.Reader, destDir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0700); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			_, cpErr := io.Copy(out, tr)
			if err := out.Close(); cpErr == nil {
				cpErr = err
			}
			if cpErr != nil {
				return cpErr
			}

		case tar.TypeSymlink:
			if err := safeLinkTarget(destDir, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}

		case tar.TypeLink:
			src, err := safeJoin(destDir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return err
			}

		default:
			slog.Debug("skipping unsupported tar entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

// Writes the entries of a zip archive under destDir.
func extractZip(archive, destDir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, entry := range zr.File {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, entry.Mode()|0700); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
			return err
		}

		in, err := entry.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entry.Mode())
		if err != nil {
			in.Close()
			return err
		}
		_, cpErr := io.Copy(out, in)
		in.Close()
		if err := out.Close(); cpErr == nil {
			cpErr = err
		}
		if cpErr != nil {
			return cpErr
		}
	}
	return nil
}

// Decompresses a single gzipped file (not a tarball) into destDir under
// its basename without the .gz suffix.
func extractGzipFile(archive, destDir string) error {
	fh, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer fh.Close()

	zr, err := gzip.NewReader(fh)
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(filepath.Base(archive), ".gz")
	target, err := safeJoin(destDir, base)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, paths.DefaultFileMode)
	if err != nil {
		return err
	}
	_, cpErr := io.Copy(out, zr)
	if err := out.Close(); cpErr == nil {
		cpErr = err
	}
	return cpErr
}

// Joins an archive entry name onto destDir, rejecting absolute names
// and names that climb out after normalization.
func safeJoin(destDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute entry %q", ErrUnsafePath, name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %q escapes destination", ErrUnsafePath, name)
	}
	return filepath.Join(destDir, cleaned), nil
}

// Rejects symlink targets that would point outside destDir once the
// link is resolved from its location.
func safeLinkTarget(destDir, linkPath, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("%w: absolute symlink target %q", ErrUnsafePath, target)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))
	rel, err := filepath.Rel(destDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %q -> %q escapes destination", ErrUnsafePath, linkPath, target)
	}
	return nil
}
