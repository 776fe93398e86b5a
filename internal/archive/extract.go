package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ErrUnsafePath is returned for entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes the staging directory")

// Extract unpacks the tar stream r into dir, preserving relative paths.
// Directories, regular files, symlinks and hard links are materialized; other
// entry types are skipped. Entries whose path or link target would leave dir,
// or that would be written through a symlink, fail the whole extraction with
// ErrUnsafePath.
//
// Every filesystem operation goes through an os.Root opened on dir, so even a
// symlink that slips past the checks cannot resolve outside it.
func Extract(dir string, r io.Reader, logger zerolog.Logger) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("failed to open staging directory: %w", err)
	}
	defer root.Close()

	tr := tar.NewReader(r)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %v", ErrUnsafePath, err)
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		name := filepath.Clean(filepath.FromSlash(header.Name))
		if name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, header.Name)
		}
		if err := checkParents(root, name, header.Name); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(name, dirMode(header)); err != nil {
				return fmt.Errorf("failed to create directory %q: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := writeFile(root, name, tr, header); err != nil {
				return err
			}

		case tar.TypeSymlink:
			target := filepath.FromSlash(header.Linkname)
			if filepath.IsAbs(target) || !filepath.IsLocal(filepath.Join(filepath.Dir(name), target)) {
				return fmt.Errorf("%w: symlink %q -> %q", ErrUnsafePath, header.Name, header.Linkname)
			}
			if err := prepare(root, name); err != nil {
				return err
			}
			if err := root.Symlink(target, name); err != nil {
				return fmt.Errorf("failed to create symlink %q: %w", header.Name, err)
			}

		case tar.TypeLink:
			target := filepath.Clean(filepath.FromSlash(header.Linkname))
			if !filepath.IsLocal(target) {
				return fmt.Errorf("%w: hard link %q -> %q", ErrUnsafePath, header.Name, header.Linkname)
			}
			if err := checkParents(root, target, header.Linkname); err != nil {
				return err
			}
			if info, err := root.Lstat(target); err == nil && info.Mode()&fs.ModeSymlink != 0 {
				return fmt.Errorf("%w: hard link %q -> symlink %q", ErrUnsafePath, header.Name, header.Linkname)
			}
			if err := prepare(root, name); err != nil {
				return err
			}
			if err := root.Link(target, name); err != nil {
				return fmt.Errorf("failed to create hard link %q: %w", header.Name, err)
			}

		default:
			logger.Debug().
				Str("entry", header.Name).
				Str("type", string(header.Typeflag)).
				Msg("skipping unsupported archive entry")
		}
	}
}

// checkParents rejects name when any of its existing parent directories is a
// symlink planted by an earlier entry.
func checkParents(root *os.Root, name, display string) error {
	parent := filepath.Dir(name)
	if parent == "." {
		return nil
	}

	prefix := ""
	for _, part := range strings.Split(parent, string(filepath.Separator)) {
		prefix = filepath.Join(prefix, part)

		info, err := root.Lstat(prefix)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return fmt.Errorf("failed to inspect %q: %w", prefix, err)
		case info.Mode()&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: %q is written through symlink %q", ErrUnsafePath, display, filepath.ToSlash(prefix))
		case !info.IsDir():
			return fmt.Errorf("cannot create %q: %q is not a directory", display, filepath.ToSlash(prefix))
		}
	}
	return nil
}

func writeFile(root *os.Root, name string, r io.Reader, header *tar.Header) error {
	if err := prepare(root, name); err != nil {
		return err
	}

	file, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_EXCL, fileMode(header))
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", header.Name, err)
	}

	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return fmt.Errorf("failed to write file %q: %w", header.Name, err)
	}

	if err := file.Chmod(fileMode(header)); err != nil {
		file.Close()
		return fmt.Errorf("failed to set mode on %q: %w", header.Name, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close file %q: %w", header.Name, err)
	}
	return nil
}

// prepare makes sure name's parent exists and that nothing but a directory
// already occupies name, so a later entry can never write through a symlink
// planted by an earlier one.
func prepare(root *os.Root, name string) error {
	if parent := filepath.Dir(name); parent != "." {
		if err := root.MkdirAll(parent, 0755); err != nil {
			return fmt.Errorf("failed to create parent directory for %q: %w", name, err)
		}
	}

	info, err := root.Lstat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fmt.Errorf("failed to inspect %q: %w", name, err)
	case info.IsDir():
		return fmt.Errorf("cannot replace directory %q with a non-directory entry", name)
	}
	return root.Remove(name)
}

func dirMode(header *tar.Header) os.FileMode {
	return os.FileMode(header.Mode).Perm() | 0700
}

func fileMode(header *tar.Header) os.FileMode {
	return os.FileMode(header.Mode).Perm() | 0600
}
