package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Pack streams dir as a tar archive with paths relative to dir. The archive
// is produced by a goroutine as the caller reads; any failure surfaces as a
// read error. The caller must close the returned reader.
func Pack(dir string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)

		err := addDirectoryToArchive(tw, dir)
		if err == nil {
			err = tw.Close()
		}
		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to pack build context %q: %w", dir, err))
			return
		}
		pw.Close()
	}()

	return pr
}

func addDirectoryToArchive(tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, filePath)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}
		tarPath := filepath.ToSlash(relPath)

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", filePath, err)
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(filePath)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", filePath, err)
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("failed to build header for %s: %w", filePath, err)
		}
		header.Name = tarPath
		if info.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", filePath, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", filePath, err)
		}
		defer file.Close()

		if _, err := io.Copy(tw, file); err != nil {
			return fmt.Errorf("failed to write file %s: %w", filePath, err)
		}

		return nil
	})
}
