package drivers

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// archiveDir zips the contents of srcDir into zipPath. Entries are stored
// with paths relative to srcDir; walk order is lexical, so the archive
// layout is deterministic.
func archiveDir(srcDir, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(out)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		return err
	})
	if walkErr != nil {
		_ = zw.Close()
		_ = out.Close()
		return fmt.Errorf("failed to walk export dir: %w", walkErr)
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to finalise archive: %w", err)
	}
	return out.Close()
}
