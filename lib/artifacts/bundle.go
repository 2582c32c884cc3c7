package artifacts

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ExportBundle writes a tar.zst archive of the run's artifact tree to
// <root>/bundle.tar.zst for upload by the external CI collaborator. It
// returns the bundle path, or "" without error when no artifacts exist.
func (d *Dir) ExportBundle() (string, error) {
	if _, err := os.Stat(d.root); os.IsNotExist(err) {
		return "", nil
	}
	path := filepath.Join(d.root, BundleFileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create bundle %s: %w", path, err)
	}
	defer f.Close()

	if err := tarZstd(f, d.root); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("bundle %s: %w", path, err)
	}
	return path, nil
}

// tarZstd streams a tar.zst archive of sourceDir to w. The bundle file
// itself is skipped so re-exports stay stable.
func tarZstd(w io.Writer, sourceDir string) error {
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walk error at %s: %w", path, err)
		}
		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return fmt.Errorf("rel path for %s: %w", path, err)
		}
		if relPath == "." || relPath == BundleFileName {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("header for %s: %w", path, err)
		}
		header.Name = relPath
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %s: %w", path, err)
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open file %s: %w", path, err)
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return fmt.Errorf("copy file %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}
