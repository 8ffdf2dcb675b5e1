package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// ErrEntryNotFound is returned when a container lacks the requested entry.
var ErrEntryNotFound = errors.New("archive entry not found")

// Container reads and writes single-entry archive files.
type Container interface {
	// Write creates containerPath holding srcPath under entryName.
	Write(containerPath, entryName, srcPath string) error
	// Extract copies entryName out of containerPath into dst.
	Extract(containerPath, entryName string, dst io.Writer) error
}

// ZipContainer stores entries in zip files compressed with zstd.
type ZipContainer struct {
	Level zstd.EncoderLevel // default: zstd.SpeedDefault
}

// Write implements Container.
func (z ZipContainer) Write(containerPath, entryName, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(containerPath), ".container-*.tmp")
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	level := z.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	zw := zip.NewWriter(tmp)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(level)))

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	hdr := &zip.FileHeader{
		Name:     entryName,
		Method:   zstd.ZipMethodWinZip,
		Modified: info.ModTime(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish container: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync container: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close container: %w", err)
	}
	if err := os.Rename(tmpPath, containerPath); err != nil {
		return fmt.Errorf("rename container: %w", err)
	}
	ok = true
	return nil
}

// Extract implements Container.
func (z ZipContainer) Extract(containerPath, entryName string, dst io.Writer) error {
	zr, err := zip.OpenReader(containerPath)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer func() { _ = zr.Close() }()
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	for _, f := range zr.File {
		if f.Name != entryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry: %w", err)
		}
		defer func() { _ = rc.Close() }()
		if _, err := io.Copy(dst, rc); err != nil {
			return fmt.Errorf("read entry: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s in %s", ErrEntryNotFound, entryName, filepath.Base(containerPath))
}
