package store

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

const extractBufferSize = 64 * 1024

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// openDecompressor wraps r with the decompressor matching its magic bytes,
// detected by content rather than filename suffix since bottle blobs are
// cached as <sha256>.tar whatever their compression, so the extension
// says nothing about it.
func openDecompressor(r io.Reader) (io.Reader, func() error, error) {
	br := bufio.NewReaderSize(r, extractBufferSize)
	head, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("store: reading archive header: %w", err)
	}

	switch {
	case hasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("store: opening gzip stream: %w", err)
		}
		return gz, gz.Close, nil
	case hasPrefix(head, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("store: opening xz stream: %w", err)
		}
		return xr, func() error { return nil }, nil
	case hasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("store: opening zstd stream: %w", err)
		}
		return zr, func() error { zr.Close(); return nil }, nil
	default:
		// Uncompressed tar; hand the buffered reader straight to archive/tar.
		return br, func() error { return nil }, nil
	}
}

func hasPrefix(head, magic []byte) bool {
	return len(head) >= len(magic) && string(head[:len(magic)]) == string(magic)
}

// extractResult summarizes an extraction for the store entry's integrity record.
type extractResult struct {
	TotalSize int64
	FileCount int
}

// extractTarTo streams a (possibly compressed) tar archive into destDir,
// preserving mode bits and symlinks, rejecting any entry that would escape
// destDir via path traversal or a malicious symlink target.
func extractTarTo(r io.Reader, destDir string) (extractResult, error) {
	dec, closeDec, err := openDecompressor(r)
	if err != nil {
		return extractResult{}, err
	}
	defer closeDec()

	tr := tar.NewReader(dec)
	var result extractResult

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, fmt.Errorf("store: reading tar header: %w", err)
		}

		relPath := strings.TrimPrefix(header.Name, "./")
		if relPath == "" || relPath == "." {
			continue
		}
		target := filepath.Join(destDir, relPath)
		if !isPathWithinDirectory(target, destDir) {
			return result, fmt.Errorf("store: archive entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)&0777|0700); err != nil {
				return result, fmt.Errorf("store: creating directory %s: %w", relPath, err)
			}

		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return result, fmt.Errorf("store: creating parent of %s: %w", relPath, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0777)
			if err != nil {
				return result, fmt.Errorf("store: creating file %s: %w", relPath, err)
			}
			n, err := io.CopyBuffer(f, tr, make([]byte, extractBufferSize))
			closeErr := f.Close()
			if err != nil {
				return result, fmt.Errorf("store: writing file %s: %w", relPath, err)
			}
			if closeErr != nil {
				return result, fmt.Errorf("store: closing file %s: %w", relPath, closeErr)
			}
			result.TotalSize += n
			result.FileCount++

		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, destDir); err != nil {
				return result, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return result, fmt.Errorf("store: creating parent of %s: %w", relPath, err)
			}
			if err := atomicSymlink(header.Linkname, target); err != nil {
				return result, fmt.Errorf("store: creating symlink %s: %w", relPath, err)
			}
			result.FileCount++
		}
	}

	return result, nil
}

func isPathWithinDirectory(target, base string) bool {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("store: absolute symlink targets are not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolved := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolved, destPath) {
		return fmt.Errorf("store: symlink escapes destination: %s -> %s", linkLocation, linkTarget)
	}
	return nil
}

func atomicSymlink(target, linkPath string) error {
	tmp := linkPath + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
