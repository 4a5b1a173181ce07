//go:build darwin

package materializer

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func init() {
	cowCopyTree = darwinCopyTree
}

// darwinCopyTree clones src into dst using APFS clonefile(2), which is
// copy-on-write and nearly instant regardless of tree size. clonefile
// clones an entire directory tree in one call, so this is not a per-file
// walk like the other platforms' fallbacks.
func darwinCopyTree(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	if err := unix.Clonefile(src, dst, 0); err == nil {
		return "clonefile", nil
	}
	// clonefile fails across filesystem boundaries (e.g. store on a
	// different volume than the cellar) or on non-APFS volumes; fall back
	// per file.
	if err := hardlinkTree(src, dst); err == nil {
		return "hardlink", nil
	}
	if err := plainCopyTree(src, dst); err != nil {
		return "", err
	}
	return "copy", nil
}
