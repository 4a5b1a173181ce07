//go:build linux

package materializer

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func init() {
	cowCopyTree = linuxCopyTree
}

// linuxCopyTree walks src and reflinks each regular file into dst via the
// FICLONE ioctl (btrfs, XFS with reflink=1). Directories and symlinks are
// recreated normally; each regular file that can't be reflinked (different
// filesystem, unsupported fs) falls back to a plain copy for that file
// alone rather than abandoning the whole tree.
func linuxCopyTree(src, dst string) (string, error) {
	usedReflink := false
	usedCopy := false

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())
		case info.Mode()&os.ModeSymlink != 0:
			linkDest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkDest, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if reflinkFile(path, target) == nil {
				usedReflink = true
				return os.Chmod(target, info.Mode())
			}
			usedCopy = true
			return copyFile(path, target, info.Mode())
		}
	})
	if err != nil {
		return "", err
	}

	switch {
	case usedReflink && !usedCopy:
		return "reflink", nil
	case usedReflink:
		return "reflink+copy", nil
	default:
		return "copy", nil
	}
}

// reflinkFile clones src's extents into dst via FICLONE. dst must already
// exist (created empty) since FICLONE operates on open file descriptors.
func reflinkFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	return unix.IoctlFileClone(int(out.Fd()), int(in.Fd()))
}
