// Package linker is the Linker half of the Materializer+Linker component:
// it projects a keg's top-level directories (bin, sbin, lib, include, share,
// etc, opt) into the shared prefix as relative symlinks, and maintains the
// stable prefix/opt/<name> pointer formulas use to reference each other
// across upgrades.
package linker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zerobrew/zerobrew/internal/db"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
	"github.com/zerobrew/zerobrew/internal/zpaths"
)

// linkedSubdirs are the keg subdirectories projected into the prefix.
// share/man nests under share but every file under it still lands under
// prefix/share, so it needs no special case.
var linkedSubdirs = []string{"bin", "sbin", "lib", "include", "share", "etc", "opt"}

// KegWriter is the subset of the Database component the linker needs.
type KegWriter interface {
	GetKeg(ctx context.Context, name string) (db.Keg, bool, error)
	InsertLinksAndKeg(ctx context.Context, k db.Keg, links []db.LinkRecord) error
	RemoveLinks(ctx context.Context, name, version string) ([]db.LinkRecord, error)
	LinksForKeg(ctx context.Context, name, version string) ([]db.LinkRecord, error)
}

// Linker projects materialized kegs into the shared prefix.
type Linker struct {
	paths zpaths.Paths
	kegs  KegWriter
	log   log.Logger
}

// New constructs a Linker.
func New(paths zpaths.Paths, kegs KegWriter, logger log.Logger) *Linker {
	if logger == nil {
		logger = log.Default()
	}
	return &Linker{paths: paths, kegs: kegs, log: logger}
}

// Options controls how Link resolves conflicts with files already present
// under the prefix.
type Options struct {
	Overwrite bool // replace a conflicting symlink that belongs to a different keg
	KegOnly   bool // formula declares itself keg-only: skip bin/lib/etc projection
	Force     bool // link a keg-only formula anyway
}

// Link walks a materialized keg's linkedSubdirs, creates a relative symlink
// in the prefix for every file found, points prefix/opt/<name> at the keg,
// and records every created link plus the keg row in one database
// transaction. Keg-only formulas are skipped unless forced.
func (l *Linker) Link(ctx context.Context, name, version string, keg db.Keg, opts Options) error {
	if opts.KegOnly && !opts.Force {
		l.log.Debug("skipping link for keg-only formula", "name", name)
		return nil
	}

	kegDir := l.paths.Keg(name, version)
	var links []db.LinkRecord

	for _, sub := range linkedSubdirs {
		subDir := filepath.Join(kegDir, sub)
		info, err := os.Stat(subDir)
		if err != nil {
			continue // formula has no files under this subdir
		}
		if !info.IsDir() {
			continue
		}

		found, err := l.collectLinks(subDir, sub, kegDir, name, version, opts)
		if err != nil {
			return err
		}
		links = append(links, found...)
	}

	optLink, err := l.linkOpt(name, kegDir, opts)
	if err != nil {
		return err
	}
	if optLink != nil {
		links = append(links, *optLink)
	}

	k := keg
	k.Name = name
	k.Version = version
	if k.InstalledAt.IsZero() {
		k.InstalledAt = time.Now()
	}
	if err := l.kegs.InsertLinksAndKeg(ctx, k, links); err != nil {
		// The symlinks already exist on disk but the database write failed;
		// undo them so a retry doesn't see half-recorded state as a conflict.
		for _, ln := range links {
			os.Remove(ln.LinkPath)
		}
		return err
	}

	l.log.Info("linked keg", "name", name, "version", version, "files", len(links))
	return nil
}

func (l *Linker) collectLinks(subDir, sub, kegDir, name, version string, opts Options) ([]db.LinkRecord, error) {
	prefixSubDir := filepath.Join(l.paths.PrefixDir(), sub)
	var links []db.LinkRecord

	err := filepath.Walk(subDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(subDir, path)
		if err != nil {
			return err
		}
		linkPath := filepath.Join(prefixSubDir, rel)

		target, err := filepath.Rel(filepath.Dir(linkPath), path)
		if err != nil {
			target = path
		}

		if err := l.createLink(linkPath, target, name, opts); err != nil {
			return err
		}
		links = append(links, db.LinkRecord{Name: name, Version: version, LinkPath: linkPath, TargetPath: path})
		return nil
	})
	return links, err
}

// createLink creates linkPath -> target, failing with LinkConflict unless
// the existing entry is a symlink owned by this same formula (a re-link) or
// Overwrite was requested.
func (l *Linker) createLink(linkPath, target, name string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "linker.createLink", linkPath, err)
	}

	existing, err := os.Lstat(linkPath)
	if err == nil {
		if existing.Mode()&os.ModeSymlink == 0 {
			return zerrors.New(zerrors.LinkConflict, "linker.createLink", linkPath)
		}
		owned, _ := os.Readlink(linkPath)
		if !filepath.IsAbs(owned) {
			owned = filepath.Join(filepath.Dir(linkPath), owned)
		}
		sameFormula := false
		if rel, relErr := filepath.Rel(l.paths.CellarDir(), owned); relErr == nil {
			sameFormula = strings.SplitN(rel, string(filepath.Separator), 2)[0] == name
		}
		if !sameFormula && !opts.Overwrite {
			return zerrors.New(zerrors.LinkConflict, "linker.createLink", linkPath)
		}
		if err := os.Remove(linkPath); err != nil {
			return zerrors.Wrap(zerrors.MaterializeError, "linker.createLink", linkPath, err)
		}
	} else if !os.IsNotExist(err) {
		return zerrors.Wrap(zerrors.MaterializeError, "linker.createLink", linkPath, err)
	}

	if err := os.Symlink(target, linkPath); err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "linker.createLink", linkPath, err)
	}
	return nil
}

// linkOpt points prefix/opt/<name> at the keg directory, replacing any
// previous version's pointer (opt always tracks the currently linked version).
func (l *Linker) linkOpt(name, kegDir string, opts Options) (*db.LinkRecord, error) {
	optLink := filepath.Join(l.paths.OptDir(), name)
	target, err := filepath.Rel(l.paths.OptDir(), kegDir)
	if err != nil {
		target = kegDir
	}

	if existing, err := os.Lstat(optLink); err == nil {
		if existing.Mode()&os.ModeSymlink == 0 {
			return nil, zerrors.New(zerrors.LinkConflict, "linker.linkOpt", optLink)
		}
		if err := os.Remove(optLink); err != nil {
			return nil, zerrors.Wrap(zerrors.MaterializeError, "linker.linkOpt", optLink, err)
		}
	}
	if err := os.Symlink(target, optLink); err != nil {
		return nil, zerrors.Wrap(zerrors.MaterializeError, "linker.linkOpt", optLink, err)
	}
	return &db.LinkRecord{Name: name, Version: filepath.Base(kegDir), LinkPath: optLink, TargetPath: kegDir}, nil
}

// Unlink removes every symlink recorded for (name, version) without
// touching the Cellar content itself, then drops the keg_files rows.
func (l *Linker) Unlink(ctx context.Context, name, version string) error {
	removed, err := l.kegs.RemoveLinks(ctx, name, version)
	if err != nil {
		return err
	}
	for _, ln := range removed {
		if err := os.Remove(ln.LinkPath); err != nil && !os.IsNotExist(err) {
			l.log.Warn("failed to remove link", "path", ln.LinkPath, "error", err)
		}
	}

	optLink := filepath.Join(l.paths.OptDir(), name)
	if target, err := os.Readlink(optLink); err == nil && filepath.Base(target) == version {
		os.Remove(optLink)
	}
	return nil
}
