// Package zerobrew implements the install engine: the component that
// coordinates the catalog client, planner, downloader, content-addressable
// store, materializer, linker, and embedded database to turn a set of
// requested formula names into linked, relocated Cellar kegs compatible
// with the Homebrew layout.
package zerobrew

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zerobrew/zerobrew/internal/bottle"
	"github.com/zerobrew/zerobrew/internal/catalog"
	"github.com/zerobrew/zerobrew/internal/db"
	"github.com/zerobrew/zerobrew/internal/downloader"
	"github.com/zerobrew/zerobrew/internal/httputil"
	"github.com/zerobrew/zerobrew/internal/linker"
	"github.com/zerobrew/zerobrew/internal/lock"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/materializer"
	"github.com/zerobrew/zerobrew/internal/planner"
	"github.com/zerobrew/zerobrew/internal/platform"
	"github.com/zerobrew/zerobrew/internal/store"
	"github.com/zerobrew/zerobrew/internal/zerrors"
	"github.com/zerobrew/zerobrew/internal/zpaths"
)

// Options configures a new Engine. Zero values pick sane defaults: the
// ZEROBREW_ROOT environment variable (or /opt/zerobrew), the running
// platform, a process-wide noop logger, and a secure default HTTP client.
type Options struct {
	Root             string
	Platform         platform.Descriptor
	MacOSCodename    string
	Logger           log.Logger
	HTTPClient       *http.Client
	VerifySignatures bool
}

// Engine is the install engine: the single entry point wiring together
// every component named in the install-engine design.
type Engine struct {
	paths    zpaths.Paths
	locks    *lock.Registry
	catalog  *catalog.Client
	planner  *planner.Planner
	dl       *downloader.Downloader
	store    *store.Store
	mat      *materializer.Materializer
	linker   *linker.Linker
	db       *db.DB
	platform platform.Descriptor
	log      log.Logger
}

// Open constructs an Engine, creating every directory and opening the
// embedded database it needs.
func Open(opts Options) (*Engine, error) {
	paths := zpaths.Load()
	if opts.Root != "" {
		paths = zpaths.New(opts.Root)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("zerobrew: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	locks, err := lock.New(paths.LocksDir())
	if err != nil {
		return nil, err
	}

	database, err := db.Open(paths.DBPath())
	if err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httputil.NewSecureClient(httputil.DefaultOptions())
	}

	catalogClient := catalog.New(paths.HTTPCacheDir(), catalog.WithLogger(logger), catalog.WithTapResolver(database))

	desc := opts.Platform
	if (desc == platform.Descriptor{}) {
		desc = platform.Current(opts.MacOSCodename)
	}

	storeInst := store.New(paths, locks, database, logger)
	if opts.VerifySignatures {
		storeInst = storeInst.WithSignatureVerification(store.NewSignatureVerifier(filepath.Join(paths.CacheDir(), "keys")))
	}

	e := &Engine{
		paths:    paths,
		locks:    locks,
		catalog:  catalogClient,
		planner:  planner.New(catalogClient, database, desc, logger),
		dl:       downloader.New(paths, httpClient, downloader.Options{}, logger),
		store:    storeInst,
		mat:      materializer.New(paths, logger),
		linker:   linker.New(paths, database, logger),
		db:       database,
		platform: desc,
		log:      logger,
	}
	return e, nil
}

// Close releases the underlying database connection.
func (e *Engine) Close() error { return e.db.Close() }

// InstallFlags controls how Install and Upgrade resolve conflicts.
type InstallFlags struct {
	// Force reinstalls a package even if it is already present at the
	// requested version, and bypasses the pinned-package skip during Upgrade.
	Force bool
	// Overwrite replaces a conflicting symlink belonging to a different
	// formula instead of failing with LinkConflict.
	Overwrite bool
}

// InstalledPackage describes one package the engine successfully installed.
type InstalledPackage struct {
	Name     string
	Version  string
	Explicit bool
}

// PackageFailure pairs a planned package's name with the error that stopped
// its installation.
type PackageFailure struct {
	Name string
	Err  error
}

// Report summarizes the outcome of Install or Upgrade.
type Report struct {
	Installed []InstalledPackage
	Failed    []PackageFailure
}

// Install resolves requests into a dependency-ordered plan and installs
// every package not already satisfied. Bottle downloads for independent
// packages happen concurrently; materialization and linking proceed in
// topological order so a dependency's symlinks exist before its dependents
// are linked.
func (e *Engine) Install(ctx context.Context, requests []string, flags InstallFlags) (Report, error) {
	plan, err := e.planner.Plan(ctx, requests, planner.Options{Force: flags.Force})
	if err != nil {
		return Report{}, err
	}
	return e.execute(ctx, plan, flags)
}

// Upgrade re-plans the given names (or every explicitly installed package,
// if names is empty) with upgrade semantics: pinned packages are skipped
// unless flags.Force is set.
func (e *Engine) Upgrade(ctx context.Context, names []string, flags InstallFlags) (Report, error) {
	requests := names
	if len(requests) == 0 {
		kegs, err := e.db.ListKegs(ctx)
		if err != nil {
			return Report{}, err
		}
		for _, k := range kegs {
			if k.Explicit {
				requests = append(requests, k.Name)
			}
		}
	}

	plan, err := e.planner.Plan(ctx, requests, planner.Options{Force: flags.Force, Upgrade: true})
	if err != nil {
		return Report{}, err
	}
	return e.execute(ctx, plan, flags)
}

// execute downloads every planned package's bottle (bounded concurrency,
// independent of install order) then walks the plan in topological order,
// admitting, materializing, and linking each package in turn. A package
// whose own download or admission fails is recorded in Failed and skipped;
// packages that do not depend on it still install.
func (e *Engine) execute(ctx context.Context, plan []planner.PlannedPackage, flags InstallFlags) (Report, error) {
	if len(plan) == 0 {
		return Report{}, nil
	}

	tasks := make([]downloader.Task, 0, len(plan))
	for _, pkg := range plan {
		if e.store.Has(pkg.Bottle.SHA256) {
			continue
		}
		tasks = append(tasks, downloader.Task{SHA256: pkg.Bottle.SHA256, URL: pkg.Bottle.URL})
	}

	results := make(map[string]downloader.Result, len(tasks))
	var mu sync.Mutex
	if len(tasks) > 0 {
		for r := range e.dl.Download(ctx, tasks) {
			mu.Lock()
			results[r.SHA256] = r
			mu.Unlock()
		}
	}

	var report Report
	failed := make(map[string]bool)

	for _, pkg := range plan {
		if err := e.installOne(ctx, pkg, results, flags); err != nil {
			e.log.Warn("install failed", "name", pkg.Name, "error", err)
			report.Failed = append(report.Failed, PackageFailure{Name: pkg.Name, Err: err})
			failed[pkg.Name] = true
			continue
		}
		report.Installed = append(report.Installed, InstalledPackage{Name: pkg.Name, Version: pkg.Version, Explicit: pkg.Explicit})
	}
	return report, nil
}

func (e *Engine) installOne(ctx context.Context, pkg planner.PlannedPackage, results map[string]downloader.Result, flags InstallFlags) error {
	if res, ok := results[pkg.Bottle.SHA256]; ok && res.Err != nil {
		return res.Err
	}

	var att *store.Attestation
	if pkg.HasAttestation {
		att = &store.Attestation{
			KeyFingerprint: pkg.AttestationKeyFingerprint,
			KeyURL:         pkg.AttestationKeyURL,
			SignatureURL:   pkg.AttestationSignatureURL,
		}
	}

	blobPath := e.paths.BlobCachePath(pkg.Bottle.SHA256)
	if err := e.store.Admit(ctx, pkg.Bottle.SHA256, blobPath, att); err != nil {
		return err
	}

	// Admit already incremented this sha256's store refcount. Everything
	// past this point must either finish with a matching installed_kegs row
	// or release that reference again, or the refcount outlives the keg it
	// was meant to account for and the entry can never reach GC (spec.md §8
	// Invariant 1: refcount(k) == count(installed_kegs where store_key=k)).
	version := bottle.DisplayVersion(pkg.Version, pkg.Bottle.Rebuild)
	if _, err := e.mat.Materialize(ctx, pkg.Name, version, pkg.Bottle.SHA256); err != nil {
		e.releaseAbandonedRef(ctx, pkg.Bottle.SHA256)
		return err
	}

	keg := db.Keg{Name: pkg.Name, Version: version, StoreKey: pkg.Bottle.SHA256, Explicit: pkg.Explicit, Options: "{}"}
	if err := e.linker.Link(ctx, pkg.Name, version, keg, linker.Options{Overwrite: flags.Overwrite}); err != nil {
		e.releaseAbandonedRef(ctx, pkg.Bottle.SHA256)
		return err
	}
	return nil
}

// releaseAbandonedRef undoes the refcount Admit took out for a package whose
// materialization or linking failed afterward. Without this, a half-finished
// install leaves store_refs crediting a store entry that no installed_kegs
// row actually points at.
func (e *Engine) releaseAbandonedRef(ctx context.Context, sha256hex string) {
	if err := e.store.Release(ctx, sha256hex); err != nil {
		e.log.Warn("failed to release abandoned store reference", "sha256", sha256hex, "error", err)
	}
}

// Link (re-)projects an already-installed keg's files into the prefix,
// without touching the store or Cellar content.
func (e *Engine) Link(ctx context.Context, name string, flags InstallFlags) error {
	keg, ok, err := e.db.GetKeg(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return zerrors.New(zerrors.NotFound, "zerobrew.Link", name)
	}
	return e.linker.Link(ctx, keg.Name, keg.Version, keg, linker.Options{Overwrite: flags.Overwrite})
}

// Unlink removes a keg's symlinks from the prefix without uninstalling it.
func (e *Engine) Unlink(ctx context.Context, name string) error {
	keg, ok, err := e.db.GetKeg(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return zerrors.New(zerrors.NotFound, "zerobrew.Unlink", name)
	}
	return e.linker.Unlink(ctx, keg.Name, keg.Version)
}

// Uninstall unlinks and removes every named keg's Cellar content, releasing
// its store reference. The store entry itself is left for GC to collect.
func (e *Engine) Uninstall(ctx context.Context, names []string) (Report, error) {
	var report Report
	for _, name := range names {
		if err := e.uninstallOne(ctx, name); err != nil {
			report.Failed = append(report.Failed, PackageFailure{Name: name, Err: err})
			continue
		}
		report.Installed = append(report.Installed, InstalledPackage{Name: name})
	}
	return report, nil
}

func (e *Engine) uninstallOne(ctx context.Context, name string) error {
	keg, ok, err := e.db.GetKeg(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return zerrors.New(zerrors.NotFound, "zerobrew.Uninstall", name)
	}

	if err := e.linker.Unlink(ctx, keg.Name, keg.Version); err != nil {
		return err
	}
	if err := os.RemoveAll(e.paths.Keg(keg.Name, keg.Version)); err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "zerobrew.Uninstall", name, err)
	}
	if err := e.store.Release(ctx, keg.StoreKey); err != nil {
		return err
	}
	return e.db.RemoveKeg(ctx, name)
}

// ListInstalled returns every installed keg, ordered by name.
func (e *Engine) ListInstalled(ctx context.Context) ([]db.Keg, error) {
	return e.db.ListKegs(ctx)
}

// IsInstalled reports whether name has an installed_kegs row.
func (e *Engine) IsInstalled(ctx context.Context, name string) (bool, error) {
	_, ok, err := e.db.GetKeg(ctx, name)
	return ok, err
}

// GetInstalled returns the installed_kegs row for name.
func (e *Engine) GetInstalled(ctx context.Context, name string) (db.Keg, bool, error) {
	return e.db.GetKeg(ctx, name)
}

// Pin marks an installed package so Upgrade skips it unless forced.
func (e *Engine) Pin(ctx context.Context, name string) error {
	return e.db.SetPinned(ctx, name, true)
}

// Unpin clears a package's pinned flag.
func (e *Engine) Unpin(ctx context.Context, name string) error {
	return e.db.SetPinned(ctx, name, false)
}

// GC removes every store entry with a zero refcount, returning the sha256
// keys collected.
func (e *Engine) GC(ctx context.Context) ([]string, error) {
	return e.store.GC(ctx)
}

// Cleanup removes stale lock files left by crashed processes and prunes
// cached bottle blobs older than pruneDays that are no longer referenced by
// any installed keg's current store key.
func (e *Engine) Cleanup(ctx context.Context, pruneDays int) ([]string, error) {
	stale, err := e.locks.TryCleanupStale()
	if err != nil {
		e.log.Warn("cleanup: stale lock sweep failed", "error", err)
	}

	kegs, err := e.db.ListKegs(ctx)
	if err != nil {
		return stale, err
	}
	keep := make(map[string]bool, len(kegs))
	for _, k := range kegs {
		keep[k.StoreKey] = true
	}

	cutoff := time.Now().AddDate(0, 0, -pruneDays)
	entries, err := os.ReadDir(e.paths.CacheDir())
	if err != nil {
		return stale, nil
	}

	var pruned []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		sha := trimCacheExt(ent.Name())
		if sha == "" || keep[sha] {
			continue
		}
		info, err := ent.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(e.paths.CacheDir(), ent.Name())
		if err := os.Remove(path); err == nil {
			pruned = append(pruned, sha)
		}
	}
	sort.Strings(pruned)
	return pruned, nil
}

func trimCacheExt(name string) string {
	for _, ext := range []string{".tar", ".partial"} {
		if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			return name[:len(name)-len(ext)]
		}
	}
	return ""
}
