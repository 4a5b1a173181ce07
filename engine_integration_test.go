package zerobrew

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/bottle"
	"github.com/zerobrew/zerobrew/internal/catalog"
	"github.com/zerobrew/zerobrew/internal/db"
	"github.com/zerobrew/zerobrew/internal/downloader"
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

// fakeFormulas serves canned formula JSON straight from memory, standing in
// for the Catalog client so these scenarios need no real network access.
// It mirrors the shape internal/planner's own tests use.
type fakeFormulas struct {
	formulas map[string]*catalog.Formula
}

func (f *fakeFormulas) add(name, version string, deps []string, sha256hex, url string) {
	if f.formulas == nil {
		f.formulas = map[string]*catalog.Formula{}
	}
	formula := &catalog.Formula{
		Name:         name,
		Version:      version,
		Dependencies: deps,
	}
	formula.Bottle.Stable = bottle.Manifest{
		Files: map[string]bottle.File{
			"all": {URL: url, SHA256: sha256hex},
		},
	}
	f.formulas[name] = formula
}

func (f *fakeFormulas) FetchFormula(ctx context.Context, name string) (*catalog.Formula, error) {
	formula, ok := f.formulas[name]
	if !ok {
		return nil, zerrors.New(zerrors.NotFound, "fakeFormulas.FetchFormula", name)
	}
	cp := *formula
	return &cp, nil
}

// buildBottleTarGz synthesizes a minimal bottle tarball rooted at the keg
// layout the materializer expects (a single script at bin/<name>), carrying the
// @@HOMEBREW_PREFIX@@ placeholder so the relocation pass has something
// to rewrite.
func buildBottleTarGz(t *testing.T, name, version string) (content []byte, sha256hex string) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	binPath := fmt.Sprintf("bin/%s", name)
	script := "#!/bin/sh\nexport PREFIX=@@HOMEBREW_PREFIX@@\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: binPath,
		Mode: 0755,
		Size: int64(len(script)),
	}))
	_, err := tw.Write([]byte(script))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

// testEngine wires every component by hand, the way Open does, but against
// a temp root, a fake formula fetcher, and a local HTTP bottle server — no
// component here is a mock of itself, only the network boundary is faked.
type testEngine struct {
	*Engine
	fetcher *fakeFormulas
	paths   zpaths.Paths
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	root := t.TempDir()
	paths := zpaths.New(root)
	require.NoError(t, paths.EnsureDirectories())

	locks, err := lock.New(paths.LocksDir())
	require.NoError(t, err)

	database, err := db.Open(paths.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	logger := log.NewNoop()
	fetcher := &fakeFormulas{}
	desc := platform.Descriptor{OS: "linux", Arch: "x86_64"}

	e := &Engine{
		paths:    paths,
		locks:    locks,
		planner:  planner.New(fetcher, database, desc, logger),
		dl:       downloader.New(paths, http.DefaultClient, downloader.Options{}, logger),
		store:    store.New(paths, locks, database, logger),
		mat:      materializer.New(paths, logger),
		linker:   linker.New(paths, database, logger),
		db:       database,
		platform: desc,
		log:      logger,
	}
	return &testEngine{Engine: e, fetcher: fetcher, paths: paths}
}

// S2: a formula with one runtime dependency installs both, in dependency
// order, with the correct explicit/transitive flags (spec.md §8 S2).
func TestInstallTransitiveDependency(t *testing.T) {
	te := newTestEngine(t)

	pcre2Bytes, pcre2SHA := buildBottleTarGz(t, "pcre2", "10.40")
	ripgrepBytes, ripgrepSHA := buildBottleTarGz(t, "ripgrep", "14.0.0")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pcre2":
			w.Write(pcre2Bytes)
		case "/ripgrep":
			w.Write(ripgrepBytes)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	te.fetcher.add("pcre2", "10.40", nil, pcre2SHA, srv.URL+"/pcre2")
	te.fetcher.add("ripgrep", "14.0.0", []string{"pcre2"}, ripgrepSHA, srv.URL+"/ripgrep")

	report, err := te.Install(context.Background(), []string{"ripgrep"}, InstallFlags{})
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Len(t, report.Installed, 2)

	assert.Equal(t, "pcre2", report.Installed[0].Name)
	assert.False(t, report.Installed[0].Explicit)
	assert.Equal(t, "ripgrep", report.Installed[1].Name)
	assert.True(t, report.Installed[1].Explicit)

	pcre2Keg, ok, err := te.GetInstalled(context.Background(), "pcre2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, pcre2Keg.Explicit)

	ripgrepKeg, ok, err := te.GetInstalled(context.Background(), "ripgrep")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ripgrepKeg.Explicit)

	// The relocated binary should no longer carry the placeholder.
	binPath := filepath.Join(te.paths.Keg("ripgrep", ripgrepKeg.Version), "bin", "ripgrep")
	data, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "@@HOMEBREW_PREFIX@@")
	assert.Contains(t, string(data), te.paths.PrefixDir())

	// Linker farm: prefix/bin/ripgrep should resolve to the keg.
	linkPath := filepath.Join(te.paths.BinDir(), "ripgrep")
	target, err := os.Readlink(linkPath)
	require.NoError(t, err)
	assert.Contains(t, target, "ripgrep")
}

// S1: reinstalling the same version after an uninstall-that-keeps-the-store
// performs no download and no extraction, matching the warm-reinstall
// scenario (spec.md §8 S1): the second Install call must not even touch the
// fake HTTP server.
func TestWarmReinstallSkipsDownloadAndExtract(t *testing.T) {
	te := newTestEngine(t)

	jqBytes, jqSHA := buildBottleTarGz(t, "jq", "1.7")

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(jqBytes)
	}))
	defer srv.Close()

	te.fetcher.add("jq", "1.7", nil, jqSHA, srv.URL+"/jq")

	ctx := context.Background()
	_, err := te.Install(ctx, []string{"jq"}, InstallFlags{})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	keg, ok, err := te.GetInstalled(ctx, "jq")
	require.NoError(t, err)
	require.True(t, ok)

	// Uninstall the keg but leave the store entry: refcount drops to zero
	// but nothing calls GC.
	_, err = te.Uninstall(ctx, []string{"jq"})
	require.NoError(t, err)
	assert.True(t, te.store.Has(keg.StoreKey))

	refCount, ok, err := te.db.StoreRefCount(ctx, keg.StoreKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, refCount)

	report, err := te.Install(ctx, []string{"jq"}, InstallFlags{})
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Len(t, report.Installed, 1)

	// No new network round trip: the store entry already existed, so
	// execute() never enqueues a download task for it.
	assert.Equal(t, 1, hits)
}

// S3: a manifest whose declared sha256 does not match the served bytes
// retries, then surfaces a failure without leaving a partial file behind
// (spec.md §8 S3).
func TestHashMismatchLeavesNoPartial(t *testing.T) {
	te := newTestEngine(t)

	badBytes, _ := buildBottleTarGz(t, "broken", "1.0")
	wrongSHA := strings.Repeat("0", 64)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(badBytes)
	}))
	defer srv.Close()

	te.fetcher.add("broken", "1.0", nil, wrongSHA, srv.URL+"/broken")

	report, err := te.Install(context.Background(), []string{"broken"}, InstallFlags{})
	require.NoError(t, err)
	require.Empty(t, report.Installed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken", report.Failed[0].Name)

	entries, err := os.ReadDir(te.paths.CacheDir())
	require.NoError(t, err)
	for _, ent := range entries {
		assert.NotContains(t, ent.Name(), ".partial", "no partial blob should survive a hash-mismatch failure")
	}
}

// S4: two formulas shipping the same bin/foo conflict on link unless
// Overwrite is set (spec.md §8 S4).
func TestLinkConflictRequiresOverwrite(t *testing.T) {
	te := newTestEngine(t)

	fooBytes, fooSHA := buildBottleTarGz(t, "foo-a", "1.0")
	// foo-c ships a binary literally named "foo-a", so linking it collides
	// with foo-a's existing prefix/bin/foo-a symlink.
	conflicting := buildConflictingBottle(t, "foo-a")
	sum := sha256.Sum256(conflicting)
	conflictSHA := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			w.Write(fooBytes)
		case "/c":
			w.Write(conflicting)
		}
	}))
	defer srv.Close()

	te.fetcher.add("foo-a", "1.0", nil, fooSHA, srv.URL+"/a")
	te.fetcher.add("foo-c", "1.0", nil, conflictSHA, srv.URL+"/c")

	ctx := context.Background()
	report, err := te.Install(ctx, []string{"foo-a"}, InstallFlags{})
	require.NoError(t, err)
	require.Len(t, report.Installed, 1)

	report, err = te.Install(ctx, []string{"foo-c"}, InstallFlags{})
	require.NoError(t, err)
	require.Empty(t, report.Installed)
	require.Len(t, report.Failed, 1)
	assert.True(t, zerrors.Is(report.Failed[0].Err, zerrors.LinkConflict))

	report, err = te.Install(ctx, []string{"foo-c"}, InstallFlags{Overwrite: true})
	require.NoError(t, err)
	require.Len(t, report.Installed, 1)

	link := filepath.Join(te.paths.BinDir(), "foo-a")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Contains(t, target, "foo-c")
}

// buildConflictingBottle synthesizes a bottle for a different formula name
// that nonetheless ships bin/<binName>, to force a LinkConflict.
func buildConflictingBottle(t *testing.T, binName string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	binPath := fmt.Sprintf("bin/%s", binName)
	script := "#!/bin/sh\necho conflicting\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: binPath,
		Mode: 0755,
		Size: int64(len(script)),
	}))
	_, err := tw.Write([]byte(script))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}
