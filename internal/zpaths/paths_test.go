package zpaths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathsDerivation(t *testing.T) {
	p := New("/opt/zerobrew")
	assert.Equal(t, "/opt/zerobrew/store", p.StoreDir())
	assert.Equal(t, "/opt/zerobrew/store/abc123", p.StoreEntry("abc123"))
	assert.Equal(t, "/opt/zerobrew/prefix/Cellar", p.CellarDir())
	assert.Equal(t, "/opt/zerobrew/prefix/Cellar/jq/1.7", p.Keg("jq", "1.7"))
	assert.Equal(t, "/opt/zerobrew/prefix/opt", p.OptDir())
	assert.Equal(t, "/opt/zerobrew/cache/abc123.tar", p.BlobCachePath("abc123"))
	assert.Equal(t, "/opt/zerobrew/cache/abc123.partial", p.BlobPartialPath("abc123"))
	assert.Equal(t, "/opt/zerobrew/db/zerobrew.db", p.DBPath())
	assert.Equal(t, "/opt/zerobrew/store/abc123.tmp", p.StoreTmp("abc123"))
}

func TestLoadHonorsEnvironmentRoot(t *testing.T) {
	t.Setenv("ZEROBREW_ROOT", "/custom/root")
	p := Load()
	assert.Equal(t, "/custom/root", p.Root)
}

func TestLoadFallsBackToDefaultRoot(t *testing.T) {
	t.Setenv("ZEROBREW_ROOT", "")
	p := Load()
	assert.Equal(t, DefaultRoot, p.Root)
}

func TestEnsureDirectoriesCreatesEveryDir(t *testing.T) {
	root := t.TempDir()
	p := New(root)
	require.NoError(t, p.EnsureDirectories())

	for _, dir := range []string{
		p.StoreDir(), p.CellarDir(), p.PrefixDir(), p.BinDir(),
		p.OptDir(), p.CacheDir(), p.HTTPCacheDir(), p.DBDir(), p.LocksDir(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestEnsureDirectoriesIsIdempotent(t *testing.T) {
	root := t.TempDir()
	p := New(root)
	require.NoError(t, p.EnsureDirectories())
	require.NoError(t, p.EnsureDirectories())
}

func TestTunablesFallBackOnInvalidEnv(t *testing.T) {
	t.Setenv("ZEROBREW_DOWNLOAD_CONCURRENCY", "not-a-number")
	assert.Equal(t, 48, DownloadConcurrency())
}

func TestTunablesFallBackOnOutOfRangeEnv(t *testing.T) {
	t.Setenv("ZEROBREW_RACE_CONNECTIONS", "1000")
	assert.Equal(t, 3, RaceConnections())
}

func TestTunablesHonorValidEnv(t *testing.T) {
	t.Setenv("ZEROBREW_PREFETCH_CONCURRENCY", "4")
	assert.Equal(t, 4, PrefetchConcurrency())
}

func TestKegPathJoinsCleanly(t *testing.T) {
	p := New(t.TempDir())
	keg := p.Keg("ripgrep", "14.0.0")
	assert.Equal(t, filepath.Join(p.CellarDir(), "ripgrep", "14.0.0"), keg)
}
