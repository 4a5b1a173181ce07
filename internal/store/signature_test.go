package store

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/gopenpgp/v2/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// generateTestKey produces a fresh armored keypair and its fingerprint,
// avoiding any dependency on a fixture key checked into the tree.
func generateTestKey(t *testing.T) (key *crypto.Key, armored, fingerprint string) {
	t.Helper()
	key, err := crypto.GenerateKey("zerobrew test", "test@zerobrew.invalid", "rsa", 2048)
	require.NoError(t, err)
	armored, err = key.Armor()
	require.NoError(t, err)
	return key, armored, key.GetFingerprint()
}

func signBlob(t *testing.T, key *crypto.Key, data []byte) string {
	t.Helper()
	keyRing, err := crypto.NewKeyRing(key)
	require.NoError(t, err)
	sig, err := keyRing.SignDetached(crypto.NewPlainMessage(data))
	require.NoError(t, err)
	armored, err := sig.GetArmored()
	require.NoError(t, err)
	return armored
}

func TestSignatureVerifierAcceptsValidSignature(t *testing.T) {
	key, armoredKey, fingerprint := generateTestKey(t)
	blobData := []byte("bottle blob contents")
	sigArmored := signBlob(t, key, blobData)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/key.asc":
			fmt.Fprint(w, armoredKey)
		case "/sig.asc":
			fmt.Fprint(w, sigArmored)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	blobPath := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(blobPath, blobData, 0644))

	v := NewSignatureVerifier(t.TempDir())
	att := Attestation{
		KeyFingerprint: fingerprint,
		KeyURL:         srv.URL + "/key.asc",
		SignatureURL:   srv.URL + "/sig.asc",
	}
	require.NoError(t, v.Verify(t.Context(), blobPath, att))
}

func TestSignatureVerifierRejectsTamperedBlob(t *testing.T) {
	key, armoredKey, fingerprint := generateTestKey(t)
	blobData := []byte("bottle blob contents")
	sigArmored := signBlob(t, key, blobData)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/key.asc":
			fmt.Fprint(w, armoredKey)
		case "/sig.asc":
			fmt.Fprint(w, sigArmored)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	blobPath := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(blobPath, []byte("tampered contents"), 0644))

	v := NewSignatureVerifier(t.TempDir())
	att := Attestation{
		KeyFingerprint: fingerprint,
		KeyURL:         srv.URL + "/key.asc",
		SignatureURL:   srv.URL + "/sig.asc",
	}
	err := v.Verify(t.Context(), blobPath, att)
	require.Error(t, err)
	assert.True(t, zerrors.Is(err, zerrors.HashMismatch))
}

func TestSignatureVerifierRejectsFingerprintMismatch(t *testing.T) {
	key, armoredKey, _ := generateTestKey(t)
	blobData := []byte("bottle blob contents")
	sigArmored := signBlob(t, key, blobData)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/key.asc":
			fmt.Fprint(w, armoredKey)
		case "/sig.asc":
			fmt.Fprint(w, sigArmored)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	blobPath := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(blobPath, blobData, 0644))

	v := NewSignatureVerifier(t.TempDir())
	att := Attestation{
		KeyFingerprint: "0000000000000000000000000000000000000000",
		KeyURL:         srv.URL + "/key.asc",
		SignatureURL:   srv.URL + "/sig.asc",
	}
	err := v.Verify(t.Context(), blobPath, att)
	require.Error(t, err)
	assert.True(t, zerrors.Is(err, zerrors.MalformedFormula))
}

func TestKeyCacheReusesDiskCacheWithoutRefetch(t *testing.T) {
	key, armoredKey, fingerprint := generateTestKey(t)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, armoredKey)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	c1 := NewKeyCache(cacheDir)
	got, err := c1.Get(t.Context(), fingerprint, srv.URL+"/key.asc")
	require.NoError(t, err)
	assert.Equal(t, key.GetFingerprint(), got.GetFingerprint())
	assert.Equal(t, 1, hits)

	c2 := NewKeyCache(cacheDir)
	_, err = c2.Get(t.Context(), fingerprint, srv.URL+"/key.asc")
	require.NoError(t, err)
	assert.Equal(t, 1, hits, "a second cache instance over the same directory must not refetch")
}
