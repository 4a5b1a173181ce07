package store

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/zerobrew/zerobrew/internal/httputil"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// keyFetchTimeout bounds how long a key or detached-signature fetch may take.
const keyFetchTimeout = 30 * time.Second

// Attestation names the detached PGP signature and signer key for a bottle
// blob. A tap that does not publish one leaves this nil and Admit skips
// verification regardless of VerifySignatures.
type Attestation struct {
	KeyFingerprint string
	KeyURL         string
	SignatureURL   string
}

// KeyCache caches PGP public keys on disk by fingerprint so repeated
// admissions signed by the same maintainer key don't refetch it.
type KeyCache struct {
	dir    string
	client *http.Client
}

// NewKeyCache constructs a KeyCache rooted at dir.
func NewKeyCache(dir string) *KeyCache {
	return &KeyCache{dir: dir, client: httputil.NewSecureClient(httputil.ClientOptions{Timeout: keyFetchTimeout})}
}

// Get returns the public key for fingerprint, fetching and caching it from
// keyURL the first time it's needed.
func (c *KeyCache) Get(ctx context.Context, fingerprint, keyURL string) (*crypto.Key, error) {
	fingerprint = strings.ToUpper(fingerprint)

	if key, err := c.loadCached(fingerprint); err == nil {
		return key, nil
	}

	armored, err := c.fetch(ctx, keyURL)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKeyFromArmored(armored)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.MalformedFormula, "store.KeyCache.Get", fingerprint, err)
	}
	if got := strings.ToUpper(key.GetFingerprint()); got != fingerprint {
		return nil, zerrors.New(zerrors.MalformedFormula, "store.KeyCache.Get", fingerprint)
	}

	_ = os.MkdirAll(c.dir, 0700)
	_ = os.WriteFile(c.cachePath(fingerprint), []byte(armored), 0600)
	return key, nil
}

func (c *KeyCache) cachePath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".asc")
}

func (c *KeyCache) loadCached(fingerprint string) (*crypto.Key, error) {
	data, err := os.ReadFile(c.cachePath(fingerprint))
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKeyFromArmored(string(data))
	if err != nil {
		os.Remove(c.cachePath(fingerprint))
		return nil, err
	}
	if strings.ToUpper(key.GetFingerprint()) != fingerprint {
		os.Remove(c.cachePath(fingerprint))
		return nil, zerrors.New(zerrors.MalformedFormula, "store.KeyCache.loadCached", fingerprint)
	}
	return key, nil
}

func (c *KeyCache) fetch(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, keyFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", zerrors.Wrap(zerrors.NetworkError, "store.KeyCache.fetch", url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", zerrors.Wrap(zerrors.NetworkError, "store.KeyCache.fetch", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", zerrors.New(zerrors.NetworkError, "store.KeyCache.fetch", url)
	}

	limited := io.LimitReader(resp.Body, 100*1024+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", zerrors.Wrap(zerrors.NetworkError, "store.KeyCache.fetch", url, err)
	}
	if len(data) > 100*1024 {
		return "", zerrors.New(zerrors.MalformedFormula, "store.KeyCache.fetch", url)
	}
	return string(data), nil
}

// SignatureVerifier checks a bottle blob's detached PGP signature against
// its publisher's attested key before the blob is admitted into the store.
type SignatureVerifier struct {
	keys   *KeyCache
	client *http.Client
}

// NewSignatureVerifier constructs a SignatureVerifier whose key cache lives
// under cacheDir.
func NewSignatureVerifier(cacheDir string) *SignatureVerifier {
	return &SignatureVerifier{
		keys:   NewKeyCache(cacheDir),
		client: httputil.NewSecureClient(httputil.ClientOptions{Timeout: keyFetchTimeout}),
	}
}

// Verify fetches att's signature and signer key, then checks the signature
// against blobPath's contents.
func (v *SignatureVerifier) Verify(ctx context.Context, blobPath string, att Attestation) error {
	key, err := v.keys.Get(ctx, att.KeyFingerprint, att.KeyURL)
	if err != nil {
		return err
	}

	sigData, err := v.fetchSignature(ctx, att.SignatureURL)
	if err != nil {
		return err
	}

	fileData, err := os.ReadFile(blobPath)
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "store.SignatureVerifier.Verify", att.KeyFingerprint, err)
	}

	sig, err := crypto.NewPGPSignatureFromArmored(string(sigData))
	if err != nil {
		sig = crypto.NewPGPSignature(sigData)
	}

	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return zerrors.Wrap(zerrors.MalformedFormula, "store.SignatureVerifier.Verify", att.KeyFingerprint, err)
	}

	message := crypto.NewPlainMessage(fileData)
	if err := keyRing.VerifyDetached(message, sig, 0); err != nil {
		return zerrors.Wrap(zerrors.HashMismatch, "store.SignatureVerifier.Verify", att.KeyFingerprint, err)
	}
	return nil
}

func (v *SignatureVerifier) fetchSignature(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, keyFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NetworkError, "store.SignatureVerifier.fetchSignature", url, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NetworkError, "store.SignatureVerifier.fetchSignature", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, zerrors.New(zerrors.NetworkError, "store.SignatureVerifier.fetchSignature", url)
	}

	limited := io.LimitReader(resp.Body, 10*1024+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NetworkError, "store.SignatureVerifier.fetchSignature", url, err)
	}
	if len(data) > 10*1024 {
		return nil, zerrors.New(zerrors.MalformedFormula, "store.SignatureVerifier.fetchSignature", url)
	}
	return data, nil
}
