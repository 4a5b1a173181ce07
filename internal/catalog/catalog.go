// Package catalog is the Catalog client: it fetches formula metadata and
// bottle manifests from the upstream Homebrew formula API, caches responses
// on disk with ETag/Last-Modified revalidation, and coalesces concurrent
// identical requests into a single HTTP round trip.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/zerobrew/zerobrew/internal/bottle"
	"github.com/zerobrew/zerobrew/internal/httputil"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

const formulaAPIBase = "https://formulae.brew.sh/api/formula"

// Formula is the subset of the upstream Homebrew formula JSON the install
// engine needs: identity, runtime dependency names, and the stable bottle
// manifest used by the bottle selector.
type Formula struct {
	Name              string          `json:"name"`
	FullName          string          `json:"full_name"`
	Version           string          `json:"-"` // populated from Versions.Stable
	Versions          formulaVersions `json:"versions"`
	Dependencies      []string        `json:"dependencies"`
	BuildDependencies []string        `json:"build_dependencies"`
	KegOnly           bool            `json:"keg_only"`
	Bottle            formulaBottle   `json:"bottle"`

	// Attestation fields are absent from upstream formula JSON for the vast
	// majority of formulae; a tap that signs its bottles publishes them
	// alongside the bottle manifest. Zero values mean "unsigned".
	AttestationKeyFingerprint string `json:"attestation_key_fingerprint,omitempty"`
	AttestationKeyURL         string `json:"attestation_key_url,omitempty"`
	AttestationSignatureURL   string `json:"attestation_signature_url,omitempty"`
}

// Attestation reports f's publisher signing metadata, or ok=false if f's
// tap does not sign its bottles.
func (f *Formula) Attestation() (fingerprint, keyURL, sigURL string, ok bool) {
	if f.AttestationKeyFingerprint == "" || f.AttestationKeyURL == "" || f.AttestationSignatureURL == "" {
		return "", "", "", false
	}
	return f.AttestationKeyFingerprint, f.AttestationKeyURL, f.AttestationSignatureURL, true
}

type formulaVersions struct {
	Stable string `json:"stable"`
}

type formulaBottle struct {
	Stable bottle.Manifest `json:"stable"`
}

// StableManifest returns the bottle manifest for this formula's stable version.
func (f *Formula) StableManifest() bottle.Manifest { return f.Bottle.Stable }

// Client fetches and caches formula metadata.
type Client struct {
	http  *http.Client
	cache *httpCache
	group singleflight.Group
	log   log.Logger
	taps  TapResolver
}

// TapResolver resolves a tap-qualified formula reference ("user/repo/pkg")
// to the tap's formula JSON URL. The Database component's taps table is the
// concrete implementation; catalog only depends on this narrow interface so
// it never needs to import internal/db.
type TapResolver interface {
	ResolveTapURL(ctx context.Context, tapName string) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTapResolver sets the client's tap resolver.
func WithTapResolver(t TapResolver) Option {
	return func(c *Client) { c.taps = t }
}

// New creates a Client whose cache lives under cacheDir.
func New(cacheDir string, opts ...Option) *Client {
	c := &Client{
		http:  httputil.NewSecureClient(httputil.DefaultOptions()),
		cache: newHTTPCache(cacheDir),
		log:   log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// validName matches the character class Homebrew formula names use.
func validName(name string) bool {
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '@' || r == '.':
		default:
			return false
		}
	}
	return true
}

// FetchFormula retrieves a single formula by name. A "user/repo/pkg" shaped
// name is resolved against the tap cache first.
func (c *Client) FetchFormula(ctx context.Context, name string) (*Formula, error) {
	if strings.Count(name, "/") == 2 {
		return c.fetchTapFormula(ctx, name)
	}
	if !validName(name) {
		return nil, zerrors.New(zerrors.MalformedFormula, "catalog.FetchFormula", name)
	}

	url := fmt.Sprintf("%s/%s.json", formulaAPIBase, name)
	body, err := c.getCoalesced(ctx, url)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NetworkError, "catalog.FetchFormula", name, err)
	}

	var f Formula
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, zerrors.Wrap(zerrors.MalformedFormula, "catalog.FetchFormula", name, err)
	}
	f.Version = f.Versions.Stable
	return &f, nil
}

func (c *Client) fetchTapFormula(ctx context.Context, ref string) (*Formula, error) {
	parts := strings.SplitN(ref, "/", 3)
	tapName := parts[0] + "/" + parts[1]
	pkg := parts[2]
	if c.taps == nil {
		return nil, zerrors.New(zerrors.NotFound, "catalog.fetchTapFormula", ref)
	}
	base, err := c.taps.ResolveTapURL(ctx, tapName)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NotFound, "catalog.fetchTapFormula", ref, err)
	}
	url := strings.TrimRight(base, "/") + "/" + pkg + ".json"
	body, err := c.getCoalesced(ctx, url)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NetworkError, "catalog.fetchTapFormula", ref, err)
	}
	var f Formula
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, zerrors.Wrap(zerrors.MalformedFormula, "catalog.fetchTapFormula", ref, err)
	}
	f.Version = f.Versions.Stable
	return &f, nil
}

// FetchIndex retrieves the full formula index in one request.
func (c *Client) FetchIndex(ctx context.Context) ([]Formula, error) {
	url := formulaAPIBase + ".json"
	body, err := c.getCoalesced(ctx, url)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.NetworkError, "catalog.FetchIndex", "", err)
	}
	var list []Formula
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, zerrors.Wrap(zerrors.MalformedFormula, "catalog.FetchIndex", "", err)
	}
	for i := range list {
		list[i].Version = list[i].Versions.Stable
	}
	return list, nil
}

// getCoalesced fetches url, using the cache and revalidating with a
// conditional GET, coalescing concurrent identical requests into one
// in-flight HTTP call via singleflight.
func (c *Client) getCoalesced(ctx context.Context, url string) ([]byte, error) {
	v, err, shared := c.group.Do(url, func() (any, error) {
		return c.get(ctx, url)
	})
	if shared {
		c.log.Debug("catalog request coalesced", "url", url)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	cached, meta, hasCached := c.cache.Get(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if hasCached {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if hasCached {
			c.log.Warn("catalog fetch failed, serving cache", "url", url, "error", err)
			return cached, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		_ = c.cache.TouchFreshness(url)
		c.log.Debug("catalog cache revalidated", "url", url)
		return cached, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, zerrors.New(zerrors.NotFound, "catalog.get", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Put(url, body, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"))
	return body, nil
}
