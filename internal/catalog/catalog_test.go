package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/log"
)

// rewriteTransport redirects every request to target's host, preserving the
// original path and query, so getCoalesced's hardcoded upstream URL can be
// exercised against an httptest.Server.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &Client{
		http:  &http.Client{Transport: rewriteTransport{target: target}},
		cache: newHTTPCache(t.TempDir()),
		log:   log.Default(),
	}
}

func TestFetchFormulaPopulatesVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"jq","full_name":"jq","versions":{"stable":"1.7.1"},"dependencies":["oniguruma"]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	f, err := c.FetchFormula(t.Context(), "jq")
	require.NoError(t, err)
	assert.Equal(t, "jq", f.Name)
	assert.Equal(t, "1.7.1", f.Version)
	assert.Equal(t, []string{"oniguruma"}, f.Dependencies)
}

func TestFetchFormulaRejectsInvalidName(t *testing.T) {
	c := newTestClient(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not perform a network request for an invalid name")
	})))
	_, err := c.FetchFormula(t.Context(), "../etc/passwd")
	assert.Error(t, err)
}

func TestFetchFormulaCachesAndRevalidates(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, `{"name":"jq","versions":{"stable":"1.7.1"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	f1, err := c.FetchFormula(t.Context(), "jq")
	require.NoError(t, err)
	assert.Equal(t, "1.7.1", f1.Version)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	// A cold Client sharing the cache dir revalidates instead of re-fetching
	// the body; the server's 304 branch should be hit.
	c2 := newTestClient(t, srv)
	c2.cache = c.cache
	f2, err := c2.FetchFormula(t.Context(), "jq")
	require.NoError(t, err)
	assert.Equal(t, "1.7.1", f2.Version)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestGetCoalescedSharesInflightRequest(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		fmt.Fprint(w, `{"name":"jq","versions":{"stable":"1.7.1"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := c.FetchFormula(t.Context(), "jq")
			done <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "concurrent identical requests must coalesce into one round trip")
}

func TestFetchFormulaServesCacheOnNetworkError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			panic(http.ErrAbortHandler)
		}
		fmt.Fprint(w, `{"name":"jq","versions":{"stable":"1.7.1"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchFormula(t.Context(), "jq")
	require.NoError(t, err)

	fail.Store(true)
	f, err := c.FetchFormula(t.Context(), "jq")
	require.NoError(t, err, "a cached response should be served when the upstream is unreachable")
	assert.Equal(t, "1.7.1", f.Version)
}

func TestFetchFormulaNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.FetchFormula(t.Context(), "doesnotexist")
	assert.Error(t, err)
}

func TestFetchTapFormulaUsesResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pkg.json", r.URL.Path)
		fmt.Fprint(w, `{"name":"pkg","versions":{"stable":"2.0"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.taps = fakeTapResolver{url: srv.URL}
	f, err := c.FetchFormula(t.Context(), "user/repo/pkg")
	require.NoError(t, err)
	assert.Equal(t, "2.0", f.Version)
}

type fakeTapResolver struct{ url string }

func (f fakeTapResolver) ResolveTapURL(ctx context.Context, tapName string) (string, error) {
	return f.url, nil
}

func TestValidName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"jq", true},
		{"some-formula_1.0", true},
		{"", false},
		{"../etc/passwd", false},
		{"a/b", false},
		{"bad$name", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, validName(tc.name), tc.name)
	}
}

func TestAttestation(t *testing.T) {
	var f Formula
	_, _, _, ok := f.Attestation()
	assert.False(t, ok)

	f.AttestationKeyFingerprint = "fp"
	f.AttestationKeyURL = "https://example.com/key"
	f.AttestationSignatureURL = "https://example.com/sig"
	fp, keyURL, sigURL, ok := f.Attestation()
	assert.True(t, ok)
	assert.Equal(t, "fp", fp)
	assert.Equal(t, "https://example.com/key", keyURL)
	assert.Equal(t, "https://example.com/sig", sigURL)
}
