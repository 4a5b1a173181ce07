package catalog

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

func TestResolveBottleBlob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			fmt.Fprint(w, `{"token":"tok-123"}`)
		case r.URL.Path == "/v2/homebrew/core/jq/manifests/1.7.1":
			assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
			fmt.Fprint(w, `{"manifests":[
				{"digest":"sha256:otherdigest","annotations":{"org.opencontainers.image.ref.name":"1.7.1.arm64_sequoia"}},
				{"digest":"sha256:rightdigest","annotations":{"org.opencontainers.image.ref.name":"1.7.1.arm64_sonoma","sh.brew.bottle.digest":"sha256:rightdigest"}}
			]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	url, sha, err := c.ResolveBottleBlob(t.Context(), "jq", "1.7.1", "arm64_sonoma")
	require.NoError(t, err)
	assert.Equal(t, "rightdigest", sha)
	assert.Contains(t, url, "rightdigest")
}

func TestResolveBottleBlobNoMatchingTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			fmt.Fprint(w, `{"token":"tok-123"}`)
			return
		}
		fmt.Fprint(w, `{"manifests":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, _, err := c.ResolveBottleBlob(t.Context(), "jq", "1.7.1", "arm64_sonoma")
	require.Error(t, err)
	assert.True(t, zerrors.Is(err, zerrors.NoCompatibleBottle))
}
