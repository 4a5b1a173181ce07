package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// GHCR mirrors formula bottles as OCI artifacts under ghcr.io/homebrew/core.
// ResolveBottleBlob turns (formula, version, tag) into the blob URL and
// sha256 the downloader should fetch, following the same anonymous-pull
// token flow the Docker/OCI registry protocol requires.

type ghcrTokenResponse struct {
	Token string `json:"token"`
}

type ghcrManifest struct {
	Manifests []ghcrManifestEntry `json:"manifests"`
}

type ghcrManifestEntry struct {
	Digest      string            `json:"digest"`
	Annotations map[string]string `json:"annotations"`
}

// ResolveBottleBlob returns the blob download URL and sha256 for the given
// formula/version/bottle-tag combination, resolved via GHCR's manifest index.
func (c *Client) ResolveBottleBlob(ctx context.Context, formula, version, tag string) (url, sha256hex string, err error) {
	token, err := c.ghcrToken(ctx, formula)
	if err != nil {
		return "", "", zerrors.Wrap(zerrors.NetworkError, "catalog.ResolveBottleBlob", formula, err)
	}

	digest, err := c.ghcrBlobDigest(ctx, formula, version, tag, token)
	if err != nil {
		return "", "", err
	}

	blobURL := fmt.Sprintf("https://ghcr.io/v2/homebrew/core/%s/blobs/sha256:%s", formula, digest)
	return blobURL, digest, nil
}

func (c *Client) ghcrToken(ctx context.Context, formula string) (string, error) {
	url := fmt.Sprintf("https://ghcr.io/token?service=ghcr.io&scope=repository:homebrew/core/%s:pull", formula)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ghcr token request returned %d: %s", resp.StatusCode, string(body))
	}

	var tok ghcrTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("parsing ghcr token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty ghcr token")
	}
	return tok.Token, nil
}

func (c *Client) ghcrBlobDigest(ctx context.Context, formula, version, tag, token string) (string, error) {
	url := fmt.Sprintf("https://ghcr.io/v2/homebrew/core/%s/manifests/%s", formula, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.oci.image.index.v1+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", zerrors.New(zerrors.NotFound, "catalog.ghcrBlobDigest", formula)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ghcr manifest request returned %d: %s", resp.StatusCode, string(body))
	}

	var manifest ghcrManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return "", fmt.Errorf("parsing ghcr manifest: %w", err)
	}

	expectedRef := fmt.Sprintf("%s.%s", version, tag)
	for _, entry := range manifest.Manifests {
		if entry.Annotations["org.opencontainers.image.ref.name"] != expectedRef {
			continue
		}
		if digest, ok := entry.Annotations["sh.brew.bottle.digest"]; ok {
			return strings.TrimPrefix(digest, "sha256:"), nil
		}
		return strings.TrimPrefix(entry.Digest, "sha256:"), nil
	}

	return "", zerrors.New(zerrors.NoCompatibleBottle, "catalog.ghcrBlobDigest", fmt.Sprintf("%s (%s)", formula, tag))
}
