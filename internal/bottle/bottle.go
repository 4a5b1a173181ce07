// Package bottle implements the bottle selector: given a Formula's bottle
// manifest and a platform descriptor, it picks the best compatible
// pre-built binary bottle, or reports that none exists.
package bottle

import (
	"github.com/zerobrew/zerobrew/internal/platform"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// File is one platform's entry in a bottle manifest, as published by the
// formulae.brew.sh API's bottle.stable.files map.
type File struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// Manifest is the stable-bottle section of a Formula.
type Manifest struct {
	Rebuild int             `json:"rebuild"`
	Files   map[string]File `json:"files"`
}

// Selected is the bottle chosen for installation.
type Selected struct {
	URL     string
	SHA256  string
	Rebuild int
	Tag     string
}

// Select picks the first compatible bottle for d, in spec order:
//  1. the exact platform tag
//  2. lower macOS version tags, descending, same architecture
//  3. the generic "all" tag, if present
//  4. otherwise NoCompatibleBottle
func Select(formulaName string, m Manifest, d platform.Descriptor) (Selected, error) {
	candidates := append([]string{d.ExactTag()}, d.FallbackTags()...)
	candidates = append(candidates, "all")

	for _, tag := range candidates {
		f, ok := m.Files[tag]
		if !ok {
			continue
		}
		return Selected{URL: f.URL, SHA256: f.SHA256, Rebuild: m.Rebuild, Tag: tag}, nil
	}

	return Selected{}, zerrors.New(zerrors.NoCompatibleBottle, "bottle.Select", formulaName)
}
