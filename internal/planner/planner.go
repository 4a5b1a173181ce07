// Package planner is the Planner component: it turns a user's requested
// formula names into a deterministic, topologically ordered install plan by
// streaming formula metadata from the Catalog client, selecting a bottle for
// each formula, detecting dependency cycles, and filtering out packages that
// are already satisfied.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zerobrew/zerobrew/internal/bottle"
	"github.com/zerobrew/zerobrew/internal/catalog"
	"github.com/zerobrew/zerobrew/internal/db"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/platform"
	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// FormulaFetcher is the subset of the Catalog client the planner needs.
type FormulaFetcher interface {
	FetchFormula(ctx context.Context, name string) (*catalog.Formula, error)
}

// InstalledLookup is the subset of the Database component the planner needs
// to decide which planned packages can be skipped.
type InstalledLookup interface {
	GetKeg(ctx context.Context, name string) (db.Keg, bool, error)
}

// PlannedPackage is one entry of the ordered install plan.
type PlannedPackage struct {
	Name     string
	Version  string
	Bottle   bottle.Selected
	Explicit bool

	// Attestation fields mirror catalog.Formula.Attestation, kept as plain
	// strings here so this package never needs to import internal/store.
	HasAttestation            bool
	AttestationKeyFingerprint string
	AttestationKeyURL         string
	AttestationSignatureURL   string
}

// Options controls filtering behavior.
type Options struct {
	// Force includes packages that are already installed at the desired
	// version or rebuild, which would otherwise be skipped.
	Force bool
	// Upgrade excludes pinned top-level requests from the plan, though a
	// pinned package is still included if a sibling requires it transitively
	// and it is not yet installed at all.
	Upgrade bool
	// Concurrency bounds how many formulas are fetched at once. Defaults to 8.
	Concurrency int
}

// Planner resolves a requested set of formula names into an ordered plan.
type Planner struct {
	catalog   FormulaFetcher
	installed InstalledLookup
	platform  platform.Descriptor
	log       log.Logger
}

// New constructs a Planner.
func New(c FormulaFetcher, installed InstalledLookup, d platform.Descriptor, logger log.Logger) *Planner {
	if logger == nil {
		logger = log.Default()
	}
	return &Planner{catalog: c, installed: installed, platform: d, log: logger}
}

// node is one fetched formula plus its bottle selection, keyed by name in
// the planner's shared graph.
type node struct {
	formula *catalog.Formula
	bottle  bottle.Selected
	err     error
}

// Plan resolves requests into an ordered, deduplicated install plan. Formula
// metadata is fetched with bounded concurrency; each fetch's not-yet-seen
// runtime dependencies are enqueued the moment it completes, so the graph is
// discovered as a stream rather than level by level.
func (p *Planner) Plan(ctx context.Context, requests []string, opts Options) ([]PlannedPackage, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	explicit := make(map[string]bool, len(requests))
	for _, r := range requests {
		explicit[r] = true
	}

	graph, err := p.fetchGraph(ctx, requests, opts.Concurrency)
	if err != nil {
		return nil, err
	}

	order, err := topologicalOrder(graph, requests)
	if err != nil {
		return nil, err
	}

	var plan []PlannedPackage
	for _, name := range order {
		n := graph[name]
		if n.err != nil {
			return nil, n.err
		}

		isExplicit := explicit[name]
		skip, err := p.shouldSkip(ctx, name, n, isExplicit, opts)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		fingerprint, keyURL, sigURL, hasAtt := n.formula.Attestation()
		plan = append(plan, PlannedPackage{
			Name:                      name,
			Version:                   n.formula.Version,
			Bottle:                    n.bottle,
			Explicit:                  isExplicit,
			HasAttestation:            hasAtt,
			AttestationKeyFingerprint: fingerprint,
			AttestationKeyURL:         keyURL,
			AttestationSignatureURL:   sigURL,
		})
	}
	return plan, nil
}

// fetchGraph fetches every formula transitively reachable from requests,
// with at most concurrency fetches in flight at once. Each formula's
// not-yet-seen dependencies are enqueued onto the same errgroup the moment
// the formula's own fetch completes, so the graph is discovered as a
// stream instead of level by level.
func (p *Planner) fetchGraph(ctx context.Context, requests []string, concurrency int) (map[string]*node, error) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	graph := make(map[string]*node)

	var g errgroup.Group
	g.SetLimit(concurrency)

	var enqueue func(name string)
	enqueue = func(name string) {
		mu.Lock()
		if seen[name] {
			mu.Unlock()
			return
		}
		seen[name] = true
		mu.Unlock()

		g.Go(func() error {
			n := p.fetchOne(ctx, name)

			mu.Lock()
			graph[name] = n
			mu.Unlock()

			if n.err != nil {
				return nil
			}
			deps := append([]string(nil), n.formula.Dependencies...)
			sort.Strings(deps)
			for _, dep := range deps {
				enqueue(dep)
			}
			return nil
		})
	}

	for _, r := range requests {
		enqueue(r)
	}
	g.Wait()
	return graph, nil
}

func (p *Planner) fetchOne(ctx context.Context, name string) *node {
	f, err := p.catalog.FetchFormula(ctx, name)
	if err != nil {
		p.log.Warn("planner: fetch failed", "name", name, "error", err)
		return &node{err: err}
	}

	sel, err := bottle.Select(name, f.StableManifest(), p.platform)
	if err != nil {
		return &node{formula: f, err: err}
	}

	return &node{formula: f, bottle: sel}
}

// topologicalOrder returns every node reachable from requests, leaves
// first, with siblings tie-broken alphabetically for reproducibility.
// Cycles are reported as zerrors.DependencyCycle naming the offending chain.
func topologicalOrder(graph map[string]*node, requests []string) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(graph))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			chain := append(append([]string(nil), path...), name)
			return zerrors.New(zerrors.DependencyCycle, "planner.Plan", strings.Join(chain, " -> "))
		}

		color[name] = gray
		path = append(path, name)

		n, ok := graph[name]
		if ok && n.err == nil && n.formula != nil {
			deps := append([]string(nil), n.formula.Dependencies...)
			sort.Strings(deps)
			for _, dep := range deps {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		order = append(order, name)
		return nil
	}

	sortedRequests := append([]string(nil), requests...)
	sort.Strings(sortedRequests)
	for _, r := range sortedRequests {
		if err := visit(r); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// shouldSkip reports whether name should be excluded from the final plan:
// already installed at the desired version/rebuild (unless Force), or
// pinned and not a missing transitive dependency (when Upgrade is set).
func (p *Planner) shouldSkip(ctx context.Context, name string, n *node, isExplicit bool, opts Options) (bool, error) {
	keg, ok, err := p.installed.GetKeg(ctx, name)
	if err != nil {
		return false, fmt.Errorf("planner: checking installed state of %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	if opts.Upgrade && keg.Pinned && !opts.Force {
		return true, nil
	}

	if opts.Force {
		return false, nil
	}

	installedVersion, installedRebuild := bottle.ParseDisplayVersion(keg.Version)
	upToDate := !bottle.IsOutdated(installedVersion, installedRebuild, n.formula.Version, n.bottle.Rebuild)
	return upToDate, nil
}
