// Package materializer is the Materializer+Linker half of the install
// engine that turns a store entry into a usable Cellar keg: it copies the
// store's content-addressable tree into the Cellar via the fastest
// available copy-on-write primitive, then patches every relocatable file
// in the copy so its embedded paths point at this prefix instead of the
// placeholder paths baked into the bottle.
package materializer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/relocate"
	"github.com/zerobrew/zerobrew/internal/zerrors"
	"github.com/zerobrew/zerobrew/internal/zpaths"
)

// receiptName is the marker file dropped in a keg directory once relocation
// has completed successfully, recording what the keg was relocated for so a
// repeated materialize call for the same (storeKey, prefix) pair is a no-op.
const receiptName = "INSTALL_RECEIPT.json"

// Receipt is the content of a keg's INSTALL_RECEIPT.json.
type Receipt struct {
	StoreKey      string `json:"store_key"`
	RelocatedFor  string `json:"relocated_for"`
	CopyPrimitive string `json:"copy_primitive"`
	GoVersion     string `json:"tool_go_version"`
}

// Materializer copies store entries into Cellar kegs and relocates them.
type Materializer struct {
	paths zpaths.Paths
	log   log.Logger
}

// New constructs a Materializer.
func New(paths zpaths.Paths, logger log.Logger) *Materializer {
	if logger == nil {
		logger = log.Default()
	}
	return &Materializer{paths: paths, log: logger}
}

// Materialize copies the store entry for storeKey into the keg directory for
// (name, version) and relocates every file in the copy to point at this
// installation's prefix. It is idempotent: if the keg already carries a
// receipt recording the same store key and prefix, it returns immediately.
// On any relocation failure the half-built keg is removed entirely; the
// store entry itself is never touched.
func (m *Materializer) Materialize(ctx context.Context, name, version, storeKey string) (Receipt, error) {
	keg := m.paths.Keg(name, version)
	target := relocate.Target{
		CellarDir: keg,
		PrefixDir: m.paths.PrefixDir(),
	}

	if existing, ok := m.existingReceipt(keg); ok {
		if existing.StoreKey == storeKey && existing.RelocatedFor == target.PrefixDir {
			m.log.Debug("keg already materialized", "name", name, "version", version)
			return existing, nil
		}
		// Stale receipt from a different store key or a relocated prefix
		// (e.g. ZEROBREW_ROOT changed): rebuild from scratch.
		if err := os.RemoveAll(keg); err != nil {
			return Receipt{}, zerrors.Wrap(zerrors.MaterializeError, "materializer.Materialize", name, err)
		}
	}

	storeDir := m.paths.StoreEntry(storeKey)
	primitive, err := cowCopyTree(storeDir, keg)
	if err != nil {
		os.RemoveAll(keg)
		return Receipt{}, zerrors.Wrap(zerrors.MaterializeError, "materializer.Materialize", name, err)
	}

	if err := m.relocateTree(keg, target, primitive); err != nil {
		os.RemoveAll(keg)
		return Receipt{}, err
	}

	receipt := Receipt{
		StoreKey:      storeKey,
		RelocatedFor:  target.PrefixDir,
		CopyPrimitive: primitive,
		GoVersion:     runtime.Version(),
	}
	if err := m.writeReceipt(keg, receipt); err != nil {
		os.RemoveAll(keg)
		return Receipt{}, zerrors.Wrap(zerrors.MaterializeError, "materializer.Materialize", name, err)
	}

	m.log.Info("keg materialized", "name", name, "version", version, "copy_primitive", primitive)
	return receipt, nil
}

// relocateTree walks a freshly copied keg and patches every regular file
// concurrently, breaking any hardlink to the store entry first when the
// copy primitive shared content rather than duplicating it.
func (m *Materializer) relocateTree(keg string, target relocate.Target, primitive string) error {
	mustBreakHardlink := primitive == "hardlink" || primitive == "reflink+copy"

	var paths []string
	err := filepath.Walk(keg, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "materializer.relocateTree", keg, err)
	}

	concurrency := runtime.GOMAXPROCS(0)
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	errs := make(chan error, len(paths))
	var wg sync.WaitGroup

	for _, p := range paths {
		p := p
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if mustBreakHardlink {
				if err := breakHardlink(p); err != nil {
					errs <- zerrors.Wrap(zerrors.MaterializeError, "materializer.relocateTree", p, err)
					return
				}
			}
			if err := relocate.File(p, target); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) existingReceipt(keg string) (Receipt, bool) {
	data, err := os.ReadFile(filepath.Join(keg, receiptName))
	if err != nil {
		return Receipt{}, false
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, false
	}
	return r, true
}

func (m *Materializer) writeReceipt(keg string, r Receipt) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(keg, receiptName), data, 0644)
}
