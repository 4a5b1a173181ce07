// Package store is the content-addressable Store and Extractor: it maps a
// bottle's sha256 to the directory its tarball was extracted into exactly
// once, and tracks how many installed kegs currently reference it.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zerobrew/zerobrew/internal/lock"
	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
	"github.com/zerobrew/zerobrew/internal/zpaths"
)

// RefCounter is the subset of the Database component the store needs:
// incrementing a store entry's refcount on admission, decrementing it on
// keg removal, and reading it back for GC. Refcounts live only in the
// database; the store package never keeps its own in-memory graph.
type RefCounter interface {
	IncrementStoreRef(ctx context.Context, key string) error
	DecrementStoreRef(ctx context.Context, key string) (int, error)
	StoreRefCount(ctx context.Context, key string) (int, bool, error)
	AllZeroRefStoreKeys(ctx context.Context) ([]string, error)
}

// Store admits bottle blobs into the content-addressable directory tree and
// reports entries whose refcount has dropped to zero for collection.
type Store struct {
	paths             zpaths.Paths
	locks             *lock.Registry
	refs              RefCounter
	log               log.Logger
	verifier          *SignatureVerifier
	verifySignatures  bool
}

// New constructs a Store.
func New(paths zpaths.Paths, locks *lock.Registry, refs RefCounter, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{paths: paths, locks: locks, refs: refs, log: logger}
}

// WithSignatureVerification turns on detached-PGP-signature checking before
// a new blob is extracted into the store. A formula whose Attestation is
// nil is admitted without a signature check even when this is enabled; the
// flag only requires that a present attestation actually verify.
func (s *Store) WithSignatureVerification(v *SignatureVerifier) *Store {
	s.verifier = v
	s.verifySignatures = true
	return s
}

// Has reports whether a store entry already exists for sha256.
func (s *Store) Has(sha256hex string) bool {
	info, err := os.Stat(s.paths.StoreEntry(sha256hex))
	return err == nil && info.IsDir()
}

// Path returns the directory a store entry lives in once admitted.
func (s *Store) Path(sha256hex string) string {
	return s.paths.StoreEntry(sha256hex)
}

// Admit extracts the tarball at blobPath into the store under sha256hex if
// it is not already present, then increments its refcount. Admission is
// idempotent: calling it again for an already-admitted sha256 only bumps
// the refcount. att carries the bottle's publisher attestation, if the tap
// published one; it is nil for taps that don't sign bottles.
func (s *Store) Admit(ctx context.Context, sha256hex, blobPath string, att *Attestation) error {
	l, err := s.locks.Acquire(ctx, lock.StoreKey(sha256hex))
	if err != nil {
		return err
	}
	defer l.Release()

	if !s.Has(sha256hex) {
		if err := s.extractBlob(ctx, sha256hex, blobPath, att); err != nil {
			return err
		}
	} else {
		s.log.Debug("store entry already present", "sha256", sha256hex)
	}

	if err := s.refs.IncrementStoreRef(ctx, sha256hex); err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "store.Admit", sha256hex, err)
	}
	return nil
}

func (s *Store) extractBlob(ctx context.Context, sha256hex, blobPath string, att *Attestation) error {
	if err := verifyBlobHash(blobPath, sha256hex); err != nil {
		return err
	}

	if s.verifySignatures && s.verifier != nil && att != nil {
		if err := s.verifier.Verify(ctx, blobPath, *att); err != nil {
			return err
		}
		s.log.Info("store entry signature verified", "sha256", sha256hex, "key", att.KeyFingerprint)
	}

	tmpDir := s.paths.StoreTmp(sha256hex)
	os.RemoveAll(tmpDir)
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return zerrors.Wrap(zerrors.MaterializeError, "store.extractBlob", sha256hex, err)
	}

	f, err := os.Open(blobPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		return zerrors.Wrap(zerrors.MaterializeError, "store.extractBlob", sha256hex, err)
	}
	result, err := extractTarTo(f, tmpDir)
	f.Close()
	if err != nil {
		os.RemoveAll(tmpDir)
		return zerrors.Wrap(zerrors.MaterializeError, "store.extractBlob", sha256hex, err)
	}

	finalDir := s.paths.StoreEntry(sha256hex)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return zerrors.Wrap(zerrors.MaterializeError, "store.extractBlob", sha256hex, err)
	}

	s.log.Info("store entry admitted", "sha256", sha256hex, "files", result.FileCount, "bytes", result.TotalSize)
	return nil
}

func verifyBlobHash(blobPath, expected string) error {
	f, err := os.Open(blobPath)
	if err != nil {
		return zerrors.Wrap(zerrors.HashMismatch, "store.verifyBlobHash", expected, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return zerrors.Wrap(zerrors.HashMismatch, "store.verifyBlobHash", expected, err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != expected {
		return zerrors.Wrap(zerrors.HashMismatch, "store.verifyBlobHash", expected,
			fmt.Errorf("blob hash %s does not match expected %s", got, expected))
	}
	return nil
}

// Release decrements a store entry's refcount after a keg referencing it is
// removed. It does not delete the entry; GC does that separately, so a
// concurrent install racing an uninstall never observes a missing directory.
func (s *Store) Release(ctx context.Context, sha256hex string) error {
	_, err := s.refs.DecrementStoreRef(ctx, sha256hex)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "store.Release", sha256hex, err)
	}
	return nil
}

// GC removes every store entry whose refcount is zero, re-checking the
// count under the entry's lock immediately before deletion so a concurrent
// Admit racing the sweep can never lose its new reference.
func (s *Store) GC(ctx context.Context) ([]string, error) {
	candidates, err := s.refs.AllZeroRefStoreKeys(ctx)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "store.GC", "", err)
	}

	var removed []string
	for _, key := range candidates {
		deleted, err := s.gcOne(ctx, key)
		if err != nil {
			s.log.Warn("store gc skipped entry", "sha256", key, "error", err)
			continue
		}
		if deleted {
			removed = append(removed, key)
		}
	}
	return removed, nil
}

func (s *Store) gcOne(ctx context.Context, key string) (bool, error) {
	l, err := s.locks.Acquire(ctx, lock.StoreKey(key))
	if err != nil {
		return false, err
	}
	defer l.Release()

	count, ok, err := s.refs.StoreRefCount(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || count > 0 || !s.Has(key) {
		return false, nil
	}
	if err := os.RemoveAll(s.paths.StoreEntry(key)); err != nil {
		return false, err
	}
	return true, nil
}
