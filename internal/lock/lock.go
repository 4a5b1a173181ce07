// Package lock provides per-key advisory file locks with single-writer
// semantics. Locks are crash-safe: releasing is an OS-level fd-close unlock,
// so a killed process never leaves the lock held.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Metadata identifies the holder of a lock, written into the lock file for
// debugging and for TryCleanupStale to recognize orphans.
type Metadata struct {
	Key        string    `json:"key"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held advisory lock. Release is idempotent.
type Lock struct {
	registry *Registry
	file     *os.File
	path     string
	key      string
}

// Registry tracks locks currently held by this process, keyed by lock name
// (e.g. "store:<sha256>", "link:prefix", "db:write"). It exists so a single
// process never deadlocks against its own re-entrant lock attempt and so
// callers can introspect what is currently held.
type Registry struct {
	dir string
	mu  sync.Mutex
	// held maps lock key to the *Lock currently owned by this process.
	held map[string]*Lock
}

// New creates a Registry rooted at dir, creating the directory if needed.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "lock.New", dir, err)
	}
	return &Registry{dir: dir, held: make(map[string]*Lock)}, nil
}

// Acquire blocks until the named lock is available or ctx is done. A zero
// deadline on ctx means wait forever; a context with a deadline surfaces
// zerrors.LockTimeout when it expires before the lock is obtained.
func (r *Registry) Acquire(ctx context.Context, key string) (*Lock, error) {
	r.mu.Lock()
	if existing, ok := r.held[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	path := r.lockPath(key)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "lock.Acquire", key, err)
	}

	if err := r.flockWithContext(ctx, file, key); err != nil {
		file.Close()
		return nil, err
	}

	meta := Metadata{Key: key, PID: os.Getpid(), AcquiredAt: time.Now()}
	if err := writeMetadata(file, meta); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, zerrors.Wrap(zerrors.DatabaseError, "lock.Acquire", key, err)
	}

	l := &Lock{registry: r, file: file, path: path, key: key}
	r.mu.Lock()
	r.held[key] = l
	r.mu.Unlock()
	return l, nil
}

// flockWithContext polls LOCK_EX|LOCK_NB so acquisition remains cancellable;
// blind blocking LOCK_EX cannot be interrupted by a context deadline.
func (r *Registry) flockWithContext(ctx context.Context, file *os.File, key string) error {
	const pollInterval = 25 * time.Millisecond
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != syscall.EWOULDBLOCK {
			return zerrors.Wrap(zerrors.DatabaseError, "lock.Acquire", key, err)
		}
		select {
		case <-ctx.Done():
			return zerrors.Wrap(zerrors.LockTimeout, "lock.Acquire", key, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func writeMetadata(file *os.File, meta Metadata) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	return enc.Encode(meta)
}

// Release unlocks and closes the underlying file descriptor. The OS releases
// the advisory lock on close even if this call is skipped due to a crash.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	l.registry.mu.Lock()
	delete(l.registry.held, l.key)
	l.registry.mu.Unlock()

	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "lock.Release", l.key, err)
	}
	if closeErr != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "lock.Release", l.key, closeErr)
	}
	return nil
}

func (r *Registry) lockPath(key string) string {
	return filepath.Join(r.dir, sanitizeKey(key)+".lock")
}

// sanitizeKey replaces path separators in lock keys like "store:<sha256>"
// so they remain single filesystem entries.
func sanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' || c == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// TryCleanupStale removes lock files whose recorded PID is no longer running.
// It re-acquires each candidate non-blocking before deleting it, so a lock
// that is genuinely held (by a process with a reused PID) is left alone.
func (r *Registry) TryCleanupStale() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, zerrors.Wrap(zerrors.DatabaseError, "lock.TryCleanupStale", r.dir, err)
	}

	var cleaned []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lock" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		meta, err := readMetadata(path)
		if err != nil || isProcessRunning(meta.PID) {
			continue
		}

		file, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			continue
		}
		if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
			file.Close()
			continue
		}
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		if err := os.Remove(path); err == nil {
			cleaned = append(cleaned, meta.Key)
		}
	}
	return cleaned, nil
}

func readMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// StoreKey builds the canonical name for a store-entry lock.
func StoreKey(sha256 string) string { return fmt.Sprintf("store:%s", sha256) }

// LinkKey is the single lock guarding all prefix symlink mutations.
const LinkKey = "link:prefix"

// DBWriteKey is the single lock guarding database write transactions.
const DBWriteKey = "db:write"
