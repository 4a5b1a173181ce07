// Package db is the Database component: the single source of truth for
// installed-keg state, store refcounts, linked files, pins, and taps. The
// filesystem under the store and cellar directories is authoritative for
// content; this package is authoritative for what the engine believes is
// installed.
package db

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS installed_kegs (
	name        TEXT PRIMARY KEY,
	version     TEXT NOT NULL,
	store_key   TEXT NOT NULL,
	installed_at TEXT NOT NULL,
	explicit    INTEGER NOT NULL DEFAULT 0,
	pinned      INTEGER NOT NULL DEFAULT 0,
	options     TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS store_refs (
	store_key  TEXT PRIMARY KEY,
	ref_count  INTEGER NOT NULL DEFAULT 0 CHECK (ref_count >= 0)
);

CREATE TABLE IF NOT EXISTS keg_files (
	name        TEXT NOT NULL,
	version     TEXT NOT NULL,
	link_path   TEXT NOT NULL,
	target_path TEXT NOT NULL,
	PRIMARY KEY (name, version, link_path)
);

CREATE TABLE IF NOT EXISTS taps (
	name       TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS services (
	name       TEXT PRIMARY KEY,
	formula    TEXT NOT NULL,
	status     TEXT NOT NULL,
	pid        INTEGER,
	started_at TEXT
);
`

// DB wraps the sqlite connection and the engine's prepared statements.
type DB struct {
	conn *sql.DB

	stmtIncrementRef *sql.Stmt
	stmtDecrementRef *sql.Stmt
	stmtGetRefCount  *sql.Stmt
	stmtZeroRefKeys  *sql.Stmt
	stmtResolveTap   *sql.Stmt
}

// Open opens (creating if needed) the sqlite database at path, applies the
// required pragmas, creates the schema, and prepares statements used on
// every hot-path call.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "db.Open", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoids lock contention noise

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, zerrors.Wrap(zerrors.DatabaseError, "db.Open", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, zerrors.Wrap(zerrors.DatabaseError, "db.Open", "schema", err)
	}

	d := &DB{conn: conn}
	if err := d.prepare(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) prepare() error {
	var err error
	d.stmtIncrementRef, err = d.conn.Prepare(`
		INSERT INTO store_refs (store_key, ref_count) VALUES (?, 1)
		ON CONFLICT(store_key) DO UPDATE SET ref_count = ref_count + 1`)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.prepare", "incrementRef", err)
	}
	d.stmtDecrementRef, err = d.conn.Prepare(`
		UPDATE store_refs SET ref_count = ref_count - 1
		WHERE store_key = ? AND ref_count > 0`)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.prepare", "decrementRef", err)
	}
	d.stmtGetRefCount, err = d.conn.Prepare(`SELECT ref_count FROM store_refs WHERE store_key = ?`)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.prepare", "getRefCount", err)
	}
	d.stmtZeroRefKeys, err = d.conn.Prepare(`SELECT store_key FROM store_refs WHERE ref_count = 0`)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.prepare", "zeroRefKeys", err)
	}
	d.stmtResolveTap, err = d.conn.Prepare(`SELECT url FROM taps WHERE name = ?`)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.prepare", "resolveTap", err)
	}
	return nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// IncrementStoreRef increments (or creates at 1) the refcount for key.
func (d *DB) IncrementStoreRef(ctx context.Context, key string) error {
	_, err := d.stmtIncrementRef.ExecContext(ctx, key)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.IncrementStoreRef", key, err)
	}
	return nil
}

// DecrementStoreRef decrements the refcount for key, never below zero, and
// returns the resulting count.
func (d *DB) DecrementStoreRef(ctx context.Context, key string) (int, error) {
	if _, err := d.stmtDecrementRef.ExecContext(ctx, key); err != nil {
		return 0, zerrors.Wrap(zerrors.DatabaseError, "db.DecrementStoreRef", key, err)
	}
	count, _, err := d.StoreRefCount(ctx, key)
	return count, err
}

// StoreRefCount returns the current refcount for key, and whether a row exists.
func (d *DB) StoreRefCount(ctx context.Context, key string) (int, bool, error) {
	var count int
	err := d.stmtGetRefCount.QueryRowContext(ctx, key).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, zerrors.Wrap(zerrors.DatabaseError, "db.StoreRefCount", key, err)
	}
	return count, true, nil
}

// AllZeroRefStoreKeys returns every store key with a zero refcount, GC candidates.
func (d *DB) AllZeroRefStoreKeys(ctx context.Context) ([]string, error) {
	rows, err := d.stmtZeroRefKeys.QueryContext(ctx)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "db.AllZeroRefStoreKeys", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, zerrors.Wrap(zerrors.DatabaseError, "db.AllZeroRefStoreKeys", "", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ResolveTapURL implements catalog.TapResolver.
func (d *DB) ResolveTapURL(ctx context.Context, tapName string) (string, error) {
	var url string
	err := d.stmtResolveTap.QueryRowContext(ctx, tapName).Scan(&url)
	if err == sql.ErrNoRows {
		return "", zerrors.New(zerrors.NotFound, "db.ResolveTapURL", tapName)
	}
	if err != nil {
		return "", zerrors.Wrap(zerrors.DatabaseError, "db.ResolveTapURL", tapName, err)
	}
	return url, nil
}

// UpsertTap records or updates a tap's formula-index URL.
func (d *DB) UpsertTap(ctx context.Context, name, url string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO taps (name, url, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`,
		name, url, time.Now().Format(time.RFC3339))
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.UpsertTap", name, err)
	}
	return nil
}

// Conn exposes the raw connection for components (keg, linker) that need to
// join transactions spanning multiple tables.
func (d *DB) Conn() *sql.DB { return d.conn }

// WithWriteTx runs fn inside a single transaction, committing on success and
// rolling back on any error or panic. Every spec.md operation that mutates
// more than one table (keg install, link, unlink) goes through this so
// a crash mid-operation never leaves the database half-updated.
func (d *DB) WithWriteTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.WithWriteTx", "", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.WithWriteTx", "", err)
	}
	return nil
}
