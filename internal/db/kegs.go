package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/zerobrew/zerobrew/internal/zerrors"
)

// Keg is a row of installed_kegs.
type Keg struct {
	Name        string
	Version     string
	StoreKey    string
	InstalledAt time.Time
	Explicit    bool
	Pinned      bool
	Options     string // raw JSON, opaque to the database layer
}

// LinkRecord is a row of keg_files: one symlink the linker created for a keg.
type LinkRecord struct {
	Name       string
	Version    string
	LinkPath   string
	TargetPath string
}

// InsertKeg records or updates a keg's installed_kegs row only; it does not
// touch store_refs. The engine's install path always goes through
// InsertLinksAndKeg instead, which records the keg's link files in the same
// transaction; this entry point exists for callers (tests, a bare
// `link`-less keg seed) that have no link records to record alongside it.
func (d *DB) InsertKeg(ctx context.Context, k Keg) error {
	return d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO installed_kegs (name, version, store_key, installed_at, explicit, pinned, options)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				version = excluded.version,
				store_key = excluded.store_key,
				installed_at = excluded.installed_at,
				explicit = excluded.explicit,
				options = excluded.options`,
			k.Name, k.Version, k.StoreKey, k.InstalledAt.Format(time.RFC3339), boolToInt(k.Explicit), boolToInt(k.Pinned), k.Options,
		); err != nil {
			return zerrors.Wrap(zerrors.DatabaseError, "db.InsertKeg", k.Name, err)
		}
		return nil
	})
}

// RemoveKeg deletes a keg's row and all of its keg_files rows in one
// transaction. It does not touch store_refs; callers release the store
// reference separately once they know the cellar directory is gone.
func (d *DB) RemoveKeg(ctx context.Context, name string) error {
	return d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM keg_files WHERE name = ?`, name); err != nil {
			return zerrors.Wrap(zerrors.DatabaseError, "db.RemoveKeg", name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM installed_kegs WHERE name = ?`, name); err != nil {
			return zerrors.Wrap(zerrors.DatabaseError, "db.RemoveKeg", name, err)
		}
		return nil
	})
}

// GetKeg returns the installed_kegs row for name, or (Keg{}, false, nil) if absent.
func (d *DB) GetKeg(ctx context.Context, name string) (Keg, bool, error) {
	var k Keg
	var installedAt string
	var explicit, pinned int
	err := d.conn.QueryRowContext(ctx, `
		SELECT name, version, store_key, installed_at, explicit, pinned, options
		FROM installed_kegs WHERE name = ?`, name).
		Scan(&k.Name, &k.Version, &k.StoreKey, &installedAt, &explicit, &pinned, &k.Options)
	if err == sql.ErrNoRows {
		return Keg{}, false, nil
	}
	if err != nil {
		return Keg{}, false, zerrors.Wrap(zerrors.DatabaseError, "db.GetKeg", name, err)
	}
	k.Explicit = explicit != 0
	k.Pinned = pinned != 0
	k.InstalledAt, _ = time.Parse(time.RFC3339, installedAt)
	return k, true, nil
}

// ListKegs returns every installed keg.
func (d *DB) ListKegs(ctx context.Context) ([]Keg, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT name, version, store_key, installed_at, explicit, pinned, options FROM installed_kegs ORDER BY name`)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "db.ListKegs", "", err)
	}
	defer rows.Close()

	var kegs []Keg
	for rows.Next() {
		var k Keg
		var installedAt string
		var explicit, pinned int
		if err := rows.Scan(&k.Name, &k.Version, &k.StoreKey, &installedAt, &explicit, &pinned, &k.Options); err != nil {
			return nil, zerrors.Wrap(zerrors.DatabaseError, "db.ListKegs", "", err)
		}
		k.Explicit = explicit != 0
		k.Pinned = pinned != 0
		k.InstalledAt, _ = time.Parse(time.RFC3339, installedAt)
		kegs = append(kegs, k)
	}
	return kegs, rows.Err()
}

// SetPinned sets the pinned flag for an installed keg.
func (d *DB) SetPinned(ctx context.Context, name string, pinned bool) error {
	res, err := d.conn.ExecContext(ctx, `UPDATE installed_kegs SET pinned = ? WHERE name = ?`, boolToInt(pinned), name)
	if err != nil {
		return zerrors.Wrap(zerrors.DatabaseError, "db.SetPinned", name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return zerrors.New(zerrors.NotFound, "db.SetPinned", name)
	}
	return nil
}

// InsertLinksAndKeg records a keg and its link records atomically: spec.md
// §4.9 requires link/unlink mutations to share a transaction with keg
// creation/removal.
func (d *DB) InsertLinksAndKeg(ctx context.Context, k Keg, links []LinkRecord) error {
	return d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO installed_kegs (name, version, store_key, installed_at, explicit, pinned, options)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				version = excluded.version,
				store_key = excluded.store_key,
				installed_at = excluded.installed_at,
				explicit = excluded.explicit,
				options = excluded.options`,
			k.Name, k.Version, k.StoreKey, k.InstalledAt.Format(time.RFC3339), boolToInt(k.Explicit), boolToInt(k.Pinned), k.Options,
		); err != nil {
			return zerrors.Wrap(zerrors.DatabaseError, "db.InsertLinksAndKeg", k.Name, err)
		}
		for _, l := range links {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO keg_files (name, version, link_path, target_path) VALUES (?, ?, ?, ?)
				ON CONFLICT(name, version, link_path) DO UPDATE SET target_path = excluded.target_path`,
				l.Name, l.Version, l.LinkPath, l.TargetPath,
			); err != nil {
				return zerrors.Wrap(zerrors.DatabaseError, "db.InsertLinksAndKeg", l.LinkPath, err)
			}
		}
		return nil
	})
}

// RemoveLinks deletes every keg_files row for (name, version) in one
// transaction, used by Unlink to reverse a prior Link without touching
// cellar content.
func (d *DB) RemoveLinks(ctx context.Context, name, version string) ([]LinkRecord, error) {
	var removed []LinkRecord
	err := d.WithWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT name, version, link_path, target_path FROM keg_files WHERE name = ? AND version = ?`, name, version)
		if err != nil {
			return zerrors.Wrap(zerrors.DatabaseError, "db.RemoveLinks", name, err)
		}
		for rows.Next() {
			var l LinkRecord
			if err := rows.Scan(&l.Name, &l.Version, &l.LinkPath, &l.TargetPath); err != nil {
				rows.Close()
				return zerrors.Wrap(zerrors.DatabaseError, "db.RemoveLinks", name, err)
			}
			removed = append(removed, l)
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM keg_files WHERE name = ? AND version = ?`, name, version); err != nil {
			return zerrors.Wrap(zerrors.DatabaseError, "db.RemoveLinks", name, err)
		}
		return nil
	})
	return removed, err
}

// LinksForKeg returns the recorded link files for (name, version).
func (d *DB) LinksForKeg(ctx context.Context, name, version string) ([]LinkRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT name, version, link_path, target_path FROM keg_files WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return nil, zerrors.Wrap(zerrors.DatabaseError, "db.LinksForKeg", name, err)
	}
	defer rows.Close()

	var links []LinkRecord
	for rows.Next() {
		var l LinkRecord
		if err := rows.Scan(&l.Name, &l.Version, &l.LinkPath, &l.TargetPath); err != nil {
			return nil, zerrors.Wrap(zerrors.DatabaseError, "db.LinksForKeg", name, err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
