package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/librescoot/scooter-ota/pkg/updater"
)

// ErrNotFound is returned for unknown scooters and blobs.
var ErrNotFound = errors.New("not found")

// Catalog implements updater.Store.
type Catalog struct {
	db    *sql.DB
	blobs BlobSource
}

var _ updater.Store = (*Catalog)(nil)

func NewCatalog(db *sql.DB, blobs BlobSource) *Catalog {
	return &Catalog{db: db, blobs: blobs}
}

func (c *Catalog) LookupScooter(ctx context.Context, serial string) (updater.Scooter, error) {
	var s updater.Scooter
	err := c.db.QueryRowContext(ctx, `
		SELECT id, serial, name, model FROM scooters WHERE serial = ?
	`, serial).Scan(&s.ID, &s.Serial, &s.Name, &s.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return updater.Scooter{}, fmt.Errorf("scooter %s: %w", serial, ErrNotFound)
	}
	if err != nil {
		return updater.Scooter{}, fmt.Errorf("query scooter: %w", err)
	}
	return s, nil
}

// ListFirmware returns the firmware for hardwareVersion, newest first.
func (c *Catalog) ListFirmware(ctx context.Context, hardwareVersion string) ([]updater.Firmware, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, hardware_version, version, path, size, notes, created_at
		FROM firmware
		WHERE hardware_version = ?
		ORDER BY created_at DESC, rowid ASC
	`, hardwareVersion)
	if err != nil {
		return nil, fmt.Errorf("query firmware: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []updater.Firmware
	for rows.Next() {
		var (
			fw      updater.Firmware
			created int64
		)
		if err := rows.Scan(&fw.ID, &fw.HardwareVersion, &fw.Version, &fw.Path, &fw.Size, &fw.Notes, &created); err != nil {
			return nil, fmt.Errorf("scan firmware: %w", err)
		}
		fw.CreatedAt = unixMillisToTime(created)
		out = append(out, fw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate firmware: %w", err)
	}
	return out, nil
}

func (c *Catalog) Download(ctx context.Context, path string) ([]byte, error) {
	if c.blobs == nil {
		return nil, errors.New("no firmware blob source configured")
	}
	return c.blobs.Get(ctx, path)
}

func (c *Catalog) UpsertScooter(ctx context.Context, s updater.Scooter) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO scooters(id, serial, name, model)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serial = excluded.serial,
			name = excluded.name,
			model = excluded.model
	`, s.ID, s.Serial, s.Name, s.Model)
	if err != nil {
		return fmt.Errorf("upsert scooter: %w", err)
	}
	return nil
}

func (c *Catalog) UpsertFirmware(ctx context.Context, fw updater.Firmware) error {
	created := fw.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO firmware(id, hardware_version, version, path, size, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hardware_version = excluded.hardware_version,
			version = excluded.version,
			path = excluded.path,
			size = excluded.size,
			notes = excluded.notes,
			created_at = excluded.created_at
	`, fw.ID, fw.HardwareVersion, fw.Version, fw.Path, fw.Size, fw.Notes, timeToUnixMillis(created))
	if err != nil {
		return fmt.Errorf("upsert firmware: %w", err)
	}
	return nil
}

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}
