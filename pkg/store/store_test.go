package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/scooter-ota/pkg/updater"
)

func openTest(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenMigrates(t *testing.T) {
	db := openTest(t)
	var version int
	require.NoError(t, db.QueryRow(`PRAGMA user_version;`).Scan(&version))
	assert.Equal(t, len(migrations), version)

	// reopening an up-to-date database is a no-op
	require.NoError(t, migrate(context.Background(), db))
}

func TestOpenUpgradesFromFirstVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(migrations[0])
	require.NoError(t, err)
	_, err = raw.Exec(`PRAGMA user_version = 1;`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO firmware(id, hardware_version, version, path, created_at) VALUES ('f', 'V2.92', 'V1.00', 'a.bin', 1)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	db, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	list, err := NewCatalog(db, nil).ListFirmware(ctx, "V2.92")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Zero(t, list[0].Size)
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewCatalog(openTest(t), nil)

	require.NoError(t, c.UpsertScooter(ctx, updater.Scooter{ID: "sc-1", Serial: "SN1", Name: "first"}))
	sc, err := c.LookupScooter(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, "first", sc.Name)

	_, err = c.LookupScooter(ctx, "SN2")
	assert.ErrorIs(t, err, ErrNotFound)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, fw := range []updater.Firmware{
		{ID: "a", HardwareVersion: "V2.92", Version: "V1.00", Path: "a.bin", CreatedAt: t0},
		{ID: "b", HardwareVersion: "V2.92", Version: "V1.02", Path: "b.bin", CreatedAt: t0.Add(48 * time.Hour)},
		{ID: "c", HardwareVersion: "V2.92", Version: "V1.01", Path: "c.bin", CreatedAt: t0.Add(24 * time.Hour), Size: 300},
		{ID: "d", HardwareVersion: "V3.00", Version: "V2.00", Path: "d.bin", CreatedAt: t0},
	} {
		require.NoError(t, c.UpsertFirmware(ctx, fw))
	}

	list, err := c.ListFirmware(ctx, "V2.92")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, int64(300), list[1].Size)
	assert.True(t, t0.Equal(list[2].CreatedAt))

	none, err := c.ListFirmware(ctx, "V9.99")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw.bin"), []byte{1, 2, 3}, 0o600))
	src := NewDirSource(dir)

	data, err := src.Get(context.Background(), "fw.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = src.Get(context.Background(), "missing.bin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = src.Get(context.Background(), "../outside.bin")
	assert.Error(t, err)
}

func TestCatalogDownloadUsesBlobSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw.bin"), []byte("image"), 0o600))

	c := NewCatalog(openTest(t), NewDirSource(dir))
	data, err := c.Download(context.Background(), "fw.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("image"), data)

	_, err = NewCatalog(openTest(t), nil).Download(context.Background(), "fw.bin")
	assert.Error(t, err)
}

func TestS3OptionsValidate(t *testing.T) {
	o := NewS3Options()
	assert.Empty(t, o.Validate())
	o.Endpoint = "minio:9000"
	assert.Len(t, o.Validate(), 1)
	o.AccessKeyID, o.SecretAccessKey = "id", "secret"
	assert.Empty(t, o.Validate())

	src, err := NewS3Source(o)
	require.NoError(t, err)
	assert.Equal(t, "firmware", src.bucket)
}
