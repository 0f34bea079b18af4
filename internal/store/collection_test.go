package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLicense(key string, d license.Duration, created time.Time) license.License {
	return license.New(key, d, "admin-1", "", created)
}

func openMemory(t *testing.T, initial ...license.License) (*Collection, *MemorySnapshotter) {
	t.Helper()
	snap := NewMemorySnapshotter(initial...)
	c, err := Open(context.Background(), snap, nil)
	require.NoError(t, err)
	return c, snap
}

func TestCollection_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	c, snap := openMemory(t)

	l := newLicense("AAAA-BBBB-CCCC-DDDD", license.Day, t0)
	require.NoError(t, c.Create(ctx, l))

	got, err := c.Find(ctx, l.Key)
	require.NoError(t, err)
	assert.Equal(t, l, got)
	assert.Len(t, snap.Saved(), 1)

	err = c.Create(ctx, l)
	assert.ErrorIs(t, err, licenseErrors.ErrDuplicateKey)

	_, err = c.Find(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)
}

func TestCollection_SaveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	existing := newLicense("AAAA-BBBB-CCCC-DDDD", license.Week, t0)
	c, snap := openMemory(t, existing)

	snap.SetFailing(true)

	tests := []struct {
		name string
		op   func() error
	}{
		{"create", func() error { return c.Create(ctx, newLicense("NEW0-NEW0-NEW0-NEW0", license.Day, t0)) }},
		{"update", func() error { return c.Update(ctx, existing.Activate("user-1", t0)) }},
		{"delete", func() error { _, err := c.Delete(ctx, existing.Key); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			assert.ErrorIs(t, err, licenseErrors.ErrStorageUnavailable)

			all, _ := c.List(ctx)
			require.Len(t, all, 1)
			assert.Equal(t, existing, all[0])
		})
	}
}

func TestCollection_SweepRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	active := newLicense("AAAA-BBBB-CCCC-DDDD", license.Day, t0).Activate("user-1", t0)
	c, snap := openMemory(t, active)

	snap.SetFailing(true)
	_, err := c.SweepExpired(ctx, t0.Add(48*time.Hour))
	assert.ErrorIs(t, err, licenseErrors.ErrStorageUnavailable)

	got, err := c.Find(ctx, active.Key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, got.Status)
}

func TestCollection_SweepExpired(t *testing.T) {
	ctx := context.Background()
	a := newLicense("AAAA-AAAA-AAAA-AAAA", license.Day, t0).Activate("user-1", t0)
	b := newLicense("BBBB-BBBB-BBBB-BBBB", license.Week, t0).Activate("user-2", t0)
	u := newLicense("CCCC-CCCC-CCCC-CCCC", license.Day, t0)
	c, snap := openMemory(t, a, b, u)

	flipped, err := c.SweepExpired(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, a.Key, flipped[0].Key)
	assert.Equal(t, license.StatusExpired, flipped[0].Status)

	saved := snap.Saved()
	require.Len(t, saved, 3)
	assert.Equal(t, license.StatusExpired, saved[0].Status)

	flipped, err = c.SweepExpired(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, flipped)
}

func TestCollection_FindActiveByIdentity(t *testing.T) {
	ctx := context.Background()
	old := newLicense("AAAA-AAAA-AAAA-AAAA", license.Day, t0).Activate("user-1", t0)
	cur := newLicense("BBBB-BBBB-BBBB-BBBB", license.Month, t0).Activate("user-1", t0.Add(time.Hour))
	other := newLicense("CCCC-CCCC-CCCC-CCCC", license.Week, t0).Activate("user-2", t0)
	c, _ := openMemory(t, old, cur, other)

	got, err := c.FindActiveByIdentity(ctx, "user-1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, cur.Key, got.Key)

	_, err = c.FindActiveByIdentity(ctx, "user-3", t0)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)

	_, err = c.FindActiveByIdentity(ctx, "user-2", t0.Add(8*24*time.Hour))
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)

	swept, err := c.Find(ctx, other.Key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, swept.Status)
}

func TestCollection_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	l := newLicense("AAAA-BBBB-CCCC-DDDD", license.Day, t0)
	c, _ := openMemory(t, l)

	err := c.Update(ctx, newLicense("ZZZZ-ZZZZ-ZZZZ-ZZZZ", license.Day, t0))
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)

	activated := l.Activate("user-1", t0)
	require.NoError(t, c.Update(ctx, activated))
	got, _ := c.Find(ctx, l.Key)
	assert.Equal(t, "user-1", got.Identity)

	ok, err := c.Delete(ctx, l.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Delete(ctx, l.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollection_ListOrder(t *testing.T) {
	ctx := context.Background()
	c, _ := openMemory(t,
		newLicense("CCCC-CCCC-CCCC-CCCC", license.Day, t0.Add(2*time.Minute)),
		newLicense("AAAA-AAAA-AAAA-AAAA", license.Day, t0),
		newLicense("BBBB-BBBB-BBBB-BBBB", license.Day, t0.Add(time.Minute)),
	)

	all, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "AAAA-AAAA-AAAA-AAAA", all[0].Key)
	assert.Equal(t, "CCCC-CCCC-CCCC-CCCC", all[2].Key)
}

func TestOpen_LoadFailure(t *testing.T) {
	snap := NewMemorySnapshotter()
	snap.SetFailing(true)

	_, err := Open(context.Background(), snap, nil)
	assert.ErrorIs(t, err, licenseErrors.ErrStorageUnavailable)
}

func TestFileSnapshotter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "licenses.json")
	snap := NewFileSnapshotter(path)

	loaded, err := snap.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	c, err := Open(ctx, snap, nil)
	require.NoError(t, err)

	l := newLicense("AAAA-BBBB-CCCC-DDDD", license.Week, t0).Activate("user-42", t0)
	require.NoError(t, c.Create(ctx, l))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened, err := Open(ctx, NewFileSnapshotter(path), nil)
	require.NoError(t, err)
	got, err := reopened.Find(ctx, l.Key)
	require.NoError(t, err)
	assert.Equal(t, l.Identity, got.Identity)
	assert.True(t, l.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, license.StatusActive, got.Status)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileSnapshotter_LegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.json")
	legacy := `{"licenses":[
		{"key":"ABCD-1234-EFGH-5678","duration":"1tag","durationMs":86400000,"createdAt":1740830400000,
		 "createdBy":"111","discordId":"222","activatedAt":null,"expiresAt":null,"status":"unused"},
		{"key":"WXYZ-1234-EFGH-5678","duration":"1monat","durationMs":2592000000,"createdAt":1740830400000,
		 "createdBy":"111","discordId":"333","activatedAt":1740830500000,"expiresAt":1743422500000,"status":"active"}
	]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	c, err := Open(context.Background(), NewFileSnapshotter(path), nil)
	require.NoError(t, err)

	unused, err := c.Find(context.Background(), "ABCD-1234-EFGH-5678")
	require.NoError(t, err)
	assert.Empty(t, unused.Identity)
	assert.Equal(t, "222", unused.IssuedFor)

	active, err := c.Find(context.Background(), "WXYZ-1234-EFGH-5678")
	require.NoError(t, err)
	assert.Equal(t, "333", active.Identity)
	assert.Equal(t, int64(1743422500000), active.ExpiresAt.UnixMilli())
}

func TestFileSnapshotter_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Open(context.Background(), NewFileSnapshotter(path), nil)
	assert.ErrorIs(t, err, licenseErrors.ErrStorageUnavailable)
}

func TestPostgresSnapshotter(t *testing.T) {
	dsn := os.Getenv("LICENSED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LICENSED_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pg, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.Migrate(ctx))
	require.NoError(t, pg.Save(ctx, nil))

	a := newLicense("AAAA-AAAA-AAAA-AAAA", license.Day, t0)
	b := newLicense("BBBB-BBBB-BBBB-BBBB", license.Week, t0.Add(time.Minute)).Activate("user-1", t0.Add(time.Hour))
	require.NoError(t, pg.Save(ctx, []license.License{a, b}))

	loaded, err := pg.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "user-1", loaded[1].Identity)
	assert.True(t, b.ExpiresAt.Equal(loaded[1].ExpiresAt))

	require.NoError(t, pg.Save(ctx, []license.License{b}))
	loaded, err = pg.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, b.Key, loaded[0].Key)

	c := newLicense("CCCC-CCCC-CCCC-CCCC", license.Day, t0)
	require.NoError(t, pg.Insert(ctx, c))
	assert.ErrorIs(t, pg.Insert(ctx, c), licenseErrors.ErrDuplicateKey)

	activated := c.Activate("user-2", t0)
	require.NoError(t, pg.Replace(ctx, c, activated))
	assert.ErrorIs(t, pg.Replace(ctx, c, c.Activate("user-3", t0)), ErrStaleRecord)

	got, err := pg.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Equal(t, "user-2", got.Identity)

	removed, err := pg.Remove(ctx, c.Key)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = pg.Get(ctx, c.Key)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)
}

func TestCollection_SharedRecords(t *testing.T) {
	ctx := context.Background()
	records := NewMemoryRecords()

	a, err := Open(ctx, records, nil)
	require.NoError(t, err)
	b, err := Open(ctx, records, nil)
	require.NoError(t, err)
	assert.True(t, a.Shared())

	l := newLicense("AAAA-BBBB-CCCC-DDDD", license.Day, t0)
	require.NoError(t, a.Create(ctx, l))
	assert.ErrorIs(t, b.Create(ctx, l), licenseErrors.ErrDuplicateKey)

	seen, err := b.Find(ctx, l.Key)
	require.NoError(t, err, "a key created on one instance is visible on the other")
	assert.Equal(t, license.StatusUnused, seen.Status)

	require.NoError(t, a.Update(ctx, l.Activate("user-A", t0)))

	// b still caches the unused row and must not overwrite the binding.
	err = b.Update(ctx, l.Activate("user-B", t0.Add(time.Second)))
	assert.ErrorIs(t, err, licenseErrors.ErrStorageUnavailable)
	assert.ErrorIs(t, err, ErrStaleRecord)

	stored, err := records.Get(ctx, l.Key)
	require.NoError(t, err)
	assert.Equal(t, "user-A", stored.Identity)

	all, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "user-A", all[0].Identity)
}

func TestCollection_SharedSweep(t *testing.T) {
	ctx := context.Background()
	active := newLicense("AAAA-BBBB-CCCC-DDDD", license.Day, t0).Activate("user-1", t0)
	records := NewMemoryRecords(active)

	a, err := Open(ctx, records, nil)
	require.NoError(t, err)
	b, err := Open(ctx, records, nil)
	require.NoError(t, err)

	later := t0.Add(license.Day.Length())
	flipped, err := a.SweepExpired(ctx, later)
	require.NoError(t, err)
	assert.Len(t, flipped, 1)

	// b still caches the row as active; the flip a already made counts as
	// written.
	expired := active
	expired.Status = license.StatusExpired
	assert.NoError(t, b.Update(ctx, expired))

	flipped, err = b.SweepExpired(ctx, later)
	require.NoError(t, err)
	assert.Empty(t, flipped, "already flipped by the other instance")

	_, err = b.FindActiveByIdentity(ctx, "user-1", later)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)

	ok, err := b.Delete(ctx, active.Key)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = a.Find(ctx, active.Key)
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)
}

