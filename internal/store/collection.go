package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

// Snapshotter persists the whole license collection.
type Snapshotter interface {
	Load(ctx context.Context) ([]license.License, error)
	Save(ctx context.Context, licenses []license.License) error
	Ping(ctx context.Context) error
	Close() error
}

// Collection is the in-memory license map backed by a Snapshotter. Every
// mutation writes the full collection; a failed write is rolled back.
//
// When the backend is a RecordStore the map is only a cache: reads refresh
// from the backend and each mutation is a conditional single-row write.
type Collection struct {
	mu      sync.RWMutex
	items   map[string]license.License
	snap    Snapshotter
	records RecordStore
	logger  *slog.Logger
}

// Open loads the collection from snap.
func Open(ctx context.Context, snap Snapshotter, logger *slog.Logger) (*Collection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loaded, err := snap.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: loading licenses: %v", licenseErrors.ErrStorageUnavailable, err)
	}

	c := &Collection{
		items:  make(map[string]license.License, len(loaded)),
		snap:   snap,
		logger: logger.With(slog.String("component", "license_store")),
	}
	c.records, _ = snap.(RecordStore)
	for _, l := range loaded {
		if _, dup := c.items[l.Key]; dup {
			c.logger.WarnContext(ctx, "duplicate key in snapshot, keeping first", slog.String("key", l.Key))
			continue
		}
		c.items[l.Key] = l
	}

	c.logger.InfoContext(ctx, "license store opened",
		slog.Int("licenses", len(c.items)),
		slog.Bool("shared", c.Shared()))
	return c, nil
}

// Shared reports whether the backend supports several instances.
func (c *Collection) Shared() bool {
	return c.records != nil
}

// Create adds a new license.
func (c *Collection) Create(ctx context.Context, l license.License) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.records != nil {
		if err := c.records.Insert(ctx, l); err != nil {
			return c.backendErr(ctx, "insert", err)
		}
		c.items[l.Key] = l
		return nil
	}

	if _, ok := c.items[l.Key]; ok {
		return licenseErrors.ErrDuplicateKey
	}
	c.items[l.Key] = l
	return c.commit(ctx, func() { delete(c.items, l.Key) })
}

// Find returns the stored record for key without re-deriving its status.
func (c *Collection) Find(ctx context.Context, key string) (license.License, error) {
	if c.records != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.fetch(ctx, key)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	l, ok := c.items[key]
	if !ok {
		return license.License{}, licenseErrors.ErrLicenseNotFound
	}
	return l, nil
}

// FindActiveByIdentity sweeps and returns the active license bound to identity.
// When several match, the one expiring last wins.
func (c *Collection) FindActiveByIdentity(ctx context.Context, identity string, now time.Time) (license.License, error) {
	if _, err := c.SweepExpired(ctx, now); err != nil {
		return license.License{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		found license.License
		ok    bool
	)
	for _, l := range c.items {
		if l.Identity != identity || l.Status != license.StatusActive || l.ExpiredAt(now) {
			continue
		}
		if !ok || l.ExpiresAt.After(found.ExpiresAt) {
			found, ok = l, true
		}
	}
	if !ok {
		return license.License{}, licenseErrors.ErrLicenseNotFound
	}
	return found, nil
}

// Update replaces an existing record.
func (c *Collection) Update(ctx context.Context, l license.License) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.items[l.Key]
	if c.records != nil {
		if !ok {
			var err error
			if prev, err = c.fetch(ctx, l.Key); err != nil {
				return err
			}
		}
		return c.replace(ctx, prev, l)
	}

	if !ok {
		return licenseErrors.ErrLicenseNotFound
	}
	c.items[l.Key] = l
	return c.commit(ctx, func() { c.items[l.Key] = prev })
}

// SweepExpired flips every active license whose expiry has passed.
func (c *Collection) SweepExpired(ctx context.Context, now time.Time) ([]license.License, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.records != nil {
		return c.sweepRecords(ctx, now)
	}

	var flipped []license.License
	for key, l := range c.items {
		if l.Sweep(now) {
			c.items[key] = l
			flipped = append(flipped, l)
		}
	}
	if len(flipped) == 0 {
		return nil, nil
	}

	err := c.commit(ctx, func() {
		for _, l := range flipped {
			l.Status = license.StatusActive
			c.items[l.Key] = l
		}
	})
	if err != nil {
		return nil, err
	}
	return flipped, nil
}

// Delete removes key and reports whether it existed.
func (c *Collection) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.records != nil {
		ok, err := c.records.Remove(ctx, key)
		if err != nil {
			return false, c.backendErr(ctx, "remove", err)
		}
		delete(c.items, key)
		return ok, nil
	}

	prev, ok := c.items[key]
	if !ok {
		return false, nil
	}
	delete(c.items, key)
	if err := c.commit(ctx, func() { c.items[key] = prev }); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every license ordered by creation time.
func (c *Collection) List(ctx context.Context) ([]license.License, error) {
	if c.records != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.refresh(ctx); err != nil {
			return nil, err
		}
		return c.sorted(), nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sorted(), nil
}

// Ping checks the snapshot backend.
func (c *Collection) Ping(ctx context.Context) error {
	if err := c.snap.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", licenseErrors.ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases the snapshot backend.
func (c *Collection) Close() error {
	return c.snap.Close()
}

// commit saves the collection; on failure undo restores the previous
// in-memory state. Callers hold c.mu.
func (c *Collection) commit(ctx context.Context, undo func()) error {
	if err := c.snap.Save(ctx, c.sorted()); err != nil {
		undo()
		c.logger.ErrorContext(ctx, "failed to persist licenses", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", licenseErrors.ErrStorageUnavailable, err)
	}
	return nil
}

func (c *Collection) sorted() []license.License {
	out := make([]license.License, 0, len(c.items))
	for _, l := range c.items {
		out = append(out, l)
	}
	sortLicenses(out)
	return out
}

// The helpers below serve RecordStore backends. Callers hold c.mu.

// fetch reads key from the backend and refreshes the cached copy.
func (c *Collection) fetch(ctx context.Context, key string) (license.License, error) {
	l, err := c.records.Get(ctx, key)
	if errors.Is(err, licenseErrors.ErrLicenseNotFound) {
		delete(c.items, key)
		return license.License{}, err
	}
	if err != nil {
		return license.License{}, c.backendErr(ctx, "get", err)
	}
	c.items[key] = l
	return l, nil
}

// refresh replaces the cache with the backend's current rows.
func (c *Collection) refresh(ctx context.Context) error {
	loaded, err := c.records.Load(ctx)
	if err != nil {
		return c.backendErr(ctx, "load", err)
	}
	items := make(map[string]license.License, len(loaded))
	for _, l := range loaded {
		items[l.Key] = l
	}
	c.items = items
	return nil
}

// replace writes next if the row still matches prev. A row that another
// writer already moved to the same version counts as written.
func (c *Collection) replace(ctx context.Context, prev, next license.License) error {
	err := c.records.Replace(ctx, prev, next)
	if err == nil {
		c.items[next.Key] = next
		return nil
	}
	if !errors.Is(err, ErrStaleRecord) {
		return c.backendErr(ctx, "replace", err)
	}

	cur, ferr := c.fetch(ctx, next.Key)
	if ferr == nil && sameVersion(cur, next) {
		return nil
	}
	c.logger.WarnContext(ctx, "license changed by another writer", slog.String("key", next.Key))
	return fmt.Errorf("%w: %w", licenseErrors.ErrStorageUnavailable, ErrStaleRecord)
}

// sweepRecords flips overdue rows one by one. Rows another instance changed
// in the meantime are skipped.
func (c *Collection) sweepRecords(ctx context.Context, now time.Time) ([]license.License, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	var flipped []license.License
	for _, prev := range c.items {
		next := prev
		if !next.Sweep(now) {
			continue
		}
		err := c.records.Replace(ctx, prev, next)
		if errors.Is(err, ErrStaleRecord) {
			if _, ferr := c.fetch(ctx, prev.Key); ferr != nil && !errors.Is(ferr, licenseErrors.ErrLicenseNotFound) {
				return flipped, ferr
			}
			continue
		}
		if err != nil {
			return flipped, c.backendErr(ctx, "sweep", err)
		}
		c.items[next.Key] = next
		flipped = append(flipped, next)
	}
	return flipped, nil
}

// backendErr passes domain sentinels through and reports anything else as
// ErrStorageUnavailable.
func (c *Collection) backendErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, licenseErrors.ErrLicenseNotFound) || errors.Is(err, licenseErrors.ErrDuplicateKey) {
		return err
	}
	c.logger.ErrorContext(ctx, "license backend failed", slog.String("op", op), slog.String("error", err.Error()))
	return fmt.Errorf("%w: %v", licenseErrors.ErrStorageUnavailable, err)
}
