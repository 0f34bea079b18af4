package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

// ErrStaleRecord is returned by RecordStore.Replace when the stored row no
// longer matches the version the caller read.
var ErrStaleRecord = errors.New("license record changed concurrently")

// RecordStore is a Snapshotter that can also read and write single records.
// A Collection over a RecordStore treats the backend as the source of truth:
// reads go to the backend and writes are per-row and conditional, so several
// service instances may share one backend.
type RecordStore interface {
	Snapshotter
	// Get returns licenseErrors.ErrLicenseNotFound for an unknown key.
	Get(ctx context.Context, key string) (license.License, error)
	// Insert returns licenseErrors.ErrDuplicateKey when key exists.
	Insert(ctx context.Context, l license.License) error
	// Replace writes next only if the stored row still has prev's status,
	// identity and expiry. Otherwise it returns ErrStaleRecord.
	Replace(ctx context.Context, prev, next license.License) error
	Remove(ctx context.Context, key string) (bool, error)
}

// sameVersion reports whether a and b agree on everything a transition
// changes.
func sameVersion(a, b license.License) bool {
	return a.Status == b.Status && a.Identity == b.Identity && a.ExpiresAt.Equal(b.ExpiresAt)
}

func sortLicenses(out []license.License) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

// MemoryRecords is an in-process RecordStore. Collections opened over the
// same MemoryRecords behave like instances sharing one database.
type MemoryRecords struct {
	mu    sync.Mutex
	items map[string]license.License
}

// NewMemoryRecords creates a record store preloaded with initial.
func NewMemoryRecords(initial ...license.License) *MemoryRecords {
	m := &MemoryRecords{items: make(map[string]license.License, len(initial))}
	for _, l := range initial {
		m.items[l.Key] = l
	}
	return m
}

func (m *MemoryRecords) Load(ctx context.Context) ([]license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]license.License, 0, len(m.items))
	for _, l := range m.items {
		out = append(out, l)
	}
	sortLicenses(out)
	return out, nil
}

func (m *MemoryRecords) Save(ctx context.Context, licenses []license.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]license.License, len(licenses))
	for _, l := range licenses {
		m.items[l.Key] = l
	}
	return nil
}

func (m *MemoryRecords) Get(ctx context.Context, key string) (license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.items[key]
	if !ok {
		return license.License{}, licenseErrors.ErrLicenseNotFound
	}
	return l, nil
}

func (m *MemoryRecords) Insert(ctx context.Context, l license.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[l.Key]; ok {
		return licenseErrors.ErrDuplicateKey
	}
	m.items[l.Key] = l
	return nil
}

func (m *MemoryRecords) Replace(ctx context.Context, prev, next license.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[next.Key]
	if !ok || !sameVersion(cur, prev) {
		return ErrStaleRecord
	}
	m.items[next.Key] = next
	return nil
}

func (m *MemoryRecords) Remove(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[key]; !ok {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *MemoryRecords) Ping(ctx context.Context) error { return nil }

func (m *MemoryRecords) Close() error { return nil }
