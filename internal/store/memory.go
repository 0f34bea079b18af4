package store

import (
	"context"
	"errors"
	"sync"

	"licensed/internal/license"
)

// ErrInjected is returned by MemorySnapshotter when failures are switched on.
var ErrInjected = errors.New("injected snapshot failure")

// MemorySnapshotter keeps the last saved snapshot in memory. Used for tests
// and ephemeral runs.
type MemorySnapshotter struct {
	mu    sync.Mutex
	saved []license.License
	saves int
	fail  bool
}

// NewMemorySnapshotter creates a snapshotter preloaded with initial.
func NewMemorySnapshotter(initial ...license.License) *MemorySnapshotter {
	return &MemorySnapshotter{saved: append([]license.License(nil), initial...)}
}

func (m *MemorySnapshotter) Load(ctx context.Context) ([]license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, ErrInjected
	}
	return append([]license.License(nil), m.saved...), nil
}

func (m *MemorySnapshotter) Save(ctx context.Context, licenses []license.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrInjected
	}
	m.saved = append([]license.License(nil), licenses...)
	m.saves++
	return nil
}

func (m *MemorySnapshotter) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrInjected
	}
	return nil
}

func (m *MemorySnapshotter) Close() error { return nil }

// SetFailing makes every subsequent call fail until switched off.
func (m *MemorySnapshotter) SetFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// Saved returns a copy of the last saved snapshot.
func (m *MemorySnapshotter) Saved() []license.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]license.License(nil), m.saved...)
}

// Saves counts successful saves.
func (m *MemorySnapshotter) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
