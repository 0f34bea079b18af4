// Package guard implements client-side license enforcement.
//
// A Guard only reports Validated() == true while it holds a grant that the
// license server confirmed within the revalidation window plus one request
// timeout, the time the next scheduled revalidation may take to answer.
// There is no offline fallback: any failed or timed-out revalidation clears
// the flag immediately.
//
// The pending-validation latch that gates SetValidated(true) is a tamper
// deterrent for in-process code, not a security boundary. Code running in
// the client process can always bypass it; the server remains the only
// source of truth.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

const (
	DefaultWindow  = 5 * time.Minute
	DefaultTimeout = 10 * time.Second
)

// ErrLatchNotHeld is returned when validated=true is requested outside of
// Revalidate.
var ErrLatchNotHeld = errors.New("guard: validation latch not held")

// Checker asks the license server about the configured key or identity.
type Checker interface {
	Validate(ctx context.Context, key, identity string) (license.Grant, error)
	CheckByIdentity(ctx context.Context, identity string) (license.Grant, error)
}

// Config configures a Guard.
type Config struct {
	Identity string
	Key      string
	Window   time.Duration
	Timeout  time.Duration
	// Signer verifies grant signatures when set.
	Signer *license.Signer
	Clock  func() time.Time
	Logger *slog.Logger
}

// State is a snapshot of the client validation state.
type State struct {
	Validated     bool          `json:"validated"`
	LastCheckedAt time.Time     `json:"lastCheckedAt"`
	Grant         license.Grant `json:"grant"`
	LastError     string        `json:"lastError,omitempty"`
}

// Guard holds the client validation state.
type Guard struct {
	checker Checker
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	mu    sync.RWMutex
	state State

	latch   atomic.Bool
	revalMu sync.Mutex

	onChange func(State)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Guard. Identity is required.
func New(checker Checker, cfg Config) (*Guard, error) {
	if checker == nil {
		return nil, errors.New("guard: checker is required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("guard: identity is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Guard{
		checker: checker,
		cfg:     cfg,
		now:     now,
		logger:  logger.With(slog.String("component", "license_guard")),
		stopCh:  make(chan struct{}),
	}
	if cfg.Signer == nil {
		g.logger.Warn("grant signatures are not verified, no signing secret configured")
	}
	return g, nil
}

// Validated is the check for the privileged surface. Call it at the moment of
// use; the answer can change at any time.
func (g *Guard) Validated() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.state.Validated {
		return false
	}
	return g.now().Sub(g.state.LastCheckedAt) <= g.maxAge()
}

// maxAge is how long a confirmation stays trusted. The revalidation started
// at the end of the window has until its timeout to answer.
func (g *Guard) maxAge() time.Duration {
	return g.cfg.Window + g.cfg.Timeout
}

// State returns a copy of the current state.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// OnChange registers fn to be called whenever Validated flips.
func (g *Guard) OnChange(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onChange = fn
}

// SetValidated changes the validated flag. Clearing it is always allowed;
// setting it fails with ErrLatchNotHeld unless Revalidate is running.
func (g *Guard) SetValidated(v bool) error {
	if v && !g.latch.Load() {
		return ErrLatchNotHeld
	}
	g.update(func(s *State) {
		s.Validated = v
		if v {
			s.LastCheckedAt = g.now()
		}
	})
	return nil
}

// Restore loads persisted metadata. It never restores validated=true.
func (g *Guard) Restore(persisted State) {
	g.update(func(s *State) {
		s.LastCheckedAt = persisted.LastCheckedAt
		s.Grant = persisted.Grant
		s.Validated = false
	})
}

// Revalidate asks the server for a fresh grant. Any failure clears the
// validated flag before the error is returned.
func (g *Guard) Revalidate(ctx context.Context) error {
	g.revalMu.Lock()
	defer g.revalMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	grant, err := g.fetch(ctx)
	if err == nil {
		err = g.verify(grant)
	}
	if err != nil {
		g.fail(err)
		return err
	}

	g.latch.Store(true)
	err = g.SetValidated(true)
	g.latch.Store(false)
	if err != nil {
		g.fail(err)
		return err
	}

	g.update(func(s *State) {
		s.Grant = grant
		s.LastError = ""
	})
	g.logger.Debug("license revalidated", slog.Time("expires_at", grant.ExpiresTime()))
	return nil
}

// Run revalidates immediately and then once per window until ctx is done or
// Stop is called.
func (g *Guard) Run(ctx context.Context) error {
	// fail records and logs every error, so Run only keeps the cadence.
	_ = g.Revalidate(ctx)

	ticker := time.NewTicker(g.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stopCh:
			return nil
		case <-ticker.C:
			_ = g.Revalidate(ctx)
		}
	}
}

// Stop ends Run and clears the validated flag.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		_ = g.SetValidated(false) // clearing never needs the latch
	})
}

func (g *Guard) fetch(ctx context.Context) (license.Grant, error) {
	if g.cfg.Key != "" {
		return g.checker.Validate(ctx, g.cfg.Key, g.cfg.Identity)
	}
	return g.checker.CheckByIdentity(ctx, g.cfg.Identity)
}

func (g *Guard) verify(grant license.Grant) error {
	if g.cfg.Signer != nil {
		if err := g.cfg.Signer.Verify(grant); err != nil {
			return err
		}
	}
	if grant.Status != license.StatusActive {
		return fmt.Errorf("%w: grant status %q", licenseErrors.ErrLicenseExpired, grant.Status)
	}
	if !g.now().Before(grant.ExpiresTime()) {
		return licenseErrors.ErrLicenseExpired
	}
	return nil
}

func (g *Guard) fail(err error) {
	g.update(func(s *State) {
		s.Validated = false
		s.LastError = err.Error()
	})
	g.logger.Warn("license revalidation failed", slog.String("error", err.Error()))
}

// update applies fn under the lock and fires the OnChange hook on a flip.
func (g *Guard) update(fn func(*State)) {
	g.mu.Lock()
	before := g.state.Validated
	fn(&g.state)
	after := g.state
	hook := g.onChange
	g.mu.Unlock()

	if hook != nil && before != after.Validated {
		hook(after)
	}
}
