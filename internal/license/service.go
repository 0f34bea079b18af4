package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/infrastructure"
)

// DefaultIntegrationTimeout bounds a single role grant or notification.
const DefaultIntegrationTimeout = 15 * time.Second

// Store is the durable license collection used by the service.
type Store interface {
	Create(ctx context.Context, l License) error
	Find(ctx context.Context, key string) (License, error)
	// FindActiveByIdentity sweeps and returns the active license bound to identity.
	FindActiveByIdentity(ctx context.Context, identity string, now time.Time) (License, error)
	Update(ctx context.Context, l License) error
	// SweepExpired flips every active license past its expiry and returns them.
	SweepExpired(ctx context.Context, now time.Time) ([]License, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]License, error)
	Ping(ctx context.Context) error
}

// Locker serializes work on a single license key. The returned func
// releases the hold.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Options configures a Service. Store and Locker are required.
type Options struct {
	Store    Store
	Locker   Locker
	Keys     *KeyGenerator
	Signer   *Signer
	Roles    RoleGranter
	Notifier Notifier
	Events   EventPublisher

	BuyerRoleID        string
	IntegrationTimeout time.Duration

	Clock   func() time.Time
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *Metrics
}

// Service is the activation and validation state machine.
type Service struct {
	store    Store
	locker   Locker
	keys     *KeyGenerator
	signer   *Signer
	roles    RoleGranter
	notifier Notifier
	events   EventPublisher

	buyerRoleID        string
	integrationTimeout time.Duration

	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics

	wg sync.WaitGroup
}

// NewService creates a Service from opts, filling optional collaborators
// with no-op implementations.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("license service: store is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("license service: locker is required")
	}

	logger := infrastructure.WithComponent(opts.Logger, "license_service")

	s := &Service{
		store:              opts.Store,
		locker:             opts.Locker,
		keys:               opts.Keys,
		signer:             opts.Signer,
		roles:              opts.Roles,
		notifier:           opts.Notifier,
		events:             opts.Events,
		buyerRoleID:        opts.BuyerRoleID,
		integrationTimeout: opts.IntegrationTimeout,
		now:                opts.Clock,
		logger:             logger,
		tracer:             opts.Tracer,
		metrics:            opts.Metrics,
	}

	if s.keys == nil {
		s.keys = NewKeyGenerator(opts.Store)
	}
	if s.roles == nil {
		s.roles = NopRoleGranter{Logger: logger}
	}
	if s.notifier == nil {
		s.notifier = NopNotifier{Logger: logger}
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.integrationTimeout <= 0 {
		s.integrationTimeout = DefaultIntegrationTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

// Validate activates an unused key for identity, or re-confirms an active
// key already bound to identity.
func (s *Service) Validate(ctx context.Context, key, identity string) (Grant, error) {
	key = NormalizeKey(key)
	identity = strings.TrimSpace(identity)

	var (
		grant     Grant
		activated *License
	)
	err := s.traceOperation(ctx, "validate", key, func(ctx context.Context) error {
		if key == "" || identity == "" {
			return fmt.Errorf("%w: key and identity are required", licenseErrors.ErrMalformedRequest)
		}

		l, fresh, err := s.validateLocked(ctx, key, identity)
		if err != nil {
			return err
		}
		if fresh {
			activated = &l
		}
		grant = s.grant(l)
		return nil
	})
	if err != nil {
		s.logger.InfoContext(ctx, "license validation rejected",
			slog.String("key", infrastructure.MaskKey(key)),
			slog.String("identity", identity),
			slog.String("reason", classifyLicenseError(err)))
		return Grant{}, err
	}

	if activated != nil {
		s.logger.InfoContext(ctx, "license activated",
			slog.String("key", infrastructure.MaskKey(key)),
			slog.String("identity", identity),
			slog.Time("expires_at", activated.ExpiresAt))
		s.afterActivation(ctx, *activated)
	}
	return grant, nil
}

// validateLocked runs the read-check-mutate-write sequence for one key while
// holding its lock. fresh reports a first activation.
func (s *Service) validateLocked(ctx context.Context, key, identity string) (l License, fresh bool, err error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return License{}, false, fmt.Errorf("%w: acquiring key lock: %v", licenseErrors.ErrStorageUnavailable, err)
	}
	defer unlock()

	l, err = s.store.Find(ctx, key)
	if err != nil {
		return License{}, false, err
	}

	now := s.now()
	if err := s.sweepOne(ctx, &l, now); err != nil {
		return License{}, false, err
	}

	switch l.Status {
	case StatusExpired:
		return License{}, false, licenseErrors.ErrLicenseExpired
	case StatusActive:
		if l.Identity != identity {
			return License{}, false, licenseErrors.ErrOwnershipConflict
		}
		return l, false, nil
	case StatusUnused:
		l = l.Activate(identity, now)
		if err := s.store.Update(ctx, l); err != nil {
			return License{}, false, err
		}
		s.count(ctx, func(m *Metrics) metric.Int64Counter { return m.Activations }, 1)
		s.events.Publish(newEvent(EventActivated, l, now))
		return l, true, nil
	default:
		return License{}, false, fmt.Errorf("license %s has unknown status %q", infrastructure.MaskKey(key), l.Status)
	}
}

// sweepOne flips l to expired if its time has passed and persists the flip.
func (s *Service) sweepOne(ctx context.Context, l *License, now time.Time) error {
	if !l.Sweep(now) {
		return nil
	}
	if err := s.store.Update(ctx, *l); err != nil {
		return err
	}
	s.count(ctx, func(m *Metrics) metric.Int64Counter { return m.Expired }, 1)
	s.events.Publish(newEvent(EventExpired, *l, now))
	return nil
}

// CheckByIdentity returns the grant of the active license bound to identity.
func (s *Service) CheckByIdentity(ctx context.Context, identity string) (Grant, error) {
	identity = strings.TrimSpace(identity)

	var grant Grant
	err := s.traceOperation(ctx, "check", "", func(ctx context.Context) error {
		if identity == "" {
			return fmt.Errorf("%w: identity is required", licenseErrors.ErrMalformedRequest)
		}

		now := s.now()
		if _, err := s.sweep(ctx, now); err != nil {
			return err
		}

		l, err := s.store.FindActiveByIdentity(ctx, identity, now)
		if errors.Is(err, licenseErrors.ErrLicenseNotFound) {
			return licenseErrors.ErrNoLicense
		}
		if err != nil {
			return err
		}
		grant = s.grant(l)
		return nil
	})
	return grant, err
}

// CreateLicense issues a new unused license. identityHint only addresses the
// buyer notification; it does not bind the key.
func (s *Service) CreateLicense(ctx context.Context, durationLabel, issuer, identityHint string) (License, error) {
	issuer = strings.TrimSpace(issuer)
	identityHint = strings.TrimSpace(identityHint)

	var created License
	err := s.traceOperation(ctx, "create", "", func(ctx context.Context) error {
		d, err := ParseDuration(durationLabel)
		if err != nil {
			return err
		}
		if issuer == "" {
			return fmt.Errorf("%w: issuer is required", licenseErrors.ErrMalformedRequest)
		}

		for attempt := 0; attempt < DefaultKeyAttempts; attempt++ {
			key, err := s.keys.Generate(ctx)
			if err != nil {
				return err
			}

			l := New(key, d, issuer, identityHint, s.now())
			err = s.store.Create(ctx, l)
			if errors.Is(err, licenseErrors.ErrDuplicateKey) {
				continue
			}
			if err != nil {
				return err
			}
			created = l
			return nil
		}
		return fmt.Errorf("%w: create kept colliding", licenseErrors.ErrDuplicateKey)
	})
	if err != nil {
		return License{}, err
	}

	s.count(ctx, func(m *Metrics) metric.Int64Counter { return m.Created }, 1)
	s.events.Publish(newEvent(EventCreated, created, created.CreatedAt))
	s.logger.InfoContext(ctx, "license created",
		slog.String("key", infrastructure.MaskKey(created.Key)),
		slog.String("duration", string(created.Duration)),
		slog.String("issuer", issuer))

	s.afterCreate(ctx, created)
	return created, nil
}

// List returns all licenses in creation order, or only the last limit when
// limit is positive.
func (s *Service) List(ctx context.Context, limit int) ([]License, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// ActiveLicense is an active license with its remaining time.
type ActiveLicense struct {
	License
	Remaining time.Duration
}

// RemainingDays rounds Remaining up to whole days.
func (a ActiveLicense) RemainingDays() int {
	day := 24 * time.Hour
	return int((a.Remaining + day - 1) / day)
}

// ListActive sweeps and returns every active license.
func (s *Service) ListActive(ctx context.Context) ([]ActiveLicense, error) {
	now := s.now()
	if _, err := s.sweep(ctx, now); err != nil {
		return nil, err
	}

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var active []ActiveLicense
	for _, l := range all {
		if l.Status == StatusActive && !l.ExpiredAt(now) {
			active = append(active, ActiveLicense{License: l, Remaining: l.Remaining(now)})
		}
	}
	return active, nil
}

// Info returns a single license with its status re-derived.
func (s *Service) Info(ctx context.Context, key string) (License, error) {
	key = NormalizeKey(key)
	if key == "" {
		return License{}, fmt.Errorf("%w: key is required", licenseErrors.ErrMalformedRequest)
	}

	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return License{}, fmt.Errorf("%w: acquiring key lock: %v", licenseErrors.ErrStorageUnavailable, err)
	}
	defer unlock()

	l, err := s.store.Find(ctx, key)
	if err != nil {
		return License{}, err
	}
	if err := s.sweepOne(ctx, &l, s.now()); err != nil {
		return License{}, err
	}
	return l, nil
}

// Delete hard-removes a license.
func (s *Service) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)

	return s.traceOperation(ctx, "delete", key, func(ctx context.Context) error {
		if key == "" {
			return fmt.Errorf("%w: key is required", licenseErrors.ErrMalformedRequest)
		}

		unlock, err := s.locker.Lock(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: acquiring key lock: %v", licenseErrors.ErrStorageUnavailable, err)
		}
		defer unlock()

		l, err := s.store.Find(ctx, key)
		if err != nil {
			return err
		}
		ok, err := s.store.Delete(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return licenseErrors.ErrLicenseNotFound
		}

		s.count(ctx, func(m *Metrics) metric.Int64Counter { return m.Deleted }, 1)
		s.events.Publish(newEvent(EventDeleted, l, s.now()))
		s.logger.InfoContext(ctx, "license deleted", slog.String("key", infrastructure.MaskKey(key)))
		return nil
	})
}

// Stats summarizes the collection.
type Stats struct {
	Total          int              `json:"total"`
	Active         int              `json:"active"`
	Unused         int              `json:"unused"`
	Expired        int              `json:"expired"`
	IssuedValue    decimal.Decimal  `json:"issuedValue"`
	ActivatedValue decimal.Decimal  `json:"activatedValue"`
	ByDuration     map[Duration]int `json:"byDuration"`
}

// Stats counts licenses by status and sums list prices.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now()
	if _, err := s.sweep(ctx, now); err != nil {
		return Stats{}, err
	}

	all, err := s.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Total:          len(all),
		IssuedValue:    decimal.Zero,
		ActivatedValue: decimal.Zero,
		ByDuration:     make(map[Duration]int),
	}
	for _, l := range all {
		st.ByDuration[l.Duration]++
		st.IssuedValue = st.IssuedValue.Add(l.Duration.Price())

		switch {
		case l.Status == StatusUnused:
			st.Unused++
		case l.Status == StatusActive && !l.ExpiredAt(now):
			st.Active++
			st.ActivatedValue = st.ActivatedValue.Add(l.Duration.Price())
		default:
			st.Expired++
			st.ActivatedValue = st.ActivatedValue.Add(l.Duration.Price())
		}
	}
	return st, nil
}

// Sweep runs a global expiry pass and returns how many licenses flipped.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	var n int
	err := s.traceOperation(ctx, "sweep", "", func(ctx context.Context) error {
		var err error
		n, err = s.sweep(ctx, s.now())
		return err
	})
	return n, err
}

func (s *Service) sweep(ctx context.Context, now time.Time) (int, error) {
	flipped, err := s.store.SweepExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	sort.Slice(flipped, func(i, j int) bool { return flipped[i].ExpiresAt.Before(flipped[j].ExpiresAt) })
	for _, l := range flipped {
		s.events.Publish(newEvent(EventExpired, l, now))
	}
	s.count(ctx, func(m *Metrics) metric.Int64Counter { return m.Expired }, int64(len(flipped)))
	if len(flipped) > 0 {
		s.logger.InfoContext(ctx, "expired licenses swept", slog.Int("count", len(flipped)))
	}
	return len(flipped), nil
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until all in-flight side effects have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) grant(l License) Grant {
	g := l.Grant()
	if s.signer != nil {
		g = s.signer.Sign(g)
	}
	return g
}

func (s *Service) afterActivation(ctx context.Context, l License) {
	s.background(ctx, func(ctx context.Context) {
		if s.buyerRoleID != "" {
			if err := s.roles.GrantRole(ctx, l.Identity, s.buyerRoleID); err != nil {
				s.downstreamFailure(ctx, "role grant", l.Key, err)
			}
		}
		msg := fmt.Sprintf("License %s activated for %s (%s), expires %s",
			l.Key, l.Identity, l.Duration.DisplayName(), l.ExpiresAt.UTC().Format(time.RFC3339))
		if err := s.notifier.AdminNotice(ctx, msg); err != nil {
			s.downstreamFailure(ctx, "admin notice", l.Key, err)
		}
	})
}

func (s *Service) afterCreate(ctx context.Context, l License) {
	s.background(ctx, func(ctx context.Context) {
		if l.IssuedFor != "" {
			msg := fmt.Sprintf("Your license key: %s (%s). Enter it in the application to activate it.",
				l.Key, l.Duration.DisplayName())
			if err := s.notifier.DirectMessage(ctx, l.IssuedFor, msg); err != nil {
				s.downstreamFailure(ctx, "direct message", l.Key, err)
			}
		}
		msg := fmt.Sprintf("License %s (%s) created by %s", l.Key, l.Duration.DisplayName(), l.CreatedBy)
		if err := s.notifier.AdminNotice(ctx, msg); err != nil {
			s.downstreamFailure(ctx, "admin notice", l.Key, err)
		}
	})
}

// background runs fn detached from the request lifetime but bounded by the
// integration timeout.
func (s *Service) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.integrationTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) downstreamFailure(ctx context.Context, what, key string, err error) {
	err = fmt.Errorf("%w: %s: %v", licenseErrors.ErrDownstreamIntegration, what, err)
	s.logger.WarnContext(ctx, "best-effort integration failed",
		slog.String("key", infrastructure.MaskKey(key)),
		slog.String("error", err.Error()))
	s.count(ctx, func(m *Metrics) metric.Int64Counter { return m.DownstreamFailures }, 1)
}
