package license_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
	"licensed/internal/infrastructure"
	"licensed/internal/locking"
	"licensed/internal/shared/testutil"
	"licensed/internal/store"
)

var t0 = testutil.T0

type mockRoles struct{ mock.Mock }

func (m *mockRoles) GrantRole(ctx context.Context, identity, roleID string) error {
	return m.Called(identity, roleID).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) DirectMessage(ctx context.Context, identity, msg string) error {
	return m.Called(identity, msg).Error(0)
}

func (m *mockNotifier) AdminNotice(ctx context.Context, msg string) error {
	return m.Called(msg).Error(0)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []license.Event
}

func (p *recordingPublisher) Publish(e license.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []license.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]license.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc    *license.Service
	coll   *store.Collection
	snap   *store.MemorySnapshotter
	clock  *testutil.Clock
	events *recordingPublisher
}

func newFixture(t *testing.T, opts license.Options, initial ...license.License) *fixture {
	t.Helper()

	snap := store.NewMemorySnapshotter(initial...)
	coll, err := store.Open(context.Background(), snap, nil)
	require.NoError(t, err)

	clock := testutil.NewClock(t0)
	events := &recordingPublisher{}

	opts.Store = coll
	opts.Locker = locking.NewKeyedMutex()
	opts.Clock = clock.Now
	opts.Events = events

	svc, err := license.NewService(opts)
	require.NoError(t, err)
	t.Cleanup(svc.Wait)

	return &fixture{svc: svc, coll: coll, snap: snap, clock: clock, events: events}
}

func TestValidate_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, license.Options{}, testutil.UnusedLicense("ABCD-1234-EFGH-5678", license.Day))

	grant, err := f.svc.Validate(ctx, "ABCD-1234-EFGH-5678", "user-42")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, grant.Status)
	assert.Equal(t, t0.UnixMilli()+86_400_000, grant.ExpiresAt)
	assert.Equal(t, license.Day, grant.Duration)

	_, err = f.svc.Validate(ctx, "ABCD-1234-EFGH-5678", "user-99")
	assert.ErrorIs(t, err, licenseErrors.ErrOwnershipConflict)
	assert.Equal(t, "License belongs to another user", licenseErrors.ClientMessage(err))

	f.clock.Set(t0.Add(86_400_001 * time.Millisecond))
	_, err = f.svc.Validate(ctx, "ABCD-1234-EFGH-5678", "user-42")
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseExpired)
	assert.Equal(t, "License expired", licenseErrors.ClientMessage(err))
}

func TestValidate_SingleActivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, license.Options{}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Week))

	_, err := f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "A")
	require.NoError(t, err)

	_, err = f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "B")
	assert.ErrorIs(t, err, licenseErrors.ErrOwnershipConflict)

	stored, err := f.coll.Find(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Identity)
	assert.Equal(t, license.StatusActive, stored.Status)
}

func TestValidate_ConcurrentFirstActivation(t *testing.T) {
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, license.Options{}, testutil.UnusedLicense("RACE-RACE-RACE-RACE", license.Day))

			const callers = 8
			var wins, conflicts int32
			winner := make([]string, 0, 1)
			var mu sync.Mutex

			var g errgroup.Group
			for i := 0; i < callers; i++ {
				identity := fmt.Sprintf("user-%d", i)
				g.Go(func() error {
					_, err := f.svc.Validate(ctx, "RACE-RACE-RACE-RACE", identity)
					switch {
					case err == nil:
						atomic.AddInt32(&wins, 1)
						mu.Lock()
						winner = append(winner, identity)
						mu.Unlock()
					case errors.Is(err, licenseErrors.ErrOwnershipConflict):
						atomic.AddInt32(&conflicts, 1)
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.Equal(t, int32(1), wins)
			assert.Equal(t, int32(callers-1), conflicts)

			stored, err := f.coll.Find(ctx, "RACE-RACE-RACE-RACE")
			require.NoError(t, err)
			require.Len(t, winner, 1)
			assert.Equal(t, winner[0], stored.Identity)
			assert.Equal(t, license.StatusActive, stored.Status)
		})
	}
}

func TestValidate_IdempotentRevalidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, license.Options{}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Month))

	first, err := f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Hour))
	second, err := f.svc.Validate(ctx, "aaaa-bbbb-cccc-dddd ", "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.ExpiresAt, second.ExpiresAt)

	activations := 0
	for _, typ := range f.events.types() {
		if typ == license.EventActivated {
			activations++
		}
	}
	assert.Equal(t, 1, activations)
}

func TestValidate_ExpiryBoundary(t *testing.T) {
	tests := []struct {
		name    string
		offset  time.Duration
		wantErr error
		status  license.Status
	}{
		{"one millisecond before expiry", license.Day.Length() - time.Millisecond, nil, license.StatusActive},
		{"at expiry", license.Day.Length(), licenseErrors.ErrLicenseExpired, license.StatusExpired},
		{"one millisecond after expiry", license.Day.Length() + time.Millisecond, licenseErrors.ErrLicenseExpired, license.StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, license.Options{}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day))

			_, err := f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
			require.NoError(t, err)

			f.clock.Set(t0.Add(tt.offset))
			_, err = f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			stored, err := f.coll.Find(ctx, "AAAA-BBBB-CCCC-DDDD")
			require.NoError(t, err)
			assert.Equal(t, tt.status, stored.Status)

			saved := f.snap.Saved()
			require.Len(t, saved, 1)
			assert.Equal(t, tt.status, saved[0].Status)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		identity string
		wantErr  error
	}{
		{"unknown key", "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "user-1", licenseErrors.ErrLicenseNotFound},
		{"empty key", "  ", "user-1", licenseErrors.ErrMalformedRequest},
		{"empty identity", "AAAA-BBBB-CCCC-DDDD", "", licenseErrors.ErrMalformedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, license.Options{}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day))
			_, err := f.svc.Validate(context.Background(), tt.key, tt.identity)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_StorageFailureIsNotSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, license.Options{}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day))
	f.snap.SetFailing(true)

	_, err := f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
	assert.ErrorIs(t, err, licenseErrors.ErrStorageUnavailable)

	stored, err := f.coll.Find(ctx, "AAAA-BBBB-CCCC-DDDD")
	require.NoError(t, err)
	assert.Equal(t, license.StatusUnused, stored.Status)
	assert.Empty(t, stored.Identity)
}

func TestValidate_RoleGrantIsBestEffort(t *testing.T) {
	ctx := context.Background()
	roles := &mockRoles{}
	roles.On("GrantRole", "user-1", "role-buyer").Return(errors.New("missing permissions")).Once()
	notifier := &mockNotifier{}
	notifier.On("AdminNotice", mock.AnythingOfType("string")).Return(nil).Once()

	logger, logs := testutil.NewTestLogger(t)

	f := newFixture(t, license.Options{
		Roles:       roles,
		Notifier:    notifier,
		BuyerRoleID: "role-buyer",
		Logger:      logger,
	}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day))

	grant, err := f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, grant.Status)

	f.svc.Wait()
	roles.AssertExpectations(t)
	notifier.AssertExpectations(t)
	testutil.AssertLogContains(t, logs, slog.LevelWarn, "best-effort integration failed")
	testutil.AssertLogAttr(t, logs, "key", infrastructure.MaskKey("AAAA-BBBB-CCCC-DDDD"))

	_, err = f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
	require.NoError(t, err)
	f.svc.Wait()
	roles.AssertNumberOfCalls(t, "GrantRole", 1)
}

func TestValidate_SignedGrant(t *testing.T) {
	signer, err := license.NewSigner("s3cret")
	require.NoError(t, err)

	f := newFixture(t, license.Options{Signer: signer}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day))
	grant, err := f.svc.Validate(context.Background(), "AAAA-BBBB-CCCC-DDDD", "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, grant.Signature)
	assert.NoError(t, signer.Verify(grant))
}

func TestCheckByIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, license.Options{}, testutil.UnusedLicense("AAAA-BBBB-CCCC-DDDD", license.Day))

	_, err := f.svc.CheckByIdentity(ctx, "user-1")
	assert.ErrorIs(t, err, licenseErrors.ErrNoLicense)

	_, err = f.svc.CheckByIdentity(ctx, " ")
	assert.ErrorIs(t, err, licenseErrors.ErrMalformedRequest)

	_, err = f.svc.Validate(ctx, "AAAA-BBBB-CCCC-DDDD", "user-1")
	require.NoError(t, err)

	grant, err := f.svc.CheckByIdentity(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "AAAA-BBBB-CCCC-DDDD", grant.Key)

	f.clock.Set(t0.Add(license.Day.Length()))
	_, err = f.svc.CheckByIdentity(ctx, "user-1")
	assert.ErrorIs(t, err, licenseErrors.ErrNoLicense)
	assert.Contains(t, f.events.types(), license.EventExpired)
}

func TestCreateLicense(t *testing.T) {
	ctx := context.Background()
	notifier := &mockNotifier{}
	notifier.On("DirectMessage", "buyer-7", mock.AnythingOfType("string")).Return(errors.New("dm closed")).Once()
	notifier.On("AdminNotice", mock.AnythingOfType("string")).Return(nil)

	f := newFixture(t, license.Options{Notifier: notifier})

	l, err := f.svc.CreateLicense(ctx, "1Woche", "admin-1", "buyer-7")
	require.NoError(t, err)
	f.svc.Wait()

	assert.True(t, license.ValidKeyFormat(l.Key))
	assert.Equal(t, license.Week, l.Duration)
	assert.Equal(t, license.StatusUnused, l.Status)
	assert.Equal(t, "buyer-7", l.IssuedFor)
	assert.Empty(t, l.Identity, "a creation hint must not bind the key")
	notifier.AssertExpectations(t)

	stored, err := f.coll.Find(ctx, l.Key)
	require.NoError(t, err)
	assert.Equal(t, l.Key, stored.Key)

	grant, err := f.svc.Validate(ctx, l.Key, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, grant.Status)

	f.svc.Wait()
	notifier.AssertNumberOfCalls(t, "AdminNotice", 2)
}

func TestCreateLicense_Rejects(t *testing.T) {
	f := newFixture(t, license.Options{})

	_, err := f.svc.CreateLicense(context.Background(), "1jahr", "admin-1", "")
	assert.ErrorIs(t, err, licenseErrors.ErrMalformedRequest)

	_, err = f.svc.CreateLicense(context.Background(), "1tag", "", "")
	assert.ErrorIs(t, err, licenseErrors.ErrMalformedRequest)
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, license.Options{},
		testutil.UnusedLicense("AAAA-AAAA-AAAA-AAAA", license.Day),
		testutil.UnusedLicense("BBBB-BBBB-BBBB-BBBB", license.Week),
		testutil.UnusedLicense("CCCC-CCCC-CCCC-CCCC", license.Month),
	)

	_, err := f.svc.Validate(ctx, "AAAA-AAAA-AAAA-AAAA", "user-1")
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, "BBBB-BBBB-BBBB-BBBB", "user-2")
	require.NoError(t, err)

	f.clock.Set(t0.Add(2 * 24 * time.Hour))

	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := f.svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "BBBB-BBBB-BBBB-BBBB", active[0].Key)
	assert.Equal(t, 5, active[0].RemainingDays())

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Unused)
	assert.Equal(t, 1, stats.Expired)
	assert.True(t, decimal.NewFromInt(41).Equal(stats.IssuedValue))
	assert.True(t, decimal.NewFromInt(16).Equal(stats.ActivatedValue))

	info, err := f.svc.Info(ctx, "cccc-cccc-cccc-cccc")
	require.NoError(t, err)
	assert.Equal(t, license.StatusUnused, info.Status)

	last, err := f.svc.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, last, 2)

	require.NoError(t, f.svc.Delete(ctx, "CCCC-CCCC-CCCC-CCCC"))
	assert.ErrorIs(t, f.svc.Delete(ctx, "CCCC-CCCC-CCCC-CCCC"), licenseErrors.ErrLicenseNotFound)
	_, err = f.svc.Info(ctx, "CCCC-CCCC-CCCC-CCCC")
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseNotFound)
	assert.Contains(t, f.events.types(), license.EventDeleted)
}

func TestValidate_InstancesSharingOneBackend(t *testing.T) {
	tests := []struct {
		name       string
		sharedLock bool
	}{
		{"shared lock", true},
		{"lock per instance", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			records := store.NewMemoryRecords(testutil.UnusedLicense("RACE-RACE-RACE-RACE", license.Day))
			clock := testutil.NewClock(t0)
			lock := locking.NewKeyedMutex()

			instances := make([]*license.Service, 2)
			for i := range instances {
				coll, err := store.Open(ctx, records, nil)
				require.NoError(t, err)
				locker := lock
				if !tt.sharedLock {
					locker = locking.NewKeyedMutex()
				}
				svc, err := license.NewService(license.Options{Store: coll, Locker: locker, Clock: clock.Now})
				require.NoError(t, err)
				t.Cleanup(svc.Wait)
				instances[i] = svc
			}

			const callers = 8
			var (
				mu     sync.Mutex
				winner []string
			)
			var g errgroup.Group
			for i := 0; i < callers; i++ {
				svc := instances[i%2]
				identity := fmt.Sprintf("user-%d", i)
				g.Go(func() error {
					_, err := svc.Validate(ctx, "RACE-RACE-RACE-RACE", identity)
					switch {
					case err == nil:
						mu.Lock()
						winner = append(winner, identity)
						mu.Unlock()
					case errors.Is(err, licenseErrors.ErrOwnershipConflict):
					case !tt.sharedLock && errors.Is(err, licenseErrors.ErrStorageUnavailable):
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			require.Len(t, winner, 1)
			stored, err := records.Get(ctx, "RACE-RACE-RACE-RACE")
			require.NoError(t, err)
			assert.Equal(t, winner[0], stored.Identity)

			created, err := instances[0].CreateLicense(ctx, "1tag", "admin-1", "")
			require.NoError(t, err)
			grant, err := instances[1].Validate(ctx, created.Key, "user-9")
			require.NoError(t, err)
			assert.Equal(t, license.StatusActive, grant.Status)
		})
	}
}
