package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"keygate/internal/license"
	"keygate/internal/store"
)

type engineFixture struct {
	svc   LicenseService
	store *store.MemoryStore
	clock *time.Time
}

func newEngine(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	st := store.NewMemoryStore()
	keys := license.NewKeyService(
		[]byte("test-key-salt-0123456789abcdef00"),
		[]byte("test-verify-secret-0123456789abc"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.ExemptPatterns == nil {
		opts.ExemptPatterns = license.ParseExemptPatterns("")
	}

	svc := NewLicenseServiceWithClock(st, keys, opts, logger, func() time.Time { return *clock })
	return &engineFixture{svc: svc, store: st, clock: clock}
}

func (f *engineFixture) createLicense(t *testing.T, params CreateLicenseParams) *CreatedLicense {
	t.Helper()
	if params.OwnerID == "" {
		params.OwnerID = "owner-1"
	}
	if params.ProductID == "" {
		params.ProductID = "prod-1"
	}
	created, err := f.svc.CreateLicense(context.Background(), params)
	require.NoError(t, err)
	require.True(t, license.ValidKeyFormat(created.Key))
	return created
}

func (f *engineFixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func TestCreateLicenseReturnsKeyOnce(t *testing.T) {
	f := newEngine(t, Options{})
	created := f.createLicense(t, CreateLicenseParams{})

	// The plaintext must not be recoverable through the service.
	report, err := f.svc.Status(context.Background(), created.Key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, report.LicenseID)
	assert.Equal(t, license.StateActive, report.Status)
}

func TestCreateLicenseZeroMaxMeansUnlimited(t *testing.T) {
	f := newEngine(t, Options{})
	zero := 0
	created := f.createLicense(t, CreateLicenseParams{MaxActivations: &zero})

	report, err := f.svc.Status(context.Background(), created.Key)
	require.NoError(t, err)
	assert.Nil(t, report.Remaining)
}

func TestCreateLicenseRejectsGraceBeforeExpiry(t *testing.T) {
	f := newEngine(t, Options{})
	expires := time.Now().Add(24 * time.Hour)
	grace := expires.Add(-time.Hour)

	_, err := f.svc.CreateLicense(context.Background(), CreateLicenseParams{
		OwnerID: "o", ProductID: "p", ExpiresAt: &expires, GraceUntil: &grace,
	})
	assert.Error(t, err)
}

func TestActivateHappyPath(t *testing.T) {
	f := newEngine(t, Options{})
	limit := 3
	created := f.createLicense(t, CreateLicenseParams{MaxActivations: &limit})

	res, err := f.svc.Activate(context.Background(), created.Key, "https://www.Example.com/shop", "203.0.113.7", "agent/1.0")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, license.StateActive, res.Status)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 2, *res.Remaining)

	// The stored binding is normalized and keeps no plaintext IP.
	act, err := f.store.ActiveActivation(context.Background(), created.ID, "example.com")
	require.NoError(t, err)
	assert.NotEqual(t, "203.0.113.7", act.IPHash)
	assert.NotEmpty(t, act.IPHash)
}

func TestActivateUnknownKey(t *testing.T) {
	f := newEngine(t, Options{})
	f.createLicense(t, CreateLicenseParams{})

	res, err := f.svc.Activate(context.Background(), "00000000-00000000-00000000-00000000", "example.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestActivateMalformedKeyNeverReachesStore(t *testing.T) {
	f := newEngine(t, Options{})

	res, err := f.svc.Activate(context.Background(), "not-a-key", "example.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestActivateIdempotentReactivation(t *testing.T) {
	f := newEngine(t, Options{})
	limit := 1
	created := f.createLicense(t, CreateLicenseParams{MaxActivations: &limit})
	ctx := context.Background()

	first, err := f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)
	require.True(t, first.Success)

	f.advance(time.Hour)
	second, err := f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)
	assert.True(t, second.Success, "re-activating the same domain is idempotent")
	assert.Equal(t, first.Remaining, second.Remaining, "capacity must not be consumed twice")

	act, err := f.store.ActiveActivation(ctx, created.ID, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), act.ValidationCount)
	assert.True(t, act.LastSeenAt.After(act.ActivatedAt))
}

func TestActivationLimitScenario(t *testing.T) {
	f := newEngine(t, Options{})
	limit := 1
	created := f.createLicense(t, CreateLicenseParams{MaxActivations: &limit})
	ctx := context.Background()

	res, err := f.svc.Activate(ctx, created.Key, "a.com", "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 0, *res.Remaining)

	res, err = f.svc.Activate(ctx, created.Key, "b.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonActivationLimit, res.Reason)

	dres, err := f.svc.Deactivate(ctx, created.Key, "a.com")
	require.NoError(t, err)
	assert.True(t, dres.Success)
	require.NotNil(t, dres.Remaining)
	assert.Equal(t, 1, *dres.Remaining)

	res, err = f.svc.Activate(ctx, created.Key, "b.com", "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 0, *res.Remaining)
}

func TestExemptDomainsSkipCapacity(t *testing.T) {
	f := newEngine(t, Options{ExemptPatterns: license.ParseExemptPatterns("myapp.local")})
	limit := 1
	created := f.createLicense(t, CreateLicenseParams{MaxActivations: &limit})
	ctx := context.Background()

	res, err := f.svc.Activate(ctx, created.Key, "dev.myapp.local", "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Remaining)
	assert.Equal(t, 1, *res.Remaining, "exempt domain must not consume the slot")

	res, err = f.svc.Activate(ctx, created.Key, "production.com", "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestActivateExpiredLicense(t *testing.T) {
	f := newEngine(t, Options{})
	expires := f.clock.Add(time.Hour)
	grace := expires.Add(24 * time.Hour)
	created := f.createLicense(t, CreateLicenseParams{ExpiresAt: &expires, GraceUntil: &grace})
	ctx := context.Background()

	f.advance(2 * time.Hour) // inside grace
	res, err := f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, license.StateGrace, res.Status)

	f.advance(48 * time.Hour) // past grace
	res, err = f.svc.Activate(ctx, created.Key, "late.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestActivateRevokedLicense(t *testing.T) {
	f := newEngine(t, Options{})
	created := f.createLicense(t, CreateLicenseParams{})
	ctx := context.Background()
	require.NoError(t, f.store.UpdateLicenseStatus(ctx, created.ID, license.StatusRevoked))

	res, err := f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInactive, res.Reason)

	report, err := f.svc.Status(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedAttempts)
}

func TestValidateHeartbeat(t *testing.T) {
	f := newEngine(t, Options{})
	created := f.createLicense(t, CreateLicenseParams{})
	ctx := context.Background()

	// Heartbeat before activation fails with a specific reason.
	res, err := f.svc.ValidateHeartbeat(ctx, created.Key, "example.com", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDomainNotActivated, res.Reason)

	_, err = f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)

	f.advance(time.Minute)
	res, err = f.svc.ValidateHeartbeat(ctx, created.Key, "example.com", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, license.StateActive, res.Status)

	act, err := f.store.ActiveActivation(ctx, created.ID, "example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), act.ValidationCount)
}

func TestHeartbeatOnExpiredLicense(t *testing.T) {
	f := newEngine(t, Options{})
	expires := f.clock.Add(time.Hour)
	created := f.createLicense(t, CreateLicenseParams{ExpiresAt: &expires})
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	res, err := f.svc.ValidateHeartbeat(ctx, created.Key, "example.com", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.Equal(t, license.StateExpired, res.Status)
}

func TestExemptBypassGracePolicy(t *testing.T) {
	patterns := license.ParseExemptPatterns("")
	expiresIn := time.Hour

	setup := func(t *testing.T, bypass bool) (*engineFixture, *CreatedLicense) {
		f := newEngine(t, Options{ExemptPatterns: patterns, ExemptBypassGrace: bypass})
		expires := f.clock.Add(expiresIn)
		created := f.createLicense(t, CreateLicenseParams{ExpiresAt: &expires})
		_, err := f.svc.Activate(context.Background(), created.Key, "dev.myapp.local", "", "")
		require.NoError(t, err)
		f.advance(2 * time.Hour) // past expiry, no grace configured
		return f, created
	}

	t.Run("disabled", func(t *testing.T) {
		f, created := setup(t, false)
		res, err := f.svc.ValidateHeartbeat(context.Background(), created.Key, "dev.myapp.local", "")
		require.NoError(t, err)
		assert.False(t, res.Success)
	})

	t.Run("enabled", func(t *testing.T) {
		f, created := setup(t, true)
		res, err := f.svc.ValidateHeartbeat(context.Background(), created.Key, "dev.myapp.local", "")
		require.NoError(t, err)
		assert.True(t, res.Success, "exempt domain keeps validating past expiry under the bypass policy")
	})
}

func TestDeactivateIdempotent(t *testing.T) {
	f := newEngine(t, Options{})
	created := f.createLicense(t, CreateLicenseParams{})
	ctx := context.Background()

	res, err := f.svc.Deactivate(ctx, created.Key, "never-activated.com")
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = f.svc.Activate(ctx, created.Key, "example.com", "", "")
	require.NoError(t, err)

	first, err := f.svc.Deactivate(ctx, created.Key, "example.com")
	require.NoError(t, err)
	assert.True(t, first.Success)

	second, err := f.svc.Deactivate(ctx, created.Key, "example.com")
	require.NoError(t, err)
	assert.False(t, second.Success)
}

// Concurrently activating limit+k distinct domains through the full
// service admits exactly limit, regardless of interleaving.
func TestConcurrentActivationRespectsCapacity(t *testing.T) {
	const limit = 5
	const attempts = 25

	f := newEngine(t, Options{})
	capLimit := limit
	created := f.createLicense(t, CreateLicenseParams{MaxActivations: &capLimit})
	ctx := context.Background()

	var g errgroup.Group
	results := make([]*ActivationResult, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		g.Go(func() error {
			res, err := f.svc.Activate(ctx, created.Key, fmt.Sprintf("site-%d.example.com", i), "", "")
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	require.NoError(t, g.Wait())

	admitted, limited := 0, 0
	for _, res := range results {
		if res.Success {
			admitted++
		} else {
			assert.Equal(t, ReasonActivationLimit, res.Reason)
			limited++
		}
	}
	assert.Equal(t, limit, admitted)
	assert.Equal(t, attempts-limit, limited)

	count, err := f.store.CountActive(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, count)
}

// flakyActivationStore fails CreateActivation a set number of times
// before delegating.
type flakyActivationStore struct {
	store.Store
	failures int
}

func (s *flakyActivationStore) CreateActivation(ctx context.Context, act *license.Activation, limit *int) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.Store.CreateActivation(ctx, act, limit)
}

// A transient insert failure whose retry lands on a full license must
// surface as the activation_limit result, not a storage error.
func TestActivateRetrySurfacesCapacityOutcome(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	flaky := &flakyActivationStore{Store: store.NewMemoryStore()}
	keys := license.NewKeyService(
		[]byte("test-key-salt-0123456789abcdef00"),
		[]byte("test-verify-secret-0123456789abc"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewLicenseServiceWithClock(flaky, keys, Options{
		ExemptPatterns: license.ParseExemptPatterns(""),
	}, logger, func() time.Time { return now })

	ctx := context.Background()
	limit := 1
	created, err := svc.CreateLicense(ctx, CreateLicenseParams{
		OwnerID: "o", ProductID: "p", MaxActivations: &limit,
	})
	require.NoError(t, err)

	res, err := svc.Activate(ctx, created.Key, "a.com", "", "")
	require.NoError(t, err)
	require.True(t, res.Success)

	flaky.failures = 1
	res, err = svc.Activate(ctx, created.Key, "b.com", "", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonActivationLimit, res.Reason)
	assert.Zero(t, flaky.failures, "the retry should have run")
}

func TestHealthServiceReportsHealthy(t *testing.T) {
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	report := NewHealthService(st, logger).Check(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "ok", report.Checks["store"])
}
