package activation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statsfutbol.app/cloud/models"
	"statsfutbol.app/cloud/storage"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SyncPlans(context.Background(), []models.Plan{
		{ID: "single", Name: "Individual", MaxUsers: 1, Recurring: true},
		{ID: "duo", Name: "Dúo", MaxUsers: 2, Recurring: true},
		{ID: "annual", Name: "Anual", MaxUsers: 5, Recurring: true},
	}))
	return store
}

func seedLicense(t *testing.T, store *storage.MemoryStorage, planID, code string, expiresAt *time.Time) *models.License {
	t.Helper()
	ctx := context.Background()
	license := &models.License{Name: "Club Atlético", PlanID: planID, Status: models.StatusActive, ExpiresAt: expiresAt}
	require.NoError(t, store.CreateLicense(ctx, license))
	require.NoError(t, store.CreateLicenseCode(ctx, &models.LicenseCode{Code: code, LicenseID: license.ID}))
	return license
}

func TestValidateCode_SingleSeat(t *testing.T) {
	store := newStore(t)
	expires := now.Add(30 * 24 * time.Hour)
	license := seedLicense(t, store, "single", "SF-AB12CD34", &expires)
	a := New(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	v, err := a.ValidateCode(ctx, "  sf-ab12cd34 ")
	require.NoError(t, err)
	require.True(t, v.Valid)
	assert.Equal(t, license.ID, v.License.ID)
	assert.Equal(t, "Individual", v.License.PlanName)
	assert.Equal(t, 1, v.License.MaxUsers)
	assert.Equal(t, 0, v.License.ActiveUsers)
	assert.Equal(t, 1, v.License.AvailableSlots)

	m, err := a.RedeemCode(ctx, "SF-AB12CD34", "user-1")
	require.NoError(t, err)
	assert.Equal(t, license.ID, m.LicenseID)
	assert.Equal(t, models.RoleMember, m.Role)

	v, err = a.ValidateCode(ctx, "SF-AB12CD34")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonCapacityExceeded, v.Reason)
	assert.Equal(t, "Esta licencia ha alcanzado su límite de 1 usuarios", v.Message)

	_, err = a.RedeemCode(ctx, "SF-AB12CD34", "user-2")
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)

	again, err := a.RedeemCode(ctx, "SF-AB12CD34", "user-1")
	require.NoError(t, err, "existing member can redeem on a full license")
	assert.Equal(t, m.ID, again.ID)
}

func TestValidateCode_Invalid(t *testing.T) {
	store := newStore(t)
	a := New(store, WithClock(func() time.Time { return now }))

	testCases := []struct {
		name    string
		code    string
		message string
	}{
		{"empty", "   ", "Por favor, ingresa un código de licencia"},
		{"unknown", "SF-NOPE0000", "Código de licencia no válido"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := a.ValidateCode(context.Background(), tc.code)
			require.NoError(t, err)
			assert.False(t, v.Valid)
			assert.Equal(t, ReasonCodeInvalid, v.Reason)
			assert.Equal(t, tc.message, v.Message)
			assert.ErrorIs(t, v.Err(), models.ErrCodeInvalid)
		})
	}

	_, err := a.RedeemCode(context.Background(), "SF-NOPE0000", "user-1")
	assert.ErrorIs(t, err, models.ErrCodeInvalid)
}

func TestValidateCode_Expired(t *testing.T) {
	store := newStore(t)
	expired := now.Add(-time.Hour)
	seedLicense(t, store, "annual", "SF-EXPD2345", &expired)
	a := New(store, WithClock(func() time.Time { return now }))

	v, err := a.ValidateCode(context.Background(), "SF-EXPD2345")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonLicenseExpired, v.Reason)
	assert.Equal(t, "Esta licencia ha expirado", v.Message)

	_, err = a.RedeemCode(context.Background(), "SF-EXPD2345", "user-1")
	assert.ErrorIs(t, err, models.ErrLicenseExpired)
}

func TestValidateCode_CodeExpiryOverridesLicense(t *testing.T) {
	store := newStore(t)
	license := seedLicense(t, store, "annual", "SF-GOOD2345", nil)
	codeExpiry := now.Add(-time.Minute)
	require.NoError(t, store.CreateLicenseCode(context.Background(),
		&models.LicenseCode{Code: "SF-OLDC2345", LicenseID: license.ID, ExpiresAt: &codeExpiry}))
	a := New(store, WithClock(func() time.Time { return now }))

	v, err := a.ValidateCode(context.Background(), "SF-OLDC2345")
	require.NoError(t, err)
	assert.Equal(t, ReasonLicenseExpired, v.Reason)

	v, err = a.ValidateCode(context.Background(), "SF-GOOD2345")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Nil(t, v.License.ExpiresAt)
}

func TestRedeemCode_ConcurrentRedemptionsRespectCapacity(t *testing.T) {
	store := newStore(t)
	license := seedLicense(t, store, "duo", "SF-DUO23456", nil)
	a := New(store)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, refused := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.RedeemCode(context.Background(), "SF-DUO23456", fmt.Sprintf("user-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, models.ErrCapacityExceeded):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 8, refused)

	count, err := store.CountActiveMembers(context.Background(), license.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRedeemCode_RequiresUser(t *testing.T) {
	a := New(newStore(t))
	_, err := a.RedeemCode(context.Background(), "SF-AB12CD34", " ")
	assert.Error(t, err)
}

func TestProvisionCode(t *testing.T) {
	store := newStore(t)
	a := New(store)
	ctx := context.Background()

	license, code, err := a.ProvisionCode(ctx, "Escuela de fútbol", "annual")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, license.Status)
	assert.Equal(t, license.ID, code.LicenseID)

	stored, err := store.GetLicenseCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, license.ID, stored.LicenseID)

	_, _, err = a.ProvisionCode(ctx, "Nada", "platinum")
	assert.ErrorIs(t, err, models.ErrUnknownPlan)
}

// collidingStore reports a unique violation for the first n code inserts.
type collidingStore struct {
	*storage.MemoryStorage
	collisions int
}

func (c *collidingStore) CreateLicenseCode(ctx context.Context, code *models.LicenseCode) error {
	if c.collisions > 0 {
		c.collisions--
		return fmt.Errorf("code %s: %w", code.Code, models.ErrConflict)
	}
	return c.MemoryStorage.CreateLicenseCode(ctx, code)
}

func TestIssueCode_RetriesCollisions(t *testing.T) {
	mem := newStore(t)
	license := seedLicense(t, mem, "annual", "SF-SEED2345", nil)

	store := &collidingStore{MemoryStorage: mem, collisions: 2}
	code, err := New(store).IssueCode(context.Background(), license.ID)
	require.NoError(t, err)
	assert.Equal(t, license.ID, code.LicenseID)

	store.collisions = maxCodeAttempts
	_, err = New(store).IssueCode(context.Background(), license.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestGenerateCode(t *testing.T) {
	pattern := regexp.MustCompile(`^SF-[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{8}$`)
	seen := make(map[string]bool)

	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 195)
}
