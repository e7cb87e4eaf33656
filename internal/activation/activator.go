package activation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/internal/metrics"
	"statsfutbol.app/cloud/models"
)

const (
	codePrefix   = "SF-"
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8

	maxCodeAttempts = 5
)

const (
	ReasonCodeInvalid      = "code_invalid"
	ReasonLicenseExpired   = "license_expired"
	ReasonCapacityExceeded = "capacity_exceeded"
)

type Store interface {
	GetLicense(ctx context.Context, id string) (*models.License, error)
	CreateLicense(ctx context.Context, license *models.License) error
	GetLicenseCode(ctx context.Context, code string) (*models.LicenseCode, error)
	CreateLicenseCode(ctx context.Context, code *models.LicenseCode) error
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	CountActiveMembers(ctx context.Context, licenseID string) (int, error)
	AddMembership(ctx context.Context, userID, licenseID string, role models.Role) (*models.Membership, error)
}

// LicenseSummary is what a user sees before joining a license.
type LicenseSummary struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	PlanName       string     `json:"plan_name"`
	MaxUsers       int        `json:"max_users"`
	ActiveUsers    int        `json:"active_users"`
	AvailableSlots int        `json:"available_slots"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type Validation struct {
	Valid   bool            `json:"valid"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	License *LicenseSummary `json:"license,omitempty"`
}

// Err returns the sentinel error matching an invalid result, nil when valid.
func (v *Validation) Err() error {
	switch {
	case v.Valid:
		return nil
	case v.Reason == ReasonLicenseExpired:
		return models.ErrLicenseExpired
	case v.Reason == ReasonCapacityExceeded:
		return models.ErrCapacityExceeded
	default:
		return models.ErrCodeInvalid
	}
}

func invalid(reason, message string) *Validation {
	return &Validation{Reason: reason, Message: message}
}

type Activator struct {
	store Store
	now   func() time.Time
}

type Option func(*Activator)

func WithClock(now func() time.Time) Option {
	return func(a *Activator) { a.now = now }
}

func New(store Store, opts ...Option) *Activator {
	a := &Activator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateCode checks, in order, that the code exists, that its license has
// not expired and that the license has a free seat. Only store failures are
// returned as errors.
func (a *Activator) ValidateCode(ctx context.Context, code string) (*Validation, error) {
	v, err := a.validate(ctx, NormalizeCode(code))
	if err != nil {
		metrics.RedemptionsTotal.WithLabelValues("validate", "error").Inc()
		return nil, err
	}
	outcome := "valid"
	if !v.Valid {
		outcome = v.Reason
	}
	metrics.RedemptionsTotal.WithLabelValues("validate", outcome).Inc()
	return v, nil
}

func (a *Activator) validate(ctx context.Context, code string) (*Validation, error) {
	if code == "" {
		return invalid(ReasonCodeInvalid, "Por favor, ingresa un código de licencia"), nil
	}

	lc, err := a.store.GetLicenseCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return invalid(ReasonCodeInvalid, "Código de licencia no válido"), nil
	}
	if err != nil {
		return nil, err
	}

	license, err := a.store.GetLicense(ctx, lc.LicenseID)
	if errors.Is(err, models.ErrNotFound) {
		return invalid(ReasonCodeInvalid, "Código de licencia no válido"), nil
	}
	if err != nil {
		return nil, err
	}

	expiresAt := lc.ExpiresAt
	if expiresAt == nil {
		expiresAt = license.ExpiresAt
	}
	if expiresAt != nil && !expiresAt.After(a.now()) {
		return invalid(ReasonLicenseExpired, "Esta licencia ha expirado"), nil
	}

	// A license on an unknown plan has no seats.
	var planName string
	var maxUsers int
	plan, err := a.store.GetPlan(ctx, license.PlanID)
	switch {
	case err == nil:
		planName, maxUsers = plan.Name, plan.MaxUsers
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	active, err := a.store.CountActiveMembers(ctx, license.ID)
	if err != nil {
		return nil, err
	}
	if active >= maxUsers {
		return invalid(ReasonCapacityExceeded,
			fmt.Sprintf("Esta licencia ha alcanzado su límite de %d usuarios", maxUsers)), nil
	}

	return &Validation{
		Valid: true,
		License: &LicenseSummary{
			ID:             license.ID,
			Code:           lc.Code,
			Name:           license.Name,
			PlanName:       planName,
			MaxUsers:       maxUsers,
			ActiveUsers:    active,
			AvailableSlots: maxUsers - active,
			ExpiresAt:      expiresAt,
		},
	}, nil
}

// RedeemCode joins userID to the code's license. The seat check is repeated
// atomically by the store, so concurrent redemptions cannot overshoot the plan.
// Redeeming as an existing member returns that membership.
func (a *Activator) RedeemCode(ctx context.Context, code, userID string) (*models.Membership, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("redeem code: user id is required")
	}
	code = NormalizeCode(code)

	membership, err := a.redeem(ctx, code, userID)
	outcome := "redeemed"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrCodeInvalid):
		outcome = ReasonCodeInvalid
	case errors.Is(err, models.ErrLicenseExpired):
		outcome = ReasonLicenseExpired
	case errors.Is(err, models.ErrCapacityExceeded):
		outcome = ReasonCapacityExceeded
	default:
		outcome = "error"
	}
	metrics.RedemptionsTotal.WithLabelValues("redeem", outcome).Inc()

	if err != nil {
		logger.Info("License code redemption refused", map[string]interface{}{
			"user_id": userID,
			"outcome": outcome,
		})
		return nil, err
	}
	logger.Info("License code redeemed", map[string]interface{}{
		"user_id":    userID,
		"license_id": membership.LicenseID,
	})
	return membership, nil
}

func (a *Activator) redeem(ctx context.Context, code, userID string) (*models.Membership, error) {
	v, err := a.validate(ctx, code)
	if err != nil {
		return nil, err
	}

	var licenseID string
	switch {
	case v.Valid:
		licenseID = v.License.ID
	case v.Reason == ReasonCapacityExceeded:
		// A full license still lets its own members redeem again.
		lc, err := a.store.GetLicenseCode(ctx, code)
		if err != nil {
			return nil, err
		}
		licenseID = lc.LicenseID
	default:
		return nil, fmt.Errorf("redeem %s: %w", code, v.Err())
	}

	return a.store.AddMembership(ctx, userID, licenseID, models.RoleMember)
}

// ProvisionCode creates a pending license on planID together with its code.
func (a *Activator) ProvisionCode(ctx context.Context, name, planID string) (*models.License, *models.LicenseCode, error) {
	if _, err := a.store.GetPlan(ctx, planID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("plan %s: %w", planID, models.ErrUnknownPlan)
		}
		return nil, nil, err
	}

	license := &models.License{Name: name, PlanID: planID, Status: models.StatusPending}
	if err := a.store.CreateLicense(ctx, license); err != nil {
		return nil, nil, err
	}

	code, err := a.IssueCode(ctx, license.ID)
	if err != nil {
		return nil, nil, err
	}
	return license, code, nil
}

// IssueCode stores a fresh random code for licenseID, retrying on collisions.
func (a *Activator) IssueCode(ctx context.Context, licenseID string) (*models.LicenseCode, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		value, err := GenerateCode()
		if err != nil {
			return nil, err
		}

		code := &models.LicenseCode{Code: value, LicenseID: licenseID}
		err = a.store.CreateLicenseCode(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free license code after %d attempts: %w", maxCodeAttempts, models.ErrConflict)
}

// GenerateCode returns SF- followed by 8 characters from an alphabet without
// look-alike glyphs (no I, O, 0 or 1).
func GenerateCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	var b strings.Builder
	b.Grow(len(codePrefix) + codeLength)
	b.WriteString(codePrefix)
	for _, c := range buf {
		// 256 is a multiple of the alphabet size, so the modulo is unbiased.
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}
