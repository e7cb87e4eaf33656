package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"statsfutbol.app/cloud/models"
)

// Storage is the entitlement store. It exclusively owns licenses, memberships,
// codes, plans and the processed webhook event ledger. Lookups of absent rows
// return models.ErrNotFound; infrastructure failures wrap
// models.ErrUpstreamUnavailable.
type Storage interface {
	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByCustomer(ctx context.Context, customerID string) (*models.License, error)
	CreateLicense(ctx context.Context, license *models.License) error
	// UpsertLicenseByCustomer returns the license bound to customerID, creating
	// a pending one from patch when none exists. Replays find the same row.
	UpsertLicenseByCustomer(ctx context.Context, customerID string, patch models.LicensePatch) (*models.License, error)
	// CompareAndSwapLicense writes license only if the stored version still
	// equals expectedVersion, otherwise it returns models.ErrConflict. On
	// success license.Version holds the new version.
	CompareAndSwapLicense(ctx context.Context, license *models.License, expectedVersion int64) error
	// SetStatus moves a license to status. A non-nil expiresAt replaces the
	// expiry unless the license is lifetime.
	SetStatus(ctx context.Context, id string, status models.LicenseStatus, expiresAt *time.Time) error

	// AddMembership activates userID on licenseID unless that would push the
	// active member count past the plan limit (models.ErrCapacityExceeded).
	// Adding an already active member returns the existing membership.
	AddMembership(ctx context.Context, userID, licenseID string, role models.Role) (*models.Membership, error)
	CountActiveMembers(ctx context.Context, licenseID string) (int, error)
	ListActiveMemberships(ctx context.Context, userID string) ([]*models.Membership, error)

	CreateLicenseCode(ctx context.Context, code *models.LicenseCode) error
	GetLicenseCode(ctx context.Context, code string) (*models.LicenseCode, error)
	ListLicenseCodes(ctx context.Context, licenseID string) ([]*models.LicenseCode, error)

	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	ListPlans(ctx context.Context) ([]models.Plan, error)
	SyncPlans(ctx context.Context, plans []models.Plan) error

	// BeginEvent records a webhook event id and reports whether it was
	// already processed successfully.
	BeginEvent(ctx context.Context, eventID, eventType string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error

	Ping(ctx context.Context) error
	Close() error
}

const maxStatusAttempts = 5

// setStatus implements SetStatus on top of GetLicense and CompareAndSwapLicense.
func setStatus(ctx context.Context, s Storage, id string, status models.LicenseStatus, expiresAt *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		license, err := s.GetLicense(ctx, id)
		if err != nil {
			return err
		}

		expected := license.Version
		license.Status = status
		if expiresAt != nil && !license.Lifetime {
			t := expiresAt.UTC()
			license.ExpiresAt = &t
		}
		if status == models.StatusActive && license.ActivatedAt == nil {
			now := time.Now().UTC()
			license.ActivatedAt = &now
		}

		err = s.CompareAndSwapLicense(ctx, license, expected)
		if err == nil || !errors.Is(err, models.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("set status on license %s: %w", id, models.ErrConflict)
}
