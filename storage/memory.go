package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"statsfutbol.app/cloud/models"
)

// MemoryStorage keeps everything in maps behind one mutex. It backs tests and
// local runs; every method copies rows in and out so callers never share state.
type MemoryStorage struct {
	mu sync.Mutex

	Licenses    map[string]models.License
	Memberships map[string]models.Membership
	Codes       map[string]models.LicenseCode
	Plans       map[string]models.Plan
	Events      map[string]*time.Time // event id -> processed at
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Licenses:    make(map[string]models.License),
		Memberships: make(map[string]models.Membership),
		Codes:       make(map[string]models.LicenseCode),
		Plans:       make(map[string]models.Plan),
		Events:      make(map[string]*time.Time),
	}
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.Licenses[id]
	if !exists {
		return nil, fmt.Errorf("license %s: %w", id, models.ErrNotFound)
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseByCustomer(ctx context.Context, customerID string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if license := m.findByCustomer(customerID); license != nil {
		return license, nil
	}
	return nil, fmt.Errorf("license for customer %s: %w", customerID, models.ErrNotFound)
}

func (m *MemoryStorage) findByCustomer(customerID string) *models.License {
	if customerID == "" {
		return nil
	}
	for _, license := range m.Licenses {
		if license.StripeCustomerID == customerID {
			return &license
		}
	}
	return nil
}

func (m *MemoryStorage) CreateLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Licenses[license.ID]; exists {
		return fmt.Errorf("license %s: %w", license.ID, models.ErrConflict)
	}
	if m.findByCustomer(license.StripeCustomerID) != nil {
		return fmt.Errorf("customer %s already has a license: %w", license.StripeCustomerID, models.ErrConflict)
	}
	if _, exists := m.Plans[license.PlanID]; !exists {
		return fmt.Errorf("plan %s: %w", license.PlanID, models.ErrUnknownPlan)
	}

	stampNew(license)
	m.Licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) UpsertLicenseByCustomer(ctx context.Context, customerID string, patch models.LicensePatch) (*models.License, error) {
	if customerID == "" {
		return nil, errors.New("upsert license: empty customer reference")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findByCustomer(customerID); existing != nil {
		if applyPatch(existing, patch) {
			existing.Version++
			existing.UpdatedAt = time.Now().UTC()
			m.Licenses[existing.ID] = *existing
		}
		return existing, nil
	}

	if _, exists := m.Plans[patch.PlanID]; !exists {
		return nil, fmt.Errorf("plan %s: %w", patch.PlanID, models.ErrUnknownPlan)
	}

	license := &models.License{
		ID:               uuid.NewString(),
		Name:             patch.Name,
		Status:           models.StatusPending,
		PlanID:           patch.PlanID,
		StripeCustomerID: customerID,
	}
	stampNew(license)
	m.Licenses[license.ID] = *license
	return license, nil
}

func (m *MemoryStorage) CompareAndSwapLicense(ctx context.Context, license *models.License, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.Licenses[license.ID]
	if !exists {
		return fmt.Errorf("license %s: %w", license.ID, models.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("license %s at version %d, expected %d: %w", license.ID, stored.Version, expectedVersion, models.ErrConflict)
	}
	if other := m.findByCustomer(license.StripeCustomerID); other != nil && other.ID != license.ID {
		return fmt.Errorf("customer %s already has a license: %w", license.StripeCustomerID, models.ErrConflict)
	}

	license.Version = expectedVersion + 1
	license.CreatedAt = stored.CreatedAt
	license.UpdatedAt = time.Now().UTC()
	m.Licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) SetStatus(ctx context.Context, id string, status models.LicenseStatus, expiresAt *time.Time) error {
	return setStatus(ctx, m, id, status, expiresAt)
}

func (m *MemoryStorage) AddMembership(ctx context.Context, userID, licenseID string, role models.Role) (*models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.Licenses[licenseID]
	if !exists {
		return nil, fmt.Errorf("license %s: %w", licenseID, models.ErrNotFound)
	}
	plan, exists := m.Plans[license.PlanID]
	if !exists {
		return nil, fmt.Errorf("plan %s: %w", license.PlanID, models.ErrUnknownPlan)
	}

	var existing *models.Membership
	active := 0
	for _, ms := range m.Memberships {
		if ms.LicenseID != licenseID {
			continue
		}
		if ms.UserID == userID {
			found := ms
			existing = &found
		}
		if ms.Status == models.MembershipActive {
			active++
		}
	}

	if existing != nil && existing.Status == models.MembershipActive {
		return existing, nil
	}
	if active >= plan.MaxUsers {
		return nil, fmt.Errorf("license %s has %d of %d users: %w", licenseID, active, plan.MaxUsers, models.ErrCapacityExceeded)
	}

	now := time.Now().UTC()
	if existing != nil {
		existing.Status = models.MembershipActive
		existing.ActivatedAt = now
		m.Memberships[existing.ID] = *existing
		return existing, nil
	}

	membership := models.Membership{
		ID:          uuid.NewString(),
		UserID:      userID,
		LicenseID:   licenseID,
		Status:      models.MembershipActive,
		Role:        role,
		ActivatedAt: now,
		CreatedAt:   now,
	}
	m.Memberships[membership.ID] = membership
	return &membership, nil
}

func (m *MemoryStorage) CountActiveMembers(ctx context.Context, licenseID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, ms := range m.Memberships {
		if ms.LicenseID == licenseID && ms.Status == models.MembershipActive {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStorage) ListActiveMemberships(ctx context.Context, userID string) ([]*models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var memberships []*models.Membership
	for _, ms := range m.Memberships {
		if ms.UserID == userID && ms.Status == models.MembershipActive {
			msCopy := ms
			memberships = append(memberships, &msCopy)
		}
	}
	sort.Slice(memberships, func(i, j int) bool {
		if memberships[i].CreatedAt.Equal(memberships[j].CreatedAt) {
			return memberships[i].ID < memberships[j].ID
		}
		return memberships[i].CreatedAt.Before(memberships[j].CreatedAt)
	})
	return memberships, nil
}

func (m *MemoryStorage) CreateLicenseCode(ctx context.Context, code *models.LicenseCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Codes[code.Code]; exists {
		return fmt.Errorf("code %s: %w", code.Code, models.ErrConflict)
	}
	if _, exists := m.Licenses[code.LicenseID]; !exists {
		return fmt.Errorf("license %s: %w", code.LicenseID, models.ErrNotFound)
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	m.Codes[code.Code] = *code
	return nil
}

func (m *MemoryStorage) GetLicenseCode(ctx context.Context, code string) (*models.LicenseCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lc, exists := m.Codes[code]
	if !exists {
		return nil, fmt.Errorf("code %s: %w", code, models.ErrNotFound)
	}
	return &lc, nil
}

func (m *MemoryStorage) ListLicenseCodes(ctx context.Context, licenseID string) ([]*models.LicenseCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var codes []*models.LicenseCode
	for _, lc := range m.Codes {
		if lc.LicenseID == licenseID {
			lcCopy := lc
			codes = append(codes, &lcCopy)
		}
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].Code < codes[j].Code })
	return codes, nil
}

func (m *MemoryStorage) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, exists := m.Plans[id]
	if !exists {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	return &plan, nil
}

func (m *MemoryStorage) ListPlans(ctx context.Context) ([]models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans := make([]models.Plan, 0, len(m.Plans))
	for _, p := range m.Plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (m *MemoryStorage) SyncPlans(ctx context.Context, plans []models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range plans {
		m.Plans[p.ID] = p
	}
	return nil
}

func (m *MemoryStorage) BeginEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	processedAt, seen := m.Events[eventID]
	if !seen {
		m.Events[eventID] = nil
		return false, nil
	}
	return processedAt != nil, nil
}

func (m *MemoryStorage) MarkEventProcessed(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	m.Events[eventID] = &now
	return nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func stampNew(license *models.License) {
	now := time.Now().UTC()
	if license.ID == "" {
		license.ID = uuid.NewString()
	}
	if license.Status == "" {
		license.Status = models.StatusPending
	}
	if license.CreatedAt.IsZero() {
		license.CreatedAt = now
	}
	license.UpdatedAt = now
	license.Version = 1
}

// applyPatch fills empty fields from patch and reports whether anything changed.
func applyPatch(license *models.License, patch models.LicensePatch) bool {
	changed := false
	if license.Name == "" && patch.Name != "" {
		license.Name = patch.Name
		changed = true
	}
	if patch.PlanID != "" && license.PlanID != patch.PlanID {
		license.PlanID = patch.PlanID
		changed = true
	}
	return changed
}

var _ Storage = (*MemoryStorage)(nil)
