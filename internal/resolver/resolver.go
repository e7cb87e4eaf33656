package resolver

import (
	"context"
	"errors"
	"sort"
	"time"

	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/models"
)

type Store interface {
	ListActiveMemberships(ctx context.Context, userID string) ([]*models.Membership, error)
	GetLicense(ctx context.Context, id string) (*models.License, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
}

// Entry is one license visible to a user through an active membership.
type Entry struct {
	License      models.License `json:"license"`
	PlanName     string         `json:"plan_name,omitempty"`
	MaxUsers     int            `json:"max_users"`
	Role         models.Role    `json:"role"`
	GrantsAccess bool           `json:"grants_access"`
}

type Resolution struct {
	UserID   string  `json:"user_id"`
	Licenses []Entry `json:"licenses"`
	Current  *Entry  `json:"current,omitempty"`
}

// Access is the routing decision for a caller.
type Access string

const (
	AccessLogin     Access = "login"
	AccessActivate  Access = "activate"
	AccessSubscribe Access = "subscribe"
	AccessApp       Access = "app"
)

type Resolver struct {
	store Store
	grace bool
	now   func() time.Time
}

type Option func(*Resolver)

// WithGracePeriodAccess lets payment_failed licenses keep granting access
// until their expiry passes.
func WithGracePeriodAccess(enabled bool) Option {
	return func(r *Resolver) { r.grace = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(store Store, opts ...Option) *Resolver {
	r := &Resolver{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GrantsAccess reports whether license lets its members into the app at now.
func (r *Resolver) GrantsAccess(license *models.License, now time.Time) bool {
	switch license.Status {
	case models.StatusActive:
		return !license.Expired(now)
	case models.StatusPaymentFailed:
		return r.grace && license.ExpiresAt != nil && license.ExpiresAt.After(now)
	default:
		return false
	}
}

// Resolve lists the licenses userID belongs to, oldest license first, and
// picks pinnedLicenseID as current when the user can see it. It never writes.
func (r *Resolver) Resolve(ctx context.Context, userID, pinnedLicenseID string) (*Resolution, error) {
	res := &Resolution{UserID: userID, Licenses: []Entry{}}
	if userID == "" {
		return res, nil
	}

	memberships, err := r.store.ListActiveMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	plans := make(map[string]*models.Plan)
	for _, m := range memberships {
		license, err := r.store.GetLicense(ctx, m.LicenseID)
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn("Membership references missing license", map[string]interface{}{
				"user_id":    userID,
				"license_id": m.LicenseID,
			})
			continue
		}
		if err != nil {
			return nil, err
		}

		entry := Entry{
			License:      *license,
			Role:         m.Role,
			GrantsAccess: r.GrantsAccess(license, now),
		}

		plan, seen := plans[license.PlanID]
		if !seen {
			plan, err = r.store.GetPlan(ctx, license.PlanID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			plans[license.PlanID] = plan
		}
		if plan != nil {
			entry.PlanName = plan.Name
			entry.MaxUsers = plan.MaxUsers
		}

		res.Licenses = append(res.Licenses, entry)
	}

	sort.SliceStable(res.Licenses, func(i, j int) bool {
		return res.Licenses[i].License.CreatedAt.Before(res.Licenses[j].License.CreatedAt)
	})

	if len(res.Licenses) == 0 {
		return res, nil
	}
	res.Current = &res.Licenses[0]
	for i := range res.Licenses {
		if pinnedLicenseID != "" && res.Licenses[i].License.ID == pinnedLicenseID {
			res.Current = &res.Licenses[i]
			break
		}
	}
	return res, nil
}

// Decide maps a resolution to where the caller should be sent.
func Decide(res *Resolution) Access {
	switch {
	case res == nil || res.UserID == "":
		return AccessLogin
	case len(res.Licenses) == 0:
		return AccessActivate
	case res.Current == nil || !res.Current.GrantsAccess:
		return AccessSubscribe
	default:
		return AccessApp
	}
}
