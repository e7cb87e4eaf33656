package models

import "time"

type LicenseStatus string

const (
	StatusPending       LicenseStatus = "pending"
	StatusActive        LicenseStatus = "active"
	StatusExpired       LicenseStatus = "expired"
	StatusPaymentFailed LicenseStatus = "payment_failed"
)

func (s LicenseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusExpired, StatusPaymentFailed:
		return true
	}
	return false
}

// License is one purchasable entitlement for a team. Rows are never deleted,
// only moved between statuses.
type License struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Status               LicenseStatus `json:"status"`
	PlanID               string        `json:"plan_id"`
	ActivatedAt          *time.Time    `json:"activated_at,omitempty"`
	ExpiresAt            *time.Time    `json:"expires_at,omitempty"`
	Lifetime             bool          `json:"lifetime"`
	StripeCustomerID     string        `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string        `json:"stripe_subscription_id,omitempty"`

	// Ordering guard for billing events: the id of the last event applied
	// and the creation time of the newest subscription and invoice events.
	LastEventID             string     `json:"-"`
	LastSubscriptionEventAt *time.Time `json:"-"`
	LastInvoiceEventAt      *time.Time `json:"-"`

	// Version is bumped on every write and used for compare-and-set updates.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the hard expiry has passed. A nil expiry never lapses.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// LicensePatch holds the fields applied when a license is upserted by its
// Stripe customer reference.
type LicensePatch struct {
	Name   string
	PlanID string
}
