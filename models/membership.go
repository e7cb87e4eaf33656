package models

import "time"

type MembershipStatus string

const (
	MembershipActive   MembershipStatus = "active"
	MembershipInactive MembershipStatus = "inactive"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

type Membership struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	LicenseID   string           `json:"license_id"`
	Status      MembershipStatus `json:"status"`
	Role        Role             `json:"role"`
	ActivatedAt time.Time        `json:"activated_at"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Plan is a purchasable license type. MaxUsers caps the active memberships of
// every license on the plan.
type Plan struct {
	ID            string `json:"id" mapstructure:"id"`
	Name          string `json:"name" mapstructure:"name"`
	MaxUsers      int    `json:"max_users" mapstructure:"max_users"`
	Recurring     bool   `json:"recurring" mapstructure:"recurring"`
	StripePriceID string `json:"-" mapstructure:"stripe_price_id"`
}

// LicenseCode is a pre-provisioned token that lets a user join a license.
type LicenseCode struct {
	Code      string     `json:"code"`
	LicenseID string     `json:"license_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
