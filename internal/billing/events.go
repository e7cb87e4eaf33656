package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

// Event is one of the inbound billing event kinds below.
type Event interface {
	Meta() EventMeta
}

type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted is a finished Checkout Session.
type CheckoutCompleted struct {
	EventMeta
	SessionID      string
	CustomerID     string
	SubscriptionID string
	// Lifetime is set for one-time payment checkouts.
	Lifetime bool
	// Paid is false while an asynchronous payment method is still pending.
	Paid bool

	LicenseID string
	UserID    string
	UserEmail string
	PlanID    string
}

// SubscriptionChanged covers customer.subscription.created and .updated.
type SubscriptionChanged struct {
	EventMeta
	SubscriptionID string
	CustomerID     string
	Status         string
	PeriodEnd      *time.Time
	LicenseID      string

	// Copied from the checkout session by subscription_data.metadata.
	PlanID    string
	UserEmail string
}

type SubscriptionDeleted struct {
	EventMeta
	SubscriptionID string
	CustomerID     string
	LicenseID      string
}

type PaymentFailed struct {
	EventMeta
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	LicenseID      string
}

type InvoicePaid struct {
	EventMeta
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	LicenseID      string
}

// Ignored is any event type the reconciler does not act on.
type Ignored struct {
	EventMeta
}

// stripeRef is an expandable Stripe reference: either an id string or an
// object carrying an id.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = stripeRef(strings.TrimSpace(id))
		return nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = stripeRef(strings.TrimSpace(obj.ID))
	return nil
}

type metadata map[string]string

// get returns the first non-empty value among keys.
func (m metadata) get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func (m metadata) licenseID() string { return m.get("license_id", "licenseId") }

// Minimal payload shapes; only the fields the reconciler reads.
type checkoutSession struct {
	ID                string    `json:"id"`
	Mode              string    `json:"mode"`
	PaymentStatus     string    `json:"payment_status"`
	Customer          stripeRef `json:"customer"`
	Subscription      stripeRef `json:"subscription"`
	ClientReferenceID string    `json:"client_reference_id"`
	CustomerEmail     string    `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata metadata `json:"metadata"`
}

type subscription struct {
	ID               string    `json:"id"`
	Customer         stripeRef `json:"customer"`
	Status           string    `json:"status"`
	CurrentPeriodEnd int64     `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata metadata `json:"metadata"`
}

// periodEnd is the latest period end on the subscription or its items.
func (s *subscription) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

type subscriptionDetails struct {
	Subscription stripeRef `json:"subscription"`
	Metadata     metadata  `json:"metadata"`
}

type invoice struct {
	ID                  string               `json:"id"`
	Customer            stripeRef            `json:"customer"`
	Subscription        stripeRef            `json:"subscription"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Metadata metadata `json:"metadata"`
}

func (in *invoice) details() *subscriptionDetails {
	if in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		return in.Parent.SubscriptionDetails
	}
	return in.SubscriptionDetails
}

func (in *invoice) subscriptionID() string {
	if in.Subscription != "" {
		return string(in.Subscription)
	}
	if d := in.details(); d != nil {
		return string(d.Subscription)
	}
	return ""
}

func (in *invoice) licenseID() string {
	if id := in.Metadata.licenseID(); id != "" {
		return id
	}
	if d := in.details(); d != nil {
		return d.Metadata.licenseID()
	}
	return ""
}

// Decode maps a verified Stripe event to one of the Event kinds. Unknown types
// decode to Ignored.
func Decode(ev stripe.Event) (Event, error) {
	meta := EventMeta{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("event %s has no data object", ev.ID)
	}
	raw := ev.Data.Raw

	switch meta.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var s checkoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		licenseID := s.Metadata.licenseID()
		if licenseID == "" {
			licenseID = strings.TrimSpace(s.ClientReferenceID)
		}
		email := s.Metadata.get("user_email", "userEmail")
		if email == "" {
			email = firstNonEmpty(s.CustomerDetails.Email, s.CustomerEmail)
		}
		return CheckoutCompleted{
			EventMeta:      meta,
			SessionID:      s.ID,
			CustomerID:     string(s.Customer),
			SubscriptionID: string(s.Subscription),
			Lifetime:       s.Mode == "payment",
			Paid:           s.PaymentStatus != "unpaid",
			LicenseID:      licenseID,
			UserID:         s.Metadata.get("user_id", "userId"),
			UserEmail:      email,
			PlanID:         s.Metadata.get("plan_id", "planId"),
		}, nil

	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		return SubscriptionChanged{
			EventMeta:      meta,
			SubscriptionID: sub.ID,
			CustomerID:     string(sub.Customer),
			Status:         sub.Status,
			PeriodEnd:      sub.periodEnd(),
			LicenseID:      sub.Metadata.licenseID(),
			PlanID:         sub.Metadata.get("plan_id", "planId"),
			UserEmail:      sub.Metadata.get("user_email", "userEmail"),
		}, nil

	case "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		return SubscriptionDeleted{
			EventMeta:      meta,
			SubscriptionID: sub.ID,
			CustomerID:     string(sub.Customer),
			LicenseID:      sub.Metadata.licenseID(),
		}, nil

	case "invoice.payment_failed":
		var in invoice
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		return PaymentFailed{
			EventMeta:      meta,
			InvoiceID:      in.ID,
			CustomerID:     string(in.Customer),
			SubscriptionID: in.subscriptionID(),
			LicenseID:      in.licenseID(),
		}, nil

	case "invoice.paid":
		var in invoice
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		return InvoicePaid{
			EventMeta:      meta,
			InvoiceID:      in.ID,
			CustomerID:     string(in.Customer),
			SubscriptionID: in.subscriptionID(),
			LicenseID:      in.licenseID(),
		}, nil

	default:
		return Ignored{EventMeta: meta}, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
