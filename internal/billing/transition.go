package billing

import (
	"time"

	"statsfutbol.app/cloud/models"
)

// Decision is the result of applying one event to a license.
type Decision struct {
	Next    models.License
	Changed bool
	// Reason explains why nothing changed, or names the applied transition.
	Reason string
}

const (
	ReasonApplied       = "applied"
	ReasonStale         = "stale"
	ReasonAlreadyDone   = "already_applied"
	ReasonLifetime      = "lifetime"
	ReasonUnpaid        = "unpaid"
	ReasonOtherSub      = "other_subscription"
	ReasonIncomplete    = "incomplete"
	ReasonUnknownStatus = "unknown_status"
	ReasonIgnored       = "ignored"
	ReasonEnded         = "ended"
	ReasonNoop          = "noop"
)

// Transition computes the next state of cur for ev. It is pure: no store, no
// clock besides now, no side effects.
//
// Ordering is tracked per family: subscription events are only compared with
// subscription events, invoice events with invoice events.
func Transition(cur models.License, ev Event, now time.Time) Decision {
	meta := ev.Meta()
	keep := func(reason string) Decision {
		return Decision{Next: cur, Reason: reason}
	}

	if _, ok := ev.(Ignored); ok {
		return keep(ReasonIgnored)
	}
	if meta.ID != "" && meta.ID == cur.LastEventID {
		return keep(ReasonAlreadyDone)
	}

	next := cur
	switch e := ev.(type) {
	case CheckoutCompleted:
		if !e.Paid {
			return keep(ReasonUnpaid)
		}
		// A newer subscription event already settled the status.
		if !newerThan(cur.LastSubscriptionEventAt, meta.Created) || e.Lifetime {
			next.Status = models.StatusActive
		}
		if next.ActivatedAt == nil {
			t := now.UTC()
			next.ActivatedAt = &t
		}
		if next.StripeCustomerID == "" {
			next.StripeCustomerID = e.CustomerID
		}
		if e.SubscriptionID != "" && !next.Lifetime {
			next.StripeSubscriptionID = e.SubscriptionID
		}
		if e.PlanID != "" && !next.Lifetime {
			next.PlanID = e.PlanID
		}
		if e.Lifetime {
			next.Lifetime = true
			next.ExpiresAt = nil
		}

	case SubscriptionChanged:
		if cur.Lifetime {
			return keep(ReasonLifetime)
		}
		if newerThan(cur.LastSubscriptionEventAt, meta.Created) {
			return keep(ReasonStale)
		}
		if e.SubscriptionID == cur.StripeSubscriptionID && e.PeriodEnd != nil &&
			cur.ExpiresAt != nil && e.PeriodEnd.Before(*cur.ExpiresAt) {
			return keep(ReasonStale)
		}

		// Between active and payment_failed a newer invoice outcome wins.
		invoiceSettled := newerThan(cur.LastInvoiceEventAt, meta.Created) &&
			(cur.Status == models.StatusActive || cur.Status == models.StatusPaymentFailed)

		switch e.Status {
		case "active", "trialing", "":
			if !invoiceSettled {
				next.Status = models.StatusActive
			}
			if e.PeriodEnd != nil {
				t := e.PeriodEnd.UTC()
				next.ExpiresAt = &t
			}
			if next.ActivatedAt == nil {
				t := now.UTC()
				next.ActivatedAt = &t
			}
		case "past_due", "unpaid":
			if !invoiceSettled {
				next.Status = models.StatusPaymentFailed
			}
		case "canceled", "incomplete_expired":
			next.Status = models.StatusExpired
		case "incomplete":
			return keep(ReasonIncomplete)
		default:
			return keep(ReasonUnknownStatus)
		}
		next.StripeSubscriptionID = e.SubscriptionID
		if next.StripeCustomerID == "" {
			next.StripeCustomerID = e.CustomerID
		}
		next.LastSubscriptionEventAt = advance(cur.LastSubscriptionEventAt, meta)

	case SubscriptionDeleted:
		if cur.Lifetime {
			return keep(ReasonLifetime)
		}
		if otherSubscription(cur, e.SubscriptionID) {
			return keep(ReasonOtherSub)
		}
		if newerThan(cur.LastSubscriptionEventAt, meta.Created) {
			return keep(ReasonStale)
		}
		next.Status = models.StatusExpired
		next.LastSubscriptionEventAt = advance(cur.LastSubscriptionEventAt, meta)

	case PaymentFailed:
		if reason, ok := invoiceApplies(cur, e.SubscriptionID, meta); !ok {
			return keep(reason)
		}
		// Expiry stays: it still marks when access really lapses.
		next.Status = models.StatusPaymentFailed
		next.LastInvoiceEventAt = advance(cur.LastInvoiceEventAt, meta)

	case InvoicePaid:
		if reason, ok := invoiceApplies(cur, e.SubscriptionID, meta); !ok {
			return keep(reason)
		}
		next.Status = models.StatusActive
		if next.ActivatedAt == nil {
			t := now.UTC()
			next.ActivatedAt = &t
		}
		next.LastInvoiceEventAt = advance(cur.LastInvoiceEventAt, meta)

	default:
		return keep(ReasonIgnored)
	}

	if sameState(cur, next) &&
		sameTime(cur.LastSubscriptionEventAt, next.LastSubscriptionEventAt) &&
		sameTime(cur.LastInvoiceEventAt, next.LastInvoiceEventAt) {
		return keep(ReasonNoop)
	}

	next.LastEventID = meta.ID
	return Decision{Next: next, Changed: true, Reason: ReasonApplied}
}

// invoiceApplies reports whether an invoice outcome may move the license, and
// the reason when it may not.
func invoiceApplies(cur models.License, subID string, meta EventMeta) (string, bool) {
	switch {
	case cur.Lifetime:
		return ReasonLifetime, false
	case otherSubscription(cur, subID):
		return ReasonOtherSub, false
	case cur.Status == models.StatusExpired:
		return ReasonEnded, false
	case newerThan(cur.LastInvoiceEventAt, meta.Created):
		return ReasonStale, false
	}
	return "", true
}

// newerThan reports whether the recorded time is after t.
func newerThan(recorded *time.Time, t time.Time) bool {
	return recorded != nil && recorded.After(t)
}

// advance moves a family's ordering mark to the event creation time. Events
// without a timestamp leave it where it is.
func advance(recorded *time.Time, meta EventMeta) *time.Time {
	if meta.Created.IsZero() {
		return recorded
	}
	t := meta.Created.UTC()
	return &t
}

// otherSubscription reports whether subID belongs to a subscription other than
// the one the license follows.
func otherSubscription(cur models.License, subID string) bool {
	return subID != "" && cur.StripeSubscriptionID != "" && subID != cur.StripeSubscriptionID
}

func sameState(a, b models.License) bool {
	return a.Status == b.Status &&
		a.PlanID == b.PlanID &&
		a.Lifetime == b.Lifetime &&
		a.StripeCustomerID == b.StripeCustomerID &&
		a.StripeSubscriptionID == b.StripeSubscriptionID &&
		sameTime(a.ActivatedAt, b.ActivatedAt) &&
		sameTime(a.ExpiresAt, b.ExpiresAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
