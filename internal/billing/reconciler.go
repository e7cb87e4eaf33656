package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"statsfutbol.app/cloud/internal/email"
	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/internal/metrics"
	"statsfutbol.app/cloud/models"
)

// Store is the subset of the entitlement store the reconciler writes through.
type Store interface {
	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByCustomer(ctx context.Context, customerID string) (*models.License, error)
	UpsertLicenseByCustomer(ctx context.Context, customerID string, patch models.LicensePatch) (*models.License, error)
	CompareAndSwapLicense(ctx context.Context, license *models.License, expectedVersion int64) error
	AddMembership(ctx context.Context, userID, licenseID string, role models.Role) (*models.Membership, error)
	CountActiveMembers(ctx context.Context, licenseID string) (int, error)
	ListLicenseCodes(ctx context.Context, licenseID string) ([]*models.LicenseCode, error)
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	BeginEvent(ctx context.Context, eventID, eventType string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
}

// CodeIssuer creates the shareable team code of a newly purchased license.
type CodeIssuer interface {
	IssueCode(ctx context.Context, licenseID string) (*models.LicenseCode, error)
}

const (
	ResultDuplicate = "duplicate"
	ResultUnmatched = "unmatched"
	ResultMalformed = "malformed"

	defaultMaxAttempts = 5
)

// Outcome describes how an acknowledged event was handled.
type Outcome struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	LicenseID string `json:"license_id,omitempty"`
	Result    string `json:"result"`
}

type Reconciler struct {
	store         Store
	secret        string
	codes         CodeIssuer
	sender        email.Sender
	emailFrom     string
	defaultPlanID string
	maxAttempts   int
	now           func() time.Time
}

type Option func(*Reconciler)

func WithCodeIssuer(codes CodeIssuer) Option {
	return func(r *Reconciler) { r.codes = codes }
}

func WithSender(sender email.Sender, from string) Option {
	return func(r *Reconciler) {
		r.sender = sender
		r.emailFrom = from
	}
}

// WithDefaultPlan sets the plan of licenses created by checkouts that carry no
// plan_id metadata.
func WithDefaultPlan(planID string) Option {
	return func(r *Reconciler) { r.defaultPlanID = planID }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewReconciler(store Store, webhookSecret string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       store,
		secret:      webhookSecret,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent verifies and applies one Stripe webhook delivery. A nil error
// means the delivery should be acknowledged. Errors wrap either
// models.ErrAuthenticity (reject, no retry) or models.ErrUpstreamUnavailable
// (reject so Stripe redelivers).
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	start := time.Now()

	event, err := webhook.ConstructEventWithOptions(payload, signature, r.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", models.ErrAuthenticity, err)
	}

	outcome := &Outcome{EventID: event.ID, EventType: string(event.Type)}
	defer func() {
		metrics.WebhookDuration.WithLabelValues(outcome.EventType).Observe(time.Since(start).Seconds())
	}()

	if err := r.process(ctx, event, outcome); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(outcome.EventType, "failed").Inc()
		logger.Error("Webhook processing failed", map[string]interface{}{
			"event_id":   outcome.EventID,
			"event_type": outcome.EventType,
			"license_id": outcome.LicenseID,
			"error":      err.Error(),
		})
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("event_type", outcome.EventType)
			scope.SetTag("event_id", outcome.EventID)
			sentry.CaptureException(err)
		})
		return outcome, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(outcome.EventType, outcome.Result).Inc()
	logger.Info("Webhook processed", map[string]interface{}{
		"event_id":   outcome.EventID,
		"event_type": outcome.EventType,
		"license_id": outcome.LicenseID,
		"result":     outcome.Result,
	})
	return outcome, nil
}

func (r *Reconciler) process(ctx context.Context, event stripe.Event, outcome *Outcome) error {
	processed, err := r.store.BeginEvent(ctx, event.ID, string(event.Type))
	if err != nil {
		return upstream(err)
	}
	if processed {
		outcome.Result = ResultDuplicate
		return nil
	}

	ev, err := Decode(event)
	if err != nil {
		// Verified but undecodable: redelivery would fail the same way.
		logger.Error("Webhook payload could not be decoded", map[string]interface{}{
			"event_id":   event.ID,
			"event_type": string(event.Type),
			"error":      err.Error(),
		})
		sentry.CaptureException(err)
		outcome.Result = ResultMalformed
	} else {
		licenseID, result, err := r.apply(ctx, ev)
		outcome.LicenseID = licenseID
		if err != nil {
			return upstream(err)
		}
		outcome.Result = result
	}

	if err := r.store.MarkEventProcessed(ctx, event.ID); err != nil {
		return upstream(err)
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (string, string, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return r.applyCheckout(ctx, e)
	case SubscriptionChanged:
		return r.applySubscription(ctx, e)
	case SubscriptionDeleted:
		return r.applyToCustomer(ctx, ev, e.CustomerID, e.LicenseID)
	case PaymentFailed:
		return r.applyToCustomer(ctx, ev, e.CustomerID, e.LicenseID)
	case InvoicePaid:
		return r.applyToCustomer(ctx, ev, e.CustomerID, e.LicenseID)
	default:
		logger.Debug("Webhook ignored (unhandled type)", map[string]interface{}{
			"event_id":   ev.Meta().ID,
			"event_type": ev.Meta().Type,
		})
		return "", ReasonIgnored, nil
	}
}

func (r *Reconciler) applyCheckout(ctx context.Context, e CheckoutCompleted) (string, string, error) {
	if !e.Paid {
		return e.LicenseID, ReasonUnpaid, nil
	}

	planID, err := r.knownPlan(ctx, e.PlanID)
	if err != nil {
		return "", "", err
	}
	e.PlanID = planID

	license, err := r.resolveCheckoutLicense(ctx, e)
	if errors.Is(err, models.ErrNotFound) {
		r.logUnmatched(e, e.CustomerID)
		return "", ResultUnmatched, nil
	}
	if err != nil {
		return "", "", err
	}

	if e.CustomerID != "" && license.StripeCustomerID == "" {
		owner, err := r.store.FindLicenseByCustomer(ctx, e.CustomerID)
		switch {
		case err == nil && owner.ID != license.ID:
			logger.Warn("Checkout customer already bound to another license", map[string]interface{}{
				"event_id":      e.ID,
				"license_id":    license.ID,
				"other_license": owner.ID,
			})
			e.CustomerID = ""
		case err != nil && !errors.Is(err, models.ErrNotFound):
			return license.ID, "", err
		}
	}

	if err := r.ensureMember(ctx, license.ID, e.UserID); err != nil {
		return license.ID, "", err
	}

	d, err := r.transition(ctx, license.ID, e)
	if err != nil {
		return license.ID, "", err
	}

	if err := r.issueCode(ctx, license.ID, d.Next.Name, e.UserEmail); err != nil {
		return license.ID, "", err
	}
	return license.ID, d.Reason, nil
}

// resolveCheckoutLicense prefers the license id set at session creation, then
// the customer's license, and finally creates a pending one for the customer.
func (r *Reconciler) resolveCheckoutLicense(ctx context.Context, e CheckoutCompleted) (*models.License, error) {
	if e.LicenseID != "" {
		license, err := r.store.GetLicense(ctx, e.LicenseID)
		if err == nil || !errors.Is(err, models.ErrNotFound) {
			return license, err
		}
		logger.Warn("Checkout references unknown license", map[string]interface{}{
			"event_id":   e.ID,
			"license_id": e.LicenseID,
		})
	}

	if e.CustomerID == "" {
		return nil, fmt.Errorf("checkout %s has no customer: %w", e.SessionID, models.ErrNotFound)
	}

	license, err := r.store.FindLicenseByCustomer(ctx, e.CustomerID)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		return license, err
	}

	return r.createForCustomer(ctx, e, e.CustomerID, e.PlanID, e.UserEmail)
}

// createForCustomer creates a pending license bound to a Stripe customer, or
// returns the one a concurrent delivery created first.
func (r *Reconciler) createForCustomer(ctx context.Context, ev Event, customerID, planID, userEmail string) (*models.License, error) {
	if planID == "" {
		planID = r.defaultPlanID
	}
	name := "Equipo"
	if userEmail != "" {
		name = "Equipo de " + userEmail
	}

	license, err := r.store.UpsertLicenseByCustomer(ctx, customerID, models.LicensePatch{Name: name, PlanID: planID})
	if err != nil {
		return nil, err
	}
	logger.Info("License created from billing event", map[string]interface{}{
		"event_id":   ev.Meta().ID,
		"event_type": ev.Meta().Type,
		"license_id": license.ID,
		"plan_id":    license.PlanID,
	})
	return license, nil
}

// applySubscription applies a subscription change. A subscription started by
// our checkout can arrive before checkout.session.completed; its metadata
// then carries the plan and the license is created here.
func (r *Reconciler) applySubscription(ctx context.Context, e SubscriptionChanged) (string, string, error) {
	license, err := r.findLicense(ctx, e.CustomerID, e.LicenseID)
	if errors.Is(err, models.ErrNotFound) && e.CustomerID != "" && e.LicenseID == "" {
		var planID string
		planID, err = r.knownPlan(ctx, e.PlanID)
		if err != nil {
			return "", "", err
		}
		if planID == "" {
			r.logUnmatched(e, e.CustomerID)
			return "", ResultUnmatched, nil
		}
		license, err = r.createForCustomer(ctx, e, e.CustomerID, planID, e.UserEmail)
	}
	if errors.Is(err, models.ErrNotFound) {
		r.logUnmatched(e, e.CustomerID)
		return "", ResultUnmatched, nil
	}
	if err != nil {
		return "", "", err
	}

	d, err := r.transition(ctx, license.ID, e)
	if err != nil {
		return license.ID, "", err
	}
	return license.ID, d.Reason, nil
}

func (r *Reconciler) applyToCustomer(ctx context.Context, ev Event, customerID, licenseID string) (string, string, error) {
	license, err := r.findLicense(ctx, customerID, licenseID)
	if errors.Is(err, models.ErrNotFound) {
		r.logUnmatched(ev, customerID)
		return "", ResultUnmatched, nil
	}
	if err != nil {
		return "", "", err
	}

	d, err := r.transition(ctx, license.ID, ev)
	if err != nil {
		return license.ID, "", err
	}
	return license.ID, d.Reason, nil
}

func (r *Reconciler) findLicense(ctx context.Context, customerID, licenseID string) (*models.License, error) {
	if customerID != "" {
		license, err := r.store.FindLicenseByCustomer(ctx, customerID)
		if err == nil || !errors.Is(err, models.ErrNotFound) {
			return license, err
		}
	}
	if licenseID != "" {
		return r.store.GetLicense(ctx, licenseID)
	}
	return nil, fmt.Errorf("license for customer %q: %w", customerID, models.ErrNotFound)
}

// transition applies ev to the license with a compare-and-set write,
// recomputing from a fresh read whenever another writer got there first.
func (r *Reconciler) transition(ctx context.Context, licenseID string, ev Event) (Decision, error) {
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		cur, err := r.store.GetLicense(ctx, licenseID)
		if err != nil {
			return Decision{}, err
		}

		d := Transition(*cur, ev, r.now())
		if !d.Changed {
			logger.Debug("Billing event left license unchanged", map[string]interface{}{
				"event_id":   ev.Meta().ID,
				"license_id": licenseID,
				"reason":     d.Reason,
			})
			return d, nil
		}

		err = r.store.CompareAndSwapLicense(ctx, &d.Next, cur.Version)
		if err == nil {
			if cur.Status != d.Next.Status {
				metrics.LicenseTransitionsTotal.WithLabelValues(string(cur.Status), string(d.Next.Status)).Inc()
			}
			logger.Info("License updated from billing event", map[string]interface{}{
				"event_id":   ev.Meta().ID,
				"event_type": ev.Meta().Type,
				"license_id": licenseID,
				"from":       string(cur.Status),
				"to":         string(d.Next.Status),
			})
			return d, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return Decision{}, err
		}
	}
	return Decision{}, fmt.Errorf("license %s still contended after %d attempts: %w", licenseID, r.maxAttempts, models.ErrConflict)
}

// ensureMember links the purchasing user to the license. The first member
// becomes the owner.
func (r *Reconciler) ensureMember(ctx context.Context, licenseID, userID string) error {
	if userID == "" {
		return nil
	}

	count, err := r.store.CountActiveMembers(ctx, licenseID)
	if err != nil {
		return err
	}
	role := models.RoleMember
	if count == 0 {
		role = models.RoleOwner
	}

	_, err = r.store.AddMembership(ctx, userID, licenseID, role)
	if errors.Is(err, models.ErrCapacityExceeded) {
		logger.Warn("Purchaser not added, license is full", map[string]interface{}{
			"license_id": licenseID,
			"user_id":    userID,
		})
		return nil
	}
	return err
}

// issueCode gives a license without codes its first one and mails it to the
// purchaser. Mail failures are logged only.
func (r *Reconciler) issueCode(ctx context.Context, licenseID, licenseName, userEmail string) error {
	if r.codes == nil {
		return nil
	}

	existing, err := r.store.ListLicenseCodes(ctx, licenseID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	code, err := r.codes.IssueCode(ctx, licenseID)
	if err != nil {
		return err
	}
	logger.Info("License code issued", map[string]interface{}{
		"license_id": licenseID,
	})

	if r.sender == nil || userEmail == "" {
		return nil
	}
	msg := email.LicenseCodeMessage(r.emailFrom, userEmail, licenseName, code.Code)
	if err := r.sender.Send(ctx, msg); err != nil {
		logger.Warn("Failed to email license code", map[string]interface{}{
			"license_id": licenseID,
			"error":      err.Error(),
		})
	}
	return nil
}

func (r *Reconciler) knownPlan(ctx context.Context, planID string) (string, error) {
	if planID == "" {
		return "", nil
	}
	_, err := r.store.GetPlan(ctx, planID)
	if errors.Is(err, models.ErrNotFound) {
		logger.Warn("Billing event references unknown plan", map[string]interface{}{
			"plan_id": planID,
		})
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return planID, nil
}

func (r *Reconciler) logUnmatched(ev Event, customerID string) {
	logger.Info("No license for billing event", map[string]interface{}{
		"event_id":    ev.Meta().ID,
		"event_type":  ev.Meta().Type,
		"customer_id": customerID,
	})
}

// upstream marks err as a delivery failure so Stripe redelivers.
func upstream(err error) error {
	if errors.Is(err, models.ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
}
