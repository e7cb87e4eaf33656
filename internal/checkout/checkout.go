package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"

	"statsfutbol.app/cloud/internal/logger"
	"statsfutbol.app/cloud/internal/metrics"
	"statsfutbol.app/cloud/models"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultFailureThreshold = 5
)

type Store interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
	GetLicense(ctx context.Context, id string) (*models.License, error)
}

type Request struct {
	PlanID     string `json:"plan_id"`
	UserID     string `json:"user_id"`
	UserEmail  string `json:"user_email"`
	LicenseID  string `json:"license_id,omitempty"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type Session struct {
	ID          string `json:"id"`
	RedirectURL string `json:"url"`
}

// Initiator starts Stripe Checkout and Billing Portal sessions. It never
// writes to the store; licenses change only through billing events.
type Initiator struct {
	store   Store
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortalSession   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type Option func(*Initiator)

// WithTimeout bounds every Stripe call.
func WithTimeout(d time.Duration) Option {
	return func(i *Initiator) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithBreakerSettings replaces the default circuit breaker.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(i *Initiator) { i.breaker = gobreaker.NewCircuitBreaker[any](settings) }
}

func New(store Store, stripeKey string, opts ...Option) *Initiator {
	if key := strings.TrimSpace(stripeKey); key != "" {
		stripe.Key = key
	}

	i := &Initiator{
		store:                 store,
		timeout:               defaultTimeout,
		createCheckoutSession: stripesession.New,
		createPortalSession:   portalsession.New,
	}
	i.breaker = gobreaker.NewCircuitBreaker[any](defaultBreakerSettings())
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}
}

// CreateCheckoutSession starts a hosted checkout for req.PlanID. One-time plans
// use payment mode and always create a customer; recurring plans subscribe.
func (i *Initiator) CreateCheckoutSession(ctx context.Context, req Request) (*Session, error) {
	plan, err := i.store.GetPlan(ctx, req.PlanID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && plan.StripePriceID == "") {
		metrics.CheckoutSessionsTotal.WithLabelValues("checkout", "unknown_plan").Inc()
		return nil, fmt.Errorf("plan %q: %w", req.PlanID, models.ErrUnknownPlan)
	}
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("checkout", "error").Inc()
		return nil, err
	}

	metadata := map[string]string{
		"plan_id":    plan.ID,
		"user_id":    req.UserID,
		"user_email": req.UserEmail,
	}
	if req.LicenseID != "" {
		metadata["license_id"] = req.LicenseID
	}

	params := &stripe.CheckoutSessionParams{
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	if req.LicenseID != "" {
		params.ClientReferenceID = stripe.String(req.LicenseID)
	}
	if req.UserEmail != "" {
		params.CustomerEmail = stripe.String(req.UserEmail)
	}

	if plan.Recurring {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	params.Context = ctx

	result, err := i.breaker.Execute(func() (any, error) {
		return i.createCheckoutSession(params)
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("checkout", failureOutcome(err)).Inc()
		logger.Error("Failed to create checkout session", map[string]interface{}{
			"plan_id":    plan.ID,
			"user_id":    req.UserID,
			"license_id": req.LicenseID,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("create checkout session: %w: %w", models.ErrUpstreamUnavailable, err)
	}

	session, _ := result.(*stripe.CheckoutSession)
	if session == nil || strings.TrimSpace(session.URL) == "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("checkout", "error").Inc()
		return nil, fmt.Errorf("create checkout session: %w: stripe returned empty checkout URL", models.ErrUpstreamUnavailable)
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("checkout", "created").Inc()
	logger.Info("Checkout session created", map[string]interface{}{
		"session_id": session.ID,
		"plan_id":    plan.ID,
		"mode":       *params.Mode,
		"user_id":    req.UserID,
	})
	return &Session{ID: session.ID, RedirectURL: strings.TrimSpace(session.URL)}, nil
}

// CreatePortalSession opens the Stripe billing portal for the customer that
// paid for licenseID. Licenses without a customer yield models.ErrNotFound.
func (i *Initiator) CreatePortalSession(ctx context.Context, licenseID, returnURL string) (string, error) {
	license, err := i.store.GetLicense(ctx, licenseID)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("portal", "error").Inc()
		return "", err
	}
	if license.StripeCustomerID == "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("portal", "no_customer").Inc()
		return "", fmt.Errorf("license %s has no billing customer: %w", licenseID, models.ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(license.StripeCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	result, err := i.breaker.Execute(func() (any, error) {
		return i.createPortalSession(params)
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("portal", failureOutcome(err)).Inc()
		logger.Error("Failed to create portal session", map[string]interface{}{
			"license_id": licenseID,
			"error":      err.Error(),
		})
		return "", fmt.Errorf("create portal session: %w: %w", models.ErrUpstreamUnavailable, err)
	}

	session, _ := result.(*stripe.BillingPortalSession)
	if session == nil || session.URL == "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("portal", "error").Inc()
		return "", fmt.Errorf("create portal session: %w: stripe returned empty portal URL", models.ErrUpstreamUnavailable)
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("portal", "created").Inc()
	return session.URL, nil
}

func failureOutcome(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "breaker_open"
	}
	return "upstream_error"
}
