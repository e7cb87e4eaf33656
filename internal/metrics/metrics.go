package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal counts Stripe events by type and reconciliation outcome.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statsfutbol",
		Subsystem: "billing",
		Name:      "webhook_events_total",
		Help:      "Stripe webhook events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "statsfutbol",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// LicenseTransitionsTotal counts license status changes applied by billing events.
	LicenseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statsfutbol",
		Subsystem: "billing",
		Name:      "license_transitions_total",
		Help:      "License status transitions by source and target status.",
	}, []string{"from", "to"})

	// CheckoutSessionsTotal counts checkout and portal session attempts.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statsfutbol",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Stripe session creation attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// RedemptionsTotal counts license code validations and redemptions.
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "statsfutbol",
		Subsystem: "licenses",
		Name:      "code_redemptions_total",
		Help:      "License code validations and redemptions by action and outcome.",
	}, []string{"action", "outcome"})
)
