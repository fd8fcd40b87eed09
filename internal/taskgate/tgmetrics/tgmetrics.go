package tgmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgate",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// CheckoutSessionsTotal counts checkout session attempts by target tier and outcome.
	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "billing",
		Name:      "checkout_sessions_total",
		Help:      "Checkout session attempts by tier and outcome.",
	}, []string{"tier", "outcome"})

	// SlackEnvelopesTotal counts socket envelopes by type.
	SlackEnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "slack",
		Name:      "envelopes_total",
		Help:      "Socket mode envelopes received by type.",
	}, []string{"type"})

	// SlackConnected is 1 while the socket is connected.
	SlackConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskgate",
		Subsystem: "slack",
		Name:      "connected",
		Help:      "Whether the socket mode connection is up.",
	})

	// SlackReconnectsTotal counts reconnect attempts.
	SlackReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "slack",
		Name:      "reconnects_total",
		Help:      "Socket mode reconnect attempts.",
	})

	// SlackFatalAlertsTotal counts reconnect loops that gave up.
	SlackFatalAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "slack",
		Name:      "fatal_alerts_total",
		Help:      "Times the socket client exhausted its reconnect attempts.",
	})

	// CommandsTotal counts slash commands by command and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "commands",
		Name:      "executed_total",
		Help:      "Slash commands executed by command and outcome.",
	}, []string{"command", "outcome"})

	// CRMEventsTotal counts telemetry events by kind and outcome.
	CRMEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "crm",
		Name:      "events_total",
		Help:      "Telemetry events by kind and outcome (recorded, dropped, failed).",
	}, []string{"kind", "outcome"})

	// RateLimitedTotal counts requests rejected by a limiter.
	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by rate limiting, by limiter.",
	}, []string{"limiter"})

	// HTTPRequestsTotal counts API requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskgate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
