package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency, including platform waits.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subsync",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileStepsTotal counts reconciliation steps by event kind, step and outcome.
	ReconcileStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "reconcile_steps_total",
		Help:      "Reconciliation steps by event kind, step (identity, access, ledger) and outcome.",
	}, []string{"kind", "step", "outcome"})

	// CommandsTotal counts direct-message commands by command and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subsync",
		Name:      "commands_total",
		Help:      "Direct-message commands by command and outcome.",
	}, []string{"command", "outcome"})
)

// RecordStep records the outcome of one reconciliation step.
func RecordStep(kind, step, outcome string) {
	ReconcileStepsTotal.WithLabelValues(kind, step, outcome).Inc()
}

// RecordCommand records the outcome of a direct-message command.
func RecordCommand(command, outcome string) {
	CommandsTotal.WithLabelValues(command, outcome).Inc()
}
