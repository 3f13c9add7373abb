package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/transfa/aa-service/internal/domain"
)

// Metrics holds Prometheus collectors for the consent lifecycle. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	WebhooksReceived   *prometheus.CounterVec
	WebhooksDuplicate  *prometheus.CounterVec
	StatusTransitions  *prometheus.CounterVec
	UnrecognizedStatus *prometheus.CounterVec
	CASConflicts       prometheus.Counter
	TriggersDispatched *prometheus.CounterVec
	TriggerFailures    *prometheus.CounterVec
	ServiceErrors      *prometheus.CounterVec
	TokenRefreshes     *prometheus.CounterVec
	VendorCallLatency  *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_webhooks_received_total",
			Help: "Inbound vendor webhooks, labeled by event type",
		}, []string{"event_type"}),
		WebhooksDuplicate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_webhooks_duplicate_total",
			Help: "Webhooks suppressed by the idempotency key, labeled by event type",
		}, []string{"event_type"}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_consent_status_transitions_total",
			Help: "Canonical consent status changes, labeled by source and target status",
		}, []string{"source", "status"}),
		UnrecognizedStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_unrecognized_vendor_status_total",
			Help: "Vendor status strings with no canonical mapping, labeled by source",
		}, []string{"source"}),
		CASConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "aa_consent_cas_conflicts_total",
			Help: "Optimistic update conflicts retried during reconciliation",
		}),
		TriggersDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_triggers_dispatched_total",
			Help: "Downstream triggers dispatched, labeled by kind and transport",
		}, []string{"kind", "transport"}),
		TriggerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_trigger_failures_total",
			Help: "Downstream trigger executions that failed, labeled by kind",
		}, []string{"kind"}),
		ServiceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_service_errors_total",
			Help: "Categorised service errors, labeled by context and category",
		}, []string{"context", "category"}),
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_tsp_token_acquisitions_total",
			Help: "Vendor token acquisitions, labeled by method and outcome",
		}, []string{"method", "outcome"}),
		VendorCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aa_vendor_call_latency_seconds",
			Help:    "Latency of vendor API calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
	}
}

func (m *Metrics) observeWebhook(eventType domain.WebhookEventType, duplicate bool) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(string(eventType)).Inc()
	if duplicate {
		m.WebhooksDuplicate.WithLabelValues(string(eventType)).Inc()
	}
}

func (m *Metrics) observeTransition(source domain.StatusSource, status domain.ConsentStatus) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(string(source), string(status)).Inc()
}

func (m *Metrics) observeUnrecognized(source domain.StatusSource) {
	if m == nil {
		return
	}
	m.UnrecognizedStatus.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) observeConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) observeTrigger(kind domain.TriggerKind, transport string) {
	if m == nil {
		return
	}
	m.TriggersDispatched.WithLabelValues(string(kind), transport).Inc()
}

func (m *Metrics) observeTriggerFailure(kind domain.TriggerKind) {
	if m == nil {
		return
	}
	m.TriggerFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeError(svcErr *domain.ServiceError) {
	if m == nil {
		return
	}
	m.ServiceErrors.WithLabelValues(string(svcErr.Context), string(svcErr.Category)).Inc()
}

func (m *Metrics) observeToken(method string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.TokenRefreshes.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) observeVendorCall(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.VendorCallLatency.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
