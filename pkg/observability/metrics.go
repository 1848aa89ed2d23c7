package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the SSO bridge
type Metrics struct {
	// Callback pipeline metrics
	CallbackTotal    *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram

	// Cross-domain handoff metrics
	HandoffIssuedTotal   prometheus.Counter
	HandoffRedeemedTotal *prometheus.CounterVec

	// Continuous authorization metrics
	SessionChecksTotal *prometheus.CounterVec
	GuardDenialsTotal  *prometheus.CounterVec

	// Tenant store metrics
	TenantActivationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medbridge_sso_callback_total",
				Help: "IdP callback outcomes by result code",
			},
			[]string{"result"},
		),
		ExchangeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "medbridge_sso_exchange_duration_seconds",
				Help:    "Authorization code exchange latency against the IdP",
				Buckets: prometheus.DefBuckets,
			},
		),
		HandoffIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "medbridge_handoff_issued_total",
				Help: "Handoff codes issued at the end of the callback pipeline",
			},
		),
		HandoffRedeemedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medbridge_handoff_redeemed_total",
				Help: "Handoff redemption outcomes",
			},
			[]string{"result"},
		),
		SessionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medbridge_session_checks_total",
				Help: "Upstream session validity probe outcomes",
			},
			[]string{"result"},
		),
		GuardDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medbridge_guard_denials_total",
				Help: "Requests denied by the tenant access guard",
			},
			[]string{"tenant"},
		),
		TenantActivationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medbridge_tenant_activations_total",
				Help: "Tenant data store activations by result",
			},
			[]string{"result"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.CallbackTotal,
			m.ExchangeDuration,
			m.HandoffIssuedTotal,
			m.HandoffRedeemedTotal,
			m.SessionChecksTotal,
			m.GuardDenialsTotal,
			m.TenantActivationsTotal,
		)
	}

	return m
}

// Handler returns an HTTP handler exposing the registry in Prometheus format
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
