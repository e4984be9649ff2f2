package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh exchange outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeNetwork  = "network"
	OutcomeMissing  = "missing"
)

// Metrics of the session subsystem
// Nil *Metrics is valid and records nothing
type Metrics struct {
	RefreshExchanges *prometheus.CounterVec
	RefreshDuration  prometheus.Histogram
	GatewayRetries   prometheus.Counter
	SessionExpiries  prometheus.Counter
	PushFailures     *prometheus.CounterVec
}

// New registers all metrics on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RefreshExchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glavbuh_refresh_exchanges_total",
			Help: "Refresh token exchanges by outcome",
		}, []string{"outcome"}),
		RefreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "glavbuh_refresh_duration_seconds",
			Help:    "Duration of refresh token exchanges",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		GatewayRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "glavbuh_gateway_retries_total",
			Help: "Requests replayed after a transparent refresh",
		}),
		SessionExpiries: factory.NewCounter(prometheus.CounterOpts{
			Name: "glavbuh_session_expiries_total",
			Help: "Sessions ended because the credential could not be recovered",
		}),
		PushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "glavbuh_push_failures_total",
			Help: "Failed push identity operations by operation",
		}, []string{"operation"}),
	}
}

// ObserveRefresh records one refresh exchange started at start
func (m *Metrics) ObserveRefresh(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.RefreshExchanges.WithLabelValues(outcome).Inc()
	m.RefreshDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.GatewayRetries.Inc()
}

func (m *Metrics) IncExpiry() {
	if m == nil {
		return
	}
	m.SessionExpiries.Inc()
}

func (m *Metrics) IncPushFailure(operation string) {
	if m == nil {
		return
	}
	m.PushFailures.WithLabelValues(operation).Inc()
}
