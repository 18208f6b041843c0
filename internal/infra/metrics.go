package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of the inventory core.
// A nil *Metrics is valid and records nothing, so unit tests can skip it.
type Metrics struct {
	deductions     *prometheus.CounterVec
	restorations   *prometheus.CounterVec
	deductDuration *prometheus.HistogramVec
	unconvertible  *prometheus.CounterVec
	unresolved     prometheus.Counter
	queueEvents    *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	notifications  *prometheus.CounterVec
}

// NewMetrics registers every instrument on reg. Pass prometheus.DefaultRegisterer
// in production and prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	const ns = "cafeiq"
	m := &Metrics{
		deductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "inventory", Name: "deductions_total",
			Help: "Order deductions by outcome (committed, insufficient_stock, duplicate, error).",
		}, []string{"outcome"}),
		restorations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "inventory", Name: "restorations_total",
			Help: "Order restorations by outcome.",
		}, []string{"outcome"}),
		deductDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "inventory", Name: "deduction_duration_seconds",
			Help:    "Wall time of the deduction transaction.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		unconvertible: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "units", Name: "unconvertible_total",
			Help: "Amounts passed through unchanged because the unit pair has no conversion.",
		}, []string{"from", "to"}),
		unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "inventory", Name: "unresolved_recipes_total",
			Help: "Order lines whose menu item had no recipe entries.",
		}),
		queueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "deduction_queue", Name: "events_total",
			Help: "Deduction queue transitions (enqueued, completed, retried, failed, recovered, purged).",
		}, []string{"event"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "inventory", Name: "low_stock_alerts_total",
			Help: "Low-stock alerts raised or resolved.",
		}, []string{"severity", "action"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "notifications", Name: "total",
			Help: "Notifications by type and result (sent, throttled, error).",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(m.deductions, m.restorations, m.deductDuration, m.unconvertible,
		m.unresolved, m.queueEvents, m.alerts, m.notifications)
	return m
}

func (m *Metrics) Deduction(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deductions.WithLabelValues(outcome).Inc()
	m.deductDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) Restoration(outcome string) {
	if m == nil {
		return
	}
	m.restorations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Unconvertible(from, to string) {
	if m == nil {
		return
	}
	m.unconvertible.WithLabelValues(from, to).Inc()
}

func (m *Metrics) UnresolvedRecipe() {
	if m == nil {
		return
	}
	m.unresolved.Inc()
}

func (m *Metrics) Queue(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.queueEvents.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) Alert(severity, action string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity, action).Inc()
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}
