// Package metrics holds the prometheus collectors shared by the server and the worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "settlement"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	callbacks        *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	ledgerMutations  *prometheus.CounterVec
	effectiveRTP     prometheus.Gauge
	ggrReports       prometheus.Counter
	jobRuns          *prometheus.CounterVec
	outboxPublished  prometheus.Counter
	balanceDrift     prometheus.Counter
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Provider callbacks by command, status and reason code.",
		}, []string{"command", "status", "code"}),
		callbackDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "callback_duration_seconds",
			Help:      "Provider callback latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		ledgerMutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_mutations_total",
			Help:      "Ledger rows written by transaction type.",
		}, []string{"type"}),
		effectiveRTP: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "effective_rtp_percent",
			Help:      "Currently effective RTP.",
		}),
		ggrReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ggr_reports_total",
			Help:      "Filtered GGR figures reported.",
		}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		outboxPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox events relayed to Kafka.",
		}),
		balanceDrift: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_drift_total",
			Help:      "Balances found out of line with their live transactions.",
		}),
	}
}

func (m *Metrics) ObserveCallback(command, status, code string, d time.Duration) {
	if m == nil {
		return
	}
	if command == "" {
		command = "unknown"
	}
	m.callbacks.WithLabelValues(command, status, code).Inc()
	m.callbackDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTP(method, route, status string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
}

func (m *Metrics) LedgerMutation(txType string) {
	if m == nil {
		return
	}
	m.ledgerMutations.WithLabelValues(txType).Inc()
}

func (m *Metrics) SetEffectiveRTP(v decimal.Decimal) {
	if m == nil {
		return
	}
	m.effectiveRTP.Set(v.InexactFloat64())
}

func (m *Metrics) GGRReported() {
	if m == nil {
		return
	}
	m.ggrReports.Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) OutboxPublished(n int) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(float64(n))
}

func (m *Metrics) BalanceDrift() {
	if m == nil {
		return
	}
	m.balanceDrift.Inc()
}
