package offline0

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports controller decisions to prometheus. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	admissions      *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	cleanups        *prometheus.CounterVec
	usedBytes       prometheus.Gauge
	availableBytes  prometheus.Gauge
	usageRatio      prometheus.Gauge
	installFailures prometheus.Counter
	writeFailures   prometheus.Counter
	generationsDrop prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "offline0"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Intercepted requests by result",
		}, []string{"result"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by category",
		}, []string{"category", "decision"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Evicted entries by category",
		}, []string{"category"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Cleanup invocations by outcome",
		}, []string{"outcome"}),
		usedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_used_bytes",
			Help:      "Bytes used by the cache store",
		}),
		availableBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_available_bytes",
			Help:      "Quota or fallback ceiling of the cache store",
		}),
		usageRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_usage_ratio",
			Help:      "Used bytes over available bytes",
		}),
		installFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_failures_total",
			Help:      "Manifest assets that failed to install",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Admitted responses that could not be written",
		}),
		generationsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations deleted at activation",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.admissions, m.evictions, m.cleanups,
		m.usedBytes, m.availableBytes, m.usageRatio,
		m.installFailures, m.writeFailures, m.generationsDrop,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Request(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) Admission(cat Category, admitted bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if admitted {
		decision = "admit"
	}
	m.admissions.WithLabelValues(cat.String(), decision).Inc()
}

func (m *Metrics) Evicted(cat Category) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(cat.String()).Inc()
}

func (m *Metrics) CleanupRun(outcome string) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveUsage(u UsageSnapshot) {
	if m == nil {
		return
	}
	m.usedBytes.Set(float64(u.UsedBytes))
	m.availableBytes.Set(float64(u.AvailableBytes))
	m.usageRatio.Set(u.PercentageUsed)
}

func (m *Metrics) InstallFailed() {
	if m == nil {
		return
	}
	m.installFailures.Inc()
}

func (m *Metrics) WriteFailed() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func (m *Metrics) GenerationDeleted() {
	if m == nil {
		return
	}
	m.generationsDrop.Inc()
}
