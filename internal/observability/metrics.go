package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/constants"
)

// Metrics owns the Prometheus registry and every instrument the control
// plane exports. Components stay Prometheus-free: they expose hooks and the
// server wires those hooks to the methods here.
type Metrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	routeDecisions     *prometheus.CounterVec
	rolloutPhase       *prometheus.GaugeVec
	rolloutTransitions *prometheus.CounterVec
	driftPSI           *prometheus.GaugeVec
	driftJSD           *prometheus.GaugeVec
	driftChecks        *prometheus.CounterVec
	budgetSpendRatio   *prometheus.GaugeVec
	budgetAutoswitch   *prometheus.CounterVec
	experimentSamples  *prometheus.CounterVec
	shadowDropped      *prometheus.CounterVec
	tickDuration       *prometheus.HistogramVec
	tickOverruns       *prometheus.CounterVec
}

// NewMetrics creates the metrics set on a fresh registry.
func NewMetrics(logger *logrus.Logger) (*Metrics, error) {
	m := &Metrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricRequestTotal,
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    constants.MetricRequestDuration,
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),

		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricRouteDecisions,
			Help: "Routing decisions by rollout phase",
		}, []string{"tenant_id", "phase"}),

		rolloutPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricRolloutPhase,
			Help: "Percentage of traffic the tenant's rollout sends to the new version",
		}, []string{"tenant_id"}),

		rolloutTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricRolloutTransitions,
			Help: "Rollout phase transitions",
		}, []string{"tenant_id", "phase"}),

		driftPSI: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricDriftPSI,
			Help: "Population stability index of the latest scored window",
		}, []string{"tenant_id", "label"}),

		driftJSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricDriftJSD,
			Help: "Jensen-Shannon divergence of the latest scored window",
		}, []string{"tenant_id", "label"}),

		driftChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricDriftChecks,
			Help: "Drift checks by severity",
		}, []string{"severity"}),

		budgetSpendRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: constants.MetricBudgetSpendRatio,
			Help: "Spend as a fraction of the tenant's budget limit",
		}, []string{"tenant_id"}),

		budgetAutoswitch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricBudgetAutoswitch,
			Help: "Budget autoswitch engagements and restores",
		}, []string{"tenant_id", "direction"}),

		experimentSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricExperimentSamples,
			Help: "Recorded experiment samples",
		}, []string{"tenant_id", "mode", "arm"}),

		shadowDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricShadowDropped,
			Help: "Shadow mirrors dropped because the scoring pool was saturated",
		}, []string{"tenant_id"}),

		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    constants.MetricTickDuration,
			Help:    "Background loop tick duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"loop"}),

		tickOverruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: constants.MetricTickOverruns,
			Help: "Background loop ticks that exceeded their budget",
		}, []string{"loop"}),
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.routeDecisions,
		m.rolloutPhase,
		m.rolloutTransitions,
		m.driftPSI,
		m.driftJSD,
		m.driftChecks,
		m.budgetSpendRatio,
		m.budgetAutoswitch,
		m.experimentSamples,
		m.shadowDropped,
		m.tickDuration,
		m.tickOverruns,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterResolveCache exports the registry's resolve-cache counters. The
// stats function is polled at scrape time.
func (m *Metrics) RegisterResolveCache(stats func() (hits, misses uint64, size int)) error {
	total := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: constants.MetricResolveTotal,
		Help: "Total config resolutions",
	}, func() float64 {
		hits, misses, _ := stats()
		return float64(hits + misses)
	})
	cacheHits := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: constants.MetricResolveCacheHits,
		Help: "Config resolutions served from cache",
	}, func() float64 {
		hits, _, _ := stats()
		return float64(hits)
	})
	if err := m.registry.Register(total); err != nil {
		return err
	}
	return m.registry.Register(cacheHits)
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, path, status).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRouteDecision records one routing decision. Phase is the rollout
// phase in effect, or "none" outside a rollout.
func (m *Metrics) RecordRouteDecision(tenantID, phase string) {
	if phase == "" {
		phase = "none"
	}
	m.routeDecisions.WithLabelValues(tenantID, phase).Inc()
}

// RecordRolloutTransition updates the phase gauge and transition counter.
// Percentage is the share of traffic the new phase sends to the new version.
func (m *Metrics) RecordRolloutTransition(tenantID, phase string, percentage float64) {
	m.rolloutPhase.WithLabelValues(tenantID).Set(percentage)
	m.rolloutTransitions.WithLabelValues(tenantID, phase).Inc()
}

// RecordDriftCheck records one scored drift window.
func (m *Metrics) RecordDriftCheck(tenantID, label, severity string, psi, jsd float64) {
	m.driftPSI.WithLabelValues(tenantID, label).Set(psi)
	m.driftJSD.WithLabelValues(tenantID, label).Set(jsd)
	m.driftChecks.WithLabelValues(severity).Inc()
}

// SetBudgetSpendRatio updates the tenant's spend-to-limit gauge.
func (m *Metrics) SetBudgetSpendRatio(tenantID string, ratio float64) {
	m.budgetSpendRatio.WithLabelValues(tenantID).Set(ratio)
}

// RecordAutoswitch counts a budget downgrade ("engage") or restore.
func (m *Metrics) RecordAutoswitch(tenantID, direction string) {
	m.budgetAutoswitch.WithLabelValues(tenantID, direction).Inc()
}

// RecordExperimentSample counts one recorded evaluation sample.
func (m *Metrics) RecordExperimentSample(tenantID, mode, arm string) {
	m.experimentSamples.WithLabelValues(tenantID, mode, arm).Inc()
}

// RecordShadowDrop counts one dropped shadow mirror.
func (m *Metrics) RecordShadowDrop(tenantID string) {
	m.shadowDropped.WithLabelValues(tenantID).Inc()
}

// ObserveTick records a background loop tick. Matches the ticker's OnTick
// hook signature.
func (m *Metrics) ObserveTick(loop string, duration time.Duration, overrun bool) {
	m.tickDuration.WithLabelValues(loop).Observe(duration.Seconds())
	if overrun {
		m.tickOverruns.WithLabelValues(loop).Inc()
	}
}
