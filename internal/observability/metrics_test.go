package observability

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsExportRecordedSamples(t *testing.T) {
	m, err := NewMetrics(testLogger())
	require.NoError(t, err)

	m.RecordHTTPRequest("GET", "/api/v1/route", "200", 12*time.Millisecond)
	m.RecordRouteDecision("acme", "phase10")
	m.RecordRouteDecision("acme", "")
	m.RecordRolloutTransition("acme", "phase50", 50)
	m.RecordDriftCheck("acme", "toxicity", "high", 0.31, 0.12)
	m.SetBudgetSpendRatio("acme", 0.85)
	m.RecordAutoswitch("acme", "engage")
	m.RecordExperimentSample("acme", "interleaved", "variant")
	m.RecordShadowDrop("acme")
	m.ObserveTick("drift", 40*time.Millisecond, false)
	m.ObserveTick("drift", 11*time.Second, true)

	body := scrape(t, m)
	assert.Contains(t, body, `http_requests_total{method="GET",path="/api/v1/route",status="200"} 1`)
	assert.Contains(t, body, `modelplane_route_decisions_total{phase="phase10",tenant_id="acme"} 1`)
	assert.Contains(t, body, `modelplane_route_decisions_total{phase="none",tenant_id="acme"} 1`)
	assert.Contains(t, body, `modelplane_rollout_phase{tenant_id="acme"} 50`)
	assert.Contains(t, body, `modelplane_rollout_transitions_total{phase="phase50",tenant_id="acme"} 1`)
	assert.Contains(t, body, `modelplane_drift_psi{label="toxicity",tenant_id="acme"} 0.31`)
	assert.Contains(t, body, `modelplane_drift_checks_total{severity="high"} 1`)
	assert.Contains(t, body, `modelplane_budget_spend_ratio{tenant_id="acme"} 0.85`)
	assert.Contains(t, body, `modelplane_budget_autoswitch_total{direction="engage",tenant_id="acme"} 1`)
	assert.Contains(t, body, `modelplane_experiment_samples_total{arm="variant",mode="interleaved",tenant_id="acme"} 1`)
	assert.Contains(t, body, `modelplane_shadow_dropped_total{tenant_id="acme"} 1`)
	assert.Contains(t, body, `modelplane_tick_overruns_total{loop="drift"} 1`)
	assert.Contains(t, body, `modelplane_tick_duration_seconds_count{loop="drift"} 2`)
}

func TestRegisterResolveCachePollsStats(t *testing.T) {
	m, err := NewMetrics(testLogger())
	require.NoError(t, err)

	hits, misses := uint64(7), uint64(3)
	require.NoError(t, m.RegisterResolveCache(func() (uint64, uint64, int) {
		return hits, misses, 5
	}))

	body := scrape(t, m)
	assert.Contains(t, body, "modelplane_resolve_total 10")
	assert.Contains(t, body, "modelplane_resolve_cache_hits_total 7")

	hits = 20
	body = scrape(t, m)
	assert.Contains(t, body, "modelplane_resolve_total 23")
}

func TestHealthLivenessAlwaysOK(t *testing.T) {
	h := NewHealth("1.2.3", testLogger())

	rec := httptest.NewRecorder()
	h.LiveHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
}

func TestHealthReadinessGatesOnFlagAndChecks(t *testing.T) {
	h := NewHealth("1.2.3", testLogger())

	rec := httptest.NewRecorder()
	h.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	h.AddCheck("storage", func(ctx context.Context) error { return nil })
	rec = httptest.NewRecorder()
	h.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.AddCheck("redis", func(ctx context.Context) error { return stderrors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	checks := body["checks"].(map[string]interface{})
	redis := checks["redis"].(map[string]interface{})
	assert.Equal(t, false, redis["healthy"])
	assert.Contains(t, redis["error"], "connection refused")
}

func TestHealthHandlerIgnoresReadyFlag(t *testing.T) {
	h := NewHealth("1.2.3", testLogger())
	h.AddCheck("storage", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}
