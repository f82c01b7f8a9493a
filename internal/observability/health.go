package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Health serves liveness and readiness endpoints. Liveness is uptime only;
// readiness gates on the ready flag plus every registered dependency check.
type Health struct {
	version   string
	startTime time.Time
	logger    *logrus.Logger

	mu     sync.RWMutex
	ready  bool
	checks map[string]CheckFunc
}

// NewHealth creates a health reporter. The ready flag starts false; the
// server flips it once wiring is complete.
func NewHealth(version string, logger *logrus.Logger) *Health {
	return &Health{
		version:   version,
		startTime: time.Now().UTC(),
		logger:    logger,
		checks:    map[string]CheckFunc{},
	}
}

// AddCheck registers a named dependency check.
func (h *Health) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// SetReady flips the readiness flag.
func (h *Health) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

type checkResult struct {
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// LiveHandler handles GET /health/live. Always 200 while the process runs.
func (h *Health) LiveHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
	})
}

// ReadyHandler handles GET /health/ready. 503 until SetReady(true) and every
// dependency check passes.
func (h *Health) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()
	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "starting",
			"timestamp": time.Now().UTC(),
		})
		return
	}
	h.serveChecks(w, r, "ready", "not ready")
}

// HealthHandler handles GET /health. Runs dependency checks regardless of
// the readiness flag.
func (h *Health) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.serveChecks(w, r, "healthy", "unhealthy")
}

func (h *Health) serveChecks(w http.ResponseWriter, r *http.Request, okStatus, badStatus string) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results, allHealthy := h.runChecks(ctx)
	body := map[string]interface{}{
		"status":    okStatus,
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"checks":    results,
	}
	code := http.StatusOK
	if !allHealthy {
		body["status"] = badStatus
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, body)
}

func (h *Health) runChecks(ctx context.Context) (map[string]checkResult, bool) {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	results := make(map[string]checkResult, len(checks))
	allHealthy := true
	for name, fn := range checks {
		start := time.Now()
		err := fn(ctx)
		result := checkResult{Healthy: err == nil, Duration: time.Since(start).String()}
		if err != nil {
			result.Error = err.Error()
			allHealthy = false
			h.logger.WithError(err).WithField("check", name).Warn("Health check failed")
		}
		results[name] = result
	}
	return results, allHealthy
}

func (h *Health) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithError(err).Error("Failed to encode health response")
	}
}
