package drift

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Config contains drift monitor settings
type Config struct {
	TickInterval time.Duration `json:"tick_interval"`
	TickBudget   time.Duration `json:"tick_budget"`
	Bins         int           `json:"bins"`
	MinSamples   int           `json:"min_samples"`
	Epsilon      float64       `json:"epsilon"`
	PSI          Thresholds    `json:"psi"`
	JSD          Thresholds    `json:"jsd"`
}

// DefaultConfig returns the default drift monitor configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval: constants.DefaultDriftTickInterval,
		TickBudget:   constants.DefaultTickBudget,
		Bins:         constants.DefaultDriftBins,
		MinSamples:   constants.DefaultDriftMinSamples,
		Epsilon:      constants.DefaultDriftEpsilon,
		PSI: Thresholds{
			Medium:   constants.DefaultPSIMediumMin,
			High:     constants.DefaultPSIHighMin,
			Critical: constants.DefaultPSICriticalMin,
		},
		JSD: Thresholds{
			Medium:   constants.DefaultJSDMediumMin,
			High:     constants.DefaultJSDHighMin,
			Critical: constants.DefaultJSDCriticalMin,
		},
	}
}

// AlertSink receives High and Critical drift results synchronously, before
// the sweep moves to the next stream. The rollout orchestrator registers
// here so a Critical window aborts the tenant's rollout within the same
// sweep rather than one tick later.
type AlertSink interface {
	DriftAlert(ctx context.Context, result *models.DriftCheckResult) error
}

// window accumulates score observations for one (tenant, label, language)
// stream until it holds enough samples to score.
type window struct {
	tenantID string
	label    string
	language string
	counts   models.Histogram
	samples  int
	openedAt time.Time
}

// Monitor bins label feedback into per-stream windows and scores each closed
// window against its stored baseline on a fixed cadence.
type Monitor struct {
	config *Config
	store  interfaces.Store
	bus    *events.Bus
	logger *logrus.Logger

	mu      sync.Mutex
	windows map[string]*window
	sinks   []AlertSink
	onCheck func(*models.DriftCheckResult)
}

// NewMonitor creates a drift monitor backed by the given store.
func NewMonitor(config *Config, store interfaces.Store, bus *events.Bus, logger *logrus.Logger) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.Bins < 2 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "Drift bins must be at least 2")
	}

	return &Monitor{
		config:  config,
		store:   store,
		bus:     bus,
		logger:  logger,
		windows: make(map[string]*window),
	}, nil
}

// RegisterAlertSink adds a synchronous consumer of High/Critical results.
func (m *Monitor) RegisterAlertSink(sink AlertSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// SetCheckHook installs an observer invoked for every scored window.
func (m *Monitor) SetCheckHook(fn func(*models.DriftCheckResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCheck = fn
}

func streamKey(tenantID, label, language string) string {
	return tenantID + "|" + label + "|" + language
}

// Record bins one feedback observation into the stream's open window.
// Scores outside [0,1) land in the edge bins.
func (m *Monitor) Record(feedback *models.LabelFeedback) error {
	if feedback == nil || feedback.TenantID == "" || feedback.Label == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Tenant id and label are required")
	}

	bin := int(feedback.PredictedScore * float64(m.config.Bins))
	if bin < 0 {
		bin = 0
	}
	if bin >= m.config.Bins {
		bin = m.config.Bins - 1
	}

	key := streamKey(feedback.TenantID, feedback.Label, feedback.Language)

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &window{
			tenantID: feedback.TenantID,
			label:    feedback.Label,
			language: feedback.Language,
			counts:   make(models.Histogram, m.config.Bins),
			openedAt: time.Now().UTC(),
		}
		m.windows[key] = w
	}
	w.counts[bin]++
	w.samples++
	return nil
}

// Sweep closes every window that has reached the minimum sample count and
// scores it. Underfilled windows carry their samples to the next sweep
// instead of being scored as "no drift". Runs on the monitor's tick cadence.
func (m *Monitor) Sweep(ctx context.Context) error {
	m.mu.Lock()
	ready := make([]*window, 0, len(m.windows))
	for key, w := range m.windows {
		if w.samples < m.config.MinSamples {
			m.logger.WithFields(logrus.Fields{
				"tenant_id": w.tenantID,
				"label":     w.label,
				"language":  w.language,
				"samples":   w.samples,
				"required":  m.config.MinSamples,
				"code":      errors.CodeInsufficientSamples,
			}).Debug("Window below minimum sample count, skipping")
			continue
		}
		ready = append(ready, w)
		delete(m.windows, key)
	}
	sinks := make([]AlertSink, len(m.sinks))
	copy(sinks, m.sinks)
	onCheck := m.onCheck
	m.mu.Unlock()

	var firstErr error
	for _, w := range ready {
		if err := m.score(ctx, w, sinks, onCheck); err != nil {
			m.logger.WithFields(logrus.Fields{
				"tenant_id": w.tenantID,
				"label":     w.label,
				"error":     err.Error(),
			}).Error("Failed to score drift window")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// score evaluates one closed window against the stream baseline. The first
// full window of a stream becomes its baseline and is not scored.
func (m *Monitor) score(ctx context.Context, w *window, sinks []AlertSink, onCheck func(*models.DriftCheckResult)) error {
	baseline, err := m.store.GetBaseline(ctx, w.tenantID, w.label, w.language)
	if err != nil {
		if !stderrors.Is(err, errors.ErrDataNotFound) {
			return err
		}
		if err := m.store.PutBaseline(ctx, w.tenantID, w.label, w.language, w.counts); err != nil {
			return err
		}
		m.logger.WithFields(logrus.Fields{
			"tenant_id": w.tenantID,
			"label":     w.label,
			"language":  w.language,
			"samples":   w.samples,
		}).Info("Adopted baseline distribution from first full window")
		return nil
	}

	psi, err := PSI(baseline, w.counts, m.config.Epsilon)
	if err != nil {
		return err
	}
	jsd, err := JSDivergence(baseline, w.counts, m.config.Epsilon)
	if err != nil {
		return err
	}

	severity := models.WorseSeverity(m.config.PSI.Classify(psi), m.config.JSD.Classify(jsd))
	result := &models.DriftCheckResult{
		TenantID:     w.tenantID,
		Label:        w.label,
		Language:     w.language,
		WindowID:     uuid.New().String(),
		SampleCount:  w.samples,
		PSI:          psi,
		JSDivergence: jsd,
		Severity:     severity,
		ComputedAt:   time.Now().UTC(),
	}

	if err := m.store.AppendDriftResult(ctx, result); err != nil {
		return err
	}

	if onCheck != nil {
		onCheck(result)
	}

	fields := logrus.Fields{
		"tenant_id":     w.tenantID,
		"label":         w.label,
		"language":      w.language,
		"psi":           psi,
		"js_divergence": jsd,
		"severity":      severity,
		"samples":       w.samples,
	}
	if severity.AtLeast(models.DriftSeverityHigh) {
		m.logger.WithFields(fields).Warn("Drift detected")

		for _, sink := range sinks {
			if err := sink.DriftAlert(ctx, result); err != nil {
				m.logger.WithFields(logrus.Fields{
					"tenant_id": w.tenantID,
					"error":     err.Error(),
				}).Error("Drift alert sink failed")
			}
		}
		if m.bus != nil {
			m.bus.Publish(events.TopicDriftAlert, w.tenantID, events.DriftAlertPayload{Result: result})
		}
	} else {
		m.logger.WithFields(fields).Debug("Scored drift window")
	}

	return nil
}

// Latest returns the most recent result per (label, language) stream.
func (m *Monitor) Latest(ctx context.Context, tenantID string) ([]*models.DriftCheckResult, error) {
	return m.store.LatestDriftResults(ctx, tenantID)
}

// LatestSeverity returns the severity of the tenant's most recent drift
// result across all streams. Tenants with no scored windows report None so
// an unmonitored tenant never blocks on drift.
func (m *Monitor) LatestSeverity(ctx context.Context, tenantID string) (models.DriftSeverity, error) {
	result, err := m.store.LatestDriftResult(ctx, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return models.DriftSeverityNone, nil
		}
		return models.DriftSeverityNone, err
	}
	return result.Severity, nil
}

// History returns up to limit recent results for one tenant and label,
// oldest first.
func (m *Monitor) History(ctx context.Context, tenantID, label string, limit int) ([]*models.DriftCheckResult, error) {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		return nil, errors.NewValidationError(errors.CodeInvalidLimit, "Limit exceeds maximum page size").
			WithCause(errors.ErrInvalidLimit)
	}
	return m.store.DriftHistory(ctx, tenantID, label, limit)
}

// SetBaseline installs an operator-provided baseline distribution for a
// stream, replacing any auto-adopted one.
func (m *Monitor) SetBaseline(ctx context.Context, tenantID, label, language string, baseline models.Histogram) error {
	if tenantID == "" || label == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Tenant id and label are required")
	}
	if len(baseline) != m.config.Bins {
		return errors.NewValidationError(errors.CodeInvalidInput, "Baseline bin count does not match monitor configuration")
	}
	if baseline.Total() <= 0 {
		return errors.NewValidationError(errors.CodeEmptyHistogram, "Baseline has no mass").
			WithCause(errors.ErrEmptyHistogram)
	}
	if err := m.store.PutBaseline(ctx, tenantID, label, language, baseline); err != nil {
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"label":     label,
		"language":  language,
	}).Info("Installed baseline distribution")
	return nil
}

// GetBaseline returns the stored baseline for a stream.
func (m *Monitor) GetBaseline(ctx context.Context, tenantID, label, language string) (models.Histogram, error) {
	baseline, err := m.store.GetBaseline(ctx, tenantID, label, language)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, errors.NewDriftError(errors.CodeNoBaseline, "No baseline distribution for stream").
				WithCause(errors.ErrNoBaseline).
				WithContext("tenant_id", tenantID).
				WithContext("label", label)
		}
		return nil, err
	}
	return baseline, nil
}

// PendingSamples reports the open window size for a stream, for diagnostics.
func (m *Monitor) PendingSamples(tenantID, label, language string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[streamKey(tenantID, label, language)]; ok {
		return w.samples
	}
	return 0
}
