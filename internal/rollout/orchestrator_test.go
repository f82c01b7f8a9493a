package rollout

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterml/modelplane/internal/drift"
	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/registry"
	"github.com/arbiterml/modelplane/internal/storage/implementations/memory"
	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

const testTenant = "acme"

type driftStub struct {
	mu  sync.Mutex
	sev models.DriftSeverity
	err error
}

func (d *driftStub) set(sev models.DriftSeverity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sev = sev
}

func (d *driftStub) LatestSeverity(ctx context.Context, tenantID string) (models.DriftSeverity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return models.DriftSeverityNone, d.err
	}
	return d.sev, nil
}

type budgetStub struct {
	mu         sync.Mutex
	downgraded bool
}

func (b *budgetStub) set(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downgraded = v
}

func (b *budgetStub) Downgraded(ctx context.Context, tenantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downgraded
}

type autoswitchStub struct {
	mu      sync.Mutex
	version string
	on      bool
}

func (a *autoswitchStub) engage(version string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version = version
	a.on = true
}

func (a *autoswitchStub) ActiveFallback(ctx context.Context, tenantID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version, a.on
}

type harness struct {
	orch   *Orchestrator
	reg    *registry.Registry
	store  interfaces.Store
	drift  *driftStub
	budget *budgetStub
	bus    *events.Bus
	logger *logrus.Logger
}

// fastConfig keeps phase dwell short enough that driveTo's 20ms evaluation
// cadence advances one phase per tick.
func fastConfig() *Config {
	return &Config{
		TickInterval: 10 * time.Millisecond,
		TickBudget:   time.Second,
		PhaseDwell:   15 * time.Millisecond,
		StuckTimeout: 10 * time.Second,
	}
}

func holdConfig() *Config {
	return &Config{
		TickInterval: 10 * time.Millisecond,
		TickBudget:   time.Second,
		PhaseDwell:   time.Hour,
		StuckTimeout: 2 * time.Hour,
	}
}

func testVersion(id string, cost float64) *models.ModelVersion {
	return &models.ModelVersion{
		ID:             id,
		Provider:       "acme",
		PromptVersion:  "p1",
		CostPerRequest: cost,
		Guardrails: models.Guardrails{
			MinFairnessScore:        0.7,
			MinPrivacyRedactionRate: 0.9,
			MaxCostPerRequest:       0.05,
		},
	}
}

func strPtr(v string) *string { return &v }

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := memory.NewStore(logger)
	reg, err := registry.NewRegistry(nil, store, logger)
	require.NoError(t, err)
	h := &harness{
		reg:    reg,
		store:  store,
		drift:  &driftStub{sev: models.DriftSeverityNone},
		budget: &budgetStub{},
		bus:    events.NewBus(32, logger),
		logger: logger,
	}
	h.orch, err = NewOrchestrator(cfg, store, reg, h.drift, h.budget, h.bus, logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))
	require.NoError(t, reg.Publish(ctx, testVersion("v2", 0.02)))
	require.NoError(t, reg.Publish(ctx, testVersion("v-cheap", 0.005)))
	_, err = reg.UpdateOverride(ctx, testTenant, "v1", models.Overlay{})
	require.NoError(t, err)
	return h
}

// attachOrchestrator builds a second orchestrator over the harness's store,
// simulating a process restart.
func attachOrchestrator(t *testing.T, cfg *Config, h *harness) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(cfg, h.store, h.reg, h.drift, h.budget, h.bus, h.logger)
	require.NoError(t, err)
	return orch
}

// currentRollout returns the tenant's most recent rollout, terminal or not.
func currentRollout(t *testing.T, orch *Orchestrator) *models.Rollout {
	t.Helper()
	list, err := orch.List(context.Background(), testTenant)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	return list[len(list)-1]
}

// driveTo evaluates on a fixed cadence until the rollout reaches the target
// phase.
func driveTo(t *testing.T, orch *Orchestrator, target models.RolloutPhase) *models.Rollout {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r := currentRollout(t, orch); r.Phase == target {
			return r
		}
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, orch.Evaluate(context.Background()))
	}
	t.Fatalf("rollout never reached phase %s", target)
	return nil
}

func routeKey(t *testing.T, orch *Orchestrator, key string) *models.RouteDecision {
	t.Helper()
	decision, err := orch.Route(context.Background(), &models.InferenceRequest{
		TenantID:   testTenant,
		RequestKey: key,
		Text:       "the quick brown fox",
	})
	require.NoError(t, err)
	return decision
}

// routeVersions routes n distinct keys and tallies decisions per version.
func routeVersions(t *testing.T, orch *Orchestrator, n int) map[string]int {
	t.Helper()
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[routeKey(t, orch, fmt.Sprintf("key-%d", i)).VersionID]++
	}
	return counts
}

func recvEvent(t *testing.T, ch <-chan events.Event, within time.Duration) (events.Event, bool) {
	t.Helper()
	select {
	case ev := <-ch:
		return ev, true
	case <-time.After(within):
		return events.Event{}, false
	}
}

func TestStartValidatesInput(t *testing.T) {
	h := newHarness(t, holdConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, "", "v1", "v2")
	require.Error(t, err)

	_, err = h.orch.Start(ctx, testTenant, "v1", "")
	require.Error(t, err)

	_, err = h.orch.Start(ctx, testTenant, "v1", "v1")
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.HTTPStatus)

	_, err = h.orch.Start(ctx, testTenant, "v1", "ghost")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownVersion))
}

func TestStartRejectsConcurrentRollout(t *testing.T) {
	h := newHarness(t, holdConfig())
	ctx := context.Background()

	first, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.RoutingSalt)
	assert.Equal(t, models.RolloutPhaseInit, first.Phase)

	_, err = h.orch.Start(ctx, testTenant, "v1", "v2")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrRolloutInProgress))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 409, appErr.HTTPStatus)
}

func TestRouteWithoutRolloutUsesResolvedConfig(t *testing.T) {
	h := newHarness(t, holdConfig())

	decision := routeKey(t, h.orch, "req-1")
	assert.Equal(t, "v1", decision.VersionID)
	assert.Equal(t, -1, decision.Bucket)
	assert.Empty(t, decision.RolloutID)
	require.NotNil(t, decision.Config)
	assert.Equal(t, "v1", decision.Config.VersionID)
	assert.False(t, decision.DecidedAt.IsZero())
}

func TestInitPhaseRoutesEverythingToOldVersion(t *testing.T) {
	h := newHarness(t, holdConfig())
	ctx := context.Background()

	r, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	counts := routeVersions(t, h.orch, 150)
	assert.Equal(t, 150, counts["v1"])
	assert.Zero(t, counts["v2"])

	decision := routeKey(t, h.orch, "req-1")
	assert.Equal(t, r.ID, decision.RolloutID)
	assert.Equal(t, models.RolloutPhaseInit, decision.Phase)
	assert.GreaterOrEqual(t, decision.Bucket, 0)
	assert.Less(t, decision.Bucket, 100)
}

func TestPhaseRoutingIsDeterministicAndMonotone(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	driveTo(t, h.orch, models.RolloutPhase10)

	// The same key always lands on the same bucket and version.
	first := routeKey(t, h.orch, "stable-key")
	for i := 0; i < 10; i++ {
		again := routeKey(t, h.orch, "stable-key")
		assert.Equal(t, first.Bucket, again.Bucket)
		assert.Equal(t, first.VersionID, again.VersionID)
	}

	// Roughly 10% of keys route to the new version at phase10.
	counts := routeVersions(t, h.orch, 1000)
	assert.Greater(t, counts["v2"], 40)
	assert.Less(t, counts["v2"], 200)

	onNew := map[string]bool{}
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("key-%d", i)
		if routeKey(t, h.orch, key).VersionID == "v2" {
			onNew[key] = true
		}
	}

	driveTo(t, h.orch, models.RolloutPhase50)

	// Buckets are stable, so widening the phase only adds keys to the new
	// version. Nothing moves back.
	for key := range onNew {
		assert.Equal(t, "v2", routeKey(t, h.orch, key).VersionID, "key %s regressed to the old version", key)
	}
	counts = routeVersions(t, h.orch, 1000)
	assert.Greater(t, counts["v2"], 380)
	assert.Less(t, counts["v2"], 620)
}

func TestEvaluateHoldsUntilDwellElapses(t *testing.T) {
	h := newHarness(t, holdConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	require.NoError(t, h.orch.Evaluate(ctx))
	require.NoError(t, h.orch.Evaluate(ctx))
	assert.Equal(t, models.RolloutPhaseInit, currentRollout(t, h.orch).Phase)
}

func TestHighDriftBlocksAdvance(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	h.drift.set(models.DriftSeverityHigh)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.orch.Evaluate(ctx))
	assert.Equal(t, models.RolloutPhaseInit, currentRollout(t, h.orch).Phase)

	// Medium severity is below the gate and lets the rollout move.
	h.drift.set(models.DriftSeverityMedium)
	driveTo(t, h.orch, models.RolloutPhase10)
}

func TestBudgetDowngradeBlocksAdvance(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	h.budget.set(true)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.orch.Evaluate(ctx))
	assert.Equal(t, models.RolloutPhaseInit, currentRollout(t, h.orch).Phase)

	h.budget.set(false)
	driveTo(t, h.orch, models.RolloutPhase10)
}

func TestCriticalDriftAbortsAndRevertsRouting(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	driveTo(t, h.orch, models.RolloutPhase50)

	counts := routeVersions(t, h.orch, 300)
	require.Greater(t, counts["v2"], 0, "phase50 should route some keys to the new version")

	aborted := h.bus.Subscribe(events.TopicRolloutAborted)
	h.drift.set(models.DriftSeverityCritical)
	require.NoError(t, h.orch.Evaluate(ctx))

	r := currentRollout(t, h.orch)
	assert.Equal(t, models.RolloutPhaseAborted, r.Phase)
	assert.Contains(t, r.AbortReason, "critical")
	require.NotNil(t, r.CompletedAt)

	ev, ok := recvEvent(t, aborted, time.Second)
	require.True(t, ok, "expected a rollout.aborted event")
	payload, isRollout := ev.Payload.(events.RolloutPayload)
	require.True(t, isRollout)
	assert.Contains(t, payload.Reason, "critical")

	counts = routeVersions(t, h.orch, 300)
	assert.Equal(t, 300, counts["v1"])
	assert.Zero(t, counts["v2"])

	_, err = h.orch.Get(ctx, testTenant)
	assert.True(t, stderrors.Is(err, errors.ErrRolloutNotFound))
}

func TestAbortIsVisibleBeforeReturn(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	driveTo(t, h.orch, models.RolloutPhase50)

	var newKey string
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("probe-%d", i)
		if routeKey(t, h.orch, key).VersionID == "v2" {
			newKey = key
			break
		}
	}
	require.NotEmpty(t, newKey, "no key routed to the new version at phase50")

	r, err := h.orch.Abort(ctx, testTenant, "manual stop")
	require.NoError(t, err)
	assert.Equal(t, "manual stop", r.AbortReason)

	// No sleep, no tick: the very next route already sees the old version.
	assert.Equal(t, "v1", routeKey(t, h.orch, newKey).VersionID)
}

func TestAbortFromEveryNonTerminalPhase(t *testing.T) {
	phases := []models.RolloutPhase{
		models.RolloutPhaseInit,
		models.RolloutPhase10,
		models.RolloutPhase50,
		models.RolloutPhase100,
	}
	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			h := newHarness(t, fastConfig())
			ctx := context.Background()

			_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
			require.NoError(t, err)
			if phase != models.RolloutPhaseInit {
				driveTo(t, h.orch, phase)
			}

			r, err := h.orch.Abort(ctx, testTenant, "drill")
			require.NoError(t, err)
			assert.Equal(t, models.RolloutPhaseAborted, r.Phase)
			require.NotEmpty(t, r.Transitions)
			assert.Equal(t, models.RolloutPhaseAborted, r.Transitions[len(r.Transitions)-1].Phase)

			counts := routeVersions(t, h.orch, 100)
			assert.Equal(t, 100, counts["v1"])

			_, err = h.orch.Abort(ctx, testTenant, "again")
			assert.True(t, stderrors.Is(err, errors.ErrRolloutNotFound))
		})
	}
}

func TestStuckRolloutAborts(t *testing.T) {
	cfg := fastConfig()
	cfg.StuckTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	h.drift.set(models.DriftSeverityHigh)
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, h.orch.Evaluate(ctx))

	r := currentRollout(t, h.orch)
	assert.Equal(t, models.RolloutPhaseAborted, r.Phase)
	assert.Contains(t, r.AbortReason, "stuck timeout")
	assert.Contains(t, r.AbortReason, "drift severity high")
}

func TestResumeRestoresActiveRollouts(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	driveTo(t, h.orch, models.RolloutPhase50)

	before := map[string]*models.RouteDecision{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		before[key] = routeKey(t, h.orch, key)
	}

	restarted := attachOrchestrator(t, fastConfig(), h)
	fresh := routeKey(t, restarted, "key-0")
	assert.Equal(t, -1, fresh.Bucket, "routing should fall back to resolution before resume")

	require.NoError(t, restarted.Resume(ctx))
	for key, want := range before {
		got := routeKey(t, restarted, key)
		assert.Equal(t, want.VersionID, got.VersionID)
		assert.Equal(t, want.Bucket, got.Bucket)
		assert.Equal(t, want.RolloutID, got.RolloutID)
	}

	// Terminal rollouts are not restored.
	_, err = restarted.Abort(ctx, testTenant, "drill")
	require.NoError(t, err)
	third := attachOrchestrator(t, fastConfig(), h)
	require.NoError(t, third.Resume(ctx))
	assert.Equal(t, -1, routeKey(t, third, "key-0").Bucket)
}

func TestDriftAlertSinkAbortsInSameSweep(t *testing.T) {
	h := newHarness(t, holdConfig())
	ctx := context.Background()

	_, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	require.NoError(t, h.orch.DriftAlert(ctx, &models.DriftCheckResult{
		TenantID: testTenant,
		Label:    "toxicity",
		Severity: models.DriftSeverityCritical,
	}))
	r := currentRollout(t, h.orch)
	assert.Equal(t, models.RolloutPhaseAborted, r.Phase)
	assert.Contains(t, r.AbortReason, "toxicity")

	// No active rollout is not an error for the sink.
	require.NoError(t, h.orch.DriftAlert(ctx, &models.DriftCheckResult{
		TenantID: testTenant,
		Severity: models.DriftSeverityCritical,
	}))

	// Sub-critical results never abort.
	_, err = h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	require.NoError(t, h.orch.DriftAlert(ctx, &models.DriftCheckResult{
		TenantID: testTenant,
		Severity: models.DriftSeverityHigh,
	}))
	assert.Equal(t, models.RolloutPhaseInit, currentRollout(t, h.orch).Phase)
}

// TestCanaryRegressionAbortsThroughRealMonitor wires an actual drift monitor
// as both the severity source and the alert sink, then shifts the score
// distribution mid-rollout. The sweep that scores the shifted window must
// abort the rollout before it returns, with all traffic back on the old
// version.
func TestCanaryRegressionAbortsThroughRealMonitor(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := memory.NewStore(logger)
	bus := events.NewBus(32, logger)
	defer bus.Close()

	reg, err := registry.NewRegistry(nil, store, logger)
	require.NoError(t, err)

	driftCfg := drift.DefaultConfig()
	driftCfg.MinSamples = 10
	monitor, err := drift.NewMonitor(driftCfg, store, bus, logger)
	require.NoError(t, err)

	orch, err := NewOrchestrator(fastConfig(), store, reg, monitor, &budgetStub{}, bus, logger)
	require.NoError(t, err)
	monitor.RegisterAlertSink(orch)

	ctx := context.Background()
	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))
	require.NoError(t, reg.Publish(ctx, testVersion("v2", 0.02)))
	_, err = reg.UpdateOverride(ctx, testTenant, "v1", models.Overlay{})
	require.NoError(t, err)

	feedScores := func(score float64, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, monitor.Record(&models.LabelFeedback{
				TenantID:       testTenant,
				Label:          "toxicity",
				Language:       "en",
				PredictedScore: score,
				ObservedAt:     time.Now(),
			}))
		}
	}

	// First full window becomes the baseline; it scores nothing.
	feedScores(0.05, 20)
	require.NoError(t, monitor.Sweep(ctx))

	_, err = orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	driveTo(t, orch, models.RolloutPhase50)

	// Canary regression: the next window lands far from the baseline.
	feedScores(0.95, 20)
	require.NoError(t, monitor.Sweep(ctx))

	r := currentRollout(t, orch)
	assert.Equal(t, models.RolloutPhaseAborted, r.Phase)
	assert.Contains(t, r.AbortReason, "critical")
	assert.Contains(t, r.AbortReason, "toxicity")

	counts := routeVersions(t, orch, 100)
	assert.Equal(t, 100, counts["v1"])
}

func TestCompletionPromotesBaseVersion(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	_, err := h.reg.UpdateOverride(ctx, testTenant, "v1", models.Overlay{FallbackVersion: strPtr("v-cheap")})
	require.NoError(t, err)

	completed := h.bus.Subscribe(events.TopicRolloutCompleted)
	_, err = h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)

	r := driveTo(t, h.orch, models.RolloutPhaseCompleted)
	require.NotNil(t, r.CompletedAt)

	phases := make([]models.RolloutPhase, 0, len(r.Transitions))
	for _, transition := range r.Transitions {
		phases = append(phases, transition.Phase)
	}
	assert.Equal(t, []models.RolloutPhase{
		models.RolloutPhaseInit, models.RolloutPhase10, models.RolloutPhase50,
		models.RolloutPhase100, models.RolloutPhaseCompleted,
	}, phases, "every phase entry should be recorded")

	_, ok := recvEvent(t, completed, time.Second)
	require.True(t, ok, "expected a rollout.completed event")

	cfg, err := h.reg.Resolve(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, "v2", cfg.VersionID)

	override, err := h.reg.GetOverride(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, "v2", override.BaseVersion)
	require.NotNil(t, override.Overlay.FallbackVersion, "promotion must keep the overlay")
	assert.Equal(t, "v-cheap", *override.Overlay.FallbackVersion)
	assert.NotNil(t, override.Snapshot, "promotion should leave a rollback point")

	counts := routeVersions(t, h.orch, 200)
	assert.Equal(t, 200, counts["v2"])

	// Rolling back the promotion returns the tenant to the old version.
	restored, err := h.reg.Rollback(ctx, testTenant)
	require.NoError(t, err)
	assert.Equal(t, "v1", restored.VersionID)
}

func TestRouteDefersToBudgetFallback(t *testing.T) {
	h := newHarness(t, fastConfig())
	ctx := context.Background()

	autoswitch := &autoswitchStub{}
	h.reg.SetAutoswitchSource(autoswitch)

	r, err := h.orch.Start(ctx, testTenant, "v1", "v2")
	require.NoError(t, err)
	driveTo(t, h.orch, models.RolloutPhase50)

	autoswitch.engage("v-cheap")
	decision := routeKey(t, h.orch, "any-key")
	assert.Equal(t, "v-cheap", decision.VersionID)
	require.NotNil(t, decision.Config)
	assert.True(t, decision.Config.Downgraded)
	assert.Equal(t, r.ID, decision.RolloutID, "rollout bookkeeping continues during the downgrade")
}

func TestBucketForIsStable(t *testing.T) {
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		b := bucketFor("salt-a", key)
		assert.Equal(t, b, bucketFor("salt-a", key))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 100)
	}

	// Different salts shuffle keys into different buckets.
	diff := 0
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		if bucketFor("salt-a", key) != bucketFor("salt-b", key) {
			diff++
		}
	}
	assert.Greater(t, diff, 0)
}

func BenchmarkBucketFor(b *testing.B) {
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = fmt.Sprintf("request-%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bucketFor("bench-salt", keys[i%len(keys)])
	}
}

func BenchmarkRoute(b *testing.B) {
	r := newRouter()
	r.install(&models.Rollout{
		ID:          "ro-bench",
		TenantID:    testTenant,
		FromVersion: "v1",
		ToVersion:   "v2",
		RoutingSalt: "bench-salt",
		Phase:       models.RolloutPhase50,
	})
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = fmt.Sprintf("request-%d", i)
	}
	now := time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := r.route(testTenant, keys[i%len(keys)], now); !ok {
			b.Fatal("routing entry missing")
		}
	}
}
