package budget

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterml/modelplane/internal/events"
	"github.com/arbiterml/modelplane/internal/storage/implementations/memory"
	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

type staticConfigs struct {
	cfg *models.EffectiveConfig
	err error
}

func (s *staticConfigs) Resolve(ctx context.Context, tenantID string) (*models.EffectiveConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

func testBudgetConfig() *Config {
	cfg := DefaultConfig()
	cfg.AutoswitchCooldown = time.Hour
	return cfg
}

func newTestEnforcer(t *testing.T, cfg *Config) (*Enforcer, interfaces.Store, *events.Bus) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := memory.NewStore(logger)
	bus := events.NewBus(32, logger)
	configs := &staticConfigs{cfg: &models.EffectiveConfig{
		TenantID:       "acme",
		VersionID:      "v1",
		CostPerRequest: 0.25,
	}}
	enf, err := NewEnforcer(cfg, store, configs, bus, logger)
	require.NoError(t, err)
	return enf, store, bus
}

func seedOverride(t *testing.T, store interfaces.Store, tenantID, base, fallback string) {
	t.Helper()
	override := &models.TenantOverride{
		TenantID:    tenantID,
		BaseVersion: base,
		UpdatedAt:   time.Now().UTC(),
	}
	if fallback != "" {
		override.Overlay.FallbackVersion = &fallback
	}
	require.NoError(t, store.PutOverride(context.Background(), override))
}

func sample(tenantID string, cost, latency float64) *models.BillingSample {
	return &models.BillingSample{
		TenantID:   tenantID,
		CostUnits:  cost,
		LatencyMs:  latency,
		ObservedAt: time.Now().UTC(),
	}
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

func TestRecordBillingAccumulatesMonotonically(t *testing.T) {
	enf, store, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	var hookCalls int
	enf.SetLedgerHook(func(*models.BudgetLedger) { hookCalls++ })

	for i := 0; i < 5; i++ {
		require.NoError(t, enf.RecordBilling(ctx, sample("acme", 2.0, 120)))
	}
	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 10.0, ledger.CostUnits)
	assert.Equal(t, int64(5), ledger.RequestCount)
	assert.Equal(t, models.AutoswitchNormal, ledger.State)
	assert.Equal(t, 5, hookCalls)

	// Unpriced samples are costed from the tenant's effective configuration.
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 0, 120)))
	ledger, err = store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 10.25, ledger.CostUnits)
	assert.Equal(t, int64(6), ledger.RequestCount)
}

func TestRecordBillingValidatesInput(t *testing.T) {
	enf, _, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	err := enf.RecordBilling(ctx, &models.BillingSample{CostUnits: 1})
	require.Error(t, err)
	err = enf.RecordBilling(ctx, sample("acme", -1, 100))
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.ErrorTypeValidation, appErr.Type)
	err = enf.RecordBilling(ctx, sample("acme", 1, -5))
	require.Error(t, err)
}

func TestLatencyEstimatorsTrackStream(t *testing.T) {
	enf, store, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	// 95% of requests at 100ms plus a slow tail at 900ms.
	for i := 0; i < 100; i++ {
		latency := 100.0
		if i%20 == 19 {
			latency = 900.0
		}
		require.NoError(t, enf.RecordBilling(ctx, sample("acme", 0.01, latency)))
	}

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.Greater(t, ledger.LatencyEMA, 100.0)
	assert.Less(t, ledger.LatencyEMA, 900.0)
	assert.Greater(t, ledger.LatencyP95, ledger.LatencyEMA,
		"tail quantile should sit above the mean for a skewed stream")
	assert.LessOrEqual(t, ledger.LatencyP95, 900.0)
}

func TestPeriodRolloverResetsCounters(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.Period = 100 * time.Millisecond
	enf, store, _ := newTestEnforcer(t, cfg)
	ctx := context.Background()

	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 5, 100)))
	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	firstPeriod := ledger.PeriodID
	ledger.LastThreshold = 0.8
	require.NoError(t, store.PutLedger(ctx, ledger))

	time.Sleep(150 * time.Millisecond)

	// A snapshot reports the rolled-over view without writing it back.
	view, err := enf.Snapshot(ctx, "acme")
	require.NoError(t, err)
	assert.NotEqual(t, firstPeriod, view.PeriodID)
	assert.Equal(t, 0.0, view.CostUnits)
	assert.Equal(t, int64(0), view.RequestCount)
	assert.Equal(t, 0.0, view.LastThreshold)
	stored, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, firstPeriod, stored.PeriodID)

	// The next sample lands in the fresh period.
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 1, 100)))
	ledger, err = store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.NotEqual(t, firstPeriod, ledger.PeriodID)
	assert.Equal(t, 1.0, ledger.CostUnits)
	assert.Equal(t, int64(1), ledger.RequestCount)
	assert.Equal(t, 0.0, ledger.LastThreshold)
}

func TestEvaluateFiresEachThresholdOnce(t *testing.T) {
	enf, store, bus := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()
	events80 := bus.Subscribe(events.TopicBudgetThreshold)

	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 10}))
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 8.5, 100)))

	require.NoError(t, enf.Evaluate(ctx))
	ev, ok := recvEvent(t, events80, time.Second)
	require.True(t, ok, "expected a threshold event at 80%")
	payload := ev.Payload.(*events.BudgetThresholdPayload)
	assert.Equal(t, 0.80, payload.Threshold)
	assert.InDelta(t, 0.85, payload.SpendRatio, 0.001)

	// Re-evaluating the same spend stays silent.
	require.NoError(t, enf.Evaluate(ctx))
	_, ok = recvEvent(t, events80, 50*time.Millisecond)
	assert.False(t, ok, "threshold event must fire once per period")

	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 1.0, 100)))
	require.NoError(t, enf.Evaluate(ctx))
	ev, ok = recvEvent(t, events80, time.Second)
	require.True(t, ok, "expected a threshold event at 90%")
	payload = ev.Payload.(*events.BudgetThresholdPayload)
	assert.Equal(t, 0.90, payload.Threshold)

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0.90, ledger.LastThreshold)
}

func TestEvaluateEngagesAutoswitch(t *testing.T) {
	enf, store, bus := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()
	switches := bus.Subscribe(events.TopicBudgetAutoswitch)

	seedOverride(t, store, "acme", "v1", "v-cheap")
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 10}))
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 12, 100)))

	require.NoError(t, enf.Evaluate(ctx))

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ledger.Downgraded())
	require.NotNil(t, ledger.CooldownUntil)
	require.NotNil(t, ledger.DowngradedAt)
	assert.Equal(t, 1.0, ledger.LastThreshold)

	ev, ok := recvEvent(t, switches, time.Second)
	require.True(t, ok, "expected an autoswitch event")
	payload := ev.Payload.(*events.AutoswitchPayload)
	assert.Equal(t, "v1", payload.FromVersion)
	assert.Equal(t, "v-cheap", payload.ToVersion)

	fallback, downgraded := enf.ActiveFallback(ctx, "acme")
	assert.True(t, downgraded)
	assert.Equal(t, "v-cheap", fallback)
}

func TestEvaluateWithoutFallbackOnlyAlerts(t *testing.T) {
	enf, store, bus := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()
	thresholds := bus.Subscribe(events.TopicBudgetThreshold)

	seedOverride(t, store, "acme", "v1", "")
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 10}))
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 12, 100)))

	require.NoError(t, enf.Evaluate(ctx))

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ledger.Downgraded(), "no fallback model means no downgrade")
	assert.Equal(t, 1.0, ledger.LastThreshold)

	ev, ok := recvEvent(t, thresholds, time.Second)
	require.True(t, ok)
	assert.Equal(t, 1.0, ev.Payload.(*events.BudgetThresholdPayload).Threshold)

	require.NoError(t, enf.Evaluate(ctx))
	_, ok = recvEvent(t, thresholds, 50*time.Millisecond)
	assert.False(t, ok, "exhaustion alert must not repeat")

	_, downgraded := enf.ActiveFallback(ctx, "acme")
	assert.False(t, downgraded)
}

func TestCooldownSuppressesRestore(t *testing.T) {
	enf, store, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	seedOverride(t, store, "acme", "v1", "v-cheap")
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 10}))
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 12, 100)))
	require.NoError(t, enf.Evaluate(ctx))

	// Raising the limit drops the ratio below 1, but the cooldown pins the
	// switch decision.
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 100}))
	require.NoError(t, enf.Evaluate(ctx))

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, ledger.Downgraded(), "restore must wait out the cooldown")
	fallback, downgraded := enf.ActiveFallback(ctx, "acme")
	assert.True(t, downgraded)
	assert.Equal(t, "v-cheap", fallback)
}

func TestRestoreAfterCooldownWhenUnderLimit(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.AutoswitchCooldown = 20 * time.Millisecond
	enf, store, bus := newTestEnforcer(t, cfg)
	ctx := context.Background()
	switches := bus.Subscribe(events.TopicBudgetAutoswitch)

	seedOverride(t, store, "acme", "v1", "v-cheap")
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 10}))
	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 12, 100)))
	require.NoError(t, enf.Evaluate(ctx))
	_, ok := recvEvent(t, switches, time.Second)
	require.True(t, ok, "expected the downgrade event")

	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 100}))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, enf.Evaluate(ctx))

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ledger.Downgraded())
	assert.Nil(t, ledger.CooldownUntil)
	assert.Nil(t, ledger.DowngradedAt)

	ev, ok := recvEvent(t, switches, time.Second)
	require.True(t, ok, "expected the restore event")
	payload := ev.Payload.(*events.AutoswitchPayload)
	assert.Equal(t, "v-cheap", payload.FromVersion)
	assert.Equal(t, "v1", payload.ToVersion)

	_, downgraded := enf.ActiveFallback(ctx, "acme")
	assert.False(t, downgraded)
}

func TestActiveFallbackIgnoresStalePeriods(t *testing.T) {
	enf, store, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	seedOverride(t, store, "acme", "v1", "v-cheap")
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{
		TenantID:   "acme",
		LimitUnits: 0.5,
		Period:     100 * time.Millisecond,
	}))
	// A record/evaluate pair can straddle a boundary of the short test
	// period, so retry until the downgrade lands inside one period.
	downgraded := false
	fallback := ""
	for attempt := 0; attempt < 3 && !downgraded; attempt++ {
		require.NoError(t, enf.RecordBilling(ctx, sample("acme", 1, 100)))
		require.NoError(t, enf.Evaluate(ctx))
		fallback, downgraded = enf.ActiveFallback(ctx, "acme")
	}
	require.True(t, downgraded)
	require.Equal(t, "v-cheap", fallback)

	// The downgrade dies with its billing period.
	time.Sleep(150 * time.Millisecond)
	_, downgraded = enf.ActiveFallback(ctx, "acme")
	assert.False(t, downgraded)
}

func TestForecastProjectsLinearSpend(t *testing.T) {
	enf, _, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 1000}))

	base := periodStart(time.Now().UTC(), enf.config.Period).Add(time.Hour)
	for i := 0; i < 12; i++ {
		s := sample("acme", 5, 100)
		s.ObservedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, enf.RecordBilling(ctx, s))
	}

	forecast, err := enf.Forecast(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 60.0, forecast.CurrentCost)
	assert.Equal(t, 12, forecast.SampleCount)
	assert.Greater(t, forecast.ProjectedCost, 1000.0,
		"5 units a minute must project past the limit over a month")
	assert.True(t, forecast.WillExceed)
	require.NotNil(t, forecast.ProjectedBreachAt)
	assert.False(t, forecast.ProjectedBreachAt.Before(periodStart(time.Now().UTC(), enf.config.Period)))
}

func TestForecastRequiresSamples(t *testing.T) {
	enf, _, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, enf.RecordBilling(ctx, sample("acme", 1, 100)))
	}
	_, err := enf.Forecast(ctx, "acme")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientSamples))
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeInsufficientSamples, appErr.Code)
}

func TestEvaluatePublishesForecastOnce(t *testing.T) {
	enf, _, bus := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()
	forecasts := bus.Subscribe(events.TopicBudgetForecast)

	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 100}))
	base := periodStart(time.Now().UTC(), enf.config.Period).Add(time.Hour)
	for i := 0; i < 12; i++ {
		s := sample("acme", 5, 100)
		s.ObservedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, enf.RecordBilling(ctx, s))
	}

	require.NoError(t, enf.Evaluate(ctx))
	ev, ok := recvEvent(t, forecasts, time.Second)
	require.True(t, ok, "expected a forecast breach event")
	payload := ev.Payload.(*events.ForecastPayload)
	assert.True(t, payload.Forecast.WillExceed)

	require.NoError(t, enf.Evaluate(ctx))
	_, ok = recvEvent(t, forecasts, 50*time.Millisecond)
	assert.False(t, ok, "forecast breach must announce once per period")
}

func TestSetPolicyValidatesAndAppliesLimit(t *testing.T) {
	enf, store, _ := newTestEnforcer(t, testBudgetConfig())
	ctx := context.Background()

	err := enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 0})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidLimit))

	require.NoError(t, enf.RecordBilling(ctx, sample("acme", 2, 100)))
	require.NoError(t, enf.SetPolicy(ctx, &models.BudgetPolicy{TenantID: "acme", LimitUnits: 50}))

	policy, err := enf.GetPolicy(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 50.0, policy.LimitUnits)

	ledger, err := store.GetLedger(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 50.0, ledger.LimitUnits, "existing ledger picks the new limit up immediately")
}

func TestSnapshotMissingLedger(t *testing.T) {
	enf, _, _ := newTestEnforcer(t, testBudgetConfig())

	_, err := enf.Snapshot(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrLedgerNotFound))
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, 404, appErr.HTTPStatus)
}
