package shadow

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
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

type fakeScorer struct {
	mu     sync.Mutex
	scores map[string]float64
	err    error
	calls  int
}

func (f *fakeScorer) Score(ctx context.Context, versionID string, req *models.InferenceRequest) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.scores[versionID], nil
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testShadowConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 64
	cfg.MinSampleSize = 50
	return cfg
}

func newTestEvaluator(t *testing.T, cfg *Config, scorer Scorer) (*Evaluator, interfaces.Store, *events.Bus) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := memory.NewStore(logger)
	bus := events.NewBus(32, logger)
	if scorer == nil {
		scorer = &fakeScorer{scores: map[string]float64{}}
	}
	eval, err := NewEvaluator(cfg, store, scorer, bus, logger)
	require.NoError(t, err)

	for _, id := range []string{"v1", "v2"} {
		require.NoError(t, store.CreateVersion(context.Background(), &models.ModelVersion{
			ID:             id,
			Provider:       "acme",
			PromptVersion:  "p1",
			CostPerRequest: 0.01,
			Active:         true,
			CreatedAt:      time.Now().UTC(),
		}))
	}
	return eval, store, bus
}

func interleavedParams() StartParams {
	return StartParams{
		TenantID:       "acme",
		Label:          "toxicity",
		Mode:           models.ExperimentModeInterleaved,
		ControlVersion: "v1",
		VariantVersion: "v2",
		Seed:           42,
	}
}

func shadowParams() StartParams {
	p := interleavedParams()
	p.Mode = models.ExperimentModeShadow
	return p
}

func mirrorRequest(key string) *models.InferenceRequest {
	return &models.InferenceRequest{
		TenantID:   "acme",
		RequestKey: key,
		Text:       "sample text",
		Label:      "toxicity",
		Language:   "en",
	}
}

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStartExperimentValidates(t *testing.T) {
	eval, store, _ := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()

	p := interleavedParams()
	p.VariantVersion = "ghost"
	_, err := eval.StartExperiment(ctx, p)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownVersion))

	p = interleavedParams()
	p.VariantVersion = p.ControlVersion
	_, err = eval.StartExperiment(ctx, p)
	require.Error(t, err)

	p = interleavedParams()
	p.Mode = "champion"
	_, err = eval.StartExperiment(ctx, p)
	require.Error(t, err)

	require.NoError(t, store.CreateVersion(ctx, &models.ModelVersion{ID: "v3", Active: false}))
	p = interleavedParams()
	p.VariantVersion = "v3"
	_, err = eval.StartExperiment(ctx, p)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrVersionInactive))

	_, err = eval.StartExperiment(ctx, interleavedParams())
	require.NoError(t, err)
	_, err = eval.StartExperiment(ctx, interleavedParams())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrExperimentInProgress))
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, 409, appErr.HTTPStatus)
}

func TestMirrorComparesVariantAgainstControl(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{"v2": 0.8}}
	eval, _, _ := newTestEvaluator(t, testShadowConfig(), scorer)
	ctx := context.Background()

	experiment, err := eval.StartExperiment(ctx, shadowParams())
	require.NoError(t, err)

	eval.Start(ctx)
	defer eval.Stop()

	// Control above 0.5 agrees with the variant's 0.8, control below does not.
	for i := 0; i < 10; i++ {
		require.NoError(t, eval.Mirror(ctx, mirrorRequest(fmt.Sprintf("agree-%d", i)), 0.9, 20))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, eval.Mirror(ctx, mirrorRequest(fmt.Sprintf("split-%d", i)), 0.1, 20))
	}

	waitFor(t, func() bool {
		current, err := eval.Get(ctx, experiment.ID)
		return err == nil && current.Agreements+current.Disagreements == 15
	}, 2*time.Second)

	current, err := eval.Get(ctx, experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), current.Agreements)
	assert.Equal(t, int64(5), current.Disagreements)
	assert.InDelta(t, 10.0/15.0, current.AgreementRate(), 0.001)
	assert.Equal(t, int64(15), current.Variant.LatencyCount)
	assert.Equal(t, int64(15), current.Control.LatencyCount)
	assert.InDelta(t, 20.0, current.Control.LatencyMean, 0.001)
	assert.Empty(t, current.Winner, "shadow experiments never pick a winner by themselves")
}

func TestMirrorWithoutExperimentIsNoop(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{}}
	eval, _, _ := newTestEvaluator(t, testShadowConfig(), scorer)
	ctx := context.Background()

	eval.Start(ctx)
	defer eval.Stop()

	require.NoError(t, eval.Mirror(ctx, mirrorRequest("r1"), 0.9, 20))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, scorer.callCount())
}

func TestMirrorDropsWhenPoolSaturated(t *testing.T) {
	cfg := testShadowConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	eval, _, _ := newTestEvaluator(t, cfg, nil)
	ctx := context.Background()

	experiment, err := eval.StartExperiment(ctx, shadowParams())
	require.NoError(t, err)

	var dropped int
	eval.SetDropHook(func(string) { dropped++ })

	// Workers are never started, so the queue holds exactly one task and
	// everything past it is shed.
	for i := 0; i < 6; i++ {
		require.NoError(t, eval.Mirror(ctx, mirrorRequest(fmt.Sprintf("r-%d", i)), 0.9, 20))
	}
	assert.Equal(t, 5, dropped)

	require.NoError(t, eval.Evaluate(ctx))
	current, err := eval.Get(ctx, experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current.ShadowDropped)
}

func TestScorerFailureCountsAsDrop(t *testing.T) {
	scorer := &fakeScorer{err: fmt.Errorf("model endpoint unavailable")}
	eval, _, _ := newTestEvaluator(t, testShadowConfig(), scorer)
	ctx := context.Background()

	experiment, err := eval.StartExperiment(ctx, shadowParams())
	require.NoError(t, err)

	eval.Start(ctx)
	defer eval.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, eval.Mirror(ctx, mirrorRequest(fmt.Sprintf("r-%d", i)), 0.9, 20))
	}
	waitFor(t, func() bool {
		require.NoError(t, eval.Evaluate(ctx))
		current, err := eval.Get(ctx, experiment.ID)
		return err == nil && current.ShadowDropped == 3
	}, 2*time.Second)
}

func TestPickArmFavorsStrongerPosterior(t *testing.T) {
	eval, store, _ := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()

	experiment, err := eval.StartExperiment(ctx, interleavedParams())
	require.NoError(t, err)

	// Control rewarded 20% of the time, variant 80%.
	stored, err := store.GetExperiment(ctx, experiment.ID)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		stored.Control.Observe(boolReward(i%5 == 0), 10)
		stored.Variant.Observe(boolReward(i%5 != 0), 10)
	}
	require.NoError(t, store.PutExperiment(ctx, stored))

	variantPicks := 0
	for i := 0; i < 200; i++ {
		_, arm, err := eval.PickArm(ctx, "acme", "toxicity")
		require.NoError(t, err)
		if arm == models.ArmVariant {
			variantPicks++
		}
	}
	assert.Greater(t, variantPicks, 150,
		"Thompson sampling should almost always play the clearly better arm")
}

func TestPickArmReplaysDeterministicallyForSeed(t *testing.T) {
	scorer := &fakeScorer{scores: map[string]float64{}}
	eval1, store, _ := newTestEvaluator(t, testShadowConfig(), scorer)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	eval2, err := NewEvaluator(testShadowConfig(), store, scorer, events.NewBus(8, logger), logger)
	require.NoError(t, err)

	_, err = eval1.StartExperiment(ctx, interleavedParams())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, arm1, err := eval1.PickArm(ctx, "acme", "toxicity")
		require.NoError(t, err)
		_, arm2, err := eval2.PickArm(ctx, "acme", "toxicity")
		require.NoError(t, err)
		assert.Equal(t, arm1, arm2, "allocation must replay identically for the same seed")
	}
}

func TestPickArmRejectsShadowExperiments(t *testing.T) {
	eval, _, _ := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()

	_, err := eval.StartExperiment(ctx, shadowParams())
	require.NoError(t, err)
	_, _, err = eval.PickArm(ctx, "acme", "toxicity")
	require.Error(t, err)

	_, _, err = eval.PickArm(ctx, "ghost", "toxicity")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrExperimentNotFound))
}

func TestRecordOutcomeUpdatesPosterior(t *testing.T) {
	eval, _, _ := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()

	experiment, err := eval.StartExperiment(ctx, interleavedParams())
	require.NoError(t, err)

	require.NoError(t, eval.RecordOutcome(ctx, &models.OutcomeSample{
		ExperimentID: experiment.ID,
		Arm:          models.ArmVariant,
		Reward:       1,
		LatencyMs:    35,
	}))
	require.NoError(t, eval.RecordOutcome(ctx, &models.OutcomeSample{
		ExperimentID: experiment.ID,
		Arm:          models.ArmVariant,
		Reward:       0,
		LatencyMs:    40,
	}))

	current, err := eval.Get(ctx, experiment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Variant.Pulls)
	assert.Equal(t, 2.0, current.Variant.Alpha)
	assert.Equal(t, 2.0, current.Variant.Beta)
	assert.Equal(t, int64(0), current.Control.Pulls)
	assert.InDelta(t, 0.5, current.Variant.PosteriorMean(), 0.001)

	err = eval.RecordOutcome(ctx, &models.OutcomeSample{ExperimentID: experiment.ID, Arm: "champion", Reward: 1})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownArm))

	err = eval.RecordOutcome(ctx, &models.OutcomeSample{ExperimentID: experiment.ID, Arm: models.ArmControl, Reward: 1.5})
	require.Error(t, err)

	err = eval.RecordOutcome(ctx, &models.OutcomeSample{ExperimentID: "ghost", Arm: models.ArmControl, Reward: 1})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrExperimentNotFound))
}

// boolReward converts an agreement flag to a bandit reward.
func boolReward(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func TestEvaluateNeverConcludesBeforeMinSamples(t *testing.T) {
	eval, store, _ := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()

	params := interleavedParams()
	params.MinSampleSize = 100
	experiment, err := eval.StartExperiment(ctx, params)
	require.NoError(t, err)

	// A maximal apparent effect on half the required samples.
	stored, err := store.GetExperiment(ctx, experiment.ID)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		stored.Control.Observe(0, 10)
		stored.Variant.Observe(1, 10)
	}
	require.NoError(t, store.PutExperiment(ctx, stored))

	require.NoError(t, eval.Evaluate(ctx))

	current, err := eval.Get(ctx, experiment.ID)
	require.NoError(t, err)
	assert.False(t, current.Concluded(), "experiments must never conclude before the minimum sample size")
	assert.Empty(t, current.Winner)
}

func TestEvaluateConcludesSignificantExperiment(t *testing.T) {
	eval, store, bus := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()
	concluded := bus.Subscribe(events.TopicExperimentConcluded)

	params := interleavedParams()
	params.MinSampleSize = 50
	experiment, err := eval.StartExperiment(ctx, params)
	require.NoError(t, err)

	// Control rewarded 50% of the time, variant 90%, both past the minimum.
	stored, err := store.GetExperiment(ctx, experiment.ID)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		stored.Control.Observe(boolReward(i%2 == 0), 10)
		stored.Variant.Observe(boolReward(i%10 != 0), 10)
	}
	require.NoError(t, store.PutExperiment(ctx, stored))

	require.NoError(t, eval.Evaluate(ctx))

	current, err := eval.Get(ctx, experiment.ID)
	require.NoError(t, err)
	require.True(t, current.Concluded())
	assert.Equal(t, "v2", current.Winner)
	assert.LessOrEqual(t, current.PValue, 0.05)

	ev, ok := recvEvent(t, concluded, time.Second)
	require.True(t, ok, "expected an experiment.concluded event")
	payload := ev.Payload.(*events.ExperimentPayload)
	assert.Equal(t, current.ID, payload.Experiment.ID)

	err = eval.RecordOutcome(ctx, &models.OutcomeSample{ExperimentID: experiment.ID, Arm: models.ArmControl, Reward: 1})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrExperimentConcluded))
}

func TestConcludeWithoutSignificanceLeavesNoWinner(t *testing.T) {
	eval, _, bus := newTestEvaluator(t, testShadowConfig(), nil)
	ctx := context.Background()
	concluded := bus.Subscribe(events.TopicExperimentConcluded)

	experiment, err := eval.StartExperiment(ctx, interleavedParams())
	require.NoError(t, err)
	require.NoError(t, eval.RecordOutcome(ctx, &models.OutcomeSample{
		ExperimentID: experiment.ID,
		Arm:          models.ArmVariant,
		Reward:       1,
	}))

	final, err := eval.Conclude(ctx, experiment.ID)
	require.NoError(t, err)
	assert.True(t, final.Concluded())
	assert.Empty(t, final.Winner)

	_, ok := recvEvent(t, concluded, time.Second)
	assert.True(t, ok)

	_, err = eval.Conclude(ctx, experiment.ID)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrExperimentConcluded))
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

func TestWelchTTestKnownValue(t *testing.T) {
	result := welchTTest(5, 4, 30, 6, 9, 40)
	assert.InDelta(t, -1.6705, result.T, 0.001)
	assert.InDelta(t, 67.19, result.DF, 0.5)
	assert.InDelta(t, 0.0995, result.P, 0.005)
}

func TestWelchTTestDegenerateInputs(t *testing.T) {
	assert.Equal(t, 1.0, welchTTest(1, 0.5, 1, 2, 0.5, 40).P, "one sample cannot be tested")
	assert.Equal(t, 1.0, welchTTest(3, 0, 40, 3, 0, 40).P, "identical constant arms do not separate")
	assert.Equal(t, 0.0, welchTTest(0, 0, 40, 1, 0, 40).P, "disjoint constant arms separate exactly")
}

func BenchmarkPickArm(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	experiment := &models.Experiment{
		Control: models.ArmStats{Alpha: 41, Beta: 161},
		Variant: models.ArmStats{Alpha: 161, Beta: 41},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pickArm(rng, experiment)
	}
}
