package registry

import (
	"context"
	stderrors "errors"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterml/modelplane/internal/storage/implementations/memory"
	"github.com/arbiterml/modelplane/pkg/errors"
	"github.com/arbiterml/modelplane/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg, err := NewRegistry(DefaultConfig(), memory.NewStore(logger), logger)
	require.NoError(t, err)
	return reg
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

func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }

func TestPublishAndResolve(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))

	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{})
	require.NoError(t, err)

	cfg, err := reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.VersionID)
	assert.Equal(t, "acme", cfg.Provider)
	assert.Equal(t, 0.7, cfg.FairnessThreshold)
	assert.Equal(t, 0.9, cfg.PrivacyRedactionRate)
	assert.Equal(t, 0.05, cfg.CostCapPerRequest)
	assert.Equal(t, 0.01, cfg.CostPerRequest)
	assert.False(t, cfg.Downgraded)
	assert.NotEmpty(t, cfg.ScoreWeights)

	// Second resolve is served from cache.
	_, err = reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	hits, _, _ := reg.CacheStats()
	assert.GreaterOrEqual(t, hits, uint64(1))
}

func TestPublishRejectsDuplicate(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))

	err := reg.Publish(ctx, testVersion("v1", 0.02))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrDuplicateVersion))

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeDuplicateVersion, appErr.Code)
	assert.Equal(t, 409, appErr.HTTPStatus)
}

func TestPublishValidatesInput(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	bad := testVersion("", 0.01)
	err := reg.Publish(ctx, bad)
	require.Error(t, err)

	bad = testVersion("v1", 0.2) // above its own cost cap
	err = reg.Publish(ctx, bad)
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.ErrorTypeValidation, appErr.Type)
}

func TestUpdateOverrideRejectsGuardrailViolation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))
	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{FairnessThreshold: floatPtr(0.8)})
	require.NoError(t, err)

	// Lowering the threshold below the version's floor must be rejected, not
	// clamped, and must leave the stored override untouched.
	_, err = reg.UpdateOverride(ctx, "t1", "", models.Overlay{FairnessThreshold: floatPtr(0.5)})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrGuardrailViolation))

	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeGuardrailViolation, appErr.Code)
	assert.Contains(t, appErr.Details, "fairness_threshold")

	cfg, err := reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.FairnessThreshold)
}

func TestUpdateOverrideMergesPartialPatch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))

	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{FairnessThreshold: floatPtr(0.85)})
	require.NoError(t, err)

	cfg, err := reg.UpdateOverride(ctx, "t1", "", models.Overlay{CostCapPerRequest: floatPtr(0.02)})
	require.NoError(t, err)

	// Both patches are in effect: the second did not erase the first.
	assert.Equal(t, 0.85, cfg.FairnessThreshold)
	assert.Equal(t, 0.02, cfg.CostCapPerRequest)

	resolved, err := reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.85, resolved.FairnessThreshold)
	assert.Equal(t, 0.02, resolved.CostCapPerRequest)
}

func TestUpdateOverrideInvalidatesCacheSynchronously(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))
	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{})
	require.NoError(t, err)

	cfg, err := reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.FairnessThreshold)

	_, err = reg.UpdateOverride(ctx, "t1", "", models.Overlay{FairnessThreshold: floatPtr(0.95)})
	require.NoError(t, err)

	cfg, err = reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.95, cfg.FairnessThreshold)
}

func TestUpdateOverrideUnknownBase(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UpdateOverride(ctx, "t1", "missing", models.Overlay{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUnknownVersion))
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))

	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{FairnessThreshold: floatPtr(0.8)})
	require.NoError(t, err)
	_, err = reg.UpdateOverride(ctx, "t1", "", models.Overlay{FairnessThreshold: floatPtr(0.9)})
	require.NoError(t, err)

	cfg, err := reg.Rollback(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.FairnessThreshold)

	resolved, err := reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, resolved.FairnessThreshold)

	// One-step undo only: the restored override carries no further snapshot.
	_, err = reg.Rollback(ctx, "t1")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNoSnapshot))
}

func TestRollbackWithoutOverride(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Rollback(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTenantNotFound))
}

func TestResolveUnknownTenant(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Resolve(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTenantNotFound))
}

type staticAutoswitch struct {
	fallback   string
	downgraded bool
}

func (s *staticAutoswitch) ActiveFallback(ctx context.Context, tenantID string) (string, bool) {
	return s.fallback, s.downgraded
}

func TestResolveAppliesAutoswitch(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))
	cheap := testVersion("v-cheap", 0.001)
	require.NoError(t, reg.Publish(ctx, cheap))

	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{FallbackVersion: strPtr("v-cheap")})
	require.NoError(t, err)

	src := &staticAutoswitch{}
	reg.SetAutoswitchSource(src)

	cfg, err := reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.VersionID)
	assert.False(t, cfg.Downgraded)

	src.fallback = "v-cheap"
	src.downgraded = true

	cfg, err = reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v-cheap", cfg.VersionID)
	assert.Equal(t, 0.001, cfg.CostPerRequest)
	assert.True(t, cfg.Downgraded)

	// The tenant overlay still applies under the fallback version.
	assert.Equal(t, "v-cheap", cfg.FallbackVersion)

	src.downgraded = false
	cfg, err = reg.Resolve(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.VersionID)
	assert.False(t, cfg.Downgraded)
}

func TestDeactivateRefusedWhileReferenced(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Publish(ctx, testVersion("v1", 0.01)))
	require.NoError(t, reg.Publish(ctx, testVersion("v2", 0.01)))

	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{})
	require.NoError(t, err)

	_, err = reg.Deactivate(ctx, "v1")
	require.Error(t, err)
	var appErr *errors.AppError
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, errors.CodeVersionInUse, appErr.Code)

	// Unreferenced versions can be retired, and retired versions cannot be
	// used as an override base afterwards.
	v2, err := reg.Deactivate(ctx, "v2")
	require.NoError(t, err)
	assert.False(t, v2.Active)

	_, err = reg.UpdateOverride(ctx, "t2", "v2", models.Overlay{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrVersionInactive))

	promoted, err := reg.Promote(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, promoted.Active)

	_, err = reg.UpdateOverride(ctx, "t2", "v2", models.Overlay{})
	require.NoError(t, err)
}

// Resolution must never hand out a config that violates a guardrail, no
// matter what sequence of overlay updates was attempted.
func TestResolveNeverViolatesGuardrails(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	version := testVersion("v1", 0.01)
	require.NoError(t, reg.Publish(ctx, version))
	_, err := reg.UpdateOverride(ctx, "t1", "v1", models.Overlay{})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 250; i++ {
		patch := models.Overlay{}
		if rng.Intn(2) == 0 {
			patch.FairnessThreshold = floatPtr(rng.Float64()*1.2 - 0.1)
		}
		if rng.Intn(2) == 0 {
			patch.PrivacyRedactionRate = floatPtr(rng.Float64()*1.2 - 0.1)
		}
		if rng.Intn(2) == 0 {
			patch.CostCapPerRequest = floatPtr(rng.Float64() * 0.1)
		}

		_, updateErr := reg.UpdateOverride(ctx, "t1", "", patch)

		cfg, err := reg.Resolve(ctx, "t1")
		require.NoError(t, err)

		g := version.Guardrails
		assert.GreaterOrEqual(t, cfg.FairnessThreshold, g.MinFairnessScore)
		assert.GreaterOrEqual(t, cfg.PrivacyRedactionRate, g.MinPrivacyRedactionRate)
		assert.LessOrEqual(t, cfg.CostCapPerRequest, g.MaxCostPerRequest)
		assert.GreaterOrEqual(t, cfg.CostCapPerRequest, version.CostPerRequest)

		if updateErr != nil {
			assert.True(t, stderrors.Is(updateErr, errors.ErrGuardrailViolation))
		}
	}
}

func TestMergeEffectiveLayering(t *testing.T) {
	version := testVersion("v1", 0.01)
	now := time.Now()

	cfg := mergeEffective("t1", version, models.Overlay{}, now)
	assert.Equal(t, defaultScoreWeights, cfg.ScoreWeights)
	assert.Equal(t, version.Guardrails.MinFairnessScore, cfg.FairnessThreshold)

	overlay := models.Overlay{
		FairnessThreshold: floatPtr(0.75),
		ScoreWeights:      map[string]float64{"accuracy": 1.0},
	}
	cfg = mergeEffective("t1", version, overlay, now)
	assert.Equal(t, 0.75, cfg.FairnessThreshold)
	assert.Equal(t, map[string]float64{"accuracy": 1.0}, cfg.ScoreWeights)

	// The merge never aliases the overlay's map.
	overlay.ScoreWeights["accuracy"] = 0.0
	assert.Equal(t, 1.0, cfg.ScoreWeights["accuracy"])
}
