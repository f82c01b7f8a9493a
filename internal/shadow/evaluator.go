package shadow

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
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

// Config contains shadow evaluator settings
type Config struct {
	TickInterval  time.Duration `json:"tick_interval"`
	TickBudget    time.Duration `json:"tick_budget"`
	Workers       int           `json:"workers"`
	QueueSize     int           `json:"queue_size"`
	MinSampleSize int64         `json:"min_sample_size"`
	Confidence    float64       `json:"confidence"`
}

// DefaultConfig returns the default shadow evaluator configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval:  constants.DefaultExperimentTickInterval,
		TickBudget:    constants.DefaultTickBudget,
		Workers:       constants.DefaultShadowWorkers,
		QueueSize:     constants.DefaultShadowQueueSize,
		MinSampleSize: constants.DefaultMinSampleSize,
		Confidence:    constants.DefaultConfidenceLevel,
	}
}

// Scorer produces a model version's score for a request. Implementations
// call out to the serving layer; the evaluator only compares results.
type Scorer interface {
	Score(ctx context.Context, versionID string, req *models.InferenceRequest) (float64, error)
}

// StartParams describes a new experiment. Zero values for MinSampleSize,
// Confidence, and Seed fall back to the evaluator configuration and clock.
type StartParams struct {
	TenantID       string                `json:"tenant_id"`
	Label          string                `json:"label"`
	Mode           models.ExperimentMode `json:"mode"`
	ControlVersion string                `json:"control_version"`
	VariantVersion string                `json:"variant_version"`
	MinSampleSize  int64                 `json:"min_sample_size,omitempty"`
	Confidence     float64               `json:"confidence,omitempty"`
	Seed           int64                 `json:"seed,omitempty"`
}

// shadowTask is one mirrored request waiting for a candidate score.
type shadowTask struct {
	experimentID   string
	req            *models.InferenceRequest
	controlScore   float64
	controlLatency float64
}

// Evaluator runs shadow and interleaved experiments. Shadow traffic is
// scored by a bounded worker pool that drops work when saturated, so
// mirroring never blocks the serving path. Interleaved traffic is allocated
// by Thompson sampling and judged periodically with a two-sample test; an
// experiment never concludes before both arms reach the minimum sample size.
type Evaluator struct {
	config *Config
	store  interfaces.Store
	scorer Scorer
	bus    *events.Bus
	logger *logrus.Logger

	tasks     chan shadowTask
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	rngs     map[string]*rand.Rand
	drops    map[string]int64
	onSample func(tenantID string, mode models.ExperimentMode, arm models.Arm)
	onDrop   func(tenantID string)
}

// NewEvaluator creates a shadow evaluator
func NewEvaluator(config *Config, store interfaces.Store, scorer Scorer, bus *events.Bus, logger *logrus.Logger) (*Evaluator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", config.Workers)
	}
	if config.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", config.QueueSize)
	}
	if config.MinSampleSize <= 0 {
		return nil, fmt.Errorf("minimum sample size must be positive, got %d", config.MinSampleSize)
	}
	if config.Confidence <= 0 || config.Confidence >= 1 {
		return nil, fmt.Errorf("confidence must be in (0, 1), got %f", config.Confidence)
	}
	return &Evaluator{
		config: config,
		store:  store,
		scorer: scorer,
		bus:    bus,
		logger: logger,
		tasks:  make(chan shadowTask, config.QueueSize),
		quit:   make(chan struct{}),
		locks:  make(map[string]*sync.Mutex),
		rngs:   make(map[string]*rand.Rand),
		drops:  make(map[string]int64),
	}, nil
}

// SetSampleHook registers a callback invoked for every recorded sample.
func (e *Evaluator) SetSampleHook(fn func(tenantID string, mode models.ExperimentMode, arm models.Arm)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSample = fn
}

// SetDropHook registers a callback invoked for every dropped mirror.
func (e *Evaluator) SetDropHook(fn func(tenantID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDrop = fn
}

// Start launches the shadow scoring workers.
func (e *Evaluator) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		for i := 0; i < e.config.Workers; i++ {
			e.wg.Add(1)
			go e.worker(ctx)
		}
		e.logger.WithField("workers", e.config.Workers).Info("Shadow scoring pool started")
	})
}

// Stop shuts the worker pool down, letting in-flight scores finish.
func (e *Evaluator) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
		e.wg.Wait()
		e.logger.Info("Shadow scoring pool stopped")
	})
}

func (e *Evaluator) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case task := <-e.tasks:
			e.process(ctx, task)
		}
	}
}

// StartExperiment opens a new experiment after checking both versions exist
// and are active, and that no experiment is already running for the tenant's
// label stream.
func (e *Evaluator) StartExperiment(ctx context.Context, params StartParams) (*models.Experiment, error) {
	if params.TenantID == "" || params.Label == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Experiment requires a tenant id and label")
	}
	if !params.Mode.Valid() {
		return nil, errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("Unknown experiment mode '%s'", params.Mode))
	}
	if params.ControlVersion == "" || params.VariantVersion == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "Experiment requires control and variant versions")
	}
	if params.ControlVersion == params.VariantVersion {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "Control and variant must be different versions")
	}
	if params.Confidence != 0 && (params.Confidence <= 0 || params.Confidence >= 1) {
		return nil, errors.NewValidationError(errors.CodeOutOfRange,
			fmt.Sprintf("Confidence must be in (0, 1), got %f", params.Confidence))
	}
	if params.MinSampleSize < 0 {
		return nil, errors.NewValidationError(errors.CodeOutOfRange, "Minimum sample size must not be negative")
	}
	for _, versionID := range []string{params.ControlVersion, params.VariantVersion} {
		version, err := e.store.GetVersion(ctx, versionID)
		if err != nil {
			if stderrors.Is(err, errors.ErrDataNotFound) {
				return nil, errors.NewNotFoundError(errors.ErrorTypeExperiment, errors.CodeUnknownVersion,
					fmt.Sprintf("Model version '%s' does not exist", versionID)).
					WithCause(errors.ErrUnknownVersion).
					WithContext("version_id", versionID)
			}
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load model version")
		}
		if !version.Active {
			return nil, errors.NewConflictError(errors.ErrorTypeExperiment, errors.CodeVersionInactive,
				fmt.Sprintf("Model version '%s' is not active", versionID)).
				WithCause(errors.ErrVersionInactive).
				WithContext("version_id", versionID)
		}
	}

	if _, err := e.store.GetActiveExperiment(ctx, params.TenantID, params.Label); err == nil {
		return nil, errors.NewConflictError(errors.ErrorTypeExperiment, errors.CodeExperimentInProgress,
			fmt.Sprintf("An experiment is already running for tenant '%s' label '%s'", params.TenantID, params.Label)).
			WithCause(errors.ErrExperimentInProgress)
	} else if !stderrors.Is(err, errors.ErrDataNotFound) {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to check for a running experiment")
	}

	minSamples := params.MinSampleSize
	if minSamples == 0 {
		minSamples = e.config.MinSampleSize
	}
	confidence := params.Confidence
	if confidence == 0 {
		confidence = e.config.Confidence
	}
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	experiment := &models.Experiment{
		ID:             uuid.New().String(),
		TenantID:       params.TenantID,
		Label:          params.Label,
		Mode:           params.Mode,
		ControlVersion: params.ControlVersion,
		VariantVersion: params.VariantVersion,
		Control:        models.NewArmStats(params.ControlVersion),
		Variant:        models.NewArmStats(params.VariantVersion),
		MinSampleSize:  minSamples,
		Confidence:     confidence,
		Seed:           seed,
		StartedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateExperiment(ctx, experiment); err != nil {
		if stderrors.Is(err, errors.ErrExperimentInProgress) {
			return nil, errors.NewConflictError(errors.ErrorTypeExperiment, errors.CodeExperimentInProgress,
				fmt.Sprintf("Experiment '%s' already exists", experiment.ID)).
				WithCause(errors.ErrExperimentInProgress)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to create experiment")
	}

	e.logger.WithFields(logrus.Fields{
		"experiment_id":   experiment.ID,
		"tenant_id":       params.TenantID,
		"label":           params.Label,
		"mode":            string(params.Mode),
		"control_version": params.ControlVersion,
		"variant_version": params.VariantVersion,
	}).Info("Experiment started")
	return experiment.Clone(), nil
}

// Get returns an experiment by id.
func (e *Evaluator) Get(ctx context.Context, id string) (*models.Experiment, error) {
	experiment, err := e.store.GetExperiment(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, e.notFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load experiment")
	}
	return experiment, nil
}

// List returns a tenant's experiments.
func (e *Evaluator) List(ctx context.Context, tenantID string) ([]*models.Experiment, error) {
	experiments, err := e.store.ListExperiments(ctx, tenantID)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list experiments")
	}
	return experiments, nil
}

// Mirror enqueues a live request for asynchronous candidate scoring. It
// returns immediately: when no shadow experiment covers the request's label
// stream it is a no-op, and when the scoring pool is saturated the mirror is
// counted as dropped rather than queued.
func (e *Evaluator) Mirror(ctx context.Context, req *models.InferenceRequest, controlScore, controlLatencyMs float64) error {
	if req == nil || req.TenantID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Mirror requires a tenant id")
	}
	experiment, err := e.store.GetActiveExperiment(ctx, req.TenantID, req.Label)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil
		}
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to look up the running experiment")
	}
	if experiment.Mode != models.ExperimentModeShadow {
		return nil
	}

	r := *req
	task := shadowTask{
		experimentID:   experiment.ID,
		req:            &r,
		controlScore:   controlScore,
		controlLatency: controlLatencyMs,
	}
	select {
	case e.tasks <- task:
	default:
		e.countDrop(experiment.ID, experiment.TenantID)
	}
	return nil
}

func (e *Evaluator) countDrop(experimentID, tenantID string) {
	e.mu.Lock()
	e.drops[experimentID]++
	hook := e.onDrop
	e.mu.Unlock()
	if hook != nil {
		hook(tenantID)
	}
}

// takeDrops returns and clears the pending drop count for an experiment.
func (e *Evaluator) takeDrops(experimentID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.drops[experimentID]
	delete(e.drops, experimentID)
	return n
}

// process scores one mirrored request against the variant and folds the
// comparison into the experiment.
func (e *Evaluator) process(ctx context.Context, task shadowTask) {
	experiment, err := e.store.GetExperiment(ctx, task.experimentID)
	if err != nil || experiment.Concluded() {
		return
	}

	start := time.Now()
	score, err := e.scorer.Score(ctx, experiment.VariantVersion, task.req)
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		e.countDrop(experiment.ID, experiment.TenantID)
		e.logger.WithFields(logrus.Fields{
			"experiment_id": experiment.ID,
			"version_id":    experiment.VariantVersion,
			"error":         err.Error(),
		}).Debug("Shadow scoring failed")
		return
	}
	agree := (task.controlScore >= 0.5) == (score >= 0.5)

	lock := e.experimentLock(task.experimentID)
	lock.Lock()
	defer lock.Unlock()
	experiment, err = e.store.GetExperiment(ctx, task.experimentID)
	if err != nil || experiment.Concluded() {
		return
	}
	if agree {
		experiment.Agreements++
	} else {
		experiment.Disagreements++
	}
	experiment.Variant.ObserveLatency(latencyMs)
	experiment.Control.ObserveLatency(task.controlLatency)
	if err := e.store.PutExperiment(ctx, experiment); err != nil {
		e.logger.WithFields(logrus.Fields{
			"experiment_id": experiment.ID,
			"error":         err.Error(),
		}).Error("Failed to persist shadow comparison")
		return
	}
	if hook := e.sampleHook(); hook != nil {
		hook(experiment.TenantID, experiment.Mode, models.ArmVariant)
	}
}

// PickArm allocates one request of an interleaved experiment's traffic via
// Thompson sampling and returns the arm and the version it should be served
// by. Allocation does not mutate the experiment; counters move when the
// outcome is reported.
func (e *Evaluator) PickArm(ctx context.Context, tenantID, label string) (*models.Experiment, models.Arm, error) {
	experiment, err := e.store.GetActiveExperiment(ctx, tenantID, label)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, "", errors.NewNotFoundError(errors.ErrorTypeExperiment, errors.CodeExperimentNotFound,
				fmt.Sprintf("No running experiment for tenant '%s' label '%s'", tenantID, label)).
				WithCause(errors.ErrExperimentNotFound)
		}
		return nil, "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to look up the running experiment")
	}
	if experiment.Mode != models.ExperimentModeInterleaved {
		return nil, "", errors.NewExperimentError(errors.CodeInvalidInput,
			fmt.Sprintf("Experiment '%s' is a shadow experiment and does not allocate traffic", experiment.ID))
	}

	lock := e.experimentLock(experiment.ID)
	lock.Lock()
	arm := pickArm(e.rng(experiment.ID, experiment.Seed), experiment)
	lock.Unlock()
	return experiment, arm, nil
}

// RecordOutcome folds one observed reward into the named arm's posterior.
func (e *Evaluator) RecordOutcome(ctx context.Context, sample *models.OutcomeSample) error {
	if sample == nil || sample.ExperimentID == "" {
		return errors.NewValidationError(errors.CodeMissingField, "Outcome requires an experiment id")
	}
	if sample.Reward < 0 || sample.Reward > 1 {
		return errors.NewValidationError(errors.CodeOutOfRange,
			fmt.Sprintf("Reward must be in [0, 1], got %f", sample.Reward))
	}

	lock := e.experimentLock(sample.ExperimentID)
	lock.Lock()
	defer lock.Unlock()

	experiment, err := e.store.GetExperiment(ctx, sample.ExperimentID)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return e.notFound(sample.ExperimentID)
		}
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load experiment")
	}
	if experiment.Concluded() {
		return errors.NewConflictError(errors.ErrorTypeExperiment, errors.CodeExperimentConcluded,
			fmt.Sprintf("Experiment '%s' has already concluded", experiment.ID)).
			WithCause(errors.ErrExperimentConcluded)
	}
	arm := experiment.Arm(sample.Arm)
	if arm == nil {
		return errors.NewValidationError(errors.CodeUnknownArm,
			fmt.Sprintf("Unknown experiment arm '%s'", sample.Arm)).
			WithCause(errors.ErrUnknownArm)
	}

	arm.Observe(sample.Reward, sample.LatencyMs)
	if err := e.store.PutExperiment(ctx, experiment); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist outcome")
	}
	if hook := e.sampleHook(); hook != nil {
		hook(experiment.TenantID, experiment.Mode, sample.Arm)
	}
	return nil
}

// Evaluate is the periodic significance pass over running experiments. It
// flushes shadow drop counts and concludes any interleaved experiment whose
// arms both meet the minimum sample size with a significant accuracy
// difference.
func (e *Evaluator) Evaluate(ctx context.Context) error {
	experiments, err := e.store.ListExperiments(ctx, "")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to list experiments")
	}

	var firstErr error
	for _, experiment := range experiments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if experiment.Concluded() {
			continue
		}
		if err := e.evaluateExperiment(ctx, experiment.ID); err != nil {
			e.logger.WithFields(logrus.Fields{
				"experiment_id": experiment.ID,
				"error":         err.Error(),
			}).Error("Experiment evaluation failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Evaluator) evaluateExperiment(ctx context.Context, id string) error {
	lock := e.experimentLock(id)
	lock.Lock()
	defer lock.Unlock()

	experiment, err := e.store.GetExperiment(ctx, id)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load experiment")
	}
	if experiment.Concluded() {
		return nil
	}

	changed := false
	if drops := e.takeDrops(id); drops > 0 {
		experiment.ShadowDropped += drops
		changed = true
	}

	concluded := false
	if experiment.Mode == models.ExperimentModeInterleaved {
		result := welchTTest(
			experiment.Control.AccuracyMean, experiment.Control.AccuracyVariance(), experiment.Control.AccuracyCount,
			experiment.Variant.AccuracyMean, experiment.Variant.AccuracyVariance(), experiment.Variant.AccuracyCount,
		)
		if experiment.PValue != result.P {
			experiment.PValue = result.P
			changed = true
		}
		if e.significant(experiment, result) {
			e.crownWinner(experiment)
			changed = true
			concluded = true
		}
	}

	if !changed {
		return nil
	}
	if err := e.store.PutExperiment(ctx, experiment); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist experiment")
	}
	if concluded {
		e.announceConclusion(experiment)
	}
	return nil
}

// significant reports whether the experiment may conclude: both arms at the
// minimum sample size and the test significant at the configured confidence.
// The sample-size gate is checked first so an apparently huge effect can
// never end an experiment early.
func (e *Evaluator) significant(experiment *models.Experiment, result welchResult) bool {
	if experiment.Control.Pulls < experiment.MinSampleSize || experiment.Variant.Pulls < experiment.MinSampleSize {
		return false
	}
	if experiment.Control.AccuracyMean == experiment.Variant.AccuracyMean {
		return false
	}
	return result.P <= 1-experiment.Confidence
}

func (e *Evaluator) crownWinner(experiment *models.Experiment) {
	if experiment.Variant.AccuracyMean > experiment.Control.AccuracyMean {
		experiment.Winner = experiment.VariantVersion
	} else {
		experiment.Winner = experiment.ControlVersion
	}
	now := time.Now().UTC()
	experiment.ConcludedAt = &now
}

// Conclude stops an experiment immediately. The final significance judgment
// still applies: a winner is recorded only if the arms already separate at
// the minimum sample size, otherwise the experiment ends without one.
func (e *Evaluator) Conclude(ctx context.Context, id string) (*models.Experiment, error) {
	lock := e.experimentLock(id)
	lock.Lock()
	defer lock.Unlock()

	experiment, err := e.store.GetExperiment(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrDataNotFound) {
			return nil, e.notFound(id)
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "Failed to load experiment")
	}
	if experiment.Concluded() {
		return nil, errors.NewConflictError(errors.ErrorTypeExperiment, errors.CodeExperimentConcluded,
			fmt.Sprintf("Experiment '%s' has already concluded", experiment.ID)).
			WithCause(errors.ErrExperimentConcluded)
	}

	if drops := e.takeDrops(id); drops > 0 {
		experiment.ShadowDropped += drops
	}
	if experiment.Mode == models.ExperimentModeInterleaved {
		result := welchTTest(
			experiment.Control.AccuracyMean, experiment.Control.AccuracyVariance(), experiment.Control.AccuracyCount,
			experiment.Variant.AccuracyMean, experiment.Variant.AccuracyVariance(), experiment.Variant.AccuracyCount,
		)
		experiment.PValue = result.P
		if e.significant(experiment, result) {
			e.crownWinner(experiment)
		}
	}
	if !experiment.Concluded() {
		now := time.Now().UTC()
		experiment.ConcludedAt = &now
	}

	if err := e.store.PutExperiment(ctx, experiment); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "Failed to persist experiment")
	}
	e.announceConclusion(experiment)
	return experiment.Clone(), nil
}

func (e *Evaluator) announceConclusion(experiment *models.Experiment) {
	e.mu.Lock()
	delete(e.rngs, experiment.ID)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(events.TopicExperimentConcluded, experiment.TenantID, &events.ExperimentPayload{
			Experiment: experiment.Clone(),
		})
	}
	e.logger.WithFields(logrus.Fields{
		"experiment_id": experiment.ID,
		"tenant_id":     experiment.TenantID,
		"winner":        experiment.Winner,
		"p_value":       experiment.PValue,
		"control_pulls": experiment.Control.Pulls,
		"variant_pulls": experiment.Variant.Pulls,
	}).Info("Experiment concluded")
}

func (e *Evaluator) sampleHook() func(string, models.ExperimentMode, models.Arm) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onSample
}

func (e *Evaluator) experimentLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// rng returns the experiment's dedicated random stream, creating it from the
// experiment seed on first use. Callers must hold the experiment lock.
func (e *Evaluator) rng(id string, seed int64) *rand.Rand {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rngs[id]
	if !ok {
		r = rand.New(rand.NewSource(seed))
		e.rngs[id] = r
	}
	return r
}

func (e *Evaluator) notFound(id string) *errors.AppError {
	return errors.NewNotFoundError(errors.ErrorTypeExperiment, errors.CodeExperimentNotFound,
		fmt.Sprintf("Experiment '%s' does not exist", id)).
		WithCause(errors.ErrExperimentNotFound).
		WithContext("experiment_id", id)
}
