package ticker

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/errors"
)

// TickFunc is one unit of background work. The context carries the per-tick
// deadline when a budget is configured.
type TickFunc func(ctx context.Context) error

// LoopConfig parameterizes one background loop.
type LoopConfig struct {
	Name     string
	Interval time.Duration
	// Jitter adds up to this much random delay to each interval so loops
	// across tenants and components do not fire in lockstep.
	Jitter time.Duration
	// TickBudget bounds one tick. An overrunning tick is logged and skipped;
	// the next tick fires on schedule.
	TickBudget time.Duration
	// OnTick, when set, observes every tick's duration.
	OnTick func(name string, duration time.Duration, overrun bool)
}

// Loop runs a TickFunc on a fixed interval with jitter, a per-tick deadline,
// and graceful shutdown. Tick errors and panics are logged and never kill
// the loop.
type Loop struct {
	config LoopConfig
	fn     TickFunc
	logger *logrus.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLoop creates a loop. Start must be called to begin ticking.
func NewLoop(config LoopConfig, fn TickFunc, logger *logrus.Logger) *Loop {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{
		config: config,
		fn:     fn,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the loop goroutine. Starting twice or after Stop fails.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return errors.ErrLoopStopped
	}
	if l.started {
		return errors.NewInternalError("loop already started").WithContext("loop", l.config.Name)
	}
	l.started = true

	go l.run(ctx)

	l.logger.WithFields(logrus.Fields{
		"loop":     l.config.Name,
		"interval": l.config.Interval,
	}).Info("Started background loop")
	return nil
}

// Stop signals the loop and waits for any in-flight tick to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	started := l.started
	close(l.stopCh)
	l.mu.Unlock()

	if started {
		<-l.doneCh
	}
	l.logger.WithField("loop", l.config.Name).Info("Stopped background loop")
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	timer := time.NewTimer(l.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-timer.C:
			l.tick(ctx)
			timer.Reset(l.nextDelay())
		}
	}
}

func (l *Loop) nextDelay() time.Duration {
	delay := l.config.Interval
	if l.config.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(l.config.Jitter)))
	}
	return delay
}

func (l *Loop) tick(parent context.Context) {
	start := time.Now()

	ctx := parent
	cancel := func() {}
	if l.config.TickBudget > 0 {
		ctx, cancel = context.WithTimeout(parent, l.config.TickBudget)
	}
	defer cancel()

	err := l.safeRun(ctx)
	duration := time.Since(start)
	overrun := stderrors.Is(err, context.DeadlineExceeded) ||
		(l.config.TickBudget > 0 && duration > l.config.TickBudget)

	if l.config.OnTick != nil {
		l.config.OnTick(l.config.Name, duration, overrun)
	}

	switch {
	case overrun:
		l.logger.WithFields(logrus.Fields{
			"loop":     l.config.Name,
			"duration": duration,
			"budget":   l.config.TickBudget,
			"code":     errors.CodeTickDeadlineExceeded,
		}).Warn("Tick exceeded its budget, skipping")
	case err != nil:
		l.logger.WithFields(logrus.Fields{
			"loop":  l.config.Name,
			"error": err,
		}).Error("Tick failed")
	}
}

func (l *Loop) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"loop":  l.config.Name,
				"panic": r,
			}).Error("Recovered panicking tick")
			err = errors.NewInternalError("tick panicked")
		}
	}()
	return l.fn(ctx)
}
