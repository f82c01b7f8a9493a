package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/models"
)

// Topic names an outbound event stream.
type Topic string

const (
	TopicDriftAlert          Topic = constants.TopicDriftAlert
	TopicBudgetThreshold     Topic = constants.TopicBudgetThreshold
	TopicBudgetAutoswitch    Topic = constants.TopicBudgetAutoswitch
	TopicBudgetForecast      Topic = constants.TopicBudgetForecast
	TopicRolloutAborted      Topic = constants.TopicRolloutAborted
	TopicRolloutCompleted    Topic = constants.TopicRolloutCompleted
	TopicExperimentConcluded Topic = constants.TopicExperimentConcluded
)

// Event is one typed notification for alerting and dashboard collaborators.
// Control-plane components never gate on events; gating uses direct calls.
type Event struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	TenantID  string      `json:"tenant_id"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// DriftAlertPayload accompanies drift.alert events.
type DriftAlertPayload struct {
	Result *models.DriftCheckResult `json:"result"`
}

// BudgetThresholdPayload accompanies budget.threshold events.
type BudgetThresholdPayload struct {
	Threshold  float64              `json:"threshold"`
	SpendRatio float64              `json:"spend_ratio"`
	Ledger     *models.BudgetLedger `json:"ledger"`
}

// AutoswitchPayload accompanies budget.autoswitch events.
type AutoswitchPayload struct {
	FromVersion string               `json:"from_version"`
	ToVersion   string               `json:"to_version"`
	Ledger      *models.BudgetLedger `json:"ledger"`
}

// ForecastPayload accompanies budget.forecast events.
type ForecastPayload struct {
	Forecast *models.BudgetForecast `json:"forecast"`
}

// RolloutPayload accompanies rollout.aborted and rollout.completed events.
type RolloutPayload struct {
	Rollout *models.Rollout `json:"rollout"`
	Reason  string          `json:"reason,omitempty"`
}

// ExperimentPayload accompanies experiment.concluded events.
type ExperimentPayload struct {
	Experiment *models.Experiment `json:"experiment"`
}

type subscriber struct {
	topics map[Topic]bool
	ch     chan Event
}

// Bus is the in-process event bus. Publishing never blocks: a subscriber
// that cannot keep up loses events, counted and logged, so a slow dashboard
// consumer can never stall a control loop.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	buffer  int
	dropped uint64
	closed  bool
	logger  *logrus.Logger
}

// NewBus creates a bus whose subscriber channels buffer the given number of
// events.
func NewBus(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{buffer: buffer, logger: logger}
}

// Subscribe returns a channel receiving the named topics. With no topics it
// receives everything. The channel is closed when the bus closes.
func (b *Bus) Subscribe(topics ...Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, b.buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	if b.closed {
		close(sub.ch)
		return sub.ch
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(topic Topic, tenantID string, payload interface{}) {
	event := Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		TenantID:  tenantID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			b.logger.WithFields(logrus.Fields{
				"topic":     topic,
				"tenant_id": tenantID,
			}).Warn("Dropped event for slow subscriber")
		}
	}
}

// Dropped returns how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
