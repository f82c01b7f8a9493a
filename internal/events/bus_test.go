package events

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterml/modelplane/pkg/models"
)

func newTestBus(buffer int) *Bus {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewBus(buffer, logger)
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := newTestBus(8)
	defer bus.Close()

	ch := bus.Subscribe(TopicDriftAlert)

	result := &models.DriftCheckResult{TenantID: "tenant-1", Label: "toxicity", Severity: models.DriftSeverityHigh}
	bus.Publish(TopicDriftAlert, "tenant-1", DriftAlertPayload{Result: result})

	select {
	case event := <-ch:
		assert.Equal(t, TopicDriftAlert, event.Topic)
		assert.Equal(t, "tenant-1", event.TenantID)
		assert.NotEmpty(t, event.ID)
		payload, ok := event.Payload.(DriftAlertPayload)
		require.True(t, ok)
		assert.Equal(t, result, payload.Result)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestBusTopicFiltering(t *testing.T) {
	bus := newTestBus(8)
	defer bus.Close()

	driftCh := bus.Subscribe(TopicDriftAlert)

	bus.Publish(TopicBudgetThreshold, "tenant-1", BudgetThresholdPayload{Threshold: 0.8})
	bus.Publish(TopicDriftAlert, "tenant-1", DriftAlertPayload{})

	event := <-driftCh
	assert.Equal(t, TopicDriftAlert, event.Topic)

	select {
	case extra := <-driftCh:
		t.Fatalf("unexpected event on filtered channel: %s", extra.Topic)
	default:
	}
}

func TestBusSubscribeAllTopics(t *testing.T) {
	bus := newTestBus(8)
	defer bus.Close()

	ch := bus.Subscribe()

	bus.Publish(TopicRolloutAborted, "tenant-1", RolloutPayload{Reason: "drift critical"})
	bus.Publish(TopicExperimentConcluded, "tenant-1", ExperimentPayload{})

	first := <-ch
	second := <-ch
	assert.Equal(t, TopicRolloutAborted, first.Topic)
	assert.Equal(t, TopicExperimentConcluded, second.Topic)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := newTestBus(1)
	defer bus.Close()

	bus.Subscribe(TopicBudgetThreshold)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Publish(TopicBudgetThreshold, "tenant-1", BudgetThresholdPayload{Threshold: 0.8})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(4), bus.Dropped())
}

func TestBusClose(t *testing.T) {
	bus := newTestBus(8)
	ch := bus.Subscribe(TopicRolloutCompleted)

	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after close must not panic.
	bus.Publish(TopicRolloutCompleted, "tenant-1", RolloutPayload{})

	// Subscribing after close returns a closed channel.
	late := bus.Subscribe(TopicRolloutCompleted)
	_, open = <-late
	assert.False(t, open)
}
