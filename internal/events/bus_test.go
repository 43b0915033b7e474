package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskEvent(eventType string) TaskEvent {
	return TaskEvent{Type: eventType, Source: "api", Timestamp: time.Now().UTC()}
}

func TestPublishReachesTopicSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 4)
	bus.Publish(taskEvent(EventTypeTaskCreated))

	select {
	case e := <-ch:
		te, ok := e.(TaskEvent)
		require.True(t, ok)
		assert.Equal(t, EventTypeTaskCreated, te.Type)
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestPublishSkipsOtherTopics(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	agentCh := bus.Subscribe(TopicAgent, 4)
	bus.Publish(taskEvent(EventTypeTaskUpdated))

	assert.Empty(t, agentCh)
}

func TestSubscribeAllSeesEveryTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(4)
	bus.Publish(taskEvent(EventTypeTaskCreated))
	bus.Publish(AgentStatusEvent{Source: "sync", Timestamp: time.Now().UTC()})

	assert.Len(t, all, 2)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)
	bus.Publish(taskEvent(EventTypeTaskCreated))
	// The buffer is full; this publish must not block.
	done := make(chan struct{})
	go func() {
		bus.Publish(taskEvent(EventTypeTaskUpdated))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestCloseIsIdempotentAndClosesChannels(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 1)

	bus.Close()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	// Publishing and subscribing after close are safe no-ops.
	bus.Publish(taskEvent(EventTypeTaskCreated))
	late := bus.Subscribe(TopicTask, 1)
	_, open = <-late
	assert.False(t, open)
}
