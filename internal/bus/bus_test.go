package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var order []string

	b.Subscribe(TopicTaskCreated, func(Event) { order = append(order, "first") })
	b.Subscribe(TopicTaskCreated, func(Event) { order = append(order, "second") })
	b.SubscribeAll(func(Event) { order = append(order, "sink") })

	b.Publish(TopicTaskCreated, nil)
	assert.Equal(t, []string{"first", "second", "sink"}, order)
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe(TopicAgentHired, func(ev Event) { got = ev })

	b.Publish(TopicAgentHired, "payload")
	require.False(t, got.Timestamp.IsZero())
	assert.Equal(t, TopicAgentHired, got.Topic)
	assert.Equal(t, "payload", got.Payload)
}

func TestFaultBarrier(t *testing.T) {
	b := New()
	ran := false

	b.Subscribe(TopicGoalCreated, func(Event) { panic("bad subscriber") })
	b.Subscribe(TopicGoalCreated, func(Event) { ran = true })

	assert.NotPanics(t, func() { b.Publish(TopicGoalCreated, nil) })
	assert.True(t, ran, "subscriber after a panicking one must still run")
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe(TopicStepStarted, func(Event) { count++ })

	b.Publish(TopicStepStarted, nil)
	unsub()
	b.Publish(TopicStepStarted, nil)
	assert.Equal(t, 1, count)

	// Unsubscribing twice is harmless.
	assert.NotPanics(t, unsub)
}

func TestWildcardSinkSeesAllTopics(t *testing.T) {
	b := New()
	var topics []Topic
	b.SubscribeAll(func(ev Event) { topics = append(topics, ev.Topic) })

	b.Publish(TopicAgentHired, nil)
	b.Publish(TopicSessionEnded, nil)
	assert.Equal(t, []Topic{TopicAgentHired, TopicSessionEnded}, topics)
}

func TestClear(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe(TopicTaskFailed, func(Event) { count++ })
	b.SubscribeAll(func(Event) { count++ })

	b.Clear()
	b.Publish(TopicTaskFailed, nil)
	assert.Zero(t, count)
}
