// Package bus implements the process-local publish/subscribe event bus.
// Delivery is synchronous, depth-first, in insertion order. Each callback
// runs inside a fault barrier so one failing subscriber cannot starve the
// rest. The bus holds no queue; backpressure is the caller's problem.
package bus

import (
	"sync"
	"time"

	"workfarm/internal/logging"
)

// Topic identifies a class of events.
type Topic string

const (
	TopicAgentHired          Topic = "agent_hired"
	TopicAgentFired          Topic = "agent_fired"
	TopicAgentStateChanged   Topic = "agent_state_changed"
	TopicTaskCreated         Topic = "task_created"
	TopicTaskStarted         Topic = "task_started"
	TopicTaskCompleted       Topic = "task_completed"
	TopicTaskFailed          Topic = "task_failed"
	TopicGoalCreated         Topic = "goal_created"
	TopicGoalUpdated         Topic = "goal_updated"
	TopicPlanCreated         Topic = "plan_created"
	TopicStepStarted         Topic = "step_started"
	TopicStepCompleted       Topic = "step_completed"
	TopicStepFailed          Topic = "step_failed"
	TopicSessionCreated      Topic = "session_created"
	TopicSessionStatus       Topic = "session_status_changed"
	TopicSessionMessage      Topic = "session_message"
	TopicSessionEnded        Topic = "session_ended"
	TopicPermissionRequested Topic = "permission_requested"
	TopicQuestionRaised      Topic = "question_raised"
	TopicTriggerFired        Topic = "trigger_fired"
	TopicPreferenceChanged   Topic = "preference_changed"
	TopicOracleFailed        Topic = "oracle_failed"
)

// Event is one published occurrence. Timestamp is stamped at publish.
type Event struct {
	Topic     Topic
	Timestamp time.Time
	Payload   any
}

// Handler receives a published event.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus routes events to per-topic subscribers and wildcard sinks.
type Bus struct {
	mu    sync.Mutex
	next  int
	subs  map[Topic][]subscription
	sinks []subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers a handler for one topic and returns an
// unsubscribe func. Handlers run in registration order.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i := range list {
			if list[i].id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a wildcard sink that receives every event
// after the topic subscribers have run.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.sinks = append(b.sinks, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.sinks {
			if b.sinks[i].id == id {
				b.sinks = append(b.sinks[:i:i], b.sinks[i+1:]...)
				return
			}
		}
	}
}

// Publish stamps and delivers an event to every topic subscriber, then
// every wildcard sink. Delivery is synchronous on the caller's stack.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	targets := make([]subscription, 0, len(b.subs[topic])+len(b.sinks))
	targets = append(targets, b.subs[topic]...)
	targets = append(targets, b.sinks...)
	b.mu.Unlock()

	for _, sub := range targets {
		deliver(sub.fn, ev)
	}
}

// deliver invokes one handler behind a fault barrier. A panicking
// subscriber is logged and skipped; later subscribers still run.
func deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.BusError("subscriber panic on %s: %v", ev.Topic, r)
		}
	}()
	fn(ev)
}

// Clear discards all subscribers and sinks.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[Topic][]subscription)
	b.sinks = nil
}
