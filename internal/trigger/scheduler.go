// Package trigger schedules time-based goal activation. Interval
// triggers run on a cron scheduler; manual triggers share the same
// fire path without a timer.
package trigger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"workfarm/internal/bus"
	"workfarm/internal/goal"
	"workfarm/internal/logging"
	"workfarm/internal/types"
)

// Waker is the slice of the control loop the scheduler drives.
type Waker interface {
	Wake(goalID string) error
	IsGoalActive(goalID string) bool
}

// ErrNotInterval is returned when a timer operation targets a manual
// trigger.
var ErrNotInterval = errors.New("trigger has no interval")

// Scheduler owns the live timer table for interval triggers.
type Scheduler struct {
	mu      sync.Mutex
	bus     *bus.Bus
	goals   *goal.Manager
	waker   Waker
	cron    *cron.Cron
	entries map[string]cron.EntryID // triggerID -> timer
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(b *bus.Bus, goals *goal.Manager, waker Waker) *Scheduler {
	return &Scheduler{
		bus:     b,
		goals:   goals,
		waker:   waker,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start arms a timer for every enabled interval trigger and runs the
// scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	count := 0
	for _, t := range s.goals.ListTriggers() {
		if t.Type != types.TriggerInterval || !t.Enabled || t.Interval <= 0 {
			continue
		}
		s.scheduleLocked(t)
		count++
	}
	s.mu.Unlock()

	s.cron.Start()
	logging.Trigger("scheduler started with %d interval triggers", count)
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logging.Trigger("scheduler stopped")
}

// AddInterval registers and arms a new interval trigger.
func (s *Scheduler) AddInterval(agentID, goalID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %v", ErrNotInterval, interval)
	}
	t, err := s.goals.AddTrigger(agentID, goalID, types.TriggerInterval, interval)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.scheduleLocked(t)
	s.mu.Unlock()
	return nil
}

// AddManual registers a trigger fired only by FireManual.
func (s *Scheduler) AddManual(agentID, goalID string) (types.Trigger, error) {
	return s.goals.AddTrigger(agentID, goalID, types.TriggerManual, 0)
}

// Remove disarms and deletes a trigger.
func (s *Scheduler) Remove(triggerID string) error {
	s.mu.Lock()
	if entry, ok := s.entries[triggerID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, triggerID)
	}
	s.mu.Unlock()
	return s.goals.RemoveTrigger(triggerID)
}

// RemoveByGoal disarms every trigger of a deleted goal.
func (s *Scheduler) RemoveByGoal(goalID string) {
	for _, t := range s.goals.ListTriggers() {
		if t.GoalID != goalID {
			continue
		}
		if err := s.Remove(t.ID); err != nil {
			logging.Get(logging.CategoryTrigger).Warn("failed to remove trigger %s: %v", t.ID, err)
		}
	}
}

// FireManual runs the fire path for a trigger outside its timer.
func (s *Scheduler) FireManual(triggerID string) error {
	if _, err := s.goals.GetTrigger(triggerID); err != nil {
		return err
	}
	s.fire(triggerID)
	return nil
}

// scheduleLocked arms the cron entry for an interval trigger.
func (s *Scheduler) scheduleLocked(t types.Trigger) {
	id := t.ID
	entry := s.cron.Schedule(cron.Every(t.Interval), cron.FuncJob(func() { s.fire(id) }))
	s.entries[id] = entry
	logging.Trigger("armed trigger %s for goal %s every %v", t.ID, t.GoalID, t.Interval)
}

// fire wakes the trigger's goal unless the goal is gone, not active,
// or already being worked.
func (s *Scheduler) fire(triggerID string) {
	t, err := s.goals.GetTrigger(triggerID)
	if err != nil || !t.Enabled {
		return
	}
	g, err := s.goals.GetGoal(t.GoalID)
	if err != nil {
		logging.Trigger("trigger %s fired for missing goal %s; skipping", triggerID, t.GoalID)
		return
	}
	if g.Status != types.GoalActive {
		logging.Get(logging.CategoryTrigger).Debug("trigger %s skipped: goal %s is %s", triggerID, g.ID, g.Status)
		return
	}
	if s.waker.IsGoalActive(g.ID) {
		logging.Get(logging.CategoryTrigger).Debug("trigger %s skipped: goal %s already being worked", triggerID, g.ID)
		return
	}

	if err := s.goals.MarkTriggerFired(triggerID); err != nil {
		logging.Get(logging.CategoryTrigger).Warn("failed to stamp trigger %s: %v", triggerID, err)
	}
	s.bus.Publish(bus.TopicTriggerFired, bus.TriggerFired{TriggerID: triggerID, GoalID: g.ID, AgentID: g.AgentID})

	if err := s.waker.Wake(g.ID); err != nil {
		logging.Get(logging.CategoryTrigger).Warn("wake failed for goal %s: %v", g.ID, err)
	}
}
