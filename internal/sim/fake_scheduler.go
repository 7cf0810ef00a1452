package sim

import (
	"fmt"
	"sync"
	"time"
)

// FakeEventScheduler is a test implementation of EventScheduler that keeps its
// own notion of simulation time. Tests call AdvanceTo or Advance to move time
// forward and execute due events deterministically.
type FakeEventScheduler struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64

	// Events ordered by 'when' (earliest first), FIFO within one instant.
	events []*scheduledEvent
	index  map[string]*scheduledEvent

	// Tags of events in the order they ran.
	ran []string
}

var _ EventScheduler = (*FakeEventScheduler)(nil)

// NewFakeEventScheduler creates a new fake event scheduler starting at the given time.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{
		now:   start,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, tag string, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("fake-ev-%d-%s", s.counter, tag)

	ev := &scheduledEvent{id: id, tag: tag, when: at, f: f}

	inserted := false
	for i, existing := range s.events {
		if at.Before(existing.when) {
			s.events = append(s.events[:i], append([]*scheduledEvent{ev}, s.events[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.events = append(s.events, ev)
	}

	s.index[id] = ev
	return id
}

func (s *FakeEventScheduler) ScheduleAfter(d time.Duration, tag string, f func()) (id string) {
	return s.Schedule(s.Now().Add(d), tag, f)
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
}

func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *FakeEventScheduler) RunDue() {
	s.runUntil(s.Now())
}

// runUntil executes events scheduled at or before limit in time order. The
// fake clock moves to each event's time before its callback runs, so
// callbacks that re-arm relative to Now() behave as they would under the
// real clock.
func (s *FakeEventScheduler) runUntil(limit time.Time) {
	for {
		s.mu.Lock()
		if len(s.events) == 0 {
			s.mu.Unlock()
			return
		}

		ev := s.events[0]
		if ev.when.After(limit) {
			s.mu.Unlock()
			return
		}
		s.events = s.events[1:]

		if ev.cancelled {
			s.mu.Unlock()
			continue
		}
		delete(s.index, ev.id)
		if ev.when.After(s.now) {
			s.now = ev.when
		}
		s.ran = append(s.ran, ev.tag)
		callback := ev.f
		s.mu.Unlock()

		if callback != nil {
			callback()
		}
	}
}

// AdvanceTo moves the fake simulation time to t, executing every event due
// on the way. Time is kept monotonic.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	if t.Before(s.Now()) {
		return
	}
	s.runUntil(t)

	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Advance moves time forward by d and executes all due events.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// Ran returns the tags of executed events in execution order.
func (s *FakeEventScheduler) Ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ran...)
}
