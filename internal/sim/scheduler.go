package sim

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// EventScheduler schedules callbacks to run at specific simulation times
// based on a SimClock implementation. Vehicle self-timers and frame
// deliveries are both scheduled events.
//
// The scenario runner advances simulation time with the time controller and
// calls RunDue after each advance. Callbacks run one at a time, to completion.
type EventScheduler interface {
	// Schedule registers f to run at simulation time 'at'. The tag names
	// the event for logs and debugging. It returns an opaque event ID.
	Schedule(at time.Time, tag string, f func()) (id string)

	// ScheduleAfter registers f to run d after Now().
	ScheduleAfter(d time.Duration, tag string, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes all events whose scheduled time is <= Now(), including
	// events scheduled by callbacks during the same call.
	RunDue()

	// Pending returns the number of events still waiting to run.
	Pending() int
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	tag       string
	when      time.Time
	f         func()
	cancelled bool
}

// eventScheduler is the EventScheduler bound to a SimClock. Events are kept
// ordered by time; events at the same time keep insertion order.
type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, tag string, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d-%s", s.counter, tag)

	ev := &scheduledEvent{
		id:   id,
		tag:  tag,
		when: at,
		f:    f,
	}
	s.addEventLocked(ev)
	s.index[id] = ev

	return id
}

func (s *eventScheduler) ScheduleAfter(d time.Duration, tag string, f func()) (id string) {
	return s.Schedule(s.clock.Now().Add(d), tag, f)
}

// addEventLocked inserts ev after every event scheduled at or before ev.when.
// Caller must hold s.mu.
func (s *eventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})

	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
	// Removal from s.events is lazy; popNextLocked skips cancelled events.
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popNextLocked removes and returns the earliest due, non-cancelled event,
// or nil when nothing is due. Caller must hold s.mu.
func (s *eventScheduler) popNextLocked() *scheduledEvent {
	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.popNextLocked()
		s.mu.Unlock()
		if ev == nil {
			return
		}

		// Execute callback outside the lock so it can schedule follow-ups.
		if ev.f != nil {
			ev.f()
		}
	}
}
