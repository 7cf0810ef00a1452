package sim

import (
	"testing"
	"time"

	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

func TestEventScheduler_RunsDueEventsInTimeOrder(t *testing.T) {
	start := time.Unix(0, 0)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := NewEventScheduler(tc)

	var order []string
	sched.Schedule(start.Add(3*time.Second), "c", func() { order = append(order, "c") })
	sched.Schedule(start.Add(1*time.Second), "a", func() { order = append(order, "a") })
	sched.Schedule(start.Add(2*time.Second), "b", func() { order = append(order, "b") })

	sched.RunDue()
	if len(order) != 0 {
		t.Fatalf("expected nothing due at start, got %v", order)
	}

	tc.SetTime(start.Add(2 * time.Second))
	sched.RunDue()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order after 2s = %v, want [a b]", order)
	}
	if sched.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", sched.Pending())
	}
}

func TestEventScheduler_SameInstantIsFIFO(t *testing.T) {
	start := time.Unix(0, 0)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := NewEventScheduler(tc)

	var order []int
	at := start.Add(time.Second)
	for i := 0; i < 5; i++ {
		i := i
		sched.Schedule(at, "tick", func() { order = append(order, i) })
	}

	tc.SetTime(at)
	sched.RunDue()
	for i, v := range order {
		if v != i {
			t.Fatalf("same-instant order = %v, want insertion order", order)
		}
	}
}

func TestEventScheduler_CallbackMayScheduleDueFollowUp(t *testing.T) {
	start := time.Unix(0, 0)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := NewEventScheduler(tc)

	delivered := false
	sched.ScheduleAfter(0, "send", func() {
		sched.ScheduleAfter(0, "deliver", func() { delivered = true })
	})

	sched.RunDue()
	if !delivered {
		t.Fatalf("zero-delay follow-up should run within the same RunDue")
	}
}

func TestEventScheduler_Cancel(t *testing.T) {
	start := time.Unix(0, 0)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)
	sched := NewEventScheduler(tc)

	ran := false
	id := sched.ScheduleAfter(time.Second, "x", func() { ran = true })
	sched.Cancel(id)
	sched.Cancel("unknown")

	tc.Step()
	sched.RunDue()
	if ran {
		t.Fatalf("cancelled event ran")
	}
	if sched.Pending() != 0 {
		t.Fatalf("Pending() = %d after cancel", sched.Pending())
	}
}
