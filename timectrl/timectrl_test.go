package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerStepNotifiesListenersInOrder(t *testing.T) {
	start := time.Unix(0, 0)
	tc := NewTimeController(start, 500*time.Millisecond, Accelerated)

	var order []string
	var seen time.Time
	tc.AddListener(func(now time.Time) {
		order = append(order, "mobility")
		seen = now
	})
	tc.AddListener(func(time.Time) { order = append(order, "scheduler") })

	got := tc.Step()
	if want := start.Add(500 * time.Millisecond); !got.Equal(want) || !seen.Equal(want) {
		t.Fatalf("Step() = %v, listener saw %v, want %v", got, seen, want)
	}
	if len(order) != 2 || order[0] != "mobility" || order[1] != "scheduler" {
		t.Fatalf("listener order = %v", order)
	}
}

func TestTimeControllerAcceleratedRunReachesDuration(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Accelerated)

	steps := 0
	tc.AddListener(func(time.Time) { steps++ })

	// An hour of simulation time must not take an hour of wall time.
	if err := tc.Run(context.Background(), time.Hour); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if steps != 3600 {
		t.Fatalf("steps = %d, want 3600", steps)
	}
	if got, want := tc.Now(), start.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, RealTime)

	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	expected := start.Add(15 * time.Millisecond)
	if got := tc.Now(); !got.Equal(expected) {
		t.Fatalf("Now() = %v, want %v", got, expected)
	}
}

func TestTimeControllerRunStopsOnCancel(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Hour, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := tc.Run(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestParseMode(t *testing.T) {
	if ParseMode("realtime") != RealTime {
		t.Fatalf("realtime not parsed")
	}
	if ParseMode("") != Accelerated {
		t.Fatalf("empty mode should default to accelerated")
	}
}
