package mobility

import (
	"math"
	"testing"
	"time"
)

func TestTrackMovesAlongHeading(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTrack(Profile{X: 10, HeadingDeg: 90, SpeedMps: 5}, start)

	u := tr.Advance(start.Add(4 * time.Second))
	if math.Abs(u.X-10) > 1e-9 || math.Abs(u.Y-20) > 1e-9 {
		t.Fatalf("position = (%v, %v), want (10, 20)", u.X, u.Y)
	}
	if u.SpeedMps != 5 {
		t.Fatalf("speed = %v, want 5", u.SpeedMps)
	}
}

func TestTrackStopsAfterConfiguredTime(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTrack(Profile{SpeedMps: 10, StopAfter: 3 * time.Second}, start)

	tr.Advance(start.Add(2 * time.Second))
	u := tr.Advance(start.Add(10 * time.Second))
	if u.SpeedMps != 0 {
		t.Fatalf("speed after stop = %v, want 0", u.SpeedMps)
	}
	if math.Abs(u.X-30) > 1e-9 {
		t.Fatalf("x = %v, want 30 (moved only until the stop)", u.X)
	}

	x, _, ok := tr.Position()
	if !ok || x != u.X {
		t.Fatalf("Position() = %v, %v", x, ok)
	}
}

func TestTrackIgnoresBackwardsTime(t *testing.T) {
	start := time.Unix(0, 0)
	tr := NewTrack(Profile{SpeedMps: 1}, start)
	tr.Advance(start.Add(5 * time.Second))
	u := tr.Advance(start.Add(time.Second))
	if math.Abs(u.X-5) > 1e-9 {
		t.Fatalf("x = %v, want 5", u.X)
	}
}
