// Package mobility moves vehicles along straight lines. It is deliberately
// simple: it exists to feed position updates and radio-range checks, not to
// model traffic.
package mobility

import (
	"math"
	"sync"
	"time"
)

// Profile describes how one vehicle moves.
type Profile struct {
	X          float64 `mapstructure:"x"`
	Y          float64 `mapstructure:"y"`
	HeadingDeg float64 `mapstructure:"heading-deg"`
	SpeedMps   float64 `mapstructure:"speed-mps"`

	// StopAfter halts the vehicle this long after the start. Zero never stops.
	StopAfter time.Duration `mapstructure:"stop-after"`
}

// Update is one position sample.
type Update struct {
	At         time.Time
	X, Y       float64
	SpeedMps   float64
	HeadingDeg float64
}

// Track integrates a Profile over simulation time.
type Track struct {
	profile Profile
	start   time.Time

	mu   sync.RWMutex
	x, y float64
	last time.Time
}

// NewTrack places a vehicle at the profile's origin at start.
func NewTrack(p Profile, start time.Time) *Track {
	return &Track{profile: p, start: start, x: p.X, y: p.Y, last: start}
}

// speedAt returns the commanded speed at t.
func (t *Track) speedAt(at time.Time) float64 {
	if t.profile.StopAfter > 0 && at.Sub(t.start) >= t.profile.StopAfter {
		return 0
	}
	return t.profile.SpeedMps
}

// Advance moves the vehicle to now and returns the new sample. Calls with a
// time before the previous one leave the position unchanged.
func (t *Track) Advance(now time.Time) Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.After(t.last) {
		moving := now
		if t.profile.StopAfter > 0 {
			if stop := t.start.Add(t.profile.StopAfter); stop.Before(moving) {
				moving = stop
			}
		}
		if moving.After(t.last) {
			dist := t.profile.SpeedMps * moving.Sub(t.last).Seconds()
			rad := t.profile.HeadingDeg * math.Pi / 180
			t.x += dist * math.Cos(rad)
			t.y += dist * math.Sin(rad)
		}
		t.last = now
	}

	return Update{
		At:         now,
		X:          t.x,
		Y:          t.y,
		SpeedMps:   t.speedAt(now),
		HeadingDeg: t.profile.HeadingDeg,
	}
}

// Position implements the medium's Locator contract.
func (t *Track) Position() (x, y float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.x, t.y, true
}
