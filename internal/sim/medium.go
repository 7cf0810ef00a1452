package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/model"
)

// FrameHandler receives a frame delivered to an endpoint.
type FrameHandler func(ctx context.Context, r model.Report)

// Locator reports an endpoint's current planar position in metres. ok is
// false when the position is unknown, in which case range checks pass.
type Locator func() (x, y float64, ok bool)

// Tap observes every frame handed to the medium, before delivery.
type Tap func(ctx context.Context, r model.Report)

// MediumStats counts frames handled by a Medium.
type MediumStats struct {
	Sent            uint64
	Delivered       uint64
	DroppedRange    uint64
	DroppedNoTarget uint64
}

// MediumConfig tunes frame delivery.
type MediumConfig struct {
	// Delay is the simulated propagation delay. Zero delivers within the same
	// scheduler pass, after the sending handler has returned.
	Delay time.Duration
	// RangeM limits delivery to endpoints within this distance. Zero
	// disables the check.
	RangeM float64
}

// Medium is a single-hop broadcast radio. Frames are delivered as scheduled
// events so a receiver never runs inside the sender's handler.
type Medium struct {
	cfg   MediumConfig
	sched EventScheduler
	log   logging.Logger

	mu        sync.Mutex
	next      model.Address
	endpoints []*endpoint
	taps      []Tap
	stats     MediumStats
}

type endpoint struct {
	name    string
	addr    model.Address
	handler FrameHandler
	locate  Locator
}

// NewMedium creates a medium that delivers through sched.
func NewMedium(cfg MediumConfig, sched EventScheduler, log logging.Logger) *Medium {
	if log == nil {
		log = logging.Noop()
	}
	return &Medium{
		cfg:   cfg,
		sched: sched,
		log:   log,
		next:  1,
	}
}

// Attach registers an endpoint and returns its Port. Addresses are assigned
// sequentially starting at 1.
func (m *Medium) Attach(name string, handler FrameHandler, locate Locator) *Port {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := &endpoint{name: name, addr: m.next, handler: handler, locate: locate}
	m.next++
	m.endpoints = append(m.endpoints, ep)
	return &Port{medium: m, ep: ep}
}

// AddTap registers an observer of every transmitted frame.
func (m *Medium) AddTap(t Tap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taps = append(m.taps, t)
}

// Stats returns a copy of the delivery counters.
func (m *Medium) Stats() MediumStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Medium) send(ctx context.Context, from *endpoint, r model.Report) {
	r.SenderAddress = from.addr
	r.SentAt = m.sched.Now()

	m.mu.Lock()
	m.stats.Sent++
	taps := append([]Tap(nil), m.taps...)
	targets := make([]*endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if ep == from {
			continue
		}
		if !r.IsBroadcast() && ep.addr != r.Recipient {
			continue
		}
		if !m.inRangeLocked(from, ep) {
			m.stats.DroppedRange++
			continue
		}
		targets = append(targets, ep)
	}
	if !r.IsBroadcast() && len(targets) == 0 {
		m.stats.DroppedNoTarget++
	}
	m.stats.Delivered += uint64(len(targets))
	m.mu.Unlock()

	for _, tap := range taps {
		tap(ctx, r)
	}

	for _, ep := range targets {
		frame := r
		frame.Payload = append([]byte(nil), r.Payload...)
		handler := ep.handler
		m.sched.ScheduleAfter(m.cfg.Delay, "deliver", func() {
			if handler != nil {
				handler(ctx, frame)
			}
		})
	}

	m.log.Debug(ctx, "frame transmitted",
		logging.String("kind", r.Kind.String()),
		logging.Int("sender", r.SenderID),
		logging.Int("recipient", int(r.Recipient)),
		logging.Int("receivers", len(targets)),
	)
}

// inRangeLocked applies the optional radio range. Caller must hold m.mu.
func (m *Medium) inRangeLocked(a, b *endpoint) bool {
	if m.cfg.RangeM <= 0 || a.locate == nil || b.locate == nil {
		return true
	}
	ax, ay, okA := a.locate()
	bx, by, okB := b.locate()
	if !okA || !okB {
		return true
	}
	return math.Hypot(ax-bx, ay-by) <= m.cfg.RangeM
}

// Port is an endpoint's handle on the medium.
type Port struct {
	medium *Medium
	ep     *endpoint
}

// Address returns the transport address assigned at Attach.
func (p *Port) Address() model.Address {
	return p.ep.addr
}

// Name returns the endpoint name given at Attach.
func (p *Port) Name() string {
	return p.ep.name
}

// Send transmits r. The sender never receives its own frame.
func (p *Port) Send(ctx context.Context, r model.Report) {
	p.medium.send(ctx, p.ep, r)
}
