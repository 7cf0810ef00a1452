// Package overhead accounts for the simulated cost of building, sending and
// verifying reports.
//
// The durations are not real cryptographic cost. A Simulator maps an
// operation kind to a duration, either straight from a table (Nominal) or by
// sleeping for the table value and measuring it (Measured). A Recorder then
// accumulates the samples in milliseconds.
package overhead

import (
	"sync"
	"time"
)

// Kind identifies an overhead category.
type Kind int

const (
	Computation Kind = iota
	Communication
	SignatureVerification
)

func (k Kind) String() string {
	switch k {
	case Computation:
		return "computation"
	case Communication:
		return "communication"
	case SignatureVerification:
		return "signature_verification"
	default:
		return "unknown"
	}
}

// Kinds lists every category in recording order.
var Kinds = []Kind{Computation, Communication, SignatureVerification}

// Table holds the nominal delay per kind. Missing kinds simulate as zero.
type Table map[Kind]time.Duration

// DefaultSendTable is the cost of building and signing an outgoing report.
func DefaultSendTable() Table {
	return Table{
		Computation:           time.Millisecond,
		Communication:         time.Millisecond,
		SignatureVerification: 2 * time.Millisecond,
	}
}

// DefaultReceiveTable is the per-iteration cost of verifying an inbound
// validation report. Only the trust-authority hand-off counts as computation,
// which costs nothing beyond the call itself.
func DefaultReceiveTable() Table {
	return Table{
		Computation:   0,
		Communication: time.Millisecond,
	}
}

// Simulator turns an operation kind into an elapsed duration.
type Simulator interface {
	Simulate(kind Kind) time.Duration
}

// Nominal returns a Simulator that answers from table without sleeping.
func Nominal(table Table) Simulator {
	return nominal{table: table}
}

type nominal struct {
	table Table
}

func (n nominal) Simulate(kind Kind) time.Duration {
	return n.table[kind]
}

// Measured returns a Simulator that sleeps for the table value and reports
// the wall-clock time the sleep actually took.
func Measured(table Table) Simulator {
	return &measured{table: table, sleep: time.Sleep, now: time.Now}
}

type measured struct {
	table Table
	sleep func(time.Duration)
	now   func() time.Time
}

func (m *measured) Simulate(kind Kind) time.Duration {
	start := m.now()
	if d := m.table[kind]; d > 0 {
		m.sleep(d)
	}
	return m.now().Sub(start)
}

// Now returns the wall clock the simulator measures with.
func (m *measured) Now() time.Time { return m.now() }

// WallClock is implemented by simulators that measure real elapsed time.
// Callers timing a sequence of simulated steps read it around the whole
// sequence instead of summing the samples.
type WallClock interface {
	Now() time.Time
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Totals is a point-in-time copy of a Recorder.
type Totals struct {
	ComputationalMs         float64 `json:"computational_ms"`
	CommunicationMs         float64 `json:"communication_ms"`
	SignatureVerificationMs float64 `json:"signature_verification_ms"`
}

// Recorder accumulates overhead samples. Totals never decrease: negative
// samples are rejected.
type Recorder struct {
	mu     sync.Mutex
	totals Totals
}

// Add accumulates d into the kind's running total and reports whether the
// sample was counted.
func (r *Recorder) Add(kind Kind, d time.Duration) bool {
	if d < 0 {
		return false
	}
	ms := Millis(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case Computation:
		r.totals.ComputationalMs += ms
	case Communication:
		r.totals.CommunicationMs += ms
	case SignatureVerification:
		r.totals.SignatureVerificationMs += ms
	default:
		return false
	}
	return true
}

// Totals returns the accumulated values.
func (r *Recorder) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}
