package authority

import (
	"context"
	"sync"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
)

// Trust is the trust authority notified whenever a vehicle verifies a
// validation report on behalf of a group.
type Trust struct {
	log logging.Logger

	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewTrust creates an empty trust authority.
func NewTrust(log logging.Logger) *Trust {
	if log == nil {
		log = logging.Noop()
	}
	return &Trust{
		log:    log.With(logging.String("authority", "ta")),
		counts: make(map[string]int),
	}
}

// ReceiveValidatedReport records one validated report attributed to group.
func (t *Trust) ReceiveValidatedReport(group string) {
	t.mu.Lock()
	t.counts[group]++
	t.total++
	t.mu.Unlock()

	t.log.Debug(context.Background(), "validated report received", logging.String("group", group))
}

// Count returns the number of reports attributed to group.
func (t *Trust) Count(group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[group]
}

// Total returns the number of reports received across all groups.
func (t *Trust) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Snapshot returns a copy of the per-group counts.
func (t *Trust) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
