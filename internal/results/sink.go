// Package results collects the teardown scalars every vehicle exports and
// hands them to the configured sinks.
package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/vanet-simulator/model"
)

// Sink receives one node's teardown scalars.
type Sink interface {
	Record(ctx context.Context, nodeID int, scalars []model.Scalar) error
}

// Flusher is implemented by sinks that buffer records until the run ends.
type Flusher interface {
	Flush(ctx context.Context) error
}

// MultiSink fans records out to every sink. A failing sink does not stop
// the others; their errors are joined.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, nodeID int, scalars []model.Scalar) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, nodeID, scalars); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Flush flushes every sink that buffers.
func (m MultiSink) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m {
		f, ok := s.(Flusher)
		if !ok {
			continue
		}
		if err := f.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// NodeResult is the teardown record of one vehicle.
type NodeResult struct {
	NodeID  int
	Scalars []model.Scalar
}

// Value returns the scalar called name, or 0 when absent.
func (r NodeResult) Value(name string) float64 {
	for _, s := range r.Scalars {
		if s.Name == name {
			return s.Value
		}
	}
	return 0
}

// Memory keeps every record in memory. The table and archive sinks build on
// it; tests use it directly.
type Memory struct {
	mu    sync.Mutex
	nodes map[int][]model.Scalar
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{nodes: make(map[int][]model.Scalar)}
}

func (m *Memory) Record(_ context.Context, nodeID int, scalars []model.Scalar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[nodeID] = append([]model.Scalar(nil), scalars...)
	return nil
}

// Results returns the records ordered by node id.
func (m *Memory) Results() []NodeResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeResult, 0, len(m.nodes))
	for id, scalars := range m.nodes {
		out = append(out, NodeResult{NodeID: id, Scalars: append([]model.Scalar(nil), scalars...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Node returns the record of nodeID.
func (m *Memory) Node(nodeID int) (NodeResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scalars, ok := m.nodes[nodeID]
	if !ok {
		return NodeResult{}, false
	}
	return NodeResult{NodeID: nodeID, Scalars: append([]model.Scalar(nil), scalars...)}, true
}

// Sum adds up the scalar called name across all nodes.
func (m *Memory) Sum(name string) float64 {
	var total float64
	for _, r := range m.Results() {
		total += r.Value(name)
	}
	return total
}
