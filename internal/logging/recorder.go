package logging

import (
	"context"
	"sync"
)

// Entry is one log call captured by a Recorder.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// Recorder is a Logger that keeps every entry in memory. Tests use it to
// observe warnings that are otherwise the only trace of a degraded path.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	base    []Field
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields ...Field) Logger {
	base := append(append([]Field{}, r.base...), fields...)
	return &Recorder{mu: r.mu, entries: r.entries, base: base}
}

func (r *Recorder) Debug(_ context.Context, msg string, fields ...Field) {
	r.record("debug", msg, fields)
}

func (r *Recorder) Info(_ context.Context, msg string, fields ...Field) {
	r.record("info", msg, fields)
}

func (r *Recorder) Warn(_ context.Context, msg string, fields ...Field) {
	r.record("warn", msg, fields)
}

func (r *Recorder) Error(_ context.Context, msg string, fields ...Field) {
	r.record("error", msg, fields)
}

func (r *Recorder) record(level, msg string, fields []Field) {
	all := make(map[string]any, len(r.base)+len(fields))
	for _, f := range r.base {
		all[f.Key] = f.Value
	}
	for _, f := range fields {
		all[f.Key] = f.Value
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, Entry{Level: level, Message: msg, Fields: all})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), (*r.entries)...)
}

// Count returns how many entries were recorded at level with message msg.
func (r *Recorder) Count(level, msg string) int {
	n := 0
	for _, e := range r.Entries() {
		if e.Level == level && e.Message == msg {
			n++
		}
	}
	return n
}
