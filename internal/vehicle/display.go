package vehicle

import (
	"sync"

	"github.com/signalsfoundry/vanet-simulator/model"
)

// Display is the visual side channel. It has no effect on the protocol.
type Display interface {
	SetGroupTag(vehicleID int, label model.GroupLabel)
	MarkStalled(vehicleID int)
	MarkResponseReceived(vehicleID int)
}

// Marker colours shown on the display board.
const (
	ColorStalled  = "red"
	ColorResponse = "green"
)

// DisplayBoard is an in-memory Display. The status server renders it.
type DisplayBoard struct {
	mu     sync.RWMutex
	tags   map[int]model.GroupLabel
	colors map[int]string
}

var _ Display = (*DisplayBoard)(nil)

// NewDisplayBoard returns an empty board.
func NewDisplayBoard() *DisplayBoard {
	return &DisplayBoard{
		tags:   make(map[int]model.GroupLabel),
		colors: make(map[int]string),
	}
}

func (b *DisplayBoard) SetGroupTag(vehicleID int, label model.GroupLabel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tags[vehicleID] = label
}

func (b *DisplayBoard) MarkStalled(vehicleID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.colors[vehicleID] = ColorStalled
}

func (b *DisplayBoard) MarkResponseReceived(vehicleID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.colors[vehicleID] = ColorResponse
}

// Tag returns the group tag shown for vehicleID.
func (b *DisplayBoard) Tag(vehicleID int) model.GroupLabel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tags[vehicleID]
}

// Color returns the marker colour for vehicleID, or "" when unmarked.
func (b *DisplayBoard) Color(vehicleID int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.colors[vehicleID]
}

type noopDisplay struct{}

func (noopDisplay) SetGroupTag(int, model.GroupLabel) {}
func (noopDisplay) MarkStalled(int)                   {}
func (noopDisplay) MarkResponseReceived(int)          {}
