package authority

import (
	"errors"
	"fmt"
)

// ErrUnresolved is returned when a vehicle's roadside authority does not exist.
var ErrUnresolved = errors.New("roadside authority not resolvable")

// Directory is the table mapping vehicles to their roadside authority. It is
// built once at setup and handed to each vehicle at construction.
type Directory struct {
	units []*Roadside
}

// NewDirectory builds a directory over units, indexed by position.
func NewDirectory(units ...*Roadside) *Directory {
	return &Directory{units: units}
}

// IndexFor returns the authority index a vehicle is bound to: even ids use
// authority 1, odd ids authority 0.
func IndexFor(vehicleID int) int {
	if vehicleID%2 == 0 {
		return 1
	}
	return 0
}

// Resolve returns the authority bound to vehicleID.
func (d *Directory) Resolve(vehicleID int) (*Roadside, error) {
	idx := IndexFor(vehicleID)
	if d == nil || idx >= len(d.units) || d.units[idx] == nil {
		return nil, fmt.Errorf("rsu[%d] for vehicle %d: %w", idx, vehicleID, ErrUnresolved)
	}
	return d.units[idx], nil
}

// Units returns every authority in index order.
func (d *Directory) Units() []*Roadside {
	if d == nil {
		return nil
	}
	return append([]*Roadside(nil), d.units...)
}
