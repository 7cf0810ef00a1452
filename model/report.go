package model

import (
	"fmt"
	"time"
)

// Kind tags the payload carried by a Report. Receivers switch on it once
// at the boundary instead of inspecting the payload.
type Kind int

const (
	KindUnknown Kind = iota
	// KindViolationReport is sent once by a violator vehicle.
	KindViolationReport
	// KindValidationReport is broadcast once by every other vehicle.
	KindValidationReport
	// KindAcknowledgement is the roadside unit's unicast answer to a reporter.
	KindAcknowledgement
)

func (k Kind) String() string {
	switch k {
	case KindViolationReport:
		return "violationReport"
	case KindValidationReport:
		return "validationReport"
	case KindAcknowledgement:
		return "acknowledgement"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "violationReport":
		return KindViolationReport, nil
	case "validationReport":
		return KindValidationReport, nil
	case "acknowledgement":
		return KindAcknowledgement, nil
	default:
		return KindUnknown, fmt.Errorf("unknown report kind %q", s)
	}
}

// Address is a transport-level endpoint identifier assigned by the medium.
// It is deliberately distinct from the vehicle id.
type Address int

// Broadcast addresses every endpoint in range; reports to the roadside
// authority are always sent this way.
const Broadcast Address = -1

// Report is a transient protocol frame.
type Report struct {
	Kind          Kind
	SenderID      int
	SenderAddress Address
	Recipient     Address
	Payload       []byte

	// SentAt is the simulation time of transmission.
	SentAt time.Time
}

// IsBroadcast reports whether r is addressed to everyone in range.
func (r Report) IsBroadcast() bool {
	return r.Recipient == Broadcast
}
