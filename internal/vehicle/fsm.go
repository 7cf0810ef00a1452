package vehicle

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
)

// Protocol phases. Both non-idle phases are terminal: a vehicle reports
// exactly once for its lifetime.
const (
	PhaseIdle               = "idle"
	PhaseAwaitingValidation = "awaiting_validation"
	PhaseValidationSent     = "validation_sent"
)

const (
	// EventSendViolation latches a violator into PhaseAwaitingValidation.
	EventSendViolation = "send_violation"
	// EventSendValidation latches a validator into PhaseValidationSent.
	EventSendValidation = "send_validation"
)

type protocolFSM struct {
	*fsm.FSM
}

func newProtocolFSM(log logging.Logger) *protocolFSM {
	events := fsm.Events{
		{Name: EventSendViolation, Src: []string{PhaseIdle}, Dst: PhaseAwaitingValidation},
		{Name: EventSendValidation, Src: []string{PhaseIdle}, Dst: PhaseValidationSent},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			log.Debug(ctx, "protocol phase changed",
				logging.String("event", e.Event),
				logging.String("from", e.Src),
				logging.String("to", e.Dst),
			)
		},
	}

	return &protocolFSM{FSM: fsm.NewFSM(PhaseIdle, events, callbacks)}
}

// sentViolation is true once the violation report went out.
func (p *protocolFSM) sentViolation() bool {
	return p.Current() == PhaseAwaitingValidation
}

// validationInProgress mirrors sentViolation: the round a violator opens is
// never closed, which keeps violators from also sending validation reports.
func (p *protocolFSM) validationInProgress() bool {
	return p.Current() == PhaseAwaitingValidation
}

func (p *protocolFSM) sentValidation() bool {
	return p.Current() == PhaseValidationSent
}
