package authority

import (
	"context"
	"fmt"
	"sync"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/model"
)

// State is a snapshot of a roadside authority's bookkeeping.
type State struct {
	Name                   string `json:"name"`
	Registered             int    `json:"registered"`
	Authenticated          int    `json:"authenticated"`
	AuthFailures           int    `json:"auth_failures"`
	ValidationsProcessed   int    `json:"validations_processed"`
	Accepted               int    `json:"accepted"`
	Rejected               int    `json:"rejected"`
	AcknowledgementsSent   int    `json:"acknowledgements_sent"`
	ValidationReportsHeard int    `json:"validation_reports_heard"`
}

// ValidationPolicy decides the outcome of a validation request given the
// authority's state at the time of the request.
type ValidationPolicy interface {
	Accept(s State) bool
}

// PolicyFunc adapts a function to ValidationPolicy.
type PolicyFunc func(s State) bool

func (f PolicyFunc) Accept(s State) bool { return f(s) }

// RequireAuthenticatedReporter accepts a validation request once at least one
// reporter has authenticated with the authority.
var RequireAuthenticatedReporter = PolicyFunc(func(s State) bool {
	return s.Authenticated > 0
})

// AcceptAll and RejectAll are fixed policies, mostly for tests.
var (
	AcceptAll = PolicyFunc(func(State) bool { return true })
	RejectAll = PolicyFunc(func(State) bool { return false })
)

// Sender is the roadside unit's handle on the radio medium.
type Sender interface {
	Address() model.Address
	Send(ctx context.Context, r model.Report)
}

// Roadside is a roadside authority shared by every vehicle bound to it.
// All methods are safe for concurrent use.
type Roadside struct {
	index  int
	name   string
	policy ValidationPolicy
	log    logging.Logger

	mu         sync.Mutex
	registered map[string]bool // external id -> authenticated
	state      State
	port       Sender
}

// NewRoadside creates the authority at index. A nil policy means
// RequireAuthenticatedReporter.
func NewRoadside(index int, policy ValidationPolicy, log logging.Logger) *Roadside {
	if policy == nil {
		policy = RequireAuthenticatedReporter
	}
	if log == nil {
		log = logging.Noop()
	}
	name := fmt.Sprintf("rsu[%d]", index)
	return &Roadside{
		index:      index,
		name:       name,
		policy:     policy,
		log:        log.With(logging.String("authority", name)),
		registered: make(map[string]bool),
		state:      State{Name: name},
	}
}

// Name returns the authority's display name, e.g. "rsu[1]".
func (r *Roadside) Name() string { return r.name }

// Index returns the authority's position in the directory.
func (r *Roadside) Index() int { return r.index }

// RegisterVehicle records a vehicle's external id. Registering twice is a no-op.
func (r *Roadside) RegisterVehicle(externalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registered[externalID]; ok {
		return
	}
	r.registered[externalID] = false
	r.state.Registered++
}

// AuthenticateReporter marks a registered vehicle as an authenticated
// reporter. Unknown ids count as authentication failures.
func (r *Roadside) AuthenticateReporter(externalID string) {
	r.mu.Lock()
	authed, ok := r.registered[externalID]
	switch {
	case !ok:
		r.state.AuthFailures++
	case !authed:
		r.registered[externalID] = true
		r.state.Authenticated++
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn(context.Background(), "authentication from unregistered vehicle",
			logging.String("external_id", externalID))
	}
}

// ValidateReportRequest processes one validation request and returns the
// policy decision.
func (r *Roadside) ValidateReportRequest() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state.ValidationsProcessed++
	ok := r.policy.Accept(r.state)
	if ok {
		r.state.Accepted++
	} else {
		r.state.Rejected++
	}
	return ok
}

// IsRegistered reports whether externalID has registered.
func (r *Roadside) IsRegistered(externalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[externalID]
	return ok
}

// IsAuthenticated reports whether externalID has authenticated as a reporter.
func (r *Roadside) IsAuthenticated(externalID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered[externalID]
}

// Snapshot returns a copy of the authority's counters.
func (r *Roadside) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Bind attaches the authority to the radio medium so it can acknowledge
// reporters.
func (r *Roadside) Bind(port Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.port = port
}

// SenderID is the id a roadside unit stamps on its own frames. Roadside
// units use negative ids so they never collide with vehicles.
func (r *Roadside) SenderID() int { return -(r.index + 1) }

// HandleFrame is the roadside unit's receive path. A violation report from a
// registered vehicle is answered with a unicast acknowledgement; validation
// reports are only counted. The payload of a vehicle report carries the
// sender's external id.
func (r *Roadside) HandleFrame(ctx context.Context, rep model.Report) {
	externalID := string(rep.Payload)

	r.mu.Lock()
	port := r.port
	var ack bool
	switch rep.Kind {
	case model.KindValidationReport:
		r.state.ValidationReportsHeard++
	case model.KindViolationReport:
		_, registered := r.registered[externalID]
		ack = registered && port != nil
		if ack {
			r.state.AcknowledgementsSent++
		}
	}
	r.mu.Unlock()

	if !ack {
		return
	}
	r.log.Info(ctx, "acknowledging violation report",
		logging.String("external_id", externalID),
		logging.Int("reporter", rep.SenderID),
	)
	port.Send(ctx, model.Report{
		Kind:      model.KindAcknowledgement,
		SenderID:  r.SenderID(),
		Recipient: rep.SenderAddress,
		Payload:   []byte(rep.Kind.String()),
	})
}
