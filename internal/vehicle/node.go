package vehicle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/mobility"
	"github.com/signalsfoundry/vanet-simulator/internal/overhead"
	"github.com/signalsfoundry/vanet-simulator/model"
)

// TimerTag tags the perpetual self-timer that drives report sending.
const TimerTag = "sendToRSU"

const (
	DefaultReportPeriod       = 10 * time.Second
	DefaultStallAfter         = 10 * time.Second
	DefaultStallSpeed         = 1.0
	DefaultVerificationRounds = 2
)

// DefaultViolators lists the vehicle ids that report violations unless
// configured otherwise.
var DefaultViolators = []int{0, 7}

// RoadsideAuthority is the subset of the roadside unit a vehicle calls.
type RoadsideAuthority interface {
	Name() string
	RegisterVehicle(externalID string)
	AuthenticateReporter(externalID string)
	ValidateReportRequest() bool
}

// TrustAuthority receives one notification per verification round.
type TrustAuthority interface {
	ReceiveValidatedReport(groupLabel string)
}

// AuthorityResolver maps a vehicle id to its roadside authority.
type AuthorityResolver interface {
	ResolveAuthority(vehicleID int) (RoadsideAuthority, error)
}

// ResolverFunc adapts a function to AuthorityResolver.
type ResolverFunc func(vehicleID int) (RoadsideAuthority, error)

func (f ResolverFunc) ResolveAuthority(vehicleID int) (RoadsideAuthority, error) {
	return f(vehicleID)
}

// Scheduler is the slice of the event scheduler a vehicle needs.
type Scheduler interface {
	ScheduleAfter(d time.Duration, tag string, f func()) string
	Now() time.Time
}

// Transport sends frames on behalf of the node.
type Transport interface {
	Address() model.Address
	Send(ctx context.Context, r model.Report)
}

// Metrics receives live protocol counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ReportSent(kind model.Kind, group model.GroupLabel)
	ReportReceived(kind model.Kind)
	ValidationDecided(accepted bool)
	OverheadObserved(kind overhead.Kind, d time.Duration)
	MeasurementDiscarded()
}

type noopMetrics struct{}

func (noopMetrics) ReportSent(model.Kind, model.GroupLabel)       {}
func (noopMetrics) ReportReceived(model.Kind)                     {}
func (noopMetrics) ValidationDecided(bool)                        {}
func (noopMetrics) OverheadObserved(overhead.Kind, time.Duration) {}
func (noopMetrics) MeasurementDiscarded()                         {}

// ViolatorSet is the designated set of violator vehicle ids.
type ViolatorSet map[int]struct{}

// NewViolatorSet builds a set from ids.
func NewViolatorSet(ids ...int) ViolatorSet {
	s := make(ViolatorSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is a violator.
func (s ViolatorSet) Contains(id int) bool {
	_, ok := s[id]
	return ok
}

// Config carries a node's identity and protocol tuning.
type Config struct {
	ID         int
	// ExternalID is the identifier registered with the roadside authority.
	// Defaults to "veh<ID>".
	ExternalID string
	Violators  ViolatorSet

	ReportPeriod       time.Duration
	StallAfter         time.Duration
	StallSpeed         float64
	VerificationRounds int

	// SendDelays and ReceiveDelays default to the nominal tables.
	SendDelays    overhead.Simulator
	ReceiveDelays overhead.Simulator
}

// Deps are the collaborators injected into a node. Only Scheduler is
// required.
type Deps struct {
	Scheduler Scheduler
	Resolver  AuthorityResolver
	Trust     TrustAuthority
	Display   Display
	Metrics   Metrics
	Log       logging.Logger
	Tracer    trace.Tracer
}

// Counters are the monotonic protocol counters of a node.
type Counters struct {
	ViolationReports          int `json:"violation_reports"`
	ValidationReports         int `json:"validation_reports"`
	Accepted                  int `json:"accepted"`
	Rejected                  int `json:"rejected"`
	ValidationReportsReceived int `json:"validation_reports_received"`
	ResponsesReceived         int `json:"responses_received"`
}

// Snapshot is a point-in-time view of a node for status endpoints.
type Snapshot struct {
	ID                       int              `json:"id"`
	ExternalID               string           `json:"external_id"`
	Group                    model.GroupLabel `json:"group"`
	Violator                 bool             `json:"violator"`
	Authority                string           `json:"authority,omitempty"`
	Address                  model.Address    `json:"address"`
	Phase                    string           `json:"phase"`
	SentViolationReport      bool             `json:"sent_violation_report"`
	ValidationInProgress     bool             `json:"validation_in_progress"`
	SentValidationReportOnce bool             `json:"sent_validation_report_once"`
	Stalled                  bool             `json:"stalled"`
	Counters                 Counters         `json:"counters"`
	Overhead                 overhead.Totals  `json:"overhead"`
}

// Node is a vehicle running the report protocol. Handlers are expected to
// be invoked one at a time by the scheduler; Snapshot may be called
// concurrently.
type Node struct {
	id         int
	externalID string
	group      model.GroupLabel
	violator   bool
	cfg        Config

	sched     Scheduler
	authority RoadsideAuthority
	trust     TrustAuthority
	display   Display
	metrics   Metrics
	log       logging.Logger
	tracer    trace.Tracer
	phase     *protocolFSM
	overhead  *overhead.Recorder

	mu          sync.Mutex
	transport   Transport
	counters    Counters
	stalled     bool
	lastMovedAt time.Time
}

// New builds a node. An authority that cannot be resolved is logged and
// leaves the node without one; every authority call then becomes a no-op.
func New(cfg Config, deps Deps) (*Node, error) {
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is nil")
	}
	if cfg.ID < 0 {
		return nil, fmt.Errorf("vehicle id %d is negative", cfg.ID)
	}
	if cfg.ExternalID == "" {
		cfg.ExternalID = fmt.Sprintf("veh%d", cfg.ID)
	}
	if cfg.Violators == nil {
		cfg.Violators = NewViolatorSet(DefaultViolators...)
	}
	if cfg.ReportPeriod <= 0 {
		cfg.ReportPeriod = DefaultReportPeriod
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = DefaultStallAfter
	}
	if cfg.StallSpeed <= 0 {
		cfg.StallSpeed = DefaultStallSpeed
	}
	if cfg.VerificationRounds <= 0 {
		cfg.VerificationRounds = DefaultVerificationRounds
	}
	if cfg.SendDelays == nil {
		cfg.SendDelays = overhead.Nominal(overhead.DefaultSendTable())
	}
	if cfg.ReceiveDelays == nil {
		cfg.ReceiveDelays = overhead.Nominal(overhead.DefaultReceiveTable())
	}

	group := model.GroupForID(cfg.ID)
	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}
	log = log.With(logging.Int("node_id", cfg.ID), logging.String("group", group.String()))

	n := &Node{
		id:         cfg.ID,
		externalID: cfg.ExternalID,
		group:      group,
		violator:   cfg.Violators.Contains(cfg.ID),
		cfg:        cfg,
		sched:      deps.Scheduler,
		trust:      deps.Trust,
		display:    deps.Display,
		metrics:    deps.Metrics,
		log:        log,
		tracer:     deps.Tracer,
		phase:      newProtocolFSM(log),
		overhead:   &overhead.Recorder{},
	}
	if n.display == nil {
		n.display = noopDisplay{}
	}
	if n.metrics == nil {
		n.metrics = noopMetrics{}
	}
	if n.tracer == nil {
		n.tracer = otel.Tracer("github.com/signalsfoundry/vanet-simulator/internal/vehicle")
	}

	if deps.Resolver == nil {
		log.Error(context.Background(), "roadside authority not resolvable; authority calls disabled",
			logging.Err(errors.New("no authority resolver configured")))
	} else if auth, err := deps.Resolver.ResolveAuthority(cfg.ID); err != nil {
		log.Error(context.Background(), "roadside authority not resolvable; authority calls disabled",
			logging.Err(err))
	} else if auth != nil {
		n.authority = auth
	}

	return n, nil
}

// ID returns the vehicle id.
func (n *Node) ID() int { return n.id }

// ExternalID returns the identifier registered with the authority.
func (n *Node) ExternalID() string { return n.externalID }

// Group returns the node's parity group.
func (n *Node) Group() model.GroupLabel { return n.group }

// IsViolator reports whether the node belongs to the violator set.
func (n *Node) IsViolator() bool { return n.violator }

// HasAuthority reports whether a roadside authority was resolved.
func (n *Node) HasAuthority() bool { return n.authority != nil }

// AttachTransport sets the transport used for outgoing frames. The medium
// assigns the address when the node attaches, so this happens after New.
func (n *Node) AttachTransport(t Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transport = t
}

// Start registers the node with its authority, publishes the group tag and
// arms the first self-timer at now + period.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	n.lastMovedAt = n.sched.Now()
	n.mu.Unlock()

	if n.authority != nil {
		n.authority.RegisterVehicle(n.externalID)
		n.log.Info(ctx, "registered with roadside authority",
			logging.String("authority", n.authority.Name()),
			logging.String("external_id", n.externalID),
		)
	}
	n.display.SetGroupTag(n.id, n.group)
	n.armTimer(ctx)
}

func (n *Node) armTimer(ctx context.Context) {
	n.sched.ScheduleAfter(n.cfg.ReportPeriod, TimerTag, func() {
		n.OnTimer(ctx, TimerTag)
	})
}

// OnTimer handles a self-timer firing. The timer re-arms on every tick for
// the node's lifetime.
func (n *Node) OnTimer(ctx context.Context, tag string) {
	if tag != TimerTag {
		n.log.Debug(ctx, "ignoring unknown timer", logging.String("tag", tag))
		return
	}
	// Re-arm before the span starts so each tick is its own trace.
	n.armTimer(ctx)

	ctx, span := n.tracer.Start(ctx, "vehicle.tick", trace.WithAttributes(n.spanAttrs()...))
	defer span.End()

	if n.phase.sentViolation() || n.phase.validationInProgress() {
		return
	}
	if n.violator {
		n.SendViolationReport(ctx)
		return
	}
	n.SendValidationReport(ctx)
}

// SendViolationReport broadcasts the node's single violation report. It
// returns false without side effects when the node is not a violator, has
// no authority, or already reported.
func (n *Node) SendViolationReport(ctx context.Context) bool {
	if !n.violator || n.authority == nil || n.phase.sentViolation() {
		return false
	}
	ctx, span := n.tracer.Start(ctx, "vehicle.send_violation", trace.WithAttributes(n.spanAttrs()...))
	defer span.End()

	rep := n.newReport(model.KindViolationReport)
	n.sampleSendOverhead(ctx)

	n.authority.AuthenticateReporter(n.externalID)

	if err := n.phase.Event(ctx, EventSendViolation); err != nil {
		n.log.Error(ctx, "protocol transition failed", logging.Err(err))
		return false
	}
	n.mu.Lock()
	n.counters.ViolationReports++
	n.mu.Unlock()

	n.transmit(ctx, rep)

	// The verdict on the violation path does not feed back into node state.
	_ = n.authority.ValidateReportRequest()
	return true
}

// SendValidationReport broadcasts the node's single validation report.
// A second call logs a warning and sends nothing.
func (n *Node) SendValidationReport(ctx context.Context) bool {
	if n.violator {
		return false
	}
	if n.phase.sentValidation() {
		n.log.Warn(ctx, "validation report already sent")
		return false
	}
	ctx, span := n.tracer.Start(ctx, "vehicle.send_validation", trace.WithAttributes(n.spanAttrs()...))
	defer span.End()

	rep := n.newReport(model.KindValidationReport)
	n.sampleSendOverhead(ctx)

	if err := n.phase.Event(ctx, EventSendValidation); err != nil {
		n.log.Error(ctx, "protocol transition failed", logging.Err(err))
		return false
	}
	n.mu.Lock()
	n.counters.ValidationReports++
	n.mu.Unlock()

	n.transmit(ctx, rep)
	return true
}

func (n *Node) newReport(kind model.Kind) model.Report {
	return model.Report{
		Kind:      kind,
		SenderID:  n.id,
		Recipient: model.Broadcast,
		Payload:   []byte(n.externalID),
	}
}

func (n *Node) sampleSendOverhead(ctx context.Context) {
	for _, kind := range overhead.Kinds {
		n.addOverhead(ctx, kind, n.cfg.SendDelays.Simulate(kind))
	}
}

func (n *Node) addOverhead(ctx context.Context, kind overhead.Kind, d time.Duration) {
	if !n.overhead.Add(kind, d) {
		n.log.Warn(ctx, "overhead sample rejected",
			logging.String("kind", kind.String()),
			logging.Float("ms", overhead.Millis(d)),
		)
		return
	}
	n.metrics.OverheadObserved(kind, d)
}

func (n *Node) transmit(ctx context.Context, rep model.Report) {
	n.mu.Lock()
	t := n.transport
	n.mu.Unlock()
	if t == nil {
		n.log.Warn(ctx, "no transport attached; report not transmitted",
			logging.String("kind", rep.Kind.String()))
		return
	}
	t.Send(ctx, rep)
	n.metrics.ReportSent(rep.Kind, n.group)
	n.log.Info(ctx, "report sent",
		logging.String("kind", rep.Kind.String()),
		logging.Int("recipient", int(rep.Recipient)),
	)
}

// HandleFrame processes a frame delivered by the transport. Validation
// reports run the verification rounds and ask the authority for a verdict;
// frames addressed to this node count as responses. Both may apply.
func (n *Node) HandleFrame(ctx context.Context, rep model.Report) {
	ctx, span := n.tracer.Start(ctx, "vehicle.receive", trace.WithAttributes(
		append(n.spanAttrs(), attribute.String("report.kind", rep.Kind.String()))...))
	defer span.End()

	n.metrics.ReportReceived(rep.Kind)

	if rep.Kind == model.KindValidationReport {
		n.verifyValidationReport(ctx, rep)
	}

	n.mu.Lock()
	t := n.transport
	n.mu.Unlock()
	if t != nil && rep.Recipient == t.Address() {
		n.mu.Lock()
		n.counters.ResponsesReceived++
		n.mu.Unlock()
		n.display.MarkResponseReceived(n.id)
		n.log.Info(ctx, "response received",
			logging.String("kind", rep.Kind.String()),
			logging.String("payload", string(rep.Payload)),
			logging.Int("from", rep.SenderID),
		)
	}
}

func (n *Node) verifyValidationReport(ctx context.Context, rep model.Report) {
	n.mu.Lock()
	n.counters.ValidationReportsReceived++
	n.mu.Unlock()

	// Group attribution uses the receiver's own parity.
	groupInfo := n.group.String()

	wall, measured := n.cfg.ReceiveDelays.(overhead.WallClock)
	var started time.Time
	if measured {
		started = wall.Now()
	}

	var verification time.Duration
	for i := 0; i < n.cfg.VerificationRounds; i++ {
		if n.trust != nil {
			n.trust.ReceiveValidatedReport(groupInfo)
		}
		comp := n.cfg.ReceiveDelays.Simulate(overhead.Computation)
		n.addOverhead(ctx, overhead.Computation, comp)
		comm := n.cfg.ReceiveDelays.Simulate(overhead.Communication)
		n.addOverhead(ctx, overhead.Communication, comm)
		verification += comp + comm
	}
	// Measured runs also count the trust hand-offs and the loop itself.
	if measured {
		verification = wall.Now().Sub(started)
	}

	if verification > 0 {
		n.addOverhead(ctx, overhead.SignatureVerification, verification)
	} else {
		n.metrics.MeasurementDiscarded()
		n.log.Warn(ctx, "non-positive verification time; sample discarded",
			logging.Float("ms", overhead.Millis(verification)),
			logging.Int("from", rep.SenderID),
		)
	}

	if n.authority == nil {
		return
	}
	accepted := n.authority.ValidateReportRequest()
	n.mu.Lock()
	if accepted {
		n.counters.Accepted++
	} else {
		n.counters.Rejected++
	}
	n.mu.Unlock()
	n.metrics.ValidationDecided(accepted)
	n.log.Debug(ctx, "validation report decided",
		logging.Bool("accepted", accepted),
		logging.Int("from", rep.SenderID),
	)
}

// OnPositionUpdate tracks liveness. A node that stood still for StallAfter
// before sending any report is marked stalled once. Protocol decisions are
// unaffected.
func (n *Node) OnPositionUpdate(ctx context.Context, u mobility.Update) {
	n.log.Debug(ctx, "position update",
		logging.Float("x", u.X),
		logging.Float("y", u.Y),
		logging.Float("speed_mps", u.SpeedMps),
	)

	sent := n.phase.Current() != PhaseIdle

	n.mu.Lock()
	if u.SpeedMps >= n.cfg.StallSpeed {
		n.lastMovedAt = u.At
		n.mu.Unlock()
		return
	}
	mark := !n.stalled && !sent && u.At.Sub(n.lastMovedAt) >= n.cfg.StallAfter
	if mark {
		n.stalled = true
	}
	n.mu.Unlock()

	if mark {
		n.display.MarkStalled(n.id)
		n.log.Info(ctx, "vehicle stalled before reporting")
	}
}

// Finish returns the teardown scalars in their fixed order.
func (n *Node) Finish() []model.Scalar {
	n.mu.Lock()
	c := n.counters
	n.mu.Unlock()
	t := n.overhead.Totals()

	return []model.Scalar{
		{Name: model.ScalarViolationReportsSent, Value: float64(c.ViolationReports)},
		{Name: model.ScalarValidationReportsSent, Value: float64(c.ValidationReports)},
		{Name: model.ScalarAcceptedReports, Value: float64(c.Accepted)},
		{Name: model.ScalarRejectedReports, Value: float64(c.Rejected)},
		{Name: model.ScalarComputationalOverhead, Value: t.ComputationalMs},
		{Name: model.ScalarCommunicationOverhead, Value: t.CommunicationMs},
		{Name: model.ScalarSignatureVerification, Value: t.SignatureVerificationMs},
	}
}

// Snapshot returns the node's current state.
func (n *Node) Snapshot() Snapshot {
	phase := n.phase.Current()

	n.mu.Lock()
	defer n.mu.Unlock()

	s := Snapshot{
		ID:                       n.id,
		ExternalID:               n.externalID,
		Group:                    n.group,
		Violator:                 n.violator,
		Address:                  model.Broadcast,
		Phase:                    phase,
		SentViolationReport:      phase == PhaseAwaitingValidation,
		ValidationInProgress:     phase == PhaseAwaitingValidation,
		SentValidationReportOnce: phase == PhaseValidationSent,
		Stalled:                  n.stalled,
		Counters:                 n.counters,
		Overhead:                 n.overhead.Totals(),
	}
	if n.authority != nil {
		s.Authority = n.authority.Name()
	}
	if n.transport != nil {
		s.Address = n.transport.Address()
	}
	return s
}

func (n *Node) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("vehicle.id", n.id),
		attribute.String("vehicle.group", n.group.String()),
	}
}
