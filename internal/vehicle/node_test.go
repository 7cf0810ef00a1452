package vehicle

import (
	"context"
	"errors"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/vanet-simulator/internal/authority"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/mobility"
	"github.com/signalsfoundry/vanet-simulator/internal/overhead"
	"github.com/signalsfoundry/vanet-simulator/internal/sim"
	"github.com/signalsfoundry/vanet-simulator/model"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeAuthority struct {
	verdicts      []bool
	registered    []string
	authenticated []string
	validations   int
}

func (a *fakeAuthority) Name() string { return "rsu[fake]" }

func (a *fakeAuthority) RegisterVehicle(id string) { a.registered = append(a.registered, id) }

func (a *fakeAuthority) AuthenticateReporter(id string) {
	a.authenticated = append(a.authenticated, id)
}

func (a *fakeAuthority) ValidateReportRequest() bool {
	a.validations++
	if len(a.verdicts) == 0 {
		return true
	}
	return a.verdicts[(a.validations-1)%len(a.verdicts)]
}

type fakeTrust struct {
	groups []string
}

func (t *fakeTrust) ReceiveValidatedReport(group string) { t.groups = append(t.groups, group) }

type fakeTransport struct {
	addr model.Address
	sent []model.Report
}

func (t *fakeTransport) Address() model.Address { return t.addr }

func (t *fakeTransport) Send(_ context.Context, r model.Report) { t.sent = append(t.sent, r) }

type harness struct {
	node  *Node
	sched *sim.FakeEventScheduler
	auth  *fakeAuthority
	trust *fakeTrust
	port  *fakeTransport
	board *DisplayBoard
	log   *logging.Recorder
}

func newHarness(t *testing.T, id int, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		sched: sim.NewFakeEventScheduler(epoch),
		auth:  &fakeAuthority{},
		trust: &fakeTrust{},
		port:  &fakeTransport{addr: model.Address(id + 1)},
		board: NewDisplayBoard(),
		log:   logging.NewRecorder(),
	}
	cfg := Config{ID: id}
	deps := Deps{
		Scheduler: h.sched,
		Resolver: ResolverFunc(func(int) (RoadsideAuthority, error) {
			return h.auth, nil
		}),
		Trust:   h.trust,
		Display: h.board,
		Log:     h.log,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	n, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.AttachTransport(h.port)
	n.Start(context.Background())
	h.node = n
	return h
}

func TestNewRequiresScheduler(t *testing.T) {
	if _, err := New(Config{ID: 1}, Deps{}); err == nil {
		t.Fatalf("expected error for missing scheduler")
	}
}

func TestStartRegistersTagsAndArmsTimer(t *testing.T) {
	h := newHarness(t, 4, nil)

	if len(h.auth.registered) != 1 || h.auth.registered[0] != "veh4" {
		t.Fatalf("registered = %v, want [veh4]", h.auth.registered)
	}
	if got := h.board.Tag(4); got != model.Group2 {
		t.Fatalf("group tag = %q, want Group2", got)
	}
	if h.sched.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 timer", h.sched.Pending())
	}

	h.sched.Advance(9 * time.Second)
	if len(h.port.sent) != 0 {
		t.Fatalf("report sent before the first period elapsed")
	}
	h.sched.Advance(time.Second)
	if len(h.port.sent) != 1 {
		t.Fatalf("sent = %d after first period, want 1", len(h.port.sent))
	}
}

func TestViolatorReportsExactlyOnce(t *testing.T) {
	h := newHarness(t, 0, nil)

	h.sched.Advance(10 * time.Second)

	if len(h.port.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(h.port.sent))
	}
	rep := h.port.sent[0]
	if rep.Kind != model.KindViolationReport || !rep.IsBroadcast() || rep.SenderID != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if string(rep.Payload) != "veh0" {
		t.Fatalf("payload = %q, want veh0", rep.Payload)
	}
	if len(h.auth.authenticated) != 1 || h.auth.authenticated[0] != "veh0" {
		t.Fatalf("authenticated = %v", h.auth.authenticated)
	}
	if h.auth.validations != 1 {
		t.Fatalf("validate requests = %d, want 1", h.auth.validations)
	}

	snap := h.node.Snapshot()
	if !snap.SentViolationReport || !snap.ValidationInProgress || snap.SentValidationReportOnce {
		t.Fatalf("latches = %+v", snap)
	}
	if snap.Overhead.ComputationalMs != 1 || snap.Overhead.CommunicationMs != 1 || snap.Overhead.SignatureVerificationMs != 2 {
		t.Fatalf("overhead = %+v, want one sample of each", snap.Overhead)
	}

	h.sched.Advance(100 * time.Second)

	if len(h.port.sent) != 1 || h.node.Snapshot().Counters.ViolationReports != 1 {
		t.Fatalf("later ticks sent more reports: %d", len(h.port.sent))
	}
	if h.auth.validations != 1 || len(h.auth.authenticated) != 1 {
		t.Fatalf("later ticks called the authority again")
	}
	if h.sched.Pending() != 1 {
		t.Fatalf("timer must stay armed, pending = %d", h.sched.Pending())
	}
	if h.log.Count("warn", "validation report already sent") != 0 {
		t.Fatalf("violator must not try the validation path")
	}
}

func TestValidatorReportsOnceAndWarnsOnLaterTicks(t *testing.T) {
	h := newHarness(t, 3, nil)

	h.sched.Advance(10 * time.Second)
	if len(h.port.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(h.port.sent))
	}
	if rep := h.port.sent[0]; rep.Kind != model.KindValidationReport || rep.Recipient != model.Broadcast {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(h.auth.authenticated) != 0 {
		t.Fatalf("validators must not authenticate")
	}

	h.sched.Advance(10 * time.Second)
	if len(h.port.sent) != 1 {
		t.Fatalf("second tick sent a report")
	}
	if got := h.log.Count("warn", "validation report already sent"); got != 1 {
		t.Fatalf("duplicate warnings = %d, want 1", got)
	}

	h.sched.Advance(50 * time.Second)
	c := h.node.Snapshot().Counters
	if c.ValidationReports != 1 || c.ViolationReports != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestSendValidationTwiceTransmitsOnce(t *testing.T) {
	h := newHarness(t, 5, nil)
	ctx := context.Background()

	if !h.node.SendValidationReport(ctx) {
		t.Fatalf("first send refused")
	}
	if h.node.SendValidationReport(ctx) {
		t.Fatalf("second send accepted")
	}
	if len(h.port.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(h.port.sent))
	}
	if h.node.Snapshot().Overhead.SignatureVerificationMs != 2 {
		t.Fatalf("the refused send must not sample overhead")
	}
}

func TestRoleMismatchIsSilent(t *testing.T) {
	ctx := context.Background()

	validator := newHarness(t, 3, nil)
	if validator.node.SendViolationReport(ctx) {
		t.Fatalf("validator sent a violation report")
	}
	violator := newHarness(t, 7, nil)
	if violator.node.SendValidationReport(ctx) {
		t.Fatalf("violator sent a validation report")
	}

	for _, h := range []*harness{validator, violator} {
		if len(h.port.sent) != 0 {
			t.Fatalf("role mismatch transmitted %d frames", len(h.port.sent))
		}
		for _, e := range h.log.Entries() {
			if e.Level == "warn" || e.Level == "error" {
				t.Fatalf("role mismatch logged %s %q", e.Level, e.Message)
			}
		}
		if h.node.Snapshot().Phase != PhaseIdle {
			t.Fatalf("role mismatch changed the phase")
		}
	}
}

func TestValidationFrameNotifiesTrustTwiceAndRoutesVerdict(t *testing.T) {
	cases := []struct {
		name     string
		verdict  bool
		accepted int
		rejected int
	}{
		{name: "accepted", verdict: true, accepted: 1},
		{name: "rejected", verdict: false, rejected: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 2, nil)
			h.auth.verdicts = []bool{tc.verdict}

			h.node.HandleFrame(context.Background(), model.Report{
				Kind:      model.KindValidationReport,
				SenderID:  3,
				Recipient: model.Broadcast,
			})

			if len(h.trust.groups) != 2 {
				t.Fatalf("trust notified %d times, want 2", len(h.trust.groups))
			}
			for _, g := range h.trust.groups {
				if g != "Group2" {
					t.Fatalf("trust got group %q, want the receiver's Group2", g)
				}
			}
			if h.auth.validations != 1 {
				t.Fatalf("validate requests = %d, want 1", h.auth.validations)
			}
			c := h.node.Snapshot().Counters
			if c.Accepted != tc.accepted || c.Rejected != tc.rejected {
				t.Fatalf("accepted=%d rejected=%d", c.Accepted, c.Rejected)
			}
			o := h.node.Snapshot().Overhead
			if o.ComputationalMs != 0 || o.CommunicationMs != 2 || o.SignatureVerificationMs != 2 {
				t.Fatalf("overhead = %+v", o)
			}
		})
	}
}

func TestAcceptedPlusRejectedMatchesValidationFrames(t *testing.T) {
	h := newHarness(t, 6, nil)
	h.auth.verdicts = []bool{true, false, false}
	ctx := context.Background()

	kinds := []model.Kind{
		model.KindValidationReport,
		model.KindViolationReport,
		model.KindValidationReport,
		model.KindAcknowledgement,
		model.KindValidationReport,
		model.KindValidationReport,
		model.KindViolationReport,
	}
	for i, k := range kinds {
		h.node.HandleFrame(ctx, model.Report{Kind: k, SenderID: i, Recipient: model.Broadcast})
	}

	c := h.node.Snapshot().Counters
	if c.Accepted+c.Rejected != 4 || c.ValidationReportsReceived != 4 {
		t.Fatalf("counters = %+v, want 4 decisions", c)
	}
	if c.Accepted != 2 || c.Rejected != 2 {
		t.Fatalf("accepted=%d rejected=%d, want 2/2", c.Accepted, c.Rejected)
	}
	if len(h.trust.groups) != 8 {
		t.Fatalf("trust notified %d times, want 8", len(h.trust.groups))
	}
}

func TestNonPositiveVerificationIsDiscarded(t *testing.T) {
	h := newHarness(t, 1, func(c *Config, _ *Deps) {
		c.ReceiveDelays = overhead.Nominal(overhead.Table{})
	})

	h.node.HandleFrame(context.Background(), model.Report{Kind: model.KindValidationReport, SenderID: 9})

	if got := h.log.Count("warn", "non-positive verification time; sample discarded"); got != 1 {
		t.Fatalf("warnings = %d, want 1", got)
	}
	if o := h.node.Snapshot().Overhead; o.SignatureVerificationMs != 0 {
		t.Fatalf("discarded sample was counted: %+v", o)
	}
	if c := h.node.Snapshot().Counters; c.Accepted != 1 {
		t.Fatalf("verdict must not depend on the measurement, counters = %+v", c)
	}
}

func TestUnresolvedAuthorityDisablesAuthorityCalls(t *testing.T) {
	resolveErr := errors.New("rsu[1] for vehicle 0: not found")
	unresolved := func(_ *Config, d *Deps) {
		d.Resolver = ResolverFunc(func(int) (RoadsideAuthority, error) { return nil, resolveErr })
	}

	violator := newHarness(t, 0, unresolved)
	if violator.node.HasAuthority() {
		t.Fatalf("authority should be unresolved")
	}
	if got := violator.log.Count("error", "roadside authority not resolvable; authority calls disabled"); got != 1 {
		t.Fatalf("configuration errors logged = %d, want 1", got)
	}
	violator.sched.Advance(30 * time.Second)
	if len(violator.port.sent) != 0 {
		t.Fatalf("violator without authority transmitted")
	}

	validator := newHarness(t, 3, unresolved)
	validator.sched.Advance(10 * time.Second)
	if len(validator.port.sent) != 1 {
		t.Fatalf("validation path does not need an authority, sent = %d", len(validator.port.sent))
	}
	validator.node.HandleFrame(context.Background(), model.Report{Kind: model.KindValidationReport})
	if c := validator.node.Snapshot().Counters; c.Accepted+c.Rejected != 0 {
		t.Fatalf("verdict recorded without authority: %+v", c)
	}
	if len(validator.trust.groups) != 2 {
		t.Fatalf("trust authority must still be notified")
	}
}

func TestUnknownTimerTagIgnored(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.node.OnTimer(context.Background(), "beacon")
	if len(h.port.sent) != 0 || h.sched.Pending() != 1 {
		t.Fatalf("unknown tag acted: sent=%d pending=%d", len(h.port.sent), h.sched.Pending())
	}
}

func TestStalledMarkerLatchesBeforeFirstReport(t *testing.T) {
	h := newHarness(t, 3, nil)
	ctx := context.Background()

	h.node.OnPositionUpdate(ctx, mobility.Update{At: epoch.Add(5 * time.Second), SpeedMps: 0.2})
	if h.node.Snapshot().Stalled {
		t.Fatalf("stalled too early")
	}
	h.node.OnPositionUpdate(ctx, mobility.Update{At: epoch.Add(9 * time.Second), SpeedMps: 4})
	h.node.OnPositionUpdate(ctx, mobility.Update{At: epoch.Add(18 * time.Second), SpeedMps: 0})
	if h.node.Snapshot().Stalled {
		t.Fatalf("movement must reset the stationary window")
	}
	h.node.OnPositionUpdate(ctx, mobility.Update{At: epoch.Add(19 * time.Second), SpeedMps: 0})
	h.node.OnPositionUpdate(ctx, mobility.Update{At: epoch.Add(25 * time.Second), SpeedMps: 0})

	if !h.node.Snapshot().Stalled || h.board.Color(3) != ColorStalled {
		t.Fatalf("expected stalled marker")
	}
	if got := h.log.Count("info", "vehicle stalled before reporting"); got != 1 {
		t.Fatalf("stalled logged %d times, want 1", got)
	}
	if len(h.port.sent) != 0 {
		t.Fatalf("liveness must not send reports")
	}
}

func TestStalledMarkerSkippedAfterReport(t *testing.T) {
	h := newHarness(t, 3, nil)
	ctx := context.Background()

	h.node.SendValidationReport(ctx)
	h.node.OnPositionUpdate(ctx, mobility.Update{At: epoch.Add(30 * time.Second), SpeedMps: 0})

	if h.node.Snapshot().Stalled || h.board.Color(3) != "" {
		t.Fatalf("a node that already reported must not be marked stalled")
	}
}

func TestFinishExportsScalarsInOrder(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.sched.Advance(10 * time.Second)
	h.node.HandleFrame(context.Background(), model.Report{Kind: model.KindValidationReport, SenderID: 3})

	got := h.node.Finish()
	if len(got) != len(model.ScalarNames) {
		t.Fatalf("scalars = %d, want %d", len(got), len(model.ScalarNames))
	}
	want := []float64{1, 0, 1, 0, 1, 3, 4}
	for i, s := range got {
		if s.Name != model.ScalarNames[i] {
			t.Fatalf("scalar %d name = %q, want %q", i, s.Name, model.ScalarNames[i])
		}
		if s.Value != want[i] {
			t.Fatalf("%s = %v, want %v", s.Name, s.Value, want[i])
		}
	}
}

func TestRoadsideAcknowledgementMarksResponse(t *testing.T) {
	sched := sim.NewFakeEventScheduler(epoch)
	medium := sim.NewMedium(sim.MediumConfig{}, sched, nil)
	board := NewDisplayBoard()
	trust := authority.NewTrust(nil)

	rsu0 := authority.NewRoadside(0, authority.AcceptAll, nil)
	rsu1 := authority.NewRoadside(1, authority.AcceptAll, nil)
	for _, r := range []*authority.Roadside{rsu0, rsu1} {
		r.Bind(medium.Attach(r.Name(), r.HandleFrame, nil))
	}
	dir := authority.NewDirectory(rsu0, rsu1)
	resolver := ResolverFunc(func(id int) (RoadsideAuthority, error) {
		r, err := dir.Resolve(id)
		if err != nil {
			return nil, err
		}
		return r, nil
	})

	ctx := context.Background()
	nodes := make(map[int]*Node)
	for _, id := range []int{0, 3} {
		n, err := New(Config{ID: id}, Deps{
			Scheduler: sched,
			Resolver:  resolver,
			Trust:     trust,
			Display:   board,
		})
		if err != nil {
			t.Fatalf("New(%d): %v", id, err)
		}
		n.AttachTransport(medium.Attach(n.ExternalID(), n.HandleFrame, nil))
		n.Start(ctx)
		nodes[id] = n
	}

	sched.Advance(10 * time.Second)

	violator := nodes[0].Snapshot()
	if violator.Counters.ResponsesReceived != 1 || board.Color(0) != ColorResponse {
		t.Fatalf("violator did not see the acknowledgement: %+v", violator.Counters)
	}
	if violator.Authority != "rsu[1]" {
		t.Fatalf("vehicle 0 bound to %q, want rsu[1]", violator.Authority)
	}
	if nodes[3].Snapshot().Counters.ResponsesReceived != 0 {
		t.Fatalf("acknowledgement leaked to another vehicle")
	}
	if got := rsu1.Snapshot().AcknowledgementsSent; got != 1 {
		t.Fatalf("acknowledgements = %d, want 1", got)
	}
	if !rsu1.IsAuthenticated("veh0") {
		t.Fatalf("violator not authenticated at rsu[1]")
	}
	// Vehicle 0 heard vehicle 3's validation report: two trust notifications
	// attributed to vehicle 0's own group.
	if got := trust.Count(string(model.Group2)); got != 2 {
		t.Fatalf("Group2 trust count = %d, want 2", got)
	}
	if c := nodes[0].Snapshot().Counters; c.Accepted != 1 {
		t.Fatalf("vehicle 0 counters = %+v", c)
	}
}

func TestHandlersEmitSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, 7, func(_ *Config, d *Deps) {
		d.Tracer = tp.Tracer("test")
	})
	h.sched.Advance(10 * time.Second)
	h.node.HandleFrame(context.Background(), model.Report{Kind: model.KindValidationReport})

	names := make(map[string]int)
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	for _, want := range []string{"vehicle.tick", "vehicle.send_violation", "vehicle.receive"} {
		if names[want] != 1 {
			t.Fatalf("span %q ended %d times, want 1 (all: %v)", want, names[want], names)
		}
	}
}

func TestTickSpansAreIndependentRoots(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, 3, func(_ *Config, d *Deps) {
		d.Tracer = tp.Tracer("test")
	})
	h.sched.Advance(50 * time.Second)

	traces := make(map[string]bool)
	var ticks int
	for _, s := range sr.Ended() {
		if s.Name() != "vehicle.tick" {
			continue
		}
		ticks++
		if s.Parent().IsValid() {
			t.Fatalf("tick %d has parent span %s, want a root span", ticks, s.Parent().SpanID())
		}
		traces[s.SpanContext().TraceID().String()] = true
	}
	if ticks != 5 {
		t.Fatalf("tick spans = %d, want 5", ticks)
	}
	if len(traces) != ticks {
		t.Fatalf("%d tick spans share %d trace(s), want one trace per tick", ticks, len(traces))
	}
}

// steppingSimulator returns a fixed sample but its clock also advances by
// overheadPerCall on every call, like work done around each sample.
type steppingSimulator struct {
	clock           time.Time
	sample          time.Duration
	overheadPerCall time.Duration
}

func (s *steppingSimulator) Simulate(overhead.Kind) time.Duration {
	s.clock = s.clock.Add(s.sample + s.overheadPerCall)
	return s.sample
}

func (s *steppingSimulator) Now() time.Time { return s.clock }

func TestMeasuredVerificationTimesWholeLoop(t *testing.T) {
	stepper := &steppingSimulator{clock: epoch, sample: time.Millisecond, overheadPerCall: 2 * time.Millisecond}
	h := newHarness(t, 1, func(c *Config, _ *Deps) {
		c.ReceiveDelays = stepper
	})

	h.node.HandleFrame(context.Background(), model.Report{Kind: model.KindValidationReport, SenderID: 4})

	o := h.node.Snapshot().Overhead
	// Two rounds of two samples, each taking 3ms of wall time.
	if o.SignatureVerificationMs != 12 {
		t.Fatalf("signature verification = %vms, want 12ms of wall time", o.SignatureVerificationMs)
	}
	if o.ComputationalMs != 2 || o.CommunicationMs != 2 {
		t.Fatalf("per-sample totals = %+v, want 2ms each", o)
	}
	if len(h.trust.groups) != 2 {
		t.Fatalf("trust notifications = %d, want 2", len(h.trust.groups))
	}
}
