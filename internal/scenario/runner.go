// Package scenario assembles a complete simulation from configuration: the
// clock and scheduler, the radio medium, roadside and trust authorities,
// vehicles with their mobility tracks, and the teardown sinks.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/vanet-simulator/internal/authority"
	"github.com/signalsfoundry/vanet-simulator/internal/config"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/mobility"
	"github.com/signalsfoundry/vanet-simulator/internal/observability"
	"github.com/signalsfoundry/vanet-simulator/internal/overhead"
	"github.com/signalsfoundry/vanet-simulator/internal/results"
	"github.com/signalsfoundry/vanet-simulator/internal/sim"
	"github.com/signalsfoundry/vanet-simulator/internal/vehicle"
	"github.com/signalsfoundry/vanet-simulator/timectrl"
)

// Epoch is the simulation time every run starts at.
var Epoch = time.Unix(0, 0).UTC()

// Deps are the optional collaborators of a Runner.
type Deps struct {
	Log    logging.Logger
	Tracer trace.Tracer

	// Reports receives live protocol metrics. Steps receives clock metrics.
	Reports *observability.ReportCollector
	Steps   *observability.SimulationCollector

	// Sinks receive every vehicle's teardown scalars.
	Sinks results.MultiSink
	// Taps observe every transmitted frame.
	Taps  []sim.Tap
}

// Summary describes a finished run.
type Summary struct {
	RunID       string
	Simulated   time.Duration
	Results     []results.NodeResult
	Medium      sim.MediumStats
	Authorities []authority.State
	Trust       map[string]int
}

// Runner owns one simulation run.
type Runner struct {
	cfg  config.Simulation
	deps Deps
	log  logging.Logger

	clock     *timectrl.TimeController
	sched     sim.EventScheduler
	medium    *sim.Medium
	directory *authority.Directory
	trust     *authority.Trust
	display   *vehicle.DisplayBoard
	nodes     []*vehicle.Node
	tracks    []*mobility.Track
	memory    *results.Memory
}

// PolicyByName maps a configured policy name to a roadside validation policy.
func PolicyByName(name string) (authority.ValidationPolicy, error) {
	switch name {
	case "", "require-authenticated":
		return authority.RequireAuthenticatedReporter, nil
	case "accept-all":
		return authority.AcceptAll, nil
	case "reject-all":
		return authority.RejectAll, nil
	default:
		return nil, fmt.Errorf("unknown validation policy %q", name)
	}
}

// New builds the scenario described by cfg. Vehicles are created but not
// started until Run.
func New(cfg config.Simulation, ov config.Overhead, deps Deps) (*Runner, error) {
	if cfg.Vehicles < 0 {
		return nil, fmt.Errorf("vehicle count %d is negative", cfg.Vehicles)
	}
	policy, err := PolicyByName(cfg.Policy)
	if err != nil {
		return nil, err
	}
	sendDelays, receiveDelays, err := overheadSimulators(ov.Mode)
	if err != nil {
		return nil, err
	}

	log := deps.Log
	if log == nil {
		log = logging.Noop()
	}

	r := &Runner{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		clock:   timectrl.NewTimeController(Epoch, cfg.Tick, timectrl.ParseMode(cfg.Mode)),
		trust:   authority.NewTrust(log),
		display: vehicle.NewDisplayBoard(),
		memory:  results.NewMemory(),
	}
	r.sched = sim.NewEventScheduler(r.clock)
	r.medium = sim.NewMedium(sim.MediumConfig{
		Delay:  cfg.Medium.Delay,
		RangeM: cfg.Medium.RangeM,
	}, r.sched, log)
	for _, tap := range deps.Taps {
		r.medium.AddTap(tap)
	}

	units := make([]*authority.Roadside, 0, cfg.RoadsideUnits)
	for i := 0; i < cfg.RoadsideUnits; i++ {
		rsu := authority.NewRoadside(i, policy, log)
		rsu.Bind(r.medium.Attach(rsu.Name(), rsu.HandleFrame, nil))
		units = append(units, rsu)
	}
	r.directory = authority.NewDirectory(units...)

	resolver := vehicle.ResolverFunc(func(id int) (vehicle.RoadsideAuthority, error) {
		rsu, err := r.directory.Resolve(id)
		if err != nil {
			return nil, err
		}
		return rsu, nil
	})

	violators := vehicle.NewViolatorSet(cfg.Violators...)
	for id := 0; id < cfg.Vehicles; id++ {
		nodeDeps := vehicle.Deps{
			Scheduler: r.sched,
			Resolver:  resolver,
			Trust:     r.trust,
			Display:   r.display,
			Log:       log,
			Tracer:    deps.Tracer,
		}
		if deps.Reports != nil {
			nodeDeps.Metrics = deps.Reports
		}
		node, err := vehicle.New(vehicle.Config{
			ID:                 id,
			Violators:          violators,
			ReportPeriod:       cfg.ReportPeriod,
			StallAfter:         cfg.StallAfter,
			StallSpeed:         cfg.StallSpeed,
			VerificationRounds: cfg.VerificationRounds,
			SendDelays:         sendDelays(),
			ReceiveDelays:      receiveDelays(),
		}, nodeDeps)
		if err != nil {
			return nil, fmt.Errorf("create vehicle %d: %w", id, err)
		}

		track := mobility.NewTrack(profileFor(cfg.Mobility, id), Epoch)
		node.AttachTransport(r.medium.Attach(node.ExternalID(), node.HandleFrame, track.Position))

		r.nodes = append(r.nodes, node)
		r.tracks = append(r.tracks, track)
	}

	deps.Steps.SetVehicles(len(r.nodes))
	return r, nil
}

func overheadSimulators(mode string) (send, receive func() overhead.Simulator, err error) {
	switch mode {
	case "", "nominal":
		return func() overhead.Simulator { return overhead.Nominal(overhead.DefaultSendTable()) },
			func() overhead.Simulator { return overhead.Nominal(overhead.DefaultReceiveTable()) }, nil
	case "measured":
		return func() overhead.Simulator { return overhead.Measured(overhead.DefaultSendTable()) },
			func() overhead.Simulator { return overhead.Measured(overhead.DefaultReceiveTable()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown overhead mode %q", mode)
	}
}

func profileFor(m config.Mobility, id int) mobility.Profile {
	if id < len(m.Profiles) {
		return m.Profiles[id]
	}
	return mobility.Profile{
		X:         float64(id) * m.SpacingM,
		SpeedMps:  m.SpeedMps,
		StopAfter: m.StopAfter,
	}
}

// Run starts every vehicle, drives the clock for the configured duration
// and exports the teardown scalars. Cancelling ctx ends the run early; the
// teardown still happens and ctx's error is returned with the summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	ctx, runID := logging.EnsureRunID(ctx)

	r.log.Info(ctx, "starting simulation",
		logging.Int("vehicles", len(r.nodes)),
		logging.Int("roadside_units", len(r.directory.Units())),
		logging.String("mode", r.clock.Mode.String()),
		logging.String("duration", r.cfg.Duration.String()),
	)

	for _, n := range r.nodes {
		n.Start(ctx)
	}

	r.clock.AddListener(func(now time.Time) {
		r.step(ctx, now)
	})
	runErr := r.clock.Run(ctx, r.cfg.Duration)

	summary := r.teardown(context.WithoutCancel(ctx))
	summary.RunID = runID
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, fmt.Errorf("simulation clock: %w", runErr)
	}
	if runErr != nil {
		r.log.Warn(ctx, "simulation cancelled", logging.String("simulated", summary.Simulated.String()))
		return summary, runErr
	}
	r.log.Info(ctx, "simulation finished", logging.String("simulated", summary.Simulated.String()))
	return summary, nil
}

// step runs everything due at now: timers and frame deliveries first, then
// the position updates of every vehicle.
func (r *Runner) step(ctx context.Context, now time.Time) {
	start := time.Now()
	r.sched.RunDue()
	for i, tr := range r.tracks {
		r.nodes[i].OnPositionUpdate(ctx, tr.Advance(now))
	}
	r.deps.Steps.ObserveStep(time.Since(start), r.clock.Elapsed(), r.sched.Pending())
}

func (r *Runner) teardown(ctx context.Context) Summary {
	for _, n := range r.nodes {
		scalars := n.Finish()
		_ = r.memory.Record(ctx, n.ID(), scalars)
		if len(r.deps.Sinks) == 0 {
			continue
		}
		if err := r.deps.Sinks.Record(ctx, n.ID(), scalars); err != nil {
			r.log.Warn(ctx, "failed to record teardown scalars", logging.Int("node_id", n.ID()), logging.Err(err))
		}
	}
	if len(r.deps.Sinks) > 0 {
		if err := r.deps.Sinks.Flush(ctx); err != nil {
			r.log.Warn(ctx, "failed to flush results", logging.Err(err))
		}
	}

	return Summary{
		Simulated:   r.clock.Elapsed(),
		Results:     r.memory.Results(),
		Medium:      r.medium.Stats(),
		Authorities: r.Authorities(),
		Trust:       r.TrustCounts(),
	}
}

// Nodes returns a snapshot of every vehicle.
func (r *Runner) Nodes() []vehicle.Snapshot {
	out := make([]vehicle.Snapshot, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.Snapshot())
	}
	return out
}

// Authorities returns the state of every roadside authority.
func (r *Runner) Authorities() []authority.State {
	units := r.directory.Units()
	out := make([]authority.State, 0, len(units))
	for _, u := range units {
		out = append(out, u.Snapshot())
	}
	return out
}

// TrustCounts returns the trust authority's per-group counts.
func (r *Runner) TrustCounts() map[string]int {
	return r.trust.Snapshot()
}

// Display returns the board vehicles publish their group tag and colour to.
func (r *Runner) Display() *vehicle.DisplayBoard {
	return r.display
}

// Clock returns the controller driving the run.
func (r *Runner) Clock() *timectrl.TimeController {
	return r.clock
}
