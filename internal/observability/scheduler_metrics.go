package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SimulationCollector exposes clock and scheduler metrics of a run.
type SimulationCollector struct {
	gatherer prometheus.Gatherer

	StepDuration  prometheus.Histogram
	ClockSteps    prometheus.Counter
	SimTime       prometheus.Gauge
	PendingEvents prometheus.Gauge
	Vehicles      prometheus.Gauge
}

// NewSimulationCollector registers simulation metrics against the provided registerer.
func NewSimulationCollector(reg prometheus.Registerer) (*SimulationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	stepHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vanet_clock_step_duration_seconds",
		Help:    "Wall time spent handling one simulation clock step.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	stepHistogram, err := registerHistogram(reg, stepHistogram, "vanet_clock_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	steps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanet_clock_steps_total",
		Help: "Cumulative number of simulation clock steps.",
	})
	steps, err = registerCounter(reg, steps, "vanet_clock_steps_total")
	if err != nil {
		return nil, err
	}

	simTime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanet_sim_time_seconds",
		Help: "Simulation time elapsed since the start of the run.",
	})
	simTime, err = registerGauge(reg, simTime, "vanet_sim_time_seconds")
	if err != nil {
		return nil, err
	}

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanet_scheduler_events_pending",
		Help: "Number of events currently queued in the event scheduler.",
	})
	pending, err = registerGauge(reg, pending, "vanet_scheduler_events_pending")
	if err != nil {
		return nil, err
	}

	vehicles := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vanet_vehicles",
		Help: "Number of vehicles in the running scenario.",
	})
	vehicles, err = registerGauge(reg, vehicles, "vanet_vehicles")
	if err != nil {
		return nil, err
	}

	return &SimulationCollector{
		gatherer:      gatherer,
		StepDuration:  stepHistogram,
		ClockSteps:    steps,
		SimTime:       simTime,
		PendingEvents: pending,
		Vehicles:      vehicles,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimulationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveStep records one clock step: its wall duration, the simulation time
// reached and the scheduler queue depth afterwards.
func (c *SimulationCollector) ObserveStep(wall, elapsed time.Duration, pending int) {
	if c == nil {
		return
	}
	if c.StepDuration != nil {
		c.StepDuration.Observe(wall.Seconds())
	}
	if c.ClockSteps != nil {
		c.ClockSteps.Inc()
	}
	if c.SimTime != nil {
		c.SimTime.Set(elapsed.Seconds())
	}
	if c.PendingEvents != nil {
		c.PendingEvents.Set(float64(pending))
	}
}

// SetVehicles updates the vehicle count gauge.
func (c *SimulationCollector) SetVehicles(count int) {
	if c == nil || c.Vehicles == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	c.Vehicles.Set(float64(count))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
