package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/vanet-simulator/internal/overhead"
	"github.com/signalsfoundry/vanet-simulator/model"
)

// ReportCollector bundles Prometheus metrics for the report protocol: live
// counters fed by vehicles while the simulation runs and the teardown scalars
// of every node. It also instruments the status gRPC server.
type ReportCollector struct {
	gatherer prometheus.Gatherer

	ReportsSent         *prometheus.CounterVec
	ReportsReceived     *prometheus.CounterVec
	ValidationDecisions *prometheus.CounterVec
	Overhead            *prometheus.HistogramVec
	DiscardedSamples    prometheus.Counter
	NodeScalars         *prometheus.GaugeVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

// NewReportCollector registers report metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewReportCollector(reg prometheus.Registerer) (*ReportCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanet_reports_sent_total",
		Help: "Reports transmitted by vehicles, labeled by report kind and sender group.",
	}, []string{"kind", "group"}), "vanet_reports_sent_total")
	if err != nil {
		return nil, err
	}

	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanet_reports_received_total",
		Help: "Frames delivered to vehicles, labeled by report kind.",
	}, []string{"kind"}), "vanet_reports_received_total")
	if err != nil {
		return nil, err
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vanet_validation_decisions_total",
		Help: "Roadside verdicts on received validation reports, labeled by outcome.",
	}, []string{"outcome"}), "vanet_validation_decisions_total")
	if err != nil {
		return nil, err
	}

	overheadHist, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vanet_overhead_seconds",
		Help:    "Simulated protocol overhead samples, labeled by category.",
		Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"kind"}), "vanet_overhead_seconds")
	if err != nil {
		return nil, err
	}

	discarded, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vanet_measurements_discarded_total",
		Help: "Verification time samples discarded for being non-positive.",
	}), "vanet_measurements_discarded_total")
	if err != nil {
		return nil, err
	}

	scalars, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vanet_node_scalar",
		Help: "Teardown statistics exported by each vehicle, labeled by node and scalar name.",
	}, []string{"node", "scalar"}), "vanet_node_scalar")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_rpc_requests_total",
		Help: "Total number of handled status RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "status_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "status_rpc_duration_seconds",
		Help:    "Status RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "status_rpc_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ReportCollector{
		gatherer:            gatherer,
		ReportsSent:         sent,
		ReportsReceived:     received,
		ValidationDecisions: decisions,
		Overhead:            overheadHist,
		DiscardedSamples:    discarded,
		NodeScalars:         scalars,
		RPCRequests:         requests,
		RPCDurations:        durations,
	}, nil
}

// ReportSent counts a transmitted report.
func (c *ReportCollector) ReportSent(kind model.Kind, group model.GroupLabel) {
	if c == nil || c.ReportsSent == nil {
		return
	}
	c.ReportsSent.WithLabelValues(kind.String(), group.String()).Inc()
}

// ReportReceived counts a delivered frame.
func (c *ReportCollector) ReportReceived(kind model.Kind) {
	if c == nil || c.ReportsReceived == nil {
		return
	}
	c.ReportsReceived.WithLabelValues(kind.String()).Inc()
}

// ValidationDecided counts a roadside verdict.
func (c *ReportCollector) ValidationDecided(accepted bool) {
	if c == nil || c.ValidationDecisions == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	c.ValidationDecisions.WithLabelValues(outcome).Inc()
}

// OverheadObserved records one overhead sample.
func (c *ReportCollector) OverheadObserved(kind overhead.Kind, d time.Duration) {
	if c == nil || c.Overhead == nil {
		return
	}
	c.Overhead.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// MeasurementDiscarded counts a discarded verification sample.
func (c *ReportCollector) MeasurementDiscarded() {
	if c == nil || c.DiscardedSamples == nil {
		return
	}
	c.DiscardedSamples.Inc()
}

// Record publishes a node's teardown scalars as gauges. It satisfies the
// results sink contract so the collector can sit beside the other sinks.
func (c *ReportCollector) Record(_ context.Context, nodeID int, scalars []model.Scalar) error {
	if c == nil || c.NodeScalars == nil {
		return nil
	}
	node := strconv.Itoa(nodeID)
	for _, s := range scalars {
		c.NodeScalars.WithLabelValues(node, s.Name).Set(s.Value)
	}
	return nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *ReportCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ReportCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ReportCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
