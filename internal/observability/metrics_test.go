package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/vanet-simulator/internal/overhead"
	"github.com/signalsfoundry/vanet-simulator/model"
)

func TestReportCollectorCountsProtocolEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewReportCollector(reg)
	if err != nil {
		t.Fatalf("NewReportCollector: %v", err)
	}

	collector.ReportSent(model.KindViolationReport, model.Group2)
	collector.ReportSent(model.KindValidationReport, model.Group1)
	collector.ReportSent(model.KindValidationReport, model.Group1)
	collector.ReportReceived(model.KindValidationReport)
	collector.ValidationDecided(true)
	collector.ValidationDecided(false)
	collector.ValidationDecided(false)
	collector.OverheadObserved(overhead.SignatureVerification, 2*time.Millisecond)
	collector.MeasurementDiscarded()

	if got := testutil.ToFloat64(collector.ReportsSent.WithLabelValues("validationReport", "Group1")); got != 2 {
		t.Fatalf("validation reports sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.ValidationDecisions.WithLabelValues("rejected")); got != 2 {
		t.Fatalf("rejected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.DiscardedSamples); got != 1 {
		t.Fatalf("discarded = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "vanet_overhead_seconds", map[string]string{
		"kind": overhead.SignatureVerification.String(),
	}); count != 1 {
		t.Fatalf("vanet_overhead_seconds sample_count = %d, want 1", count)
	}
}

func TestRecordExposesTeardownScalars(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewReportCollector(reg)
	if err != nil {
		t.Fatalf("NewReportCollector: %v", err)
	}

	err = collector.Record(context.Background(), 7, []model.Scalar{
		{Name: model.ScalarViolationReportsSent, Value: 1},
		{Name: model.ScalarSignatureVerification, Value: 2.5},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if got := testutil.ToFloat64(collector.NodeScalars.WithLabelValues("7", model.ScalarSignatureVerification)); got != 2.5 {
		t.Fatalf("signature scalar = %v, want 2.5", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"vanet_node_scalar",
		`scalar="Total Violation Reports Sent"`,
		`node="7"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in /metrics output", want)
		}
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *ReportCollector
	c.ReportSent(model.KindViolationReport, model.Group1)
	c.ReportReceived(model.KindAcknowledgement)
	c.ValidationDecided(true)
	c.OverheadObserved(overhead.Computation, time.Millisecond)
	c.MeasurementDiscarded()
	if err := c.Record(context.Background(), 1, nil); err != nil {
		t.Fatalf("Record on nil collector: %v", err)
	}

	var s *SimulationCollector
	s.ObserveStep(time.Millisecond, time.Second, 3)
	s.SetVehicles(4)
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewReportCollector(reg)
	if err != nil {
		t.Fatalf("first NewReportCollector: %v", err)
	}
	second, err := NewReportCollector(reg)
	if err != nil {
		t.Fatalf("second NewReportCollector: %v", err)
	}
	first.ReportReceived(model.KindViolationReport)
	if got := testutil.ToFloat64(second.ReportsReceived.WithLabelValues("violationReport")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewReportCollector(reg)
	if err != nil {
		t.Fatalf("NewReportCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("status_rpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "status_rpc_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("status_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewReportCollector(reg)
	if err != nil {
		t.Fatalf("NewReportCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("status_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in, service, method string
	}{
		{"/grpc.health.v1.Health/Check", "Health", "Check"},
		{"Health/Watch", "Health", "Watch"},
		{"", "unknown", "unknown"},
		{"/noslash", "unknown", "unknown"},
	}
	for _, tc := range cases {
		service, method := SplitMethod(tc.in)
		if service != tc.service || method != tc.method {
			t.Fatalf("SplitMethod(%q) = %q,%q want %q,%q", tc.in, service, method, tc.service, tc.method)
		}
	}
}

func TestSimulationCollectorObservesSteps(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSimulationCollector(reg)
	if err != nil {
		t.Fatalf("NewSimulationCollector: %v", err)
	}
	c.SetVehicles(10)
	c.ObserveStep(time.Millisecond, time.Second, 12)
	c.ObserveStep(time.Millisecond, 2*time.Second, 11)

	if got := testutil.ToFloat64(c.ClockSteps); got != 2 {
		t.Fatalf("steps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.SimTime); got != 2 {
		t.Fatalf("sim time = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.PendingEvents); got != 11 {
		t.Fatalf("pending = %v, want 11", got)
	}
	if got := testutil.ToFloat64(c.Vehicles); got != 10 {
		t.Fatalf("vehicles = %v, want 10", got)
	}
	if count := histogramSampleCount(t, reg, "vanet_clock_step_duration_seconds", nil); count != 2 {
		t.Fatalf("step histogram count = %d, want 2", count)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
