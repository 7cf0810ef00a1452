// Package statusserver exposes a running simulation over HTTP (metrics,
// probes and node snapshots) and the standard gRPC health service.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/vanet-simulator/internal/authority"
	"github.com/signalsfoundry/vanet-simulator/internal/logging"
	"github.com/signalsfoundry/vanet-simulator/internal/observability"
	"github.com/signalsfoundry/vanet-simulator/internal/vehicle"
)

// ServiceName is the gRPC health service name reporting simulation state.
const ServiceName = "vanet.Simulation"

// Config holds the listen addresses. An empty address disables that server.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	HTTPAddr string `mapstructure:"http-addr"`
	GRPCAddr string `mapstructure:"grpc-addr"`
}

// Source is the read side of a running scenario.
type Source interface {
	Nodes() []vehicle.Snapshot
	Authorities() []authority.State
	TrustCounts() map[string]int
}

// Server serves the HTTP status API and gRPC health.
type Server struct {
	cfg       Config
	src       Source
	collector *observability.ReportCollector
	log       logging.Logger

	ready  atomic.Bool
	health *health.Server
	grpc   *grpc.Server
	router *mux.Router
}

// New builds the status server. collector may be nil, in which case
// /metrics serves the default Prometheus gatherer.
func New(cfg Config, src Source, collector *observability.ReportCollector, log logging.Logger) (*Server, error) {
	if src == nil {
		return nil, fmt.Errorf("status source is nil")
	}
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		cfg:       cfg,
		src:       src,
		collector: collector,
		log:       log.With(logging.String("component", "statusserver")),
		health:    health.NewServer(),
	}

	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestLoggerUnaryServerInterceptor(s.log),
			TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetReady(false)

	s.router = s.newRouter()
	return s, nil
}

// SetReady flips readiness for /readyz and the gRPC health service.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

// GRPCServer returns the gRPC server with health registered.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	metrics := s.collector.Handler()

	r.Handle("/metrics", metrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id:[0-9]+}", s.handleNode).Methods(http.MethodGet)
	api.HandleFunc("/authorities", s.handleAuthorities).Methods(http.MethodGet)
	return r
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.src.Nodes())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	for _, n := range s.src.Nodes() {
		if n.ID == id {
			s.writeJSON(w, r, http.StatusOK, n)
			return
		}
	}
	http.Error(w, fmt.Sprintf("node %d not found", id), http.StatusNotFound)
}

type authoritiesResponse struct {
	Roadside []authority.State `json:"roadside"`
	Trust    map[string]int    `json:"trust"`
}

func (s *Server) handleAuthorities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, authoritiesResponse{
		Roadside: s.src.Authorities(),
		Trust:    s.src.TrustCounts(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn(r.Context(), "write response failed", logging.String("path", r.URL.Path), logging.Err(err))
	}
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var httpLis, grpcLis net.Listener
	var err error
	if s.cfg.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", s.cfg.HTTPAddr); err != nil {
			return fmt.Errorf("listen http %s: %w", s.cfg.HTTPAddr, err)
		}
	}
	if s.cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			if httpLis != nil {
				_ = httpLis.Close()
			}
			return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr, err)
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on the given listeners until ctx is done. A nil listener
// skips that server.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if httpLis != nil {
		srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.log.Info(ctx, "serving status HTTP", logging.String("addr", httpLis.Addr().String()))
			if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if grpcLis != nil {
		g.Go(func() error {
			s.log.Info(ctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
			if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("status grpc: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			s.health.Shutdown()
			s.grpc.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}
