// Package healthsrv exposes a gRPC health endpoint for long simulation runs.
// The health status of ModelService follows the model: serving while steps
// complete, not serving once a step aborts or the run ends.
package healthsrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/signalsfoundry/agentsim/core"
	"github.com/signalsfoundry/agentsim/internal/logging"
	"github.com/signalsfoundry/agentsim/internal/observability"
)

// ModelService is the health service name that tracks the running model.
const ModelService = "agentsim.Model"

const tracerName = "github.com/signalsfoundry/agentsim/internal/healthsrv"

// Options configures a Server.
type Options struct {
	Logger logging.Logger
	// RunID tags request contexts so RPC spans join the run.
	RunID string
	// Metrics, when set, records per-RPC counts and latencies.
	Metrics *observability.RPCCollector
}

// Server is a gRPC server carrying the standard health service and
// reflection. It implements core.EventSink.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logging.Logger

	mu       sync.Mutex
	lastStep uint64
}

var _ core.EventSink = (*Server)(nil)

// New builds a server. ModelService starts out NOT_SERVING until the first
// step begins.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}

	interceptors := []grpc.UnaryServerInterceptor{
		loggerUnaryServerInterceptor(log, opts.RunID),
		tracingUnaryServerInterceptor(),
	}
	if opts.Metrics != nil {
		interceptors = append(interceptors, opts.Metrics.UnaryServerInterceptor())
	}

	gs := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus(ModelService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, log: log}
}

// Listen binds addr and serves in the background. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (s *Server) Listen(ctx context.Context, addr string) (net.Addr, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.log.Error(ctx, "health server exited", logging.Err(err))
		}
	}()
	s.log.Info(ctx, "serving gRPC health", logging.String("addr", lis.Addr().String()))
	return lis.Addr(), nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service as not serving and stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// SetServing overrides the status of ModelService.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ModelService, status)
}

// LastStep returns the number of the most recently completed step.
func (s *Server) LastStep() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStep
}

// StepStarted marks the model as serving.
func (s *Server) StepStarted(context.Context, core.StepStartEvent) {
	s.SetServing(true)
}

// StepEnded records progress, or marks the model not serving when the step
// was aborted.
func (s *Server) StepEnded(_ context.Context, ev core.StepEndEvent) {
	if ev.Aborted {
		s.SetServing(false)
		return
	}
	s.mu.Lock()
	s.lastStep = ev.Step
	s.mu.Unlock()
}

func (s *Server) AgentFaulted(context.Context, *core.FaultError) {}

func (s *Server) Reconciled(context.Context, core.ReconcileEvent) {}

// loggerUnaryServerInterceptor attaches the run id and a per-request logger
// annotated with the method to the context.
func loggerUnaryServerInterceptor(base logging.Logger, runID string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if runID != "" {
			ctx = logging.ContextWithRunID(ctx, runID)
		}
		reqLog := base.With(logging.String("method", info.FullMethod))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Debug(ctx, "rpc failed", logging.Err(err))
		}
		return resp, err
	}
}

// tracingUnaryServerInterceptor enriches the otelgrpc server span with rpc
// attributes, starting one when no stats handler created it.
func tracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, fmt.Sprintf("%s/%s", service, method), trace.WithSpanKind(trace.SpanKindServer))
			created = true
		}
		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if runID := logging.RunIDFromContext(ctx); runID != "" {
			attrs = append(attrs, attribute.String("agentsim.run_id", runID))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}
