package server

// #region imports
import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/turn-governor/internal/gate"
	"github.com/danielpatrickdp/turn-governor/internal/observability"
	"github.com/danielpatrickdp/turn-governor/internal/orchestrator"
	"github.com/danielpatrickdp/turn-governor/internal/quality"
	"github.com/danielpatrickdp/turn-governor/internal/release"
)

// #endregion

// #region server-struct

// Server exposes the governor over gRPC. Release operations are unavailable
// when no release controller is wired.
type Server struct {
	orch    *orchestrator.Orchestrator
	release *release.Controller
	logger  *slog.Logger
	metrics *observability.Metrics

	grpcServer *grpc.Server
	health     *health.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics wires Prometheus counters.
func WithMetrics(m *observability.Metrics) Option { return func(s *Server) { s.metrics = m } }

// #endregion

// #region constructor

// New builds the gRPC server and registers the governor and health services.
func New(orch *orchestrator.Orchestrator, rel *release.Controller, opts ...Option) *Server {
	s := &Server{orch: orch, release: rel}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = observability.OrNop(s.logger)

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.intercept))
	s.grpcServer.RegisterService(&serviceDesc, s)

	s.health = health.NewServer()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s
}

// #endregion

// #region lifecycle

// Serve accepts connections on lis. Blocks until stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("[SERVER] listening", "addr", lis.Addr().String())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// GracefulStop marks the service not serving and drains in-flight RPCs.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Reload applies hot-reloadable settings: gate config and quality thresholds.
// Weights are reloaded through the registry, never here.
func (s *Server) Reload(gateConfig gate.Config, thresholds quality.Thresholds) {
	s.orch.Gate().SetConfig(gateConfig)
	s.orch.Scorer().SetThresholds(thresholds)
	s.logger.Info("[SERVER] config reloaded",
		"classifier_enabled", gateConfig.ClassifierEnabled,
		"low_tqs", thresholds.LowTQS,
		"high_kgs", thresholds.HighKGS)
}

// #endregion

// #region interceptor

func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := path.Base(info.FullMethod)
	code := status.Code(err)
	s.metrics.IncRPC(method, code.String())
	if err != nil {
		s.logger.Warn("[SERVER] rpc failed", "method", method, "code", code.String(), "err", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return resp, err
	}
	s.logger.Debug("[SERVER] rpc", "method", method, "elapsed_ms", time.Since(start).Milliseconds())
	return resp, nil
}

// #endregion
