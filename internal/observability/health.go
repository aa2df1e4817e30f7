package observability

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker reports readiness over gRPC health and /healthz
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger

	mu         sync.RWMutex
	ready      bool
	kafkaReady bool
	usesKafka  bool
	gateway    func() bool
}

// NewHealthChecker creates a checker that starts ready
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetKafkaReady records Kafka client readiness
func (h *HealthChecker) SetKafkaReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kafkaReady = ready
	h.usesKafka = true
}

// SetGatewayCheck installs the gateway readiness probe. It should return
// true on followers and while the leader's session is up or in maintenance.
func (h *HealthChecker) SetGatewayCheck(check func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gateway = check
}

// Healthy evaluates every readiness condition
func (h *HealthChecker) Healthy() bool {
	h.mu.RLock()
	ready := h.ready
	kafkaOK := !h.usesKafka || h.kafkaReady
	gateway := h.gateway
	h.mu.RUnlock()

	if !ready || !kafkaOK {
		return false
	}
	return gateway == nil || gateway()
}

// Mux returns the HTTP routes: /healthz and, when metrics is set, /metrics
func (h *HealthChecker) Mux(metrics *Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	if metrics != nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// StartHTTPServer serves Mux on addr until Shutdown
func (h *HealthChecker) StartHTTPServer(addr string, metrics *Metrics) error {
	h.mu.Lock()
	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: h.Mux(metrics),
	}
	srv := h.httpServer
	h.mu.Unlock()

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Shutdown marks the node not ready and stops the HTTP server
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	srv := h.httpServer
	h.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.Healthy() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT_READY"))
}
