package app

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/captionrelay/internal/session"
)

// HealthService is the gRPC health service name that tracks the caption
// session. The empty service name tracks the process.
const HealthService = "captionrelay.session"

// healthServer serves grpc.health.v1 and follows session transitions: the
// session service is NOT_SERVING while reconnecting.
type healthServer struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener
}

func newHealthServer(addr string) *healthServer {
	h := &healthServer{
		addr:   addr,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return h
}

func (h *healthServer) start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	h.ln = ln
	slog.Info("[Health] gRPC health server listening", "addr", ln.Addr().String())
	go func() {
		if err := h.grpc.Serve(ln); err != nil {
			slog.Error("[Health] gRPC server error", "error", err)
		}
	}()
	return nil
}

func (h *healthServer) stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

func (h *healthServer) StateChanged(_, to string) {
	status := healthpb.HealthCheckResponse_SERVING
	if to == session.StateErrorRetrying.String() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
}

func (h *healthServer) EventReported(string) {}
func (h *healthServer) PacketIn(string)      {}
func (h *healthServer) PacketOut(string)     {}
func (h *healthServer) Reconnect(int)        {}
func (h *healthServer) ProtocolError(string) {}

// observers fans controller activity out to several observers.
type observers []session.Observer

func (o observers) StateChanged(from, to string) {
	for _, x := range o {
		x.StateChanged(from, to)
	}
}

func (o observers) EventReported(ev string) {
	for _, x := range o {
		x.EventReported(ev)
	}
}

func (o observers) PacketIn(kind string) {
	for _, x := range o {
		x.PacketIn(kind)
	}
}

func (o observers) PacketOut(method string) {
	for _, x := range o {
		x.PacketOut(method)
	}
}

func (o observers) Reconnect(attempt int) {
	for _, x := range o {
		x.Reconnect(attempt)
	}
}

func (o observers) ProtocolError(code string) {
	for _, x := range o {
		x.ProtocolError(code)
	}
}
