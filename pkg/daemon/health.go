package daemon

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"
)

// healthServer serves the standard gRPC health service. The overall status
// and the bus name's status follow the daemon lifecycle.
type healthServer struct {
	endpoint string
	srv      *grpc.Server
	status   *health.Server
}

func newHealthServer(endpoint string) *healthServer {
	h := &healthServer{
		endpoint: endpoint,
		srv:      grpc.NewServer(grpc.UnaryInterceptor(logGRPC)),
		status:   health.NewServer(),
	}
	h.setServing(false)
	healthpb.RegisterHealthServer(h.srv, h.status)
	return h
}

// listen parses a unix:// or tcp:// endpoint and opens its listener.
func (h *healthServer) listen() (net.Listener, error) {
	u, err := url.Parse(h.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}

	var addr string
	switch u.Scheme {
	case "unix":
		addr = u.Path
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(addr), 0750); err != nil {
			return nil, fmt.Errorf("failed to create socket directory: %w", err)
		}
	case "tcp":
		addr = u.Host
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", u.Scheme)
	}

	lis, err := net.Listen(u.Scheme, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return lis, nil
}

func (h *healthServer) serve(lis net.Listener) error {
	klog.Infof("Health service listening on %s", h.endpoint)
	if err := h.srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (h *healthServer) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus("", status)
	h.status.SetServingStatus(Name, status)
}

func (h *healthServer) stop() {
	h.status.Shutdown()
	h.srv.GracefulStop()
}

// logGRPC is a gRPC interceptor for logging
func logGRPC(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	klog.V(4).Infof("gRPC call: %s", info.FullMethod)
	resp, err := handler(ctx, req)
	if err != nil {
		klog.Warningf("gRPC call %s failed: %v", info.FullMethod, err)
	}
	return resp, err
}
