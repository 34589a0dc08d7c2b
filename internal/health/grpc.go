package health

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCService probes a server implementing the standard gRPC health
// protocol. Stop drops the connection; the next probe reconnects.
type GRPCService struct {
	Target  string
	Service string

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCService returns a probe for service at target (host:port).
// An empty service checks the server as a whole.
func NewGRPCService(target, service string) *GRPCService {
	return &GRPCService{Target: target, Service: service}
}

func (g *GRPCService) client() (healthpb.HealthClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		conn, err := grpc.NewClient(g.Target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, err
		}
		g.conn = conn
	}
	return healthpb.NewHealthClient(g.conn), nil
}

func (g *GRPCService) HealthCheck(ctx context.Context) (Result, error) {
	hc, err := g.client()
	if err != nil {
		return Result{}, err
	}
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return Result{}, err
	}
	status := resp.GetStatus()
	switch status {
	case healthpb.HealthCheckResponse_SERVING:
		return Result{Healthy: true, Detail: status.String()}, nil
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return Result{Healthy: false, Detail: status.String()}, nil
	}
	return Result{Healthy: true, Degraded: true, Detail: status.String()}, nil
}

func (g *GRPCService) Start(context.Context) error { return nil }

func (g *GRPCService) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	return err
}
