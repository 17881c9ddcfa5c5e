package ingest

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService gRPC 健康检查中接收端的服务名
const HealthService = "liveuplink.ingest"

// grpcHealth 只暴露标准健康检查和反射，供编排系统探活
type grpcHealth struct {
	server *grpc.Server
	health *health.Server
}

func newGRPCHealth() *grpcHealth {
	server := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	// 启用反射服务（用于调试）
	reflection.Register(server)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return &grpcHealth{server: server, health: hs}
}

func (g *grpcHealth) serve(ln net.Listener) error {
	return g.server.Serve(ln)
}

// shutdown 先把状态切到 NOT_SERVING，探针在连接断开前就能感知
func (g *grpcHealth) shutdown() {
	g.health.Shutdown()
}

func (g *grpcHealth) stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.server.Stop()
	}
}
