package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer returns a gRPC server instrumented with otelgrpc, plus the health server
// registered on it. Status is published by the caller (see health/handler.Checker.Watch).
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	RegisterServices(s, hs)
	return s, hs
}

// RegisterServices registers the worker's gRPC services with s.
//
//   - grpc.health.v1.Health → hs
func RegisterServices(s grpc.ServiceRegistrar, hs healthpb.HealthServer) {
	healthpb.RegisterHealthServer(s, hs)
}
