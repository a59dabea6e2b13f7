// Package grpcapi exposes the standard gRPC health service. Each upstream
// stream is a named service; the empty name reports the gateway as a whole.
package grpcapi

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/qtmspin/alpaca-api-service-sub000/internal/events"
	"github.com/qtmspin/alpaca-api-service-sub000/internal/stream"
)

// Server serves health checks that follow the bus connection status.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	bus    *events.Bus
	token  events.Token
	log    *slog.Logger
}

func NewServer(bus *events.Bus, initial events.ConnectionStatus, logger *slog.Logger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		bus:    bus,
		log:    logger.With("component", "grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.apply(initial)
	s.token = bus.Subscribe(events.Topic{Channel: events.ChannelStatus, Symbol: events.AnySymbol}, func(ev events.Event) {
		if st, ok := ev.(events.ConnectionStatus); ok {
			s.apply(st)
		}
	})
	return s
}

// apply maps an authenticated stream to SERVING and anything else to
// NOT_SERVING. The overall service needs both.
func (s *Server) apply(st events.ConnectionStatus) {
	s.health.SetServingStatus(string(stream.MarketData), servingStatus(st.MarketData.Authenticated))
	s.health.SetServingStatus(string(stream.TradingEvents), servingStatus(st.TradingEvents.Authenticated))
	s.health.SetServingStatus("", servingStatus(st.MarketData.Authenticated && st.TradingEvents.Authenticated))
}

func servingStatus(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve blocks until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(lis)
}

func (s *Server) Stop() {
	s.bus.Unsubscribe(s.token)
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
