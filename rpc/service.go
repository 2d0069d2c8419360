package rpc

import (
	"context"
	"fmt"
)

// Service is a proxy to a service implemented by the peer of a connection.
type Service struct {
	def  *Definition
	conn *Connection
}

func (s *Service) Name() string { return s.def.Name }

// Connection returns the connection the proxy was resolved through.
func (s *Service) Connection() *Connection { return s.conn }

// Call invokes a method of the service.
// Services declared with an explicit method list reject other methods without a round trip.
func (s *Service) Call(ctx context.Context, method string, params any, result any) error {
	if len(s.def.Methods) > 0 && !s.def.HasMethod(method) {
		return fmt.Errorf("%w %q on service %q", ErrUnknownMethod, method, s.def.Name)
	}
	return s.conn.Call(ctx, s.def.Name, method, params, result)
}

func (s *Service) Notify(ctx context.Context, method string, params any) error {
	if len(s.def.Methods) > 0 && !s.def.HasMethod(method) {
		return fmt.Errorf("%w %q on service %q", ErrUnknownMethod, method, s.def.Name)
	}
	return s.conn.Notify(ctx, s.def.Name, method, params)
}
