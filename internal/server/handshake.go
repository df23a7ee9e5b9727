package server

import (
	"context"
	"net"

	"github.com/kstaniek/go-serialmgr/internal/proto"
)

// Handshake runs the required TCP hello exchange.
func (s *Server) Handshake(ctx context.Context, c net.Conn) error {
	return proto.Handshake(ctx, c, s.handshakeTimeout)
}
