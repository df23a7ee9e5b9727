package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/hub"
	"github.com/kstaniek/go-serialmgr/internal/metrics"
	"github.com/kstaniek/go-serialmgr/internal/proto"
)

// startWriter launches the goroutine that owns all writes to one client:
// request responses and hub events are interleaved on the same stream.
func (s *Server) startWriter(ctx context.Context, conn net.Conn, cl *hub.Client, in <-chan any, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.forget(cl)
			s.totalDisconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		send := func(v any) error {
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
			if err := proto.Encode(conn, v); err != nil {
				wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Debug("client_write_error", "error", wrap)
				return wrap
			}
			return nil
		}
		for {
			select {
			case v := <-in:
				if err := send(v); err != nil {
					return
				}
			case ev := <-cl.Out:
				if err := send(proto.Response{OK: true, Event: &ev}); err != nil {
					return
				}
			case <-cl.Closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}
