package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/hub"
	"github.com/kstaniek/go-serialmgr/internal/metrics"
	"github.com/kstaniek/go-serialmgr/internal/proto"
)

// pipelineDepth is how many decoded requests may wait behind the one being
// handled before the reader stops draining the socket.
const pipelineDepth = 16

// job is one decoded line: a request, or the decode error to answer with.
type job struct {
	req proto.Request
	err error
}

// startReader decodes requests and queues them for the handler. It keeps
// reading while a request runs, so a client that hangs up mid-read closes
// the session and cancels the slot call at once.
func (s *Server) startReader(conn net.Conn, cl *hub.Client, jobs chan<- job, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			close(jobs)
			_ = conn.Close()
			cl.Close()
		}()
		dec := proto.NewDecoder(conn)
		queue := func(j job) bool {
			select {
			case jobs <- j:
				return true
			case <-cl.Closed:
				return false
			}
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			req, err := dec.DecodeRequest()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					logger.Info("client_idle_timeout", "after", s.readDeadline)
					return
				}
				if errors.Is(err, proto.ErrMalformed) {
					logger.Debug("request_malformed", "error", err)
					if !queue(job{err: err}) {
						return
					}
					continue
				}
				// The decoder already counted oversized lines.
				wrap := fmt.Errorf("%w: %v", ErrProtocol, err)
				if !errors.Is(err, proto.ErrLineTooLong) {
					wrap = fmt.Errorf("%w: %v", ErrConnRead, err)
					metrics.IncError(mapErrToMetric(wrap))
				}
				s.setError(wrap)
				logger.Warn("client_read_error", "error", wrap)
				return
			}
			if !queue(job{req: req}) {
				return
			}
		}
	}()
}

// startHandler runs queued requests against the slot one at a time and
// hands each response to the writer. ctx ends with the session.
func (s *Server) startHandler(ctx context.Context, cl *hub.Client, jobs <-chan job, out chan<- any, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for j := range jobs {
			var resp proto.Response
			if j.err != nil {
				resp = proto.Response{Error: &proto.Error{Kind: metrics.ErrProtocol, Message: j.err.Error()}}
			} else {
				resp = s.handle(ctx, j.req, logger)
			}
			select {
			case out <- resp:
			case <-cl.Closed:
				return
			}
		}
	}()
}
