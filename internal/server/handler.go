package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/metrics"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/proto"
)

const defaultReadSize = 4096

// handle runs one request against the slot.
func (s *Server) handle(ctx context.Context, req proto.Request, logger *slog.Logger) proto.Response {
	s.totalRequests.Add(1)
	if slices.Contains(proto.Ops, req.Op) {
		metrics.IncRequest(req.Op)
	} else {
		metrics.IncRequest("unknown")
	}
	resp := proto.Response{ID: req.ID}
	var err error
	switch req.Op {
	case proto.OpList:
		resp.Ports, err = s.Slot.List()
	case proto.OpPorts:
		resp.Details, err = s.Slot.Ports()
	case proto.OpStatus:
		var d port.Descriptor
		d, resp.Connected, err = s.Slot.Status()
		if resp.Connected {
			resp.Port = &d
		}
	case proto.OpConnect:
		if req.Port == nil {
			err = fmt.Errorf("%w: connect needs a port", ErrProtocol)
			break
		}
		d := *req.Port
		if err = s.Slot.Connect(d); err == nil {
			resp.Connected = true
			resp.Port = &d
		}
	case proto.OpDisconnect:
		err = s.Slot.Disconnect()
	case proto.OpWrite:
		resp.N, err = s.Slot.Write(req.Data, req.MaxRetries)
	case proto.OpRead:
		size := req.Size
		if size <= 0 {
			size = defaultReadSize
		}
		size = min(size, s.maxReadSize)
		timeout := min(time.Duration(req.TimeoutMS)*time.Millisecond, s.maxReadTimeout)
		buf := make([]byte, size)
		resp.N, err = s.Slot.ReadContext(ctx, buf, timeout)
		resp.Data = buf[:resp.N]
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrProtocol, req.Op)
	}
	if err != nil {
		s.totalRequestErrors.Add(1)
		resp.Error = proto.ErrorFrom(err)
		if errors.Is(err, ErrProtocol) {
			resp.Error.Kind = metrics.ErrProtocol
			metrics.IncError(metrics.ErrProtocol)
		}
		logger.Debug("request_error", "id", req.ID, "op", req.Op, "kind", resp.Error.Kind, "error", err)
		return resp
	}
	resp.OK = true
	logger.Debug("request_ok", "id", req.ID, "op", req.Op)
	return resp
}
