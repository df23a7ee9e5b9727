package server

import (
	"context"
	"testing"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/hub"
	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/proto"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

// startInMemoryServer launches the server on :0 for benchmarks.
func startInMemoryServer(b *testing.B) (*Server, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New()
	mgr := manager.New(serial.NewLoopback(), manager.WithLogger(logging.Discard()), manager.WithEventHook(h.Broadcast))
	srv := NewServer(WithHub(h), WithSlot(mgr), WithLogger(logging.Discard()))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		b.Fatalf("server not ready")
	}
	return srv, cancel
}

func benchClient(b *testing.B, srv *Server) *testClient {
	return dialAndHandshake(b, context.Background(), srv.Addr())
}

func BenchmarkServerStatus(b *testing.B) {
	srv, cancel := startInMemoryServer(b)
	defer cancel()
	c := benchClient(b, srv)
	defer c.Close()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if resp := c.call(proto.Request{Op: proto.OpStatus}); !resp.OK {
			b.Fatalf("status: %+v", resp.Error)
		}
	}
}

func BenchmarkServerWriteRead(b *testing.B) {
	srv, cancel := startInMemoryServer(b)
	defer cancel()
	c := benchClient(b, srv)
	defer c.Close()
	d := port.Default(serial.LoopbackDevice)
	if resp := c.call(proto.Request{Op: proto.OpConnect, Port: &d}); !resp.OK {
		b.Fatalf("connect: %+v", resp.Error)
	}
	payload := []byte("0123456789abcdef")
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.call(proto.Request{Op: proto.OpWrite, Data: payload})
		if resp := c.call(proto.Request{Op: proto.OpRead, Size: len(payload), TimeoutMS: 1000}); resp.N != len(payload) {
			b.Fatalf("short read %d", resp.N)
		}
	}
}
