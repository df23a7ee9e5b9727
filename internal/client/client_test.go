package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/hub"
	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/proto"
	"github.com/kstaniek/go-serialmgr/internal/serial"
	"github.com/kstaniek/go-serialmgr/internal/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.New()
	mgr := manager.New(serial.NewLoopback("COM3", "COM4"),
		manager.WithLogger(logging.Discard()),
		manager.WithPollInterval(5*time.Millisecond),
		manager.WithEventHook(h.Broadcast))
	srv := server.NewServer(server.WithHub(h), server.WithSlot(mgr), server.WithLogger(logging.Discard()))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server not ready")
	}
	return srv.Addr()
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, WithTimeout(2*time.Second), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientRoundTrip(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)
	ctx := context.Background()

	ports, err := c.List(ctx)
	if err != nil || len(ports) != 2 || ports[1].Name != "COM4" {
		t.Fatalf("list = %v, %v", ports, err)
	}
	details, err := c.Ports(ctx)
	if err != nil || len(details) != 2 || details[0].Description != "loopback" {
		t.Fatalf("ports = %v, %v", details, err)
	}
	if _, ok, err := c.Status(ctx); err != nil || ok {
		t.Fatalf("status before connect: ok=%v err=%v", ok, err)
	}
	d, err := port.New("COM3", 115200, port.WithParity(port.ParityEven))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, d); err != nil {
		t.Fatalf("connect: %v", err)
	}
	got, ok, err := c.Status(ctx)
	if err != nil || !ok || got != d {
		t.Fatalf("status = %v %v %v", got, ok, err)
	}
	if n, err := c.Write(ctx, []byte("hello"), 2); err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	data, err := c.Read(ctx, 3, time.Second)
	if err != nil || string(data) != "hel" {
		t.Fatalf("read = %q, %v", data, err)
	}
	data, err = c.Read(ctx, 16, time.Second)
	if err != nil || string(data) != "lo" {
		t.Fatalf("second read = %q, %v", data, err)
	}
	if _, err := c.Read(ctx, 16, 30*time.Millisecond); !errors.Is(err, manager.ErrTimedOut) {
		t.Fatalf("expected timed out, got %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(ctx); !errors.Is(err, manager.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestClientSeesOtherClientsEvents(t *testing.T) {
	addr := startServer(t)
	a := dial(t, addr)
	b := dial(t, addr)
	ctx := context.Background()

	// status round trip guarantees b is registered with the hub
	if _, _, err := b.Status(ctx); err != nil {
		t.Fatal(err)
	}
	d := port.Default("COM4")
	if err := a.Connect(ctx, d); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case ev := <-b.Events():
		if ev.Kind != manager.EventConnected || ev.Port != d {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	err := b.Connect(ctx, port.Default("COM3"))
	if !errors.Is(err, manager.ErrAlreadyConnected) {
		t.Fatalf("expected already connected, got %v", err)
	}
}

func TestClientClose(t *testing.T) {
	addr := startServer(t)
	c, err := Dial(context.Background(), addr, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.List(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-c.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}

func TestDialRetriesThenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	start := time.Now()
	_, err = Dial(context.Background(), addr, WithDialRetries(2), WithTimeout(200*time.Millisecond), WithLogger(logging.Discard()))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if el := time.Since(start); el < 2*dialRetryDelay {
		t.Fatalf("returned after %s; retries not applied", el)
	}
}

func TestDialRejectsBadHello(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("NOTSERIALv1"))
		time.Sleep(200 * time.Millisecond)
	}()
	if _, err := Dial(context.Background(), ln.Addr().String(), WithTimeout(time.Second), WithLogger(logging.Discard())); !errors.Is(err, proto.ErrBadHello) {
		t.Fatalf("expected bad hello, got %v", err)
	}
}
