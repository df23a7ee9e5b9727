package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/hub"
	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/serial"
	"github.com/kstaniek/go-serialmgr/internal/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.New()
	mgr := manager.New(serial.NewLoopback("COM3"),
		manager.WithLogger(logging.Discard()),
		manager.WithPollInterval(5*time.Millisecond),
		manager.WithEventHook(h.Broadcast))
	srv := server.NewServer(server.WithListenAddr("127.0.0.1:0"), server.WithHub(h), server.WithSlot(mgr), server.WithLogger(logging.Discard()))
	go func() { _ = srv.Serve(ctx) }()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server not ready")
	}
	return srv.Addr()
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSerialctlSession(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	addr := startServer(t)
	a := "--addr=" + addr

	steps := []struct {
		args  []string
		stdin string
		want  string
	}{
		{[]string{"list", a}, "", "COM3 9600 8N1 flow=none"},
		{[]string{"ports", a, "--table"}, "", "loopback"},
		{[]string{"status", a}, "", "disconnected"},
		{[]string{"connect", "COM3:115200", a, "--parity", "even"}, "", "connected COM3 115200 8E1 flow=none"},
		{[]string{"status", a}, "", "connected COM3 115200 8E1"},
		{[]string{"write", "4f4b", "--hex", a}, "", "wrote 2 bytes"},
		{[]string{"read", a, "--hex"}, "", "4f4b"},
		{[]string{"write", a, "--newline"}, "PING\n", "wrote 6 bytes"},
		{[]string{"read", a}, "", "PING\r\n"},
		{[]string{"disconnect", a}, "", "disconnected"},
	}
	for _, st := range steps {
		out, err := run(t, st.stdin, st.args...)
		if err != nil {
			t.Fatalf("%v: %v", st.args, err)
		}
		if !strings.Contains(out, st.want) {
			t.Fatalf("%v: output %q does not contain %q", st.args, out, st.want)
		}
	}
}

func TestSerialctlErrorsCarryKind(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	addr := startServer(t)
	_, err := run(t, "", "disconnect", "--addr="+addr)
	if !errors.Is(err, manager.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	_, err = run(t, "", "read", "--addr="+addr, "--wait=10ms")
	if !errors.Is(err, manager.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if _, err := run(t, "", "connect", "COM3", "--addr="+addr, "--stop-bits", "3"); err == nil {
		t.Fatal("expected invalid descriptor error")
	}
	if _, err := run(t, "", "write", "zz", "--hex", "--addr="+addr); err == nil {
		t.Fatal("expected hex error")
	}
}

func TestSerialctlAddrFromEnvAndConfig(t *testing.T) {
	addr := startServer(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	t.Setenv("SERIALCTL_ADDR", addr)
	if out, err := run(t, "", "status"); err != nil || !strings.Contains(out, "disconnected") {
		t.Fatalf("env addr: %q %v", out, err)
	}

	t.Setenv("SERIALCTL_ADDR", "")
	os.Unsetenv("SERIALCTL_ADDR")
	cfg := filepath.Join(home, ".serialctl.yaml")
	if err := os.WriteFile(cfg, []byte("addr: \""+addr+"\"\ntimeout: 2s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if out, err := run(t, "", "status"); err != nil || !strings.Contains(out, "disconnected") {
		t.Fatalf("config addr: %q %v", out, err)
	}
	if _, err := run(t, "", "status", "--config", filepath.Join(home, "missing.yaml")); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}

func TestPayload(t *testing.T) {
	got, err := payload("48 65", true, true)
	if err != nil || string(got) != "He\r\n" {
		t.Fatalf("payload = %q, %v", got, err)
	}
	if _, err := payload("4", true, false); err == nil {
		t.Fatal("odd hex accepted")
	}
}

type shortWriter struct {
	chunk int
	got   []byte
	calls int
}

func (w *shortWriter) Write(_ context.Context, data []byte, _ int) (int, error) {
	w.calls++
	n := min(w.chunk, len(data))
	w.got = append(w.got, data[:n]...)
	return n, nil
}

func TestWriteAllResubmitsTail(t *testing.T) {
	w := &shortWriter{chunk: 3}
	n, err := writeAll(context.Background(), w, []byte("abcdefgh"), 0)
	if err != nil || n != 8 || string(w.got) != "abcdefgh" || w.calls != 3 {
		t.Fatalf("n=%d err=%v got=%q calls=%d", n, err, w.got, w.calls)
	}
	n, err = writeAll(context.Background(), &shortWriter{}, []byte("x"), 0)
	if n != 0 || !errors.Is(err, errStalled) {
		t.Fatalf("expected stalled, got %d %v", n, err)
	}
}
