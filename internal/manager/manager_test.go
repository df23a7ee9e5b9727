package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func newTestManager(drv serial.Driver, opts ...Option) (*Manager, *fakeClock) {
	m := New(drv, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m.now = clk.now
	m.sleep = clk.sleep
	return m, clk
}

func mustConnect(t *testing.T, m *Manager, name string) port.Descriptor {
	t.Helper()
	d := port.Default(name)
	if err := m.Connect(d); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	return d
}

func TestListReportsDefaultFraming(t *testing.T) {
	drv := &fakeDriver{}
	m, _ := newTestManager(drv)
	got, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", got)
	}

	drv.ports = []serial.PortInfo{{Name: "/dev/ttyUSB0"}, {Name: "COM3"}}
	got, err = m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(got))
	}
	for i, d := range got {
		if d != port.Default(drv.ports[i].Name) {
			t.Fatalf("descriptor %d: %+v", i, d)
		}
		if d.Speed != 9600 || d.Framing() != "8N1" || d.FlowControl != port.FlowNone {
			t.Fatalf("unexpected framing %s", d)
		}
	}
}

func TestListEnumerationFailed(t *testing.T) {
	m, _ := newTestManager(&fakeDriver{enumErr: errors.New("no sysfs")})
	if _, err := m.List(); !errors.Is(err, ErrEnumerationFailed) {
		t.Fatalf("expected ErrEnumerationFailed, got %v", err)
	}
	if _, err := m.Ports(); !errors.Is(err, ErrEnumerationFailed) {
		t.Fatalf("expected ErrEnumerationFailed from Ports, got %v", err)
	}
}

func TestConnectOpensConfiguresAndFlushes(t *testing.T) {
	drv := &fakeDriver{}
	m, _ := newTestManager(drv)
	d := mustConnect(t, m, "/dev/ttyUSB0")
	h := drv.lastHandle()
	if fmt.Sprint(h.calls) != "[configure flush]" {
		t.Fatalf("unexpected call order %v", h.calls)
	}
	got, ok, err := m.Status()
	if err != nil || !ok || got != d {
		t.Fatalf("Status = %+v %v %v", got, ok, err)
	}
}

func TestConnectTwiceKeepsOriginal(t *testing.T) {
	drv := &fakeDriver{}
	m, _ := newTestManager(drv)
	first := mustConnect(t, m, "/dev/ttyUSB0")
	h := drv.lastHandle()

	other, _ := port.New("/dev/ttyUSB1", 115200)
	if err := m.Connect(other); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := m.Connect(first); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected for same descriptor, got %v", err)
	}
	if drv.opens.Load() != 1 {
		t.Fatalf("second connect opened a device (%d opens)", drv.opens.Load())
	}
	if h.closes != 0 {
		t.Fatal("original connection was closed")
	}
	if got, ok, _ := m.Status(); !ok || got != first {
		t.Fatalf("slot changed to %+v", got)
	}
	if _, err := m.Write([]byte("x"), 0); err != nil || h.writeCalls != 1 {
		t.Fatalf("original connection unusable: %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	tests := []struct {
		name       string
		drv        *fakeDriver
		desc       port.Descriptor
		wantOpens  int32
		wantClosed bool
	}{
		{"open", &fakeDriver{openErr: errBusy}, port.Default("COM1"), 1, false},
		{"configure", &fakeDriver{configureErr: errors.New("bad baud")}, port.Default("COM1"), 1, true},
		{"flush", &fakeDriver{flushErr: errors.New("io")}, port.Default("COM1"), 1, true},
		{"flushAndClose", &fakeDriver{flushErr: errors.New("io"), closeErr: errors.New("ebadf")}, port.Default("COM1"), 1, true},
		{"invalid", &fakeDriver{}, port.Descriptor{Name: "COM1"}, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestManager(tc.drv)
			err := m.Connect(tc.desc)
			if !errors.Is(err, ErrConnectionRefused) {
				t.Fatalf("expected ErrConnectionRefused, got %v", err)
			}
			if tc.drv.opens.Load() != tc.wantOpens {
				t.Fatalf("opens = %d want %d", tc.drv.opens.Load(), tc.wantOpens)
			}
			if h := tc.drv.lastHandle(); tc.wantClosed && (h == nil || h.closes != 1) {
				t.Fatalf("half-open handle not closed")
			}
			if _, ok, _ := m.Status(); ok {
				t.Fatal("slot not empty after refused connect")
			}
			if err := m.Disconnect(); !errors.Is(err, ErrNotConnected) {
				t.Fatalf("expected empty slot, got %v", err)
			}
		})
	}
}

func TestConnectRefusedCarriesDiagnostic(t *testing.T) {
	m, _ := newTestManager(&fakeDriver{openErr: errBusy})
	err := m.Connect(port.Default("COM1"))
	if err == nil || !strings.Contains(err.Error(), "device busy") {
		t.Fatalf("diagnostic lost: %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	drv := &fakeDriver{closeErr: errors.New("close warning")}
	m, _ := newTestManager(drv)
	if err := m.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	mustConnect(t, m, "COM3")
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect should succeed despite close error: %v", err)
	}
	if h := drv.lastHandle(); h.closes != 1 {
		t.Fatalf("close called %d times", h.closes)
	}
	if _, ok, _ := m.Status(); ok {
		t.Fatal("slot not empty after disconnect")
	}
	if err := m.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	// The slot can be reused.
	mustConnect(t, m, "COM3")
}

func TestEventHook(t *testing.T) {
	var events []Event
	drv := &fakeDriver{}
	m, _ := newTestManager(drv, WithEventHook(func(e Event) { events = append(events, e) }))
	d := mustConnect(t, m, "COM3")
	_ = m.Connect(d)
	_ = m.Disconnect()
	_ = m.Disconnect()
	if len(events) != 2 || events[0].Kind != EventConnected || events[1].Kind != EventDisconnected || events[1].Port != d {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestWriteNotConnected(t *testing.T) {
	drv := &fakeDriver{}
	m, _ := newTestManager(drv)
	if _, err := m.Write([]byte("PING"), 3); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if drv.opens.Load() != 0 {
		t.Fatal("write touched the driver")
	}
}

func TestWriteRetries(t *testing.T) {
	transient := fmt.Errorf("eagain: %w", serial.ErrWouldBlock)
	tests := []struct {
		name         string
		failures     int
		maxRetries   int
		wantAttempts int
		wantErr      bool
	}{
		{"firstTry", 0, 0, 1, false},
		{"noRetriesFails", 1, 0, 1, true},
		{"secondTry", 1, 3, 2, false},
		{"lastTry", 3, 3, 4, false},
		{"exhausted", 10, 3, 4, true},
		{"negativeRetries", 5, -2, 1, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			drv := &fakeDriver{}
			for i := 0; i < tc.failures; i++ {
				drv.writes = append(drv.writes, writeResult{0, transient})
			}
			drv.writes = append(drv.writes, writeResult{4, nil})
			if tc.failures >= tc.wantAttempts {
				drv.writes = drv.writes[:tc.failures]
			}
			m, _ := newTestManager(drv)
			mustConnect(t, m, "COM3")
			n, err := m.Write([]byte("PING"), tc.maxRetries)
			h := drv.lastHandle()
			if h.writeCalls != tc.wantAttempts {
				t.Fatalf("attempts = %d want %d", h.writeCalls, tc.wantAttempts)
			}
			if tc.wantErr {
				if !errors.Is(err, ErrWriteFailed) || !strings.Contains(err.Error(), "would block") {
					t.Fatalf("expected ErrWriteFailed wrapping last error, got %v", err)
				}
				return
			}
			if err != nil || n != 4 {
				t.Fatalf("Write = %d, %v", n, err)
			}
		})
	}
}

func TestWritePartialCountIsReturned(t *testing.T) {
	drv := &fakeDriver{writes: []writeResult{{2, nil}}}
	m, _ := newTestManager(drv)
	mustConnect(t, m, "COM3")
	n, err := m.Write([]byte("PING"), 5)
	if err != nil || n != 2 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if drv.lastHandle().writeCalls != 1 {
		t.Fatal("remainder was resubmitted")
	}
}

func TestWriteZeroLength(t *testing.T) {
	drv := &fakeDriver{}
	m, _ := newTestManager(drv)
	mustConnect(t, m, "COM3")
	if n, err := m.Write(nil, 0); err != nil || n != 0 {
		t.Fatalf("Write(nil) = %d, %v", n, err)
	}
}

func TestWriteBackoffDelay(t *testing.T) {
	drv := &fakeDriver{writes: []writeResult{{0, serial.ErrWouldBlock}}}
	m, _ := newTestManager(drv, WithWriteBackoff(5*time.Millisecond))
	mustConnect(t, m, "COM3")
	start := time.Now()
	if _, err := m.Write([]byte("x"), 2); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if el := time.Since(start); el < 10*time.Millisecond {
		t.Fatalf("backoff not applied, elapsed %v", el)
	}
}

func TestReadNotConnected(t *testing.T) {
	m, _ := newTestManager(&fakeDriver{})
	if _, err := m.Read(make([]byte, 8), time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReadReturnsPromptly(t *testing.T) {
	drv := &fakeDriver{reads: []readResult{{avail: 4, data: []byte("PONG")}}}
	m, clk := newTestManager(drv)
	mustConnect(t, m, "COM3")
	buf := make([]byte, 16)
	n, err := m.Read(buf, 10*time.Second)
	if err != nil || string(buf[:n]) != "PONG" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if len(clk.sleeps) != 0 {
		t.Fatalf("read slept %v before returning available data", clk.sleeps)
	}
}

func TestReadTimeoutBounds(t *testing.T) {
	for _, timeout := range []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond, 350 * time.Millisecond, time.Second} {
		t.Run(timeout.String(), func(t *testing.T) {
			drv := &fakeDriver{}
			m, clk := newTestManager(drv)
			mustConnect(t, m, "COM3")
			start := clk.t
			_, err := m.Read(make([]byte, 8), timeout)
			if !errors.Is(err, ErrTimedOut) {
				t.Fatalf("expected ErrTimedOut, got %v", err)
			}
			el := clk.t.Sub(start)
			if el < timeout || el > timeout+DefaultPollInterval {
				t.Fatalf("elapsed %v outside [%v, %v]", el, timeout, timeout+DefaultPollInterval)
			}
			if drv.lastHandle().polls < 1 {
				t.Fatal("device never polled")
			}
			for _, s := range clk.sleeps {
				if s > DefaultPollInterval {
					t.Fatalf("slept %v, longer than the poll interval", s)
				}
			}
		})
	}
}

func TestReadToleratesZeroByteRead(t *testing.T) {
	drv := &fakeDriver{reads: []readResult{
		{avail: 0},
		{avail: 1, data: nil},
		{avail: 3, data: []byte("abc")},
	}}
	m, clk := newTestManager(drv, WithPollInterval(20*time.Millisecond))
	mustConnect(t, m, "COM3")
	buf := make([]byte, 8)
	n, err := m.Read(buf, time.Second)
	if err != nil || string(buf[:n]) != "abc" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if len(clk.sleeps) != 2 || clk.sleeps[0] != 20*time.Millisecond {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
}

func TestReadHardFailure(t *testing.T) {
	drv := &fakeDriver{reads: []readResult{{err: errors.New("EIO")}}}
	m, _ := newTestManager(drv)
	mustConnect(t, m, "COM3")
	if _, err := m.Read(make([]byte, 8), time.Second); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
	if _, ok, _ := m.Status(); !ok {
		t.Fatal("read failure must not empty the slot")
	}
}

func TestReadContextCancel(t *testing.T) {
	m := New(&fakeDriver{}, WithLogger(logging.Discard()), WithPollInterval(5*time.Millisecond))
	mustConnect(t, m, "COM3")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := m.ReadContext(ctx, make([]byte, 8), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not stop the poll loop")
	}
}

func TestReadRealClockTimeout(t *testing.T) {
	m := New(&fakeDriver{}, WithLogger(logging.Discard()), WithPollInterval(10*time.Millisecond))
	mustConnect(t, m, "COM3")
	start := time.Now()
	_, err := m.Read(make([]byte, 8), 30*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if el := time.Since(start); el < 30*time.Millisecond {
		t.Fatalf("timed out early after %v", el)
	}
}

func TestPanicPoisonsSlot(t *testing.T) {
	drv := &fakeDriver{}
	m, _ := newTestManager(drv, WithEventHook(func(Event) { panic("observer bug") }))
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = m.Connect(port.Default("COM3"))
	}()
	checks := map[string]error{}
	checks["connect"] = m.Connect(port.Default("COM4"))
	checks["disconnect"] = m.Disconnect()
	_, checks["write"] = m.Write([]byte("x"), 0)
	_, checks["read"] = m.Read(make([]byte, 1), 0)
	_, _, checks["status"] = m.Status()
	for op, err := range checks {
		if !errors.Is(err, ErrLockPoisoned) {
			t.Fatalf("%s: expected ErrLockPoisoned, got %v", op, err)
		}
	}
	// List does not take the slot lock.
	if _, err := m.List(); err != nil {
		t.Fatalf("list after poison: %v", err)
	}
}

func TestConcurrentConnectSingleWinner(t *testing.T) {
	drv := &fakeDriver{}
	m := New(drv, WithLogger(logging.Discard()))
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Connect(port.Default("COM3"))
		}()
	}
	wg.Wait()
	close(errs)
	ok, already := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyConnected):
			already++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || already != n-1 || drv.opens.Load() != 1 {
		t.Fatalf("ok=%d already=%d opens=%d", ok, already, drv.opens.Load())
	}
}

func TestLoopbackScenario(t *testing.T) {
	m := New(serial.NewLoopback("COM3"), WithLogger(logging.Discard()))
	d, err := port.New("COM3", 9600)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(d); err != nil {
		t.Fatalf("connect: %v", err)
	}
	n, err := m.Write([]byte("PING"), 0)
	if err != nil || n > 4 {
		t.Fatalf("write = %d, %v", n, err)
	}
	buf := make([]byte, 16)
	got, err := m.Read(buf, time.Second)
	if err != nil && !errors.Is(err, ErrTimedOut) {
		t.Fatalf("read: %v", err)
	}
	if err == nil && string(buf[:got]) != "PING" {
		t.Fatalf("echo = %q", buf[:got])
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := m.Read(buf, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestKindSentinelInverse(t *testing.T) {
	for _, s := range []error{
		ErrAlreadyConnected, ErrNotConnected, ErrConnectionRefused, ErrWriteFailed,
		ErrReadFailed, ErrTimedOut, ErrLockPoisoned, ErrEnumerationFailed, port.ErrDecode,
	} {
		wrapped := fmt.Errorf("%w: detail", s)
		k := Kind(wrapped)
		if k == "" || k == "other" {
			t.Fatalf("no kind for %v", s)
		}
		if Sentinel(k) != s {
			t.Fatalf("Sentinel(%s) = %v want %v", k, Sentinel(k), s)
		}
	}
	if Kind(nil) != "" || Kind(errors.New("x")) != "other" || Sentinel("nope") != nil {
		t.Fatal("unexpected fallback kinds")
	}
}

func TestOptionsIgnoreZeroValues(t *testing.T) {
	m := New(serial.NewLoopback("COM3"), WithLogger(nil), WithPollInterval(0))
	if m.logger == nil {
		t.Fatal("nil logger replaced the default")
	}
	if m.pollInterval != DefaultPollInterval {
		t.Fatalf("poll interval = %s, want %s", m.pollInterval, DefaultPollInterval)
	}
	m = New(serial.NewLoopback("COM3"), WithPollInterval(time.Millisecond))
	if m.pollInterval != time.Millisecond {
		t.Fatalf("poll interval = %s", m.pollInterval)
	}
}
