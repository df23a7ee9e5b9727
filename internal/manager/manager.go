// Package manager owns the single shared serial connection slot. Every
// operation except List and Ports runs with the slot lock held for its
// whole duration, so at most one device link exists per Manager and
// requests against it are serialized.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/metrics"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

// EventKind names a slot transition.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event describes one slot transition.
type Event struct {
	Kind EventKind       `json:"kind"`
	Port port.Descriptor `json:"port"`
	At   time.Time       `json:"at"`
}

// Manager guards the connection slot.
type Manager struct {
	drv          serial.Driver
	logger       *slog.Logger
	pollInterval time.Duration
	writeBackoff time.Duration
	onEvent      func(Event)

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	poisoned bool
	conn     *connection
}

// New returns a Manager with an empty slot that opens devices through drv.
func New(drv serial.Driver, opts ...Option) *Manager {
	m := &Manager{
		drv:          drv,
		logger:       logging.L(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		sleep:        sleepCtx,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lock acquires the slot lock. On error the lock is not held.
func (m *Manager) lock() error {
	m.mu.Lock()
	if m.poisoned {
		m.mu.Unlock()
		return ErrLockPoisoned
	}
	return nil
}

// unlock must be deferred directly after a successful lock. A panic that
// unwinds through it poisons the slot before the lock is released.
func (m *Manager) unlock() {
	if r := recover(); r != nil {
		m.poisoned = true
		m.mu.Unlock()
		m.logger.Error("slot_poisoned", "panic", r)
		panic(r)
	}
	m.mu.Unlock()
}

// fail counts err under its kind and returns it unchanged.
func (m *Manager) fail(err error) error {
	metrics.IncError(Kind(err))
	return err
}

func (m *Manager) emit(kind EventKind, d port.Descriptor) {
	if m.onEvent != nil {
		m.onEvent(Event{Kind: kind, Port: d, At: m.now()})
	}
}

// Driver returns the driver the Manager opens devices with.
func (m *Manager) Driver() serial.Driver { return m.drv }

// List enumerates devices and reports each with the default framing
// (DefaultSpeed 8N1, no flow control). It does not touch the slot.
func (m *Manager) List() ([]port.Descriptor, error) {
	infos, err := m.Ports()
	if err != nil {
		return nil, err
	}
	out := make([]port.Descriptor, 0, len(infos))
	for _, pi := range infos {
		out = append(out, port.Default(pi.Name))
	}
	return out, nil
}

// Ports enumerates devices with the driver's descriptive details. It does
// not touch the slot.
func (m *Manager) Ports() ([]serial.PortInfo, error) {
	infos, err := m.drv.Enumerate()
	if err != nil {
		m.logger.Warn("serial_enumerate_error", "driver", m.drv.Name(), "error", err)
		return nil, m.fail(fmt.Errorf("%w: %v", ErrEnumerationFailed, err))
	}
	if infos == nil {
		infos = []serial.PortInfo{}
	}
	return infos, nil
}

// Status reports the descriptor of the live connection, if any.
func (m *Manager) Status() (port.Descriptor, bool, error) {
	if err := m.lock(); err != nil {
		return port.Descriptor{}, false, m.fail(err)
	}
	defer m.unlock()
	if m.conn == nil {
		return port.Descriptor{}, false, nil
	}
	return m.conn.desc, true, nil
}

// Connect opens d and installs it into the empty slot. An occupied slot is
// left untouched.
func (m *Manager) Connect(d port.Descriptor) error {
	if err := m.lock(); err != nil {
		return m.fail(err)
	}
	defer m.unlock()
	if m.conn != nil {
		return m.fail(ErrAlreadyConnected)
	}
	if err := d.Validate(); err != nil {
		return m.fail(fmt.Errorf("%w: %v", ErrConnectionRefused, err))
	}
	c, err := openConnection(m.drv, d)
	if err != nil {
		m.logger.Warn("serial_open_error", "port", d.Name, "driver", m.drv.Name(), "error", err)
		return m.fail(fmt.Errorf("%w: %v", ErrConnectionRefused, err))
	}
	m.conn = c
	metrics.IncConnect()
	m.logger.Info("serial_open", "port", d.Name, "speed", d.Speed, "framing", d.Framing(), "flow", d.FlowControl.String(), "driver", m.drv.Name())
	m.emit(EventConnected, d)
	return nil
}

// Disconnect empties the slot and closes the connection. A close failure
// is logged; the slot is empty regardless.
func (m *Manager) Disconnect() error {
	if err := m.lock(); err != nil {
		return m.fail(err)
	}
	defer m.unlock()
	if m.conn == nil {
		return m.fail(ErrNotConnected)
	}
	c := m.conn
	m.conn = nil
	metrics.IncDisconnect()
	if err := c.close(); err != nil {
		metrics.IncError(metrics.ErrSerialClose)
		m.logger.Warn("serial_close_error", "port", c.desc.Name, "error", err)
	} else {
		m.logger.Info("serial_close", "port", c.desc.Name)
	}
	m.emit(EventDisconnected, c.desc)
	return nil
}

// Write submits data in up to maxRetries+1 attempts and returns the count
// the device accepted on the first successful attempt, which may be short.
// The remainder is never resubmitted.
func (m *Manager) Write(data []byte, maxRetries int) (int, error) {
	if err := m.lock(); err != nil {
		return 0, m.fail(err)
	}
	defer m.unlock()
	if m.conn == nil {
		return 0, m.fail(ErrNotConnected)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	// WithMaxRetries(b, 0) means unlimited, so a single attempt needs StopBackOff.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if maxRetries > 0 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(m.writeBackoff), uint64(maxRetries))
	}
	var n, attempt int
	op := func() error {
		attempt++
		var err error
		n, err = m.conn.write(data)
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.IncWriteRetry()
		m.logger.Debug("serial_write_retry", "port", m.conn.desc.Name, "attempt", attempt, "next", next, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		m.logger.Warn("serial_write_error", "port", m.conn.desc.Name, "attempts", attempt, "error", err)
		return 0, m.fail(fmt.Errorf("%w: %v", ErrWriteFailed, err))
	}
	metrics.AddTxBytes(n)
	return n, nil
}

// Read waits up to timeout for the device to deliver at least one byte.
func (m *Manager) Read(buf []byte, timeout time.Duration) (int, error) {
	return m.ReadContext(context.Background(), buf, timeout)
}

// ReadContext is Read that also gives up when ctx is done. The device is
// polled at least once; between polls the Manager sleeps for the poll
// interval, clipped to the time left.
func (m *Manager) ReadContext(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	deadline := m.now().Add(timeout)
	if err := m.lock(); err != nil {
		return 0, m.fail(err)
	}
	defer m.unlock()
	if m.conn == nil {
		return 0, m.fail(ErrNotConnected)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	for {
		n, ready, err := m.conn.read(buf)
		if err != nil {
			m.logger.Warn("serial_read_error", "port", m.conn.desc.Name, "error", err)
			return 0, m.fail(fmt.Errorf("%w: %v", ErrReadFailed, err))
		}
		if ready && n > 0 {
			metrics.AddRxBytes(n)
			return n, nil
		}
		left := deadline.Sub(m.now())
		if left <= 0 {
			metrics.IncReadTimeout()
			return 0, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
		}
		if err := m.sleep(ctx, min(m.pollInterval, left)); err != nil {
			return 0, err
		}
	}
}
