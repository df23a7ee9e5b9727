package serial

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kstaniek/go-serialmgr/internal/port"
)

// LoopbackDevice is the default device name served by NewLoopback.
const LoopbackDevice = "loop0"

var (
	errNoDevice   = errors.New("no such device")
	errDeviceBusy = errors.New("device busy")
)

// Loopback is an in-memory driver whose devices echo every written byte
// back as readable input. Each device admits one open handle at a time.
type Loopback struct {
	mu      sync.Mutex
	devices map[string]*loopDevice
}

type loopDevice struct {
	mu   sync.Mutex
	buf  []byte
	open bool
}

// NewLoopback creates a driver serving the given device names, or
// LoopbackDevice when none are given.
func NewLoopback(names ...string) *Loopback {
	if len(names) == 0 {
		names = []string{LoopbackDevice}
	}
	l := &Loopback{devices: make(map[string]*loopDevice, len(names))}
	for _, n := range names {
		l.devices[n] = &loopDevice{}
	}
	return l
}

func (*Loopback) Name() string { return "loopback" }

func (l *Loopback) device(name string) (*loopDevice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dev, ok := l.devices[name]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, errNoDevice)
	}
	return dev, nil
}

func (l *Loopback) Open(d port.Descriptor) (Handle, error) {
	dev, err := l.device(d.Name)
	if err != nil {
		return nil, err
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.open {
		return nil, fmt.Errorf("open %s: %w", d.Name, errDeviceBusy)
	}
	dev.open = true
	return &loopHandle{dev: dev}, nil
}

func (l *Loopback) Enumerate() ([]PortInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PortInfo, 0, len(l.devices))
	for n := range l.devices {
		out = append(out, PortInfo{Name: n, Description: "loopback"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Inject makes data readable on the named device as if a peer had sent it.
func (l *Loopback) Inject(name string, data []byte) error {
	dev, err := l.device(name)
	if err != nil {
		return err
	}
	dev.mu.Lock()
	dev.buf = append(dev.buf, data...)
	dev.mu.Unlock()
	return nil
}

type loopHandle struct {
	dev *loopDevice // nil once closed
}

func (h *loopHandle) Configure(port.Descriptor) error {
	if h.dev == nil {
		return ErrClosed
	}
	return nil
}

func (h *loopHandle) Flush() error {
	if h.dev == nil {
		return ErrClosed
	}
	h.dev.mu.Lock()
	h.dev.buf = nil
	h.dev.mu.Unlock()
	return nil
}

func (h *loopHandle) Write(p []byte) (int, error) {
	if h.dev == nil {
		return 0, ErrClosed
	}
	h.dev.mu.Lock()
	h.dev.buf = append(h.dev.buf, p...)
	h.dev.mu.Unlock()
	return len(p), nil
}

func (h *loopHandle) Buffered() (int, error) {
	if h.dev == nil {
		return 0, ErrClosed
	}
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	return len(h.dev.buf), nil
}

func (h *loopHandle) Read(p []byte) (int, error) {
	if h.dev == nil {
		return 0, ErrClosed
	}
	h.dev.mu.Lock()
	defer h.dev.mu.Unlock()
	n := copy(p, h.dev.buf)
	h.dev.buf = h.dev.buf[n:]
	if len(h.dev.buf) == 0 {
		h.dev.buf = nil
	}
	return n, nil
}

func (h *loopHandle) Close() error {
	if h.dev == nil {
		return ErrClosed
	}
	h.dev.mu.Lock()
	h.dev.open = false
	h.dev.buf = nil
	h.dev.mu.Unlock()
	h.dev = nil
	return nil
}
