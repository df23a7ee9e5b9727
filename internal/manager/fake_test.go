package manager

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

type writeResult struct {
	n   int
	err error
}

type readResult struct {
	avail int
	data  []byte
	err   error
}

// fakeDriver is a scripted driver. Hooks run in call order; counters are
// safe to read after the Manager call returns.
type fakeDriver struct {
	mu           sync.Mutex
	openErr      error
	configureErr error
	flushErr     error
	closeErr     error
	ports        []serial.PortInfo
	enumErr      error

	opens   atomic.Int32
	handles []*fakeHandle
	writes  []writeResult // consumed per attempt; last entry repeats
	reads   []readResult  // consumed per poll; empty means nothing available
}

func (*fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Open(d port.Descriptor) (serial.Handle, error) {
	f.opens.Add(1)
	if f.openErr != nil {
		return nil, f.openErr
	}
	h := &fakeHandle{drv: f, desc: d}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeDriver) Enumerate() ([]serial.PortInfo, error) { return f.ports, f.enumErr }

func (f *fakeDriver) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type fakeHandle struct {
	drv        *fakeDriver
	desc       port.Descriptor
	calls      []string
	writeCalls int
	polls      int
	closes     int
}

func (h *fakeHandle) Configure(port.Descriptor) error {
	h.calls = append(h.calls, "configure")
	return h.drv.configureErr
}

func (h *fakeHandle) Flush() error {
	h.calls = append(h.calls, "flush")
	return h.drv.flushErr
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.writeCalls++
	if len(h.drv.writes) == 0 {
		return len(p), nil
	}
	r := h.drv.writes[0]
	if len(h.drv.writes) > 1 {
		h.drv.writes = h.drv.writes[1:]
	}
	return r.n, r.err
}

func (h *fakeHandle) Buffered() (int, error) {
	h.polls++
	if len(h.drv.reads) == 0 {
		return 0, nil
	}
	r := h.drv.reads[0]
	if r.err != nil {
		return 0, r.err
	}
	if r.avail == 0 {
		h.drv.reads = h.drv.reads[1:]
	}
	return r.avail, nil
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	if len(h.drv.reads) == 0 {
		return 0, nil
	}
	r := h.drv.reads[0]
	h.drv.reads = h.drv.reads[1:]
	return copy(p, r.data), nil
}

func (h *fakeHandle) Close() error {
	h.closes++
	h.calls = append(h.calls, "close")
	return h.drv.closeErr
}

var errBusy = errors.New("device busy")
