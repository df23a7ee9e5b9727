package manager

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

// connection is one live, configured device link. It is owned by the slot
// and only touched while the slot lock is held.
type connection struct {
	desc port.Descriptor
	h    serial.Handle // nil after close
}

// openConnection opens, configures and flushes a handle. A handle that
// fails after open is closed before returning.
func openConnection(drv serial.Driver, d port.Descriptor) (*connection, error) {
	h, err := drv.Open(d)
	if err != nil {
		return nil, err
	}
	if err := h.Configure(d); err != nil {
		return nil, abandon(h, fmt.Errorf("configure: %w", err))
	}
	// Stale device output must not be mistaken for a reply to a later write.
	if err := h.Flush(); err != nil {
		return nil, abandon(h, fmt.Errorf("flush: %w", err))
	}
	return &connection{desc: d, h: h}, nil
}

func abandon(h serial.Handle, cause error) error {
	if cerr := h.Close(); cerr != nil {
		return errors.Join(cause, fmt.Errorf("close: %w", cerr))
	}
	return cause
}

// write performs exactly one handle write.
func (c *connection) write(p []byte) (int, error) {
	if c.h == nil {
		return 0, serial.ErrClosed
	}
	return c.h.Write(p)
}

// read reports ready=false when the device has nothing buffered; otherwise
// it performs one read, whose count may legitimately be zero.
func (c *connection) read(p []byte) (n int, ready bool, err error) {
	if c.h == nil {
		return 0, false, serial.ErrClosed
	}
	avail, err := c.h.Buffered()
	if err != nil {
		return 0, false, fmt.Errorf("bytes available: %w", err)
	}
	if avail <= 0 {
		return 0, false, nil
	}
	n, err = c.h.Read(p)
	return n, true, err
}

func (c *connection) close() error {
	if c.h == nil {
		return serial.ErrClosed
	}
	h := c.h
	c.h = nil
	return h.Close()
}
