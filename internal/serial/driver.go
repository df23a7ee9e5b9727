// Package serial abstracts the OS serial driver behind the small capability
// set the connection manager depends on, and provides concrete drivers
// backed by go.bug.st/serial, tarm/serial, raw termios (linux) and an
// in-memory loopback device.
package serial

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kstaniek/go-serialmgr/internal/port"
)

var (
	// ErrWouldBlock reports that a non-blocking write accepted nothing right now.
	ErrWouldBlock = errors.New("serial: operation would block")
	// ErrUnsupported reports a parameter the driver cannot configure.
	ErrUnsupported = errors.New("serial: unsupported")
	// ErrClosed reports use of a handle after Close.
	ErrClosed = errors.New("serial: handle closed")
)

// Handle is an open byte-stream link to one device. Reads and writes never
// block for longer than the driver's minimum poll granularity.
type Handle interface {
	// Configure applies the descriptor's framing and flow control.
	Configure(d port.Descriptor) error
	// Flush discards bytes pending in both directions.
	Flush() error
	// Write performs a single write attempt and reports the accepted count.
	Write(p []byte) (int, error)
	// Buffered reports how many bytes can be read without waiting.
	Buffered() (int, error)
	// Read performs a single read; (0, nil) is a legal result.
	Read(p []byte) (int, error)
	Close() error
}

// Driver opens handles and enumerates devices.
type Driver interface {
	Name() string
	Open(d port.Descriptor) (Handle, error)
	Enumerate() ([]PortInfo, error)
}

// PortInfo describes one enumerable device.
type PortInfo struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	USB          bool   `json:"usb,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

var drivers = map[string]func() Driver{
	"bugst":    func() Driver { return NewBugst() },
	"tarm":     func() Driver { return NewTarm() },
	"termios":  func() Driver { return NewTermios() },
	"loopback": func() Driver { return NewLoopback() },
}

// DriverNames lists the registered driver names in sorted order.
func DriverNames() []string {
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ByName constructs the driver registered under name.
func ByName(name string) (Driver, error) {
	mk, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q (use one of %v)", name, DriverNames())
	}
	return mk(), nil
}

// requireNoFlowControl rejects flow control on drivers that cannot set it.
func requireNoFlowControl(driver string, d port.Descriptor) error {
	if d.FlowControl != port.FlowNone {
		return fmt.Errorf("%w: %s driver cannot configure %s flow control", ErrUnsupported, driver, d.FlowControl)
	}
	return nil
}
