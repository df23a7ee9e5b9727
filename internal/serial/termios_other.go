//go:build !linux

package serial

import (
	"fmt"

	"github.com/kstaniek/go-serialmgr/internal/port"
)

// Termios is only implemented on linux.
type Termios struct{}

func NewTermios() *Termios { return &Termios{} }

func (*Termios) Name() string { return "termios" }

func (*Termios) Open(port.Descriptor) (Handle, error) {
	return nil, fmt.Errorf("%w: termios driver requires linux", ErrUnsupported)
}

func (*Termios) Enumerate() ([]PortInfo, error) { return ScanDevices() }
