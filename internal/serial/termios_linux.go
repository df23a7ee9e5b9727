//go:build linux

package serial

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-serialmgr/internal/port"
	"golang.org/x/sys/unix"
)

var termiosBaud = map[int]uint32{
	50: unix.B50, 75: unix.B75, 110: unix.B110, 134: unix.B134, 150: unix.B150,
	200: unix.B200, 300: unix.B300, 600: unix.B600, 1200: unix.B1200,
	1800: unix.B1800, 2400: unix.B2400, 4800: unix.B4800, 9600: unix.B9600,
	19200: unix.B19200, 38400: unix.B38400, 57600: unix.B57600,
	115200: unix.B115200, 230400: unix.B230400, 460800: unix.B460800,
	500000: unix.B500000, 576000: unix.B576000, 921600: unix.B921600,
	1000000: unix.B1000000, 1152000: unix.B1152000, 1500000: unix.B1500000,
	2000000: unix.B2000000, 2500000: unix.B2500000, 3000000: unix.B3000000,
	3500000: unix.B3500000, 4000000: unix.B4000000,
}

var termiosSize = map[port.DataBits]uint32{
	port.DataBits5: unix.CS5,
	port.DataBits6: unix.CS6,
	port.DataBits7: unix.CS7,
	port.DataBits8: unix.CS8,
}

// Termios drives tty devices directly through termios ioctls. It is the
// only driver that honours software and hardware flow control.
type Termios struct {
	enumerate func() ([]PortInfo, error)
}

func NewTermios() *Termios { return &Termios{enumerate: ScanDevices} }

func (*Termios) Name() string { return "termios" }

func (*Termios) Open(d port.Descriptor) (Handle, error) {
	fd, err := unix.Open(d.Name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	return &termiosHandle{fd: fd}, nil
}

func (t *Termios) Enumerate() ([]PortInfo, error) { return t.enumerate() }

type termiosHandle struct {
	fd int // -1 once closed
}

// applyTermios puts t into raw mode with the descriptor's framing.
func applyTermios(t *unix.Termios, d port.Descriptor) error {
	baud, ok := termiosBaud[d.Speed]
	if !ok {
		return fmt.Errorf("%w: termios driver has no constant for %d baud", ErrUnsupported, d.Speed)
	}
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag = unix.CREAD | unix.CLOCAL | termiosSize[d.DataBits]
	t.Cflag = (t.Cflag &^ unix.CBAUD) | baud
	t.Ispeed = baud
	t.Ospeed = baud
	switch d.Parity {
	case port.ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
	case port.ParityEven:
		t.Cflag |= unix.PARENB
	}
	if d.StopBits == port.StopBits2 {
		t.Cflag |= unix.CSTOPB
	}
	switch d.FlowControl {
	case port.FlowHardware:
		t.Cflag |= unix.CRTSCTS
	case port.FlowSoftware:
		t.Iflag |= unix.IXON | unix.IXOFF
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return nil
}

func (h *termiosHandle) Configure(d port.Descriptor) error {
	if h.fd < 0 {
		return ErrClosed
	}
	t, err := unix.IoctlGetTermios(h.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	if err := applyTermios(t, d); err != nil {
		return err
	}
	if err := unix.IoctlSetTermios(h.fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func (h *termiosHandle) Flush() error {
	if h.fd < 0 {
		return ErrClosed
	}
	return unix.IoctlSetInt(h.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (h *termiosHandle) Write(b []byte) (int, error) {
	if h.fd < 0 {
		return 0, ErrClosed
	}
	n, err := unix.Write(h.fd, b)
	if n < 0 {
		n = 0
	}
	if errors.Is(err, unix.EAGAIN) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (h *termiosHandle) Buffered() (int, error) {
	if h.fd < 0 {
		return 0, ErrClosed
	}
	return unix.IoctlGetInt(h.fd, unix.TIOCINQ)
}

func (h *termiosHandle) Read(b []byte) (int, error) {
	if h.fd < 0 {
		return 0, ErrClosed
	}
	n, err := unix.Read(h.fd, b)
	if n < 0 {
		n = 0
	}
	if errors.Is(err, unix.EAGAIN) {
		return n, nil
	}
	return n, err
}

func (h *termiosHandle) Close() error {
	if h.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}
