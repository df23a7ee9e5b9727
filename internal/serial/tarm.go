package serial

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/tarm/serial"
)

// tarmReadTimeout is the shortest read timeout tarm/serial can express
// (one decisecond of VTIME on posix).
const tarmReadTimeout = 100 * time.Millisecond

// tarmPort abstracts *serial.Port for testability.
type tarmPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// openTarm is a hook for tests (overridden in unit tests).
var openTarm = func(c *serial.Config) (tarmPort, error) { return serial.OpenPort(c) }

// Tarm drives devices through github.com/tarm/serial. Framing is fixed at
// open time and flow control is not available.
type Tarm struct {
	enumerate func() ([]PortInfo, error)
}

func NewTarm() *Tarm { return &Tarm{enumerate: ScanDevices} }

func (*Tarm) Name() string { return "tarm" }

func tarmConfig(d port.Descriptor) *serial.Config {
	cfg := &serial.Config{
		Name:        d.Name,
		Baud:        d.Speed,
		ReadTimeout: tarmReadTimeout,
		Size:        byte(d.DataBits),
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	switch d.Parity {
	case port.ParityOdd:
		cfg.Parity = serial.ParityOdd
	case port.ParityEven:
		cfg.Parity = serial.ParityEven
	}
	if d.StopBits == port.StopBits2 {
		cfg.StopBits = serial.Stop2
	}
	return cfg
}

func (*Tarm) Open(d port.Descriptor) (Handle, error) {
	if err := requireNoFlowControl("tarm", d); err != nil {
		return nil, err
	}
	p, err := openTarm(tarmConfig(d))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	return &tarmHandle{p: p, opened: d, ra: newReadAhead(p.Read)}, nil
}

func (t *Tarm) Enumerate() ([]PortInfo, error) { return t.enumerate() }

type tarmHandle struct {
	p      tarmPort
	opened port.Descriptor
	ra     *readAhead
}

// Configure accepts only the parameters the port was opened with; tarm
// cannot change framing on an open port.
func (h *tarmHandle) Configure(d port.Descriptor) error {
	if err := requireNoFlowControl("tarm", d); err != nil {
		return err
	}
	if d != h.opened {
		return fmt.Errorf("%w: tarm driver cannot reconfigure an open port (%s -> %s)", ErrUnsupported, h.opened, d)
	}
	return nil
}

func (h *tarmHandle) Flush() error {
	h.ra.discard()
	return h.p.Flush()
}

func (h *tarmHandle) Write(b []byte) (int, error) { return h.p.Write(b) }
func (h *tarmHandle) Buffered() (int, error)      { return h.ra.buffered() }
func (h *tarmHandle) Read(b []byte) (int, error)  { return h.ra.read(b) }
func (h *tarmHandle) Close() error                { return h.p.Close() }
