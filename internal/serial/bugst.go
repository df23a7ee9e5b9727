package serial

import (
	"fmt"

	"github.com/kstaniek/go-serialmgr/internal/port"
	gobug "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// allow tests to override external dependencies
var (
	bugstOpen      = func(name string, mode *gobug.Mode) (gobug.Port, error) { return gobug.Open(name, mode) }
	bugstEnumerate = enumerator.GetDetailedPortsList
)

// Bugst drives devices through go.bug.st/serial. It is portable across
// linux, darwin, the BSDs and windows but cannot configure flow control.
type Bugst struct{}

func NewBugst() *Bugst { return &Bugst{} }

func (*Bugst) Name() string { return "bugst" }

func bugstMode(d port.Descriptor) *gobug.Mode {
	m := &gobug.Mode{
		BaudRate: d.Speed,
		DataBits: int(d.DataBits),
		Parity:   gobug.NoParity,
		StopBits: gobug.OneStopBit,
	}
	switch d.Parity {
	case port.ParityOdd:
		m.Parity = gobug.OddParity
	case port.ParityEven:
		m.Parity = gobug.EvenParity
	}
	if d.StopBits == port.StopBits2 {
		m.StopBits = gobug.TwoStopBits
	}
	return m
}

func (*Bugst) Open(d port.Descriptor) (Handle, error) {
	p, err := bugstOpen(d.Name, bugstMode(d))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	h := &bugstHandle{p: p}
	h.ra = newReadAhead(p.Read)
	return h, nil
}

func (*Bugst) Enumerate() ([]PortInfo, error) {
	details, err := bugstEnumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, pd := range details {
		if pd == nil {
			continue
		}
		out = append(out, PortInfo{
			Name:         pd.Name,
			Description:  pd.Product,
			USB:          pd.IsUSB,
			VID:          pd.VID,
			PID:          pd.PID,
			SerialNumber: pd.SerialNumber,
		})
	}
	return out, nil
}

type bugstHandle struct {
	p  gobug.Port
	ra *readAhead
}

// Configure re-applies the mode and switches reads to non-blocking.
func (h *bugstHandle) Configure(d port.Descriptor) error {
	if err := requireNoFlowControl("bugst", d); err != nil {
		return err
	}
	if err := h.p.SetMode(bugstMode(d)); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	// A zero timeout makes Read return immediately when nothing is pending.
	if err := h.p.SetReadTimeout(0); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	return nil
}

func (h *bugstHandle) Flush() error {
	h.ra.discard()
	if err := h.p.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input: %w", err)
	}
	if err := h.p.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("reset output: %w", err)
	}
	return nil
}

func (h *bugstHandle) Write(b []byte) (int, error) { return h.p.Write(b) }
func (h *bugstHandle) Buffered() (int, error)      { return h.ra.buffered() }
func (h *bugstHandle) Read(b []byte) (int, error)  { return h.ra.read(b) }
func (h *bugstHandle) Close() error                { return h.p.Close() }
