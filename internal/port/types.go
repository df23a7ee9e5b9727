package port

import (
	"fmt"
	"strconv"
	"strings"
)

// DataBits is the number of data bits per character (5..8).
type DataBits int

const (
	DataBits5 DataBits = 5
	DataBits6 DataBits = 6
	DataBits7 DataBits = 7
	DataBits8 DataBits = 8
)

func (d DataBits) Valid() bool { return d >= DataBits5 && d <= DataBits8 }

func (d DataBits) String() string { return strconv.Itoa(int(d)) }

// Parity is the parity mode of a character frame.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

var parityNames = map[Parity]string{ParityNone: "none", ParityOdd: "odd", ParityEven: "even"}

func (p Parity) Valid() bool { _, ok := parityNames[p]; return ok }

func (p Parity) String() string {
	if s, ok := parityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("parity(%d)", int(p))
}

// Letter returns the single-letter code used in "8N1" style notation.
func (p Parity) Letter() string {
	switch p {
	case ParityOdd:
		return "O"
	case ParityEven:
		return "E"
	default:
		return "N"
	}
}

func (p Parity) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid parity %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Parity) UnmarshalText(b []byte) error {
	v, err := ParseParity(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParseParity accepts none|odd|even (or N|O|E), case-insensitive.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "n":
		return ParityNone, nil
	case "odd", "o":
		return ParityOdd, nil
	case "even", "e":
		return ParityEven, nil
	}
	return ParityNone, fmt.Errorf("unknown parity %q (use none|odd|even)", s)
}

// StopBits is the number of stop bits (1 or 2).
type StopBits int

const (
	StopBits1 StopBits = 1
	StopBits2 StopBits = 2
)

func (s StopBits) Valid() bool { return s == StopBits1 || s == StopBits2 }

func (s StopBits) String() string { return strconv.Itoa(int(s)) }

// FlowControl selects the flow-control discipline configured on the port.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowSoftware
	FlowHardware
)

var flowNames = map[FlowControl]string{FlowNone: "none", FlowSoftware: "software", FlowHardware: "hardware"}

func (f FlowControl) Valid() bool { _, ok := flowNames[f]; return ok }

func (f FlowControl) String() string {
	if s, ok := flowNames[f]; ok {
		return s
	}
	return fmt.Sprintf("flow(%d)", int(f))
}

func (f FlowControl) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid flow control %d", int(f))
	}
	return []byte(f.String()), nil
}

func (f *FlowControl) UnmarshalText(b []byte) error {
	v, err := ParseFlowControl(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFlowControl accepts none|software|hardware and the common aliases
// xonxoff and rtscts.
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return FlowNone, nil
	case "software", "xonxoff", "xon/xoff":
		return FlowSoftware, nil
	case "hardware", "rtscts", "rts/cts":
		return FlowHardware, nil
	}
	return FlowNone, fmt.Errorf("unknown flow control %q (use none|software|hardware)", s)
}
