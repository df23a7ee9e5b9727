// Package port defines the Port Descriptor: the device name plus the
// framing parameters used to open a serial device and to describe the
// devices an enumerator reports.
package port

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultSpeed is the speed reported for enumerated devices and used when
// a short "name" address carries no baud rate.
const DefaultSpeed = 9600

// ErrDecode is returned (wrapped) when a serialized descriptor is malformed.
var ErrDecode = errors.New("descriptor decode")

// ErrInvalid is returned (wrapped) by Validate.
var ErrInvalid = errors.New("invalid descriptor")

// Descriptor identifies a device and its framing parameters. It is a plain
// value: holders keep their own copy and never share it by pointer.
type Descriptor struct {
	Name        string      `json:"name"`
	Speed       int         `json:"speed"`
	DataBits    DataBits    `json:"data_bits"`
	Parity      Parity      `json:"parity"`
	StopBits    StopBits    `json:"stop_bits"`
	FlowControl FlowControl `json:"flow_control"`
}

// Option adjusts a descriptor under construction.
type Option func(*Descriptor)

func WithDataBits(b DataBits) Option       { return func(d *Descriptor) { d.DataBits = b } }
func WithParity(p Parity) Option           { return func(d *Descriptor) { d.Parity = p } }
func WithStopBits(s StopBits) Option       { return func(d *Descriptor) { d.StopBits = s } }
func WithFlowControl(f FlowControl) Option { return func(d *Descriptor) { d.FlowControl = f } }

// Default returns the 8N1, no flow control descriptor at DefaultSpeed that
// enumeration reports for a device name.
func Default(name string) Descriptor {
	return Descriptor{
		Name:        name,
		Speed:       DefaultSpeed,
		DataBits:    DataBits8,
		Parity:      ParityNone,
		StopBits:    StopBits1,
		FlowControl: FlowNone,
	}
}

// New builds a validated descriptor. Unset framing defaults to 8N1 with no
// flow control.
func New(name string, speed int, opts ...Option) (Descriptor, error) {
	d := Default(name)
	d.Speed = speed
	for _, o := range opts {
		o(&d)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks every field against its allowed range.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: device name cannot be empty", ErrInvalid)
	}
	if d.Speed <= 0 {
		return fmt.Errorf("%w: speed must be > 0 (got %d)", ErrInvalid, d.Speed)
	}
	if !d.DataBits.Valid() {
		return fmt.Errorf("%w: data bits must be 5-8 (got %d)", ErrInvalid, int(d.DataBits))
	}
	if !d.Parity.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalid, d.Parity)
	}
	if !d.StopBits.Valid() {
		return fmt.Errorf("%w: stop bits must be 1 or 2 (got %d)", ErrInvalid, int(d.StopBits))
	}
	if !d.FlowControl.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalid, d.FlowControl)
	}
	return nil
}

// Framing returns the compact "8N1" notation.
func (d Descriptor) Framing() string {
	return d.DataBits.String() + d.Parity.Letter() + d.StopBits.String()
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %d %s flow=%s", d.Name, d.Speed, d.Framing(), d.FlowControl)
}

// Encode serializes a descriptor to its field-tagged JSON form.
func Encode(d Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// Decode parses the JSON form produced by Encode. Malformed input, unknown
// fields, trailing data and out-of-range values all fail with ErrDecode.
func Decode(b []byte) (Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Descriptor{}, fmt.Errorf("%w: trailing data after descriptor", ErrDecode)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return d, nil
}

// ParseAddress accepts either a JSON descriptor or the short form
// "name[:speed]" (8N1, no flow control).
func ParseAddress(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return Decode([]byte(s))
	}
	name, speed := s, DefaultSpeed
	if i := strings.LastIndex(s, ":"); i > 0 {
		if n, err := strconv.Atoi(s[i+1:]); err == nil {
			name, speed = s[:i], n
		}
	}
	d, err := New(name, speed)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return d, nil
}
