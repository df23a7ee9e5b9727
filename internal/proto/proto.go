// Package proto defines the control protocol spoken between serial-server
// and its clients: a fixed hello exchange followed by newline-delimited
// JSON messages in both directions.
package proto

import (
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

// Operations a client may request.
const (
	OpList       = "list"
	OpPorts      = "ports"
	OpStatus     = "status"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpWrite      = "write"
	OpRead       = "read"
)

// Ops lists every operation in a stable order.
var Ops = []string{OpList, OpPorts, OpStatus, OpConnect, OpDisconnect, OpWrite, OpRead}

// Request is one client call. Data travels base64-encoded.
type Request struct {
	ID         uint64           `json:"id"`
	Op         string           `json:"op"`
	Port       *port.Descriptor `json:"port,omitempty"`
	Data       []byte           `json:"data,omitempty"`
	MaxRetries int              `json:"max_retries,omitempty"`
	TimeoutMS  int64            `json:"timeout_ms,omitempty"`
	Size       int              `json:"size,omitempty"`
}

// Error carries a manager error kind across the wire.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Unwrap lets errors.Is match the manager sentinel for Kind.
func (e *Error) Unwrap() error { return manager.Sentinel(e.Kind) }

// Response answers the request with the same ID. Server-initiated slot
// events are sent as responses with ID 0 and Event set.
type Response struct {
	ID        uint64            `json:"id"`
	OK        bool              `json:"ok"`
	Error     *Error            `json:"error,omitempty"`
	Ports     []port.Descriptor `json:"ports,omitempty"`
	Details   []serial.PortInfo `json:"details,omitempty"`
	Connected bool              `json:"connected,omitempty"`
	Port      *port.Descriptor  `json:"port,omitempty"`
	N         int               `json:"n,omitempty"`
	Data      []byte            `json:"data,omitempty"`
	Event     *manager.Event    `json:"event,omitempty"`
}

// ErrorFrom builds the wire form of err.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: manager.Kind(err), Message: err.Error()}
}
