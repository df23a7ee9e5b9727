// Package client talks to a serial-server over its control protocol.
//
// A Client multiplexes one TCP session: calls are matched to responses by
// ID and slot events pushed by the server are delivered on Events.
// Errors returned by calls are *proto.Error values, so errors.Is works
// against the manager sentinels (manager.ErrNotConnected and friends).
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/proto"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

// ErrClosed is returned by calls after the session ended.
var ErrClosed = errors.New("client: session closed")

const (
	defaultTimeout  = 10 * time.Second
	defaultEventBuf = 16
	dialRetryDelay  = 250 * time.Millisecond
)

type Client struct {
	conn    net.Conn
	logger  *slog.Logger
	timeout time.Duration
	retries uint64
	evBuf   int

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan proto.Response
	err     error

	events chan manager.Event
	done   chan struct{}
}

type Option func(*Client)

// WithTimeout bounds the handshake and every call that has no deadline of
// its own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialRetries retries a refused dial n more times.
func WithDialRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = uint64(n)
		}
	}
}

func WithEventBuffer(n int) Option { return func(c *Client) { c.evBuf = max(n, 0) } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to addr and performs the hello exchange.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:  logging.L(),
		timeout: defaultTimeout,
		evBuf:   defaultEventBuf,
		pending: make(map[uint64]chan proto.Response),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan manager.Event, c.evBuf)

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.retries > 0 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(dialRetryDelay), c.retries)
	}
	var conn net.Conn
	dial := func() error {
		d := net.Dialer{Timeout: c.timeout}
		cn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("dial_retry", "addr", addr, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(dial, b, notify); err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := proto.Handshake(ctx, conn, c.timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	go c.readLoop()
	return c, nil
}

// Events delivers slot transitions. It is closed when the session ends.
// Events are dropped if the channel is full.
func (c *Client) Events() <-chan manager.Event { return c.events }

// Done is closed when the session ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the session.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) readLoop() {
	dec := proto.NewDecoder(c.conn)
	var err error
	defer func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()
	for {
		var resp proto.Response
		resp, err = dec.DecodeResponse()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				c.logger.Warn("client_malformed_response", "error", err)
				continue
			}
			return
		}
		if resp.Event != nil {
			select {
			case c.events <- *resp.Event:
			default:
				c.logger.Debug("client_event_dropped", "kind", resp.Event.Kind)
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("client_unsolicited_response", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

func (c *Client) call(ctx context.Context, req proto.Request) (proto.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout+time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	req.ID = c.nextID.Add(1)
	ch := make(chan proto.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return proto.Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err := proto.Encode(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return proto.Response{}, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return proto.Response{}, err
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		forget()
		return proto.Response{}, ctx.Err()
	}
}

// List returns the default descriptor of every port the server sees.
func (c *Client) List(ctx context.Context) ([]port.Descriptor, error) {
	resp, err := c.call(ctx, proto.Request{Op: proto.OpList})
	return resp.Ports, err
}

// Ports returns enumeration details from the server's driver.
func (c *Client) Ports(ctx context.Context) ([]serial.PortInfo, error) {
	resp, err := c.call(ctx, proto.Request{Op: proto.OpPorts})
	return resp.Details, err
}

// Status reports the descriptor in the slot, if any.
func (c *Client) Status(ctx context.Context) (port.Descriptor, bool, error) {
	resp, err := c.call(ctx, proto.Request{Op: proto.OpStatus})
	if err != nil || !resp.Connected || resp.Port == nil {
		return port.Descriptor{}, false, err
	}
	return *resp.Port, true, nil
}

func (c *Client) Connect(ctx context.Context, d port.Descriptor) error {
	_, err := c.call(ctx, proto.Request{Op: proto.OpConnect, Port: &d})
	return err
}

func (c *Client) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, proto.Request{Op: proto.OpDisconnect})
	return err
}

// Write sends data through the slot, retrying up to maxRetries times on the
// server.
func (c *Client) Write(ctx context.Context, data []byte, maxRetries int) (int, error) {
	resp, err := c.call(ctx, proto.Request{Op: proto.OpWrite, Data: data, MaxRetries: maxRetries})
	return resp.N, err
}

// Read returns up to size bytes, waiting at most timeout for data.
func (c *Client) Read(ctx context.Context, size int, timeout time.Duration) ([]byte, error) {
	resp, err := c.call(ctx, proto.Request{Op: proto.OpRead, Size: size, TimeoutMS: timeout.Milliseconds()})
	return resp.Data, err
}
