package proto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged by both peers before any message.
const Hello = "SERIALMGRv1"

// ErrBadHello reports a peer that sent something other than Hello.
var ErrBadHello = errors.New("proto: bad hello")

// Handshake writes Hello and reads the peer's Hello within timeout. A peer
// speaking another protocol is rejected at its first mismatching byte.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		if _, err := io.WriteString(c, Hello); err != nil {
			errCh <- fmt.Errorf("send hello: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() { errCh <- readHello(c) }()

	for range 2 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func readHello(r io.Reader) error {
	buf := make([]byte, len(Hello))
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if string(buf[:got]) != Hello[:got] {
			return fmt.Errorf("%w: %q", ErrBadHello, buf[:got])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("recv hello: %w", err)
		}
	}
	return nil
}
