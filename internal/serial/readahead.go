package serial

import (
	"errors"
	"io"
)

// readAheadSize bounds the bytes probed per availability check.
const readAheadSize = 4096

// readAhead emulates a bytes-available primitive on drivers that only offer
// a timed read: Buffered performs one short read into a pending buffer and
// Read drains it before touching the device again.
type readAhead struct {
	pending []byte
	scratch []byte
	fill    func([]byte) (int, error)
}

func newReadAhead(fill func([]byte) (int, error)) *readAhead {
	return &readAhead{scratch: make([]byte, readAheadSize), fill: fill}
}

func (r *readAhead) probe() error {
	n, err := r.fill(r.scratch)
	if n > 0 {
		r.pending = append(r.pending, r.scratch[:n]...)
	}
	// tarm reports an expired read timeout as io.EOF.
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (r *readAhead) buffered() (int, error) {
	if len(r.pending) > 0 {
		return len(r.pending), nil
	}
	if err := r.probe(); err != nil {
		return 0, err
	}
	return len(r.pending), nil
}

func (r *readAhead) read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if err := r.probe(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	if len(r.pending) == 0 {
		r.pending = nil
	}
	return n, nil
}

// discard drops anything held in the pending buffer.
func (r *readAhead) discard() { r.pending = nil }
