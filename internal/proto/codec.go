package proto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-serialmgr/internal/metrics"
)

// MaxLine bounds a single encoded message, including base64 payloads.
const MaxLine = 1 << 20

// ErrMalformed is returned when a line is not a valid message.
var ErrMalformed = errors.New("proto: malformed message")

// ErrLineTooLong is returned when a line exceeds MaxLine.
var ErrLineTooLong = errors.New("proto: line too long")

// Encode writes v as one JSON line.
func Encode(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("proto encode: %w", err)
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("proto write: %w", err)
	}
	return nil
}

// Decoder reads JSON lines. Not safe for concurrent use.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReaderSize(r, 4096)} }

// line returns the next non-empty line without its terminator. It returns
// io.EOF only at a clean line boundary.
func (d *Decoder) line() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxLine+1 {
			metrics.IncError(metrics.ErrProtocol)
			return nil, ErrLineTooLong
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			line := bytes.TrimSpace(buf)
			if len(line) == 0 {
				buf = buf[:0]
				continue
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(buf)) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: unterminated line", ErrMalformed)
		default:
			return nil, err
		}
	}
}

func (d *Decoder) decode(v any) error {
	line, err := d.line()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		metrics.IncError(metrics.ErrProtocol)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeRequest reads one request line.
func (d *Decoder) DecodeRequest() (Request, error) {
	var r Request
	if err := d.decode(&r); err != nil {
		return Request{}, err
	}
	if r.Op == "" {
		metrics.IncError(metrics.ErrProtocol)
		return Request{}, fmt.Errorf("%w: missing op", ErrMalformed)
	}
	return r, nil
}

// DecodeResponse reads one response or event line.
func (d *Decoder) DecodeResponse() (Response, error) {
	var r Response
	if err := d.decode(&r); err != nil {
		return Response{}, err
	}
	return r, nil
}
