package manager

import (
	"context"
	"errors"

	"github.com/kstaniek/go-serialmgr/internal/metrics"
	"github.com/kstaniek/go-serialmgr/internal/port"
)

// Sentinel errors returned (wrapped) by Manager so callers can classify
// failures via errors.Is.
var (
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionRefused = errors.New("connection refused")
	ErrWriteFailed       = errors.New("write failed")
	ErrReadFailed        = errors.New("read failed")
	ErrTimedOut          = errors.New("timed out")
	ErrLockPoisoned      = errors.New("slot lock poisoned")
	ErrEnumerationFailed = errors.New("enumeration failed")
)

// Kind maps an error to its stable snake_case kind. Kinds label the
// errors_total metric and travel on the control protocol.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyConnected):
		return metrics.ErrAlreadyConnected
	case errors.Is(err, ErrNotConnected):
		return metrics.ErrNotConnected
	case errors.Is(err, ErrConnectionRefused):
		return metrics.ErrConnectionRefused
	case errors.Is(err, ErrWriteFailed):
		return metrics.ErrWriteFailed
	case errors.Is(err, ErrReadFailed):
		return metrics.ErrReadFailed
	case errors.Is(err, ErrTimedOut):
		return metrics.ErrTimedOut
	case errors.Is(err, ErrLockPoisoned):
		return metrics.ErrLockPoisoned
	case errors.Is(err, ErrEnumerationFailed):
		return metrics.ErrEnumeration
	case errors.Is(err, port.ErrDecode):
		return metrics.ErrDecode
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

var kindSentinels = map[string]error{
	metrics.ErrAlreadyConnected:  ErrAlreadyConnected,
	metrics.ErrNotConnected:      ErrNotConnected,
	metrics.ErrConnectionRefused: ErrConnectionRefused,
	metrics.ErrWriteFailed:       ErrWriteFailed,
	metrics.ErrReadFailed:        ErrReadFailed,
	metrics.ErrTimedOut:          ErrTimedOut,
	metrics.ErrLockPoisoned:      ErrLockPoisoned,
	metrics.ErrEnumeration:       ErrEnumerationFailed,
	metrics.ErrDecode:            port.ErrDecode,
	"canceled":                   context.Canceled,
}

// Sentinel is the inverse of Kind: it returns the sentinel error for a
// kind, or nil when the kind is unknown.
func Sentinel(kind string) error { return kindSentinels[kind] }
