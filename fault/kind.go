// Package fault classifies sync errors into retry kinds and computes the
// per-kind retry backoff. Every error that crosses the worker boundary is
// classified exactly once, as close to its origin as possible; the worker
// routes on Kind alone.
package fault

import (
	"context"
	"net"
	"os"
	"syscall"

	"github.com/driftline/metasync/errors"
)

// Kind partitions sync failures by how the worker should react.
type Kind string

const (
	// KindTransient errors are retried on the short ladder.
	KindTransient Kind = "transient"
	// KindPermanent errors go straight to the dead-letter queue.
	KindPermanent Kind = "permanent"
	// KindNotFound errors are retried on the long ladder: the target may
	// surface the item after a library scan.
	KindNotFound Kind = "not_found"
	// KindServerDown errors are retried and count toward opening the
	// circuit breaker.
	KindServerDown Kind = "server_down"
)

// Sentinels for tagging errors with a kind at the call site.
// Wrap these with errors.Wrap to add context while preserving the kind.
var (
	ErrTransient  = errors.New("transient sync error")
	ErrPermanent  = errors.New("permanent sync error")
	ErrNotFound   = errors.New("target item not found")
	ErrServerDown = errors.New("target server down")
)

// sentinelFor maps each kind to its sentinel
func sentinelFor(kind Kind) error {
	switch kind {
	case KindPermanent:
		return ErrPermanent
	case KindNotFound:
		return ErrNotFound
	case KindServerDown:
		return ErrServerDown
	default:
		return ErrTransient
	}
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return errors.Wrap(sentinelFor(kind), errors.Newf(format, args...).Error())
}

// Tag wraps err so that KindOf(result) == kind. A nil err returns nil.
func Tag(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithSecondaryError(errors.Wrap(sentinelFor(kind), err.Error()), err)
}

// KindOf returns the classification of err. Already-tagged errors pass
// through; untagged errors are classified by shape, defaulting to Transient
// since a novel error is safer retried than dead-lettered.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransient
	}

	switch {
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrServerDown):
		return KindServerDown
	case errors.Is(err, ErrTransient):
		return KindTransient
	}

	// Generic sentinels from the errors facade
	if errors.Is(err, errors.ErrNotFound) {
		return KindNotFound
	}
	if errors.Is(err, errors.ErrInvalidRequest) || errors.Is(err, errors.ErrUnauthorized) {
		return KindPermanent
	}
	if errors.Is(err, errors.ErrServiceUnavailable) {
		return KindServerDown
	}

	// Connection and timeout shapes retry
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
			return KindServerDown
		}
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindServerDown
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindTransient
	}

	return KindTransient
}

// FromHTTPStatus maps an HTTP response status to a kind. 2xx statuses are
// not errors and map to Transient only as a formality; callers should not
// classify successful responses.
func FromHTTPStatus(status int) Kind {
	switch status {
	case 429, 500, 502, 503, 504:
		return KindTransient
	case 400, 401, 403, 404, 405, 410, 422:
		return KindPermanent
	}
	if status >= 400 && status < 500 {
		return KindPermanent
	}
	if status >= 500 {
		return KindTransient
	}
	return KindTransient
}

// IsRetryable reports whether jobs failing with this kind re-enter the queue.
func (k Kind) IsRetryable() bool {
	return k != KindPermanent
}

// CountsTowardBreaker reports whether this kind indicates target distress.
// Permanent errors are bad requests, not outages.
func (k Kind) CountsTowardBreaker() bool {
	return k != KindPermanent
}

func (k Kind) String() string {
	return string(k)
}
