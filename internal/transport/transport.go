// Package transport provides line-oriented instrument connections for the
// gateway. A Conn carries SCPI-style text traffic over TCP, a serial port,
// or an in-process mock engine; which one is selected by the resource
// string (tcp://host:port, serial:///dev/ttyUSB0?baud=115200,
// mock://engine-name).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a single instrument connection. Implementations are not safe for
// concurrent use; the session worker serialises all access.
type Conn interface {
	// WriteLine sends one command line. The line terminator is appended by
	// the implementation.
	WriteLine(ctx context.Context, line string) error

	// Query sends one command line and reads exactly one reply line,
	// stripped of its terminator.
	Query(ctx context.Context, line string) (string, error)

	Close() error
}

// TimeoutConfig holds per-phase I/O timeouts applied when the caller's
// context carries no sooner deadline.
type TimeoutConfig struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

// DefaultTimeouts returns the stock timeout configuration.
func DefaultTimeouts() TimeoutConfig {
	return TimeoutConfig{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    5 * time.Second,
	}
}

// Dial opens a connection for the given resource.
func Dial(ctx context.Context, res Resource, timeouts TimeoutConfig) (Conn, error) {
	switch res.Scheme {
	case SchemeTCP:
		return dialTCP(ctx, res, timeouts)
	case SchemeSerial:
		return dialSerial(res, timeouts)
	case SchemeMock:
		return dialMock(res)
	default:
		return nil, fault.BadRequest("unsupported transport scheme %q", res.Scheme)
	}
}

// deadlineFor resolves the effective deadline: the context's deadline if it
// is sooner than now+fallback, otherwise now+fallback.
func deadlineFor(ctx context.Context, fallback time.Duration) time.Time {
	d := time.Now().Add(fallback)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}
