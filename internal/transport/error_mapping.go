package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// MapError classifies a raw I/O error into the fault taxonomy. Timeouts and
// cancellations keep their own kinds; everything else that reaches the wire
// becomes instrument_unavailable so callers can retry after reconnect.
func MapError(err error) *fault.Fault {
	if err == nil {
		return nil
	}
	if f := fault.As(err); f != nil {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, err, "instrument did not respond in time")
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCancelled, err, "operation cancelled")
	}
	if errors.Is(err, ErrClosed) {
		return fault.Wrap(fault.KindInstrumentUnavailable, err, "connection closed")
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fault.Wrap(fault.KindInstrumentUnavailable, err, "instrument closed the connection")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return fault.Wrap(fault.KindTimeout, err, "DNS lookup timed out for %s", dnsErr.Name)
		}
		return fault.Wrap(fault.KindInstrumentUnavailable, err, "DNS lookup failed for %s", dnsErr.Name)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return fault.Wrap(fault.KindTimeout, err, "network %s timed out", opErr.Op)
		}
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			return fault.Wrap(fault.KindInstrumentUnavailable, err, "connection refused")
		case errors.Is(err, syscall.ECONNRESET):
			return fault.Wrap(fault.KindInstrumentUnavailable, err, "connection reset")
		case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
			return fault.Wrap(fault.KindInstrumentUnavailable, err, "host unreachable")
		case errors.Is(err, syscall.EPIPE):
			return fault.Wrap(fault.KindInstrumentUnavailable, err, "broken pipe")
		}
		return fault.Wrap(fault.KindInstrumentUnavailable, err, "network error during %s", opErr.Op)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fault.Wrap(fault.KindTimeout, err, "network operation timed out")
	}

	// Serial drivers surface plain errors; recognise the common phrasings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return fault.Wrap(fault.KindTimeout, err, "instrument did not respond in time")
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "port not found"):
		return fault.Wrap(fault.KindInstrumentUnavailable, err, "serial device not present")
	case strings.Contains(msg, "permission denied"):
		return fault.Wrap(fault.KindInstrumentUnavailable, err, "serial device not accessible")
	}

	return fault.Wrap(fault.KindInstrumentUnavailable, err, "transport error")
}
