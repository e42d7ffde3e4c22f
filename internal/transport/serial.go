package transport

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// serialConn speaks SCPI over an 8N1 serial line.
type serialConn struct {
	port     serial.Port
	timeouts TimeoutConfig
	closed   atomic.Bool
	pending  []byte // bytes read past the previous reply's terminator
}

func dialSerial(res Resource, timeouts TimeoutConfig) (Conn, error) {
	mode := &serial.Mode{
		BaudRate: res.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(res.Device, mode)
	if err != nil {
		return nil, MapError(err)
	}
	// Short poll timeout so reads can observe cancellation.
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, MapError(err)
	}
	return &serialConn{port: port, timeouts: timeouts}, nil
}

func (c *serialConn) WriteLine(ctx context.Context, line string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return MapError(err)
	}
	if _, err := c.port.Write([]byte(line + "\n")); err != nil {
		return MapError(err)
	}
	return nil
}

func (c *serialConn) Query(ctx context.Context, line string) (string, error) {
	if err := c.WriteLine(ctx, line); err != nil {
		return "", err
	}
	return c.readLine(ctx)
}

// readLine accumulates bytes until a newline, polling so the caller's
// context and the read timeout are both honoured.
func (c *serialConn) readLine(ctx context.Context) (string, error) {
	deadline := deadlineFor(ctx, c.timeouts.ReadTimeout)
	chunk := make([]byte, 256)
	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			reply := string(bytes.TrimRight(c.pending[:i], "\r"))
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return reply, nil
		}
		if c.closed.Load() {
			return "", ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return "", MapError(err)
		}
		if time.Now().After(deadline) {
			return "", fault.Timeout("serial read timed out")
		}
		n, err := c.port.Read(chunk)
		if err != nil {
			return "", MapError(err)
		}
		// n == 0 with nil error is the poll timeout tick.
		if n > 0 {
			c.pending = append(c.pending, chunk[:n]...)
		}
	}
}

func (c *serialConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.port.Close()
}
