package transport

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
)

// tcpConn speaks SCPI over a raw TCP socket (conventionally port 5025).
type tcpConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	timeouts TimeoutConfig
	closed   atomic.Bool
}

func dialTCP(ctx context.Context, res Resource, timeouts TimeoutConfig) (Conn, error) {
	dialer := net.Dialer{Timeout: timeouts.ConnectTimeout}
	addr := net.JoinHostPort(res.Host, strconv.Itoa(res.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, MapError(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpConn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		timeouts: timeouts,
	}, nil
}

func (c *tcpConn) WriteLine(ctx context.Context, line string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return MapError(err)
	}
	if err := c.conn.SetWriteDeadline(deadlineFor(ctx, c.timeouts.WriteTimeout)); err != nil {
		return MapError(err)
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return MapError(err)
	}
	return nil
}

func (c *tcpConn) Query(ctx context.Context, line string) (string, error) {
	if err := c.WriteLine(ctx, line); err != nil {
		return "", err
	}
	if err := c.conn.SetReadDeadline(deadlineFor(ctx, c.timeouts.ReadTimeout)); err != nil {
		return "", MapError(err)
	}
	reply, err := c.reader.ReadString('\n')
	if err != nil {
		return "", MapError(err)
	}
	return strings.TrimRight(reply, "\r\n"), nil
}

func (c *tcpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
