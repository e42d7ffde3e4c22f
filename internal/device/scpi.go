package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// scpiConn wraps a transport connection with SCPI formatting and reply
// parsing shared by the drivers.
type scpiConn struct {
	conn transport.Conn
}

func (s scpiConn) write(ctx context.Context, format string, args ...interface{}) error {
	return s.conn.WriteLine(ctx, fmt.Sprintf(format, args...))
}

func (s scpiConn) query(ctx context.Context, format string, args ...interface{}) (string, error) {
	reply, err := s.conn.Query(ctx, fmt.Sprintf(format, args...))
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply, "ERR,") {
		return "", fault.ParseError("instrument rejected query: %s", strings.TrimPrefix(reply, "ERR,"))
	}
	return reply, nil
}

func (s scpiConn) queryFloat(ctx context.Context, format string, args ...interface{}) (float64, error) {
	reply, err := s.query(ctx, format, args...)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fault.Wrap(fault.KindParseError, err, "expected numeric reply, got %q", reply)
	}
	return v, nil
}

// queryFloats parses a comma-separated list of numbers.
func (s scpiConn) queryFloats(ctx context.Context, format string, args ...interface{}) ([]float64, error) {
	reply, err := s.query(ctx, format, args...)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(reply, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fault.Wrap(fault.KindParseError, err, "field %d of reply %q is not numeric", i, reply)
		}
		out[i] = v
	}
	return out, nil
}

// identify issues *IDN? and parses the four-field reply.
func (s scpiConn) identify(ctx context.Context) (Identity, error) {
	reply, err := s.query(ctx, "*IDN?")
	if err != nil {
		return Identity{}, err
	}
	return ParseIdentity(reply)
}

// refreshCapabilities merges SYST:CAP? key=value pairs into caps. Missing
// support for the query is not an error; the defaults stand.
func (s scpiConn) refreshCapabilities(ctx context.Context, caps Capabilities) {
	reply, err := s.conn.Query(ctx, "SYST:CAP?")
	if err != nil || strings.HasPrefix(reply, "ERR,") {
		return
	}
	for _, pair := range strings.Split(reply, ";") {
		key, val, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			caps[key] = n
		} else {
			caps[key] = val
		}
	}
}

// onOff renders a boolean in SCPI spelling.
func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
