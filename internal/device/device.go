// Package device translates semantic instrument operations into wire
// traffic. A Driver owns one instrument's command dialect; it holds no
// concurrency state and must only be entered from its session worker.
package device

import (
	"context"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Type tags the instrument family.
type Type string

const (
	TypeOscilloscope      Type = "oscilloscope"
	TypePowerSupply       Type = "power_supply"
	TypeElectronicLoad    Type = "electronic_load"
	TypeMultimeter        Type = "multimeter"
	TypeFunctionGenerator Type = "function_generator"
	TypeSpectrumAnalyzer  Type = "spectrum_analyzer"
)

// ParseType validates a type tag from a request.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeOscilloscope:
		return TypeOscilloscope, nil
	case TypePowerSupply:
		return TypePowerSupply, nil
	case TypeElectronicLoad:
		return TypeElectronicLoad, nil
	case TypeMultimeter:
		return TypeMultimeter, nil
	case TypeFunctionGenerator:
		return TypeFunctionGenerator, nil
	case TypeSpectrumAnalyzer:
		return TypeSpectrumAnalyzer, nil
	}
	return "", fault.BadRequest("unknown equipment type %q", s)
}

// Identity describes one instrument as reported by *IDN?.
type Identity struct {
	Vendor   string `json:"vendor"`
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
}

// ParseIdentity splits the conventional four-field *IDN? reply.
func ParseIdentity(reply string) (Identity, error) {
	parts := strings.Split(reply, ",")
	if len(parts) < 4 {
		return Identity{}, fault.ParseError("identity reply %q has %d fields, want 4", reply, len(parts))
	}
	return Identity{
		Vendor:   strings.TrimSpace(parts[0]),
		Model:    strings.TrimSpace(parts[1]),
		Serial:   strings.TrimSpace(parts[2]),
		Firmware: strings.TrimSpace(parts[3]),
	}, nil
}

// Capabilities is the instrument's envelope: numeric limits and counts
// that bound operation parameters.
type Capabilities map[string]interface{}

// Float fetches a numeric capability.
func (c Capabilities) Float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Int fetches an integral capability.
func (c Capabilities) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Copy returns an independent shallow copy.
func (c Capabilities) Copy() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Driver is one instrument's operation contract. Implementations are not
// safe for concurrent use.
type Driver interface {
	Type() Type
	Identify(ctx context.Context) (Identity, error)
	Capabilities() Capabilities
	Execute(ctx context.Context, op Operation) (map[string]interface{}, error)
}

// StateSnapshotter is implemented by drivers that can capture and restore
// instrument settings.
type StateSnapshotter interface {
	SnapshotState(ctx context.Context) (map[string]interface{}, error)
	RestoreState(ctx context.Context, state map[string]interface{}) error
}
