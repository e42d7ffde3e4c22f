// Package alarm evaluates threshold conditions against cached instrument
// telemetry and manages the lifecycle of the events they raise.
package alarm

import (
	"regexp"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Kind selects the predicate applied to a sampled value.
type Kind string

const (
	KindThresholdHigh Kind = "threshold_high"
	KindThresholdLow  Kind = "threshold_low"
	KindInRange       Kind = "in_range"
	KindOutOfRange    Kind = "out_of_range"
)

// ParseKind validates a predicate kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindThresholdHigh:
		return KindThresholdHigh, nil
	case KindThresholdLow:
		return KindThresholdLow, nil
	case KindInRange:
		return KindInRange, nil
	case KindOutOfRange:
		return KindOutOfRange, nil
	default:
		return "", fault.BadRequest("unknown alarm kind %q", s)
	}
}

// Severity ranks an alarm definition.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity; empty defaults to warning.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return SeverityWarning, nil
	case SeverityInfo:
		return SeverityInfo, nil
	case SeverityWarning:
		return SeverityWarning, nil
	case SeverityCritical:
		return SeverityCritical, nil
	default:
		return "", fault.BadRequest("unknown severity %q", s)
	}
}

// Definition is a persisted alarm rule. EquipmentID empty means the rule
// applies to every connected instrument that exports the parameter.
type Definition struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	EquipmentID  string   `json:"equipment_id,omitempty"`
	Parameter    string   `json:"parameter"`
	Channel      int      `json:"channel,omitempty"`
	Kind         Kind     `json:"kind"`
	Low          float64  `json:"low,omitempty"`
	High         float64  `json:"high,omitempty"`
	Deadband     float64  `json:"deadband,omitempty"`
	DelaySeconds float64  `json:"delay_seconds,omitempty"`
	Severity     Severity `json:"severity"`
	Enabled      bool     `json:"enabled"`
	AutoClear    bool     `json:"auto_clear"`
	Notify       []string `json:"notify,omitempty"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

// Copy returns an independent snapshot.
func (d *Definition) Copy() *Definition {
	out := *d
	if d.Notify != nil {
		out.Notify = append([]string(nil), d.Notify...)
	}
	return &out
}

// paramAliases maps accepted spellings to the canonical telemetry fields.
var paramAliases = map[string]string{
	"v":           "voltage",
	"volt":        "voltage",
	"voltage":     "voltage",
	"i":           "current",
	"amp":         "current",
	"current":     "current",
	"w":           "power",
	"power":       "power",
	"t":           "temperature",
	"temp":        "temperature",
	"temperature": "temperature",
}

var auxKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// ResolveParameter normalises an alarm parameter name. Canonical electrical
// fields resolve through their aliases case-insensitively; any other
// well-formed name is an auxiliary telemetry key matched at evaluation time.
func ResolveParameter(name string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return "", fault.BadRequest("alarm parameter is required")
	}
	if canonical, ok := paramAliases[trimmed]; ok {
		return canonical, nil
	}
	if !auxKeyPattern.MatchString(trimmed) {
		return "", fault.BadRequest("invalid alarm parameter %q", name)
	}
	return trimmed, nil
}

// IsCanonicalParameter reports whether name is one of the built-in
// electrical telemetry fields rather than an auxiliary key.
func IsCanonicalParameter(name string) bool {
	switch name {
	case "voltage", "current", "power", "temperature":
		return true
	}
	return false
}

// normalize validates a definition in place and fills defaults.
func (d *Definition) normalize() error {
	if strings.TrimSpace(d.Name) == "" {
		return fault.BadRequest("alarm name is required")
	}
	param, err := ResolveParameter(d.Parameter)
	if err != nil {
		return err
	}
	d.Parameter = param

	kind, err := ParseKind(string(d.Kind))
	if err != nil {
		return err
	}
	d.Kind = kind

	sev, err := ParseSeverity(string(d.Severity))
	if err != nil {
		return err
	}
	d.Severity = sev

	if d.Deadband < 0 {
		return fault.BadRequest("deadband must be non-negative")
	}
	if d.DelaySeconds < 0 {
		return fault.BadRequest("delay_seconds must be non-negative")
	}
	if d.Channel < 0 {
		return fault.BadRequest("channel must be positive")
	}
	if d.Channel == 0 {
		d.Channel = 1
	}

	switch d.Kind {
	case KindInRange, KindOutOfRange:
		if d.Low > d.High {
			return fault.BadRequest("low %.6g exceeds high %.6g", d.Low, d.High)
		}
		if d.Low+d.Deadband > d.High-d.Deadband {
			return fault.BadRequest("deadband %.6g wider than range [%.6g, %.6g]", d.Deadband, d.Low, d.High)
		}
	}
	return nil
}

// raising reports whether v satisfies the alarm's raise predicate.
func (d *Definition) raising(v float64) bool {
	switch d.Kind {
	case KindThresholdHigh:
		return v > d.High
	case KindThresholdLow:
		return v < d.Low
	case KindInRange:
		return v >= d.Low && v <= d.High
	case KindOutOfRange:
		return v < d.Low || v > d.High
	}
	return false
}

// clearing reports whether v has left the raise region by at least the
// deadband. Values between the raise and clear boundaries hold state.
func (d *Definition) clearing(v float64) bool {
	db := d.Deadband
	switch d.Kind {
	case KindThresholdHigh:
		return v < d.High-db
	case KindThresholdLow:
		return v > d.Low+db
	case KindInRange:
		return v < d.Low-db || v > d.High+db
	case KindOutOfRange:
		return v >= d.Low+db && v <= d.High-db
	}
	return false
}

func (d *Definition) delayMs() int64 {
	return int64(d.DelaySeconds * 1000)
}
