package worker

import (
	"strings"
	"time"
)

// ChannelReading is the last-observed electrical state of one channel.
type ChannelReading struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
	Mode    string  `json:"mode"`
	Enabled bool    `json:"enabled"`
}

// Telemetry is the worker's cached view of its instrument. The alarm
// engine samples exclusively from here; it never touches the wire.
type Telemetry struct {
	EquipmentID string                 `json:"equipment_id"`
	Connected   bool                   `json:"connected"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Channels    map[int]ChannelReading `json:"channels,omitempty"`
	Aux         map[string]float64     `json:"aux,omitempty"`
	HealthScore float64                `json:"health_score"`
}

// Copy returns an independent snapshot.
func (t Telemetry) Copy() Telemetry {
	out := t
	out.Channels = make(map[int]ChannelReading, len(t.Channels))
	for k, v := range t.Channels {
		out.Channels[k] = v
	}
	out.Aux = make(map[string]float64, len(t.Aux))
	for k, v := range t.Aux {
		out.Aux[k] = v
	}
	return out
}

// Value resolves a parameter name case-insensitively against the channel's
// electrical fields, then against the auxiliary numeric map.
func (t Telemetry) Value(param string, channel int) (float64, bool) {
	ch, chOK := t.Channels[channel]
	switch strings.ToLower(param) {
	case "voltage", "volt", "v":
		if chOK {
			return ch.Voltage, true
		}
	case "current", "curr", "i":
		if chOK {
			return ch.Current, true
		}
	case "power", "pow", "p":
		if chOK {
			return ch.Power, true
		}
	case "temperature", "temp":
		if v, ok := t.Aux["temperature"]; ok {
			return v, true
		}
	}
	for k, v := range t.Aux {
		if strings.EqualFold(k, param) {
			return v, true
		}
	}
	return 0, false
}
