package device

import (
	"github.com/X9X0/LabLink-sub001/internal/fault"
)

// Operation names form a closed vocabulary; dispatch rejects anything else.
const (
	OpIdentify        = "identify"
	OpReset           = "reset"
	OpSetVoltage      = "set_voltage"
	OpSetCurrent      = "set_current"
	OpSetOutput       = "set_output"
	OpSetMode         = "set_mode"
	OpSetInput        = "set_input"
	OpSetResistance   = "set_resistance"
	OpSetPower        = "set_power"
	OpGetReadings     = "get_readings"
	OpGetWaveform     = "get_waveform"
	OpGetMeasurements = "get_measurements"
	OpSetTimebase     = "set_timebase"
	OpSetChannel      = "set_channel"
	OpSetTrigger      = "set_trigger"
	OpTriggerRun      = "trigger_run"
	OpTriggerStop     = "trigger_stop"
	OpTriggerSingle   = "trigger_single"
	OpAutoscale       = "autoscale"
	OpSaveState       = "save_state"
	OpRecallState     = "recall_state"
)

// Operation is one semantic request against a driver.
type Operation struct {
	Name   string                 `json:"operation"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// FloatParam fetches a required numeric parameter. JSON numbers decode as
// float64; integral Go values are accepted too.
func (o Operation) FloatParam(key string) (float64, error) {
	v, ok := o.Params[key]
	if !ok {
		return 0, fault.BadRequest("%s: missing required parameter %q", o.Name, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fault.BadRequest("%s: parameter %q must be a number", o.Name, key)
}

// FloatParamDefault fetches an optional numeric parameter.
func (o Operation) FloatParamDefault(key string, def float64) (float64, error) {
	if _, ok := o.Params[key]; !ok {
		return def, nil
	}
	return o.FloatParam(key)
}

// IntParam fetches a required integral parameter.
func (o Operation) IntParam(key string) (int, error) {
	v, err := o.FloatParam(key)
	if err != nil {
		return 0, err
	}
	n := int(v)
	if float64(n) != v {
		return 0, fault.BadRequest("%s: parameter %q must be an integer", o.Name, key)
	}
	return n, nil
}

// IntParamDefault fetches an optional integral parameter.
func (o Operation) IntParamDefault(key string, def int) (int, error) {
	if _, ok := o.Params[key]; !ok {
		return def, nil
	}
	return o.IntParam(key)
}

// BoolParam fetches a required boolean parameter.
func (o Operation) BoolParam(key string) (bool, error) {
	v, ok := o.Params[key]
	if !ok {
		return false, fault.BadRequest("%s: missing required parameter %q", o.Name, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fault.BadRequest("%s: parameter %q must be a boolean", o.Name, key)
	}
	return b, nil
}

// BoolParamDefault fetches an optional boolean parameter.
func (o Operation) BoolParamDefault(key string, def bool) (bool, error) {
	if _, ok := o.Params[key]; !ok {
		return def, nil
	}
	return o.BoolParam(key)
}

// StringParam fetches a required string parameter.
func (o Operation) StringParam(key string) (string, error) {
	v, ok := o.Params[key]
	if !ok {
		return "", fault.BadRequest("%s: missing required parameter %q", o.Name, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fault.BadRequest("%s: parameter %q must be a string", o.Name, key)
	}
	return s, nil
}

// StringParamDefault fetches an optional string parameter.
func (o Operation) StringParamDefault(key, def string) (string, error) {
	if _, ok := o.Params[key]; !ok {
		return def, nil
	}
	return o.StringParam(key)
}

// MapParam fetches a required object parameter.
func (o Operation) MapParam(key string) (map[string]interface{}, error) {
	v, ok := o.Params[key]
	if !ok {
		return nil, fault.BadRequest("%s: missing required parameter %q", o.Name, key)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fault.BadRequest("%s: parameter %q must be an object", o.Name, key)
	}
	return m, nil
}
