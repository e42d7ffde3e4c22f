package sim

import (
	"fmt"
	"strings"
	"sync"
)

// PowerSupplyConfig sets the simulated supply's envelope and load.
type PowerSupplyConfig struct {
	Model          string
	Serial         string
	Channels       int
	MaxVoltage     float64
	MaxCurrent     float64
	LoadResistance float64 // ohms seen at the output terminals
	NoiseFraction  float64 // stddev as a fraction of the reading
}

// DefaultPowerSupplyConfig models a one-channel 30 V / 3 A bench supply
// with a 10 ohm load attached.
func DefaultPowerSupplyConfig() PowerSupplyConfig {
	return PowerSupplyConfig{
		Model:          "PSU-3303",
		Serial:         "SIM-PSU-0001",
		Channels:       1,
		MaxVoltage:     30.0,
		MaxCurrent:     3.0,
		LoadResistance: 10.0,
		NoiseFraction:  0.005,
	}
}

type psuChannel struct {
	setVoltage float64
	setCurrent float64
	outputOn   bool
}

// PowerSupplyEngine simulates a programmable DC power supply. Readings
// follow the CV/CC law for the configured load resistance.
type PowerSupplyEngine struct {
	cfg PowerSupplyConfig

	mu       sync.Mutex
	channels []psuChannel
	selected int // zero-based
}

func NewPowerSupplyEngine(cfg PowerSupplyConfig) *PowerSupplyEngine {
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.LoadResistance <= 0 {
		cfg.LoadResistance = 10.0
	}
	channels := make([]psuChannel, cfg.Channels)
	for i := range channels {
		channels[i].setCurrent = cfg.MaxCurrent
	}
	return &PowerSupplyEngine{cfg: cfg, channels: channels}
}

// Reading is one channel's electrical state.
type Reading struct {
	Voltage float64
	Current float64
	Mode    string // "CV", "CC", or "OFF"
}

// Readings reports the channel's output. With the output disabled it reads
// (0, 0, OFF); otherwise constant-voltage until the load would draw more
// than the current limit, constant-current beyond that.
func (e *PowerSupplyEngine) Readings(channel int) (Reading, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return Reading{}, err
	}
	return e.readLocked(ch), nil
}

func (e *PowerSupplyEngine) readLocked(ch *psuChannel) Reading {
	if !ch.outputOn {
		return Reading{Mode: "OFF"}
	}
	r := e.cfg.LoadResistance
	demand := ch.setVoltage / r
	if demand <= ch.setCurrent {
		v := ch.setVoltage
		i := demand
		return Reading{
			Voltage: v + noise(e.cfg.NoiseFraction*v),
			Current: i + noise(e.cfg.NoiseFraction*i),
			Mode:    "CV",
		}
	}
	v := ch.setCurrent * r
	i := ch.setCurrent
	return Reading{
		Voltage: v + noise(e.cfg.NoiseFraction*v),
		Current: i + noise(e.cfg.NoiseFraction*i),
		Mode:    "CC",
	}
}

func (e *PowerSupplyEngine) channel(n int) (*psuChannel, error) {
	if n < 0 || n >= len(e.channels) {
		return nil, fmt.Errorf("channel %d out of range", n+1)
	}
	return &e.channels[n], nil
}

// SetVoltage programs the channel set-point, clamped to the envelope.
func (e *PowerSupplyEngine) SetVoltage(channel int, v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	if v < 0 || v > e.cfg.MaxVoltage {
		return fmt.Errorf("voltage %.3f outside 0..%.1f", v, e.cfg.MaxVoltage)
	}
	ch.setVoltage = v
	return nil
}

// SetCurrent programs the channel current limit.
func (e *PowerSupplyEngine) SetCurrent(channel int, i float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	if i < 0 || i > e.cfg.MaxCurrent {
		return fmt.Errorf("current %.3f outside 0..%.1f", i, e.cfg.MaxCurrent)
	}
	ch.setCurrent = i
	return nil
}

// SetOutput switches the channel output relay.
func (e *PowerSupplyEngine) SetOutput(channel int, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	ch.outputOn = on
	return nil
}

// SetLoadResistance changes the simulated load, for tests that need to
// drive the supply between CV and CC.
func (e *PowerSupplyEngine) SetLoadResistance(r float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r > 0 {
		e.cfg.LoadResistance = r
	}
}

func (e *PowerSupplyEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.channels {
		e.channels[i] = psuChannel{setCurrent: e.cfg.MaxCurrent}
	}
	e.selected = 0
}

// HandleCommand implements the supply's SCPI dialect.
func (e *PowerSupplyEngine) HandleCommand(line string) (string, bool) {
	cmd, arg := splitCommand(line)
	switch cmd {
	case "*IDN?":
		return fmt.Sprintf("LabLink,%s,%s,1.0.0", e.cfg.Model, e.cfg.Serial), true
	case "*RST":
		e.reset()
		return "", false
	case "SYST:ERR?":
		return errNoError, true
	case "SYST:CAP?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return fmt.Sprintf("channels=%d;max_voltage=%.1f;max_current=%.1f",
			len(e.channels), e.cfg.MaxVoltage, e.cfg.MaxCurrent), true

	case "INST:NSEL":
		if n, ok := parseInt(arg); ok {
			e.mu.Lock()
			if n >= 1 && n <= len(e.channels) {
				e.selected = n - 1
			}
			e.mu.Unlock()
		}
		return "", false
	case "INST:NSEL?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return fmt.Sprintf("%d", e.selected+1), true

	case "VOLT":
		if v, ok := parseFloat(arg); ok {
			e.mu.Lock()
			sel := e.selected
			e.mu.Unlock()
			e.SetVoltage(sel, v)
		}
		return "", false
	case "VOLT?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.channels[e.selected].setVoltage), true

	case "CURR":
		if i, ok := parseFloat(arg); ok {
			e.mu.Lock()
			sel := e.selected
			e.mu.Unlock()
			e.SetCurrent(sel, i)
		}
		return "", false
	case "CURR?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.channels[e.selected].setCurrent), true

	case "OUTP":
		if on, ok := parseOnOff(arg); ok {
			e.mu.Lock()
			sel := e.selected
			e.mu.Unlock()
			e.SetOutput(sel, on)
		}
		return "", false
	case "OUTP?":
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.channels[e.selected].outputOn {
			return "1", true
		}
		return "0", true

	case "MEAS:VOLT?":
		r, _ := e.Readings(e.selectedChannel())
		return formatFloat(r.Voltage), true
	case "MEAS:CURR?":
		r, _ := e.Readings(e.selectedChannel())
		return formatFloat(r.Current), true
	case "MEAS:ALL?":
		r, _ := e.Readings(e.selectedChannel())
		return fmt.Sprintf("%s,%s,%s", formatFloat(r.Voltage), formatFloat(r.Current), r.Mode), true
	case "MODE?":
		r, _ := e.Readings(e.selectedChannel())
		return r.Mode, true
	}

	if strings.HasSuffix(cmd, "?") {
		return "ERR,unknown query", true
	}
	return "", false
}

func (e *PowerSupplyEngine) selectedChannel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}
