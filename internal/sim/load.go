package sim

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// LoadMode is the electronic load's regulation mode.
type LoadMode string

const (
	LoadCC LoadMode = "CC" // constant current
	LoadCV LoadMode = "CV" // constant voltage
	LoadCR LoadMode = "CR" // constant resistance
	LoadCP LoadMode = "CP" // constant power
)

func parseLoadMode(arg string) (LoadMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "CC":
		return LoadCC, true
	case "CV":
		return LoadCV, true
	case "CR":
		return LoadCR, true
	case "CP", "CW":
		return LoadCP, true
	}
	return "", false
}

// LoadConfig sets the simulated load's envelope and the source it sinks
// from: an ideal supply of SourceVoltage behind SourceResistance.
type LoadConfig struct {
	Model            string
	Serial           string
	MaxCurrent       float64
	MaxPower         float64
	SourceVoltage    float64
	SourceResistance float64
	NoiseFraction    float64
}

// DefaultLoadConfig models a 30 A / 150 W DC load fed by a stiff 12 V
// source.
func DefaultLoadConfig() LoadConfig {
	return LoadConfig{
		Model:            "LOAD-8500",
		Serial:           "SIM-LOAD-0001",
		MaxCurrent:       30.0,
		MaxPower:         150.0,
		SourceVoltage:    12.0,
		SourceResistance: 0.05,
		NoiseFraction:    0.005,
	}
}

// LoadEngine simulates a programmable electronic load.
type LoadEngine struct {
	cfg LoadConfig

	mu            sync.Mutex
	mode          LoadMode
	inputOn       bool
	setCurrent    float64
	setVoltage    float64
	setResistance float64
	setPower      float64
}

func NewLoadEngine(cfg LoadConfig) *LoadEngine {
	if cfg.SourceVoltage <= 0 {
		cfg.SourceVoltage = 12.0
	}
	if cfg.SourceResistance <= 0 {
		cfg.SourceResistance = 0.05
	}
	return &LoadEngine{
		cfg:           cfg,
		mode:          LoadCC,
		setCurrent:    1.0,
		setVoltage:    cfg.SourceVoltage,
		setResistance: 10.0,
		setPower:      10.0,
	}
}

// LoadReading is the load's terminal state.
type LoadReading struct {
	Voltage float64
	Current float64
	Power   float64
	Mode    string
}

// Readings solves the source/load circuit for the active mode.
func (e *LoadEngine) Readings() LoadReading {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.inputOn {
		return LoadReading{Voltage: e.cfg.SourceVoltage, Mode: "OFF"}
	}

	vs, rs := e.cfg.SourceVoltage, e.cfg.SourceResistance
	var v, i float64
	switch e.mode {
	case LoadCC:
		i = math.Min(e.setCurrent, vs/rs)
		v = vs - i*rs
	case LoadCV:
		v = math.Min(e.setVoltage, vs)
		i = (vs - v) / rs
	case LoadCR:
		i = vs / (rs + e.setResistance)
		v = i * e.setResistance
	case LoadCP:
		// P = v*i with v = vs - i*rs; take the high-voltage root.
		disc := vs*vs - 4*rs*e.setPower
		if disc < 0 {
			// demanded power beyond what the source can deliver
			i = vs / (2 * rs)
		} else {
			i = (vs - math.Sqrt(disc)) / (2 * rs)
		}
		v = vs - i*rs
	}

	if i > e.cfg.MaxCurrent {
		i = e.cfg.MaxCurrent
		v = vs - i*rs
	}

	v += noise(e.cfg.NoiseFraction * v)
	i += noise(e.cfg.NoiseFraction * i)
	return LoadReading{Voltage: v, Current: i, Power: v * i, Mode: string(e.mode)}
}

// SetMode switches the regulation mode.
func (e *LoadEngine) SetMode(m LoadMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
}

// SetInput switches the input relay.
func (e *LoadEngine) SetInput(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputOn = on
}

// SetCurrent programs the CC set-point.
func (e *LoadEngine) SetCurrent(i float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i > e.cfg.MaxCurrent {
		return fmt.Errorf("current %.3f outside 0..%.1f", i, e.cfg.MaxCurrent)
	}
	e.setCurrent = i
	return nil
}

// SetVoltage programs the CV set-point.
func (e *LoadEngine) SetVoltage(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v < 0 {
		return fmt.Errorf("voltage %.3f negative", v)
	}
	e.setVoltage = v
	return nil
}

// SetResistance programs the CR set-point.
func (e *LoadEngine) SetResistance(r float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r <= 0 {
		return fmt.Errorf("resistance %.3f not positive", r)
	}
	e.setResistance = r
	return nil
}

// SetPower programs the CP set-point.
func (e *LoadEngine) SetPower(p float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p < 0 || p > e.cfg.MaxPower {
		return fmt.Errorf("power %.3f outside 0..%.1f", p, e.cfg.MaxPower)
	}
	e.setPower = p
	return nil
}

func (e *LoadEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = LoadCC
	e.inputOn = false
	e.setCurrent = 1.0
	e.setVoltage = e.cfg.SourceVoltage
	e.setResistance = 10.0
	e.setPower = 10.0
}

// HandleCommand implements the load's SCPI dialect.
func (e *LoadEngine) HandleCommand(line string) (string, bool) {
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
		return fmt.Sprintf("max_current=%.1f;max_power=%.1f", e.cfg.MaxCurrent, e.cfg.MaxPower), true

	case "MODE":
		if m, ok := parseLoadMode(arg); ok {
			e.SetMode(m)
		}
		return "", false
	case "MODE?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return string(e.mode), true

	case "INP":
		if on, ok := parseOnOff(arg); ok {
			e.SetInput(on)
		}
		return "", false
	case "INP?":
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inputOn {
			return "1", true
		}
		return "0", true

	case "CURR":
		if v, ok := parseFloat(arg); ok {
			e.SetCurrent(v)
		}
		return "", false
	case "CURR?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.setCurrent), true
	case "VOLT":
		if v, ok := parseFloat(arg); ok {
			e.SetVoltage(v)
		}
		return "", false
	case "VOLT?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.setVoltage), true
	case "RES":
		if v, ok := parseFloat(arg); ok {
			e.SetResistance(v)
		}
		return "", false
	case "RES?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.setResistance), true
	case "POW":
		if v, ok := parseFloat(arg); ok {
			e.SetPower(v)
		}
		return "", false
	case "POW?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.setPower), true

	case "MEAS:VOLT?":
		return formatFloat(e.Readings().Voltage), true
	case "MEAS:CURR?":
		return formatFloat(e.Readings().Current), true
	case "MEAS:POW?":
		return formatFloat(e.Readings().Power), true
	case "MEAS:ALL?":
		r := e.Readings()
		return fmt.Sprintf("%s,%s,%s,%s",
			formatFloat(r.Voltage), formatFloat(r.Current), formatFloat(r.Power), r.Mode), true
	}

	if strings.HasSuffix(cmd, "?") {
		return "ERR,unknown query", true
	}
	return "", false
}
