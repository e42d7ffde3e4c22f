package sim

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// WaveformKind selects the generated signal shape.
type WaveformKind string

const (
	WaveSine     WaveformKind = "sine"
	WaveSquare   WaveformKind = "square"
	WaveTriangle WaveformKind = "triangle"
	WaveNoise    WaveformKind = "noise"
)

func parseWaveformKind(arg string) (WaveformKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "SIN", "SINE":
		return WaveSine, true
	case "SQU", "SQUARE":
		return WaveSquare, true
	case "TRI", "TRIANGLE":
		return WaveTriangle, true
	case "NOIS", "NOISE":
		return WaveNoise, true
	}
	return "", false
}

// OscilloscopeConfig sets the simulated scope's envelope.
type OscilloscopeConfig struct {
	Model       string
	Serial      string
	Channels    int
	SampleCount int
	Frequency   float64 // Hz of the generated signal
	Amplitude   float64 // volts peak
	Kind        WaveformKind
}

// DefaultOscilloscopeConfig models a four-channel scope generating a
// 1 kHz, 1 V peak sine.
func DefaultOscilloscopeConfig() OscilloscopeConfig {
	return OscilloscopeConfig{
		Model:       "SCOPE-7104",
		Serial:      "SIM-SCOPE-0001",
		Channels:    4,
		SampleCount: 600,
		Frequency:   1000.0,
		Amplitude:   1.0,
		Kind:        WaveSine,
	}
}

type scopeChannel struct {
	enabled  bool
	scale    float64 // volts/div
	offset   float64
	coupling string
	probe    float64
}

type scopeTrigger struct {
	source   string
	mode     string
	level    float64
	slope    string
	coupling string
	state    string // "run", "stop", "single"
}

// OscilloscopeEngine simulates a digital oscilloscope with a built-in
// signal generator feeding every channel.
type OscilloscopeEngine struct {
	cfg OscilloscopeConfig

	mu            sync.Mutex
	kind          WaveformKind
	frequency     float64
	amplitude     float64
	offset        float64
	sampleCount   int
	timebaseScale float64 // s/div, 10 divisions per screen
	timebaseOffs  float64
	channels      []scopeChannel
	trigger       scopeTrigger
}

func NewOscilloscopeEngine(cfg OscilloscopeConfig) *OscilloscopeEngine {
	if cfg.Channels <= 0 {
		cfg.Channels = 4
	}
	if cfg.SampleCount <= 0 {
		cfg.SampleCount = 600
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = 1000.0
	}
	if cfg.Kind == "" {
		cfg.Kind = WaveSine
	}
	channels := make([]scopeChannel, cfg.Channels)
	for i := range channels {
		channels[i] = scopeChannel{enabled: i == 0, scale: 1.0, coupling: "DC", probe: 1.0}
	}
	return &OscilloscopeEngine{
		cfg:           cfg,
		kind:          cfg.Kind,
		frequency:     cfg.Frequency,
		amplitude:     cfg.Amplitude,
		sampleCount:   cfg.SampleCount,
		timebaseScale: 1.0 / cfg.Frequency / 2.0, // two periods per screen
		channels:      channels,
		trigger:       scopeTrigger{source: "CHAN1", mode: "edge", slope: "rising", coupling: "DC", state: "run"},
	}
}

// Waveform returns one acquisition for the channel: sampleCount points
// spanning ten timebase divisions.
func (e *OscilloscopeEngine) Waveform(channel int) ([]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if channel < 0 || channel >= len(e.channels) {
		return nil, fmt.Errorf("channel %d out of range", channel+1)
	}
	window := e.timebaseScale * 10
	samples := make([]float64, e.sampleCount)
	for k := range samples {
		t := e.timebaseOffs + window*float64(k)/float64(e.sampleCount)
		samples[k] = e.valueAt(t)
	}
	return samples, nil
}

// valueAt evaluates the generated signal at time t. Callers hold e.mu.
func (e *OscilloscopeEngine) valueAt(t float64) float64 {
	phase := t * e.frequency
	frac := phase - math.Floor(phase)
	switch e.kind {
	case WaveSquare:
		if frac < 0.5 {
			return e.offset + e.amplitude
		}
		return e.offset - e.amplitude
	case WaveTriangle:
		// rises 0→peak over the first half, falls back over the second
		if frac < 0.5 {
			return e.offset + e.amplitude*(4*frac-1)
		}
		return e.offset + e.amplitude*(3-4*frac)
	case WaveNoise:
		return e.offset + noise(e.amplitude)
	default:
		return e.offset + e.amplitude*math.Sin(2*math.Pi*phase)
	}
}

// Measurements computes the standard scalar measurements from a fresh
// acquisition on the channel.
func (e *OscilloscopeEngine) Measurements(channel int) (map[string]float64, error) {
	samples, err := e.Waveform(channel)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	freq := e.frequency
	e.mu.Unlock()

	min, max := samples[0], samples[0]
	var sum, sumSq float64
	for _, s := range samples {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
		sum += s
		sumSq += s * s
	}
	n := float64(len(samples))
	return map[string]float64{
		"vpp":    max - min,
		"vmax":   max,
		"vmin":   min,
		"vavg":   sum / n,
		"vrms":   math.Sqrt(sumSq / n),
		"freq":   freq,
		"period": 1.0 / freq,
	}, nil
}

func (e *OscilloscopeEngine) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kind = e.cfg.Kind
	e.frequency = e.cfg.Frequency
	e.amplitude = e.cfg.Amplitude
	e.offset = 0
	e.sampleCount = e.cfg.SampleCount
	e.timebaseScale = 1.0 / e.cfg.Frequency / 2.0
	e.timebaseOffs = 0
	for i := range e.channels {
		e.channels[i] = scopeChannel{enabled: i == 0, scale: 1.0, coupling: "DC", probe: 1.0}
	}
	e.trigger = scopeTrigger{source: "CHAN1", mode: "edge", slope: "rising", coupling: "DC", state: "run"}
}

// HandleCommand implements the scope's SCPI dialect.
func (e *OscilloscopeEngine) HandleCommand(line string) (string, bool) {
	cmd, arg := splitCommand(line)

	if strings.HasPrefix(cmd, "CHAN") {
		return e.handleChannelCommand(cmd, arg)
	}

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
		return fmt.Sprintf("channels=%d;max_sample_count=%d;bandwidth_hz=%.0f",
			len(e.channels), 65536, 100e6), true

	case "WAV:FORM":
		if kind, ok := parseWaveformKind(arg); ok {
			e.mu.Lock()
			e.kind = kind
			e.mu.Unlock()
		}
		return "", false
	case "WAV:FORM?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return strings.ToUpper(string(e.kind)), true
	case "WAV:FREQ":
		if v, ok := parseFloat(arg); ok && v > 0 {
			e.mu.Lock()
			e.frequency = v
			e.mu.Unlock()
		}
		return "", false
	case "WAV:FREQ?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.frequency), true
	case "WAV:AMPL":
		if v, ok := parseFloat(arg); ok && v >= 0 {
			e.mu.Lock()
			e.amplitude = v
			e.mu.Unlock()
		}
		return "", false
	case "WAV:AMPL?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return formatFloat(e.amplitude), true
	case "WAV:POIN":
		if n, ok := parseInt(arg); ok && n > 0 && n <= 65536 {
			e.mu.Lock()
			e.sampleCount = n
			e.mu.Unlock()
		}
		return "", false
	case "WAV:POIN?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return fmt.Sprintf("%d", e.sampleCount), true
	case "WAV:DATA?":
		ch := 1
		if n, ok := parseInt(arg); ok {
			ch = n
		}
		samples, err := e.Waveform(ch - 1)
		if err != nil {
			return "ERR," + err.Error(), true
		}
		parts := make([]string, len(samples))
		for i, s := range samples {
			parts[i] = formatFloat(s)
		}
		return strings.Join(parts, ","), true

	case "MEAS?":
		ch := 1
		if n, ok := parseInt(arg); ok {
			ch = n
		}
		m, err := e.Measurements(ch - 1)
		if err != nil {
			return "ERR," + err.Error(), true
		}
		return fmt.Sprintf("%s,%s,%s,%s,%s",
			formatFloat(m["vpp"]), formatFloat(m["vavg"]), formatFloat(m["vrms"]),
			formatFloat(m["freq"]), formatFloat(m["period"])), true

	case "TIM:SCAL":
		if v, ok := parseFloat(arg); ok && v > 0 {
			e.mu.Lock()
			e.timebaseScale = v
			e.mu.Unlock()
		}
		return "", false
	case "TIM:SCAL?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return fmt.Sprintf("%g", e.timebaseScale), true
	case "TIM:OFFS":
		if v, ok := parseFloat(arg); ok {
			e.mu.Lock()
			e.timebaseOffs = v
			e.mu.Unlock()
		}
		return "", false

	case "TRIG:SOUR":
		e.setTrigger(func(t *scopeTrigger) { t.source = arg })
		return "", false
	case "TRIG:MODE":
		e.setTrigger(func(t *scopeTrigger) { t.mode = strings.ToLower(arg) })
		return "", false
	case "TRIG:LEV":
		if v, ok := parseFloat(arg); ok {
			e.setTrigger(func(t *scopeTrigger) { t.level = v })
		}
		return "", false
	case "TRIG:SLOP":
		e.setTrigger(func(t *scopeTrigger) { t.slope = strings.ToLower(arg) })
		return "", false
	case "TRIG:COUP":
		e.setTrigger(func(t *scopeTrigger) { t.coupling = strings.ToUpper(arg) })
		return "", false
	case "TRIG:RUN":
		e.setTrigger(func(t *scopeTrigger) { t.state = "run" })
		return "", false
	case "TRIG:STOP":
		e.setTrigger(func(t *scopeTrigger) { t.state = "stop" })
		return "", false
	case "TRIG:SING":
		e.setTrigger(func(t *scopeTrigger) { t.state = "single" })
		return "", false
	case "TRIG:STAT?":
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.trigger.state, true

	case "AUT":
		e.autoscale()
		return "", false
	}

	if strings.HasSuffix(cmd, "?") {
		return "ERR,unknown query", true
	}
	return "", false
}

func (e *OscilloscopeEngine) setTrigger(fn func(*scopeTrigger)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.trigger)
}

// autoscale fits two periods across the screen and the full swing across
// six vertical divisions.
func (e *OscilloscopeEngine) autoscale() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frequency > 0 {
		e.timebaseScale = 2.0 / e.frequency / 10.0
	}
	scale := e.amplitude / 3.0
	if scale <= 0 {
		scale = 0.001
	}
	for i := range e.channels {
		if e.channels[i].enabled {
			e.channels[i].scale = scale
			e.channels[i].offset = 0
		}
	}
	e.timebaseOffs = 0
}

// handleChannelCommand parses CHAN<n>:<sub> forms.
func (e *OscilloscopeEngine) handleChannelCommand(cmd, arg string) (string, bool) {
	rest := strings.TrimPrefix(cmd, "CHAN")
	idxStr, sub, found := strings.Cut(rest, ":")
	if !found {
		return "", false
	}
	n, ok := parseInt(idxStr)
	if !ok || n < 1 || n > len(e.channels) {
		if strings.HasSuffix(sub, "?") {
			return "ERR,channel out of range", true
		}
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := &e.channels[n-1]

	switch sub {
	case "DISP":
		if on, ok := parseOnOff(arg); ok {
			ch.enabled = on
		}
	case "DISP?":
		if ch.enabled {
			return "1", true
		}
		return "0", true
	case "SCAL":
		if v, ok := parseFloat(arg); ok && v > 0 {
			ch.scale = v
		}
	case "SCAL?":
		return fmt.Sprintf("%g", ch.scale), true
	case "OFFS":
		if v, ok := parseFloat(arg); ok {
			ch.offset = v
		}
	case "OFFS?":
		return fmt.Sprintf("%g", ch.offset), true
	case "COUP":
		ch.coupling = strings.ToUpper(arg)
	case "COUP?":
		return ch.coupling, true
	case "PROB":
		if v, ok := parseFloat(arg); ok && v > 0 {
			ch.probe = v
		}
	case "PROB?":
		return fmt.Sprintf("%g", ch.probe), true
	}
	return "", false
}
