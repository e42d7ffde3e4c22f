package device

import (
	"context"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// OscilloscopeDriver drives a digital oscilloscope over SCPI.
type OscilloscopeDriver struct {
	scpi scpiConn
	caps Capabilities
}

func NewOscilloscopeDriver(conn transport.Conn) Driver {
	return &OscilloscopeDriver{
		scpi: scpiConn{conn: conn},
		caps: Capabilities{
			"channels":         4,
			"max_sample_count": 65536.0,
			"bandwidth_hz":     100e6,
		},
	}
}

func (d *OscilloscopeDriver) Type() Type { return TypeOscilloscope }

func (d *OscilloscopeDriver) Identify(ctx context.Context) (Identity, error) {
	id, err := d.scpi.identify(ctx)
	if err != nil {
		return Identity{}, err
	}
	d.scpi.refreshCapabilities(ctx, d.caps)
	return id, nil
}

func (d *OscilloscopeDriver) Capabilities() Capabilities { return d.caps.Copy() }

func (d *OscilloscopeDriver) Execute(ctx context.Context, op Operation) (map[string]interface{}, error) {
	switch op.Name {
	case OpIdentify:
		id, err := d.Identify(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"vendor": id.Vendor, "model": id.Model,
			"serial": id.Serial, "firmware": id.Firmware,
		}, nil

	case OpReset:
		if err := d.scpi.write(ctx, "*RST"); err != nil {
			return nil, err
		}
		return map[string]interface{}{"reset": true}, nil

	case OpSetTimebase:
		scale, err := op.FloatParam("scale")
		if err != nil {
			return nil, err
		}
		if scale <= 0 {
			return nil, fault.BadRequest("timebase scale %g must be positive", scale)
		}
		offset, err := op.FloatParamDefault("offset", 0)
		if err != nil {
			return nil, err
		}
		if err := d.scpi.write(ctx, "TIM:SCAL %g", scale); err != nil {
			return nil, err
		}
		if err := d.scpi.write(ctx, "TIM:OFFS %g", offset); err != nil {
			return nil, err
		}
		return map[string]interface{}{"scale": scale, "offset": offset}, nil

	case OpSetChannel:
		return d.setChannel(ctx, op)

	case OpSetTrigger:
		return d.setTrigger(ctx, op)

	case OpTriggerRun:
		if err := d.scpi.write(ctx, "TRIG:RUN"); err != nil {
			return nil, err
		}
		return map[string]interface{}{"trigger": "run"}, nil
	case OpTriggerStop:
		if err := d.scpi.write(ctx, "TRIG:STOP"); err != nil {
			return nil, err
		}
		return map[string]interface{}{"trigger": "stop"}, nil
	case OpTriggerSingle:
		if err := d.scpi.write(ctx, "TRIG:SING"); err != nil {
			return nil, err
		}
		return map[string]interface{}{"trigger": "single"}, nil

	case OpAutoscale:
		if err := d.scpi.write(ctx, "AUT"); err != nil {
			return nil, err
		}
		return map[string]interface{}{"autoscale": true}, nil

	case OpGetWaveform:
		channel, err := d.channelParam(op)
		if err != nil {
			return nil, err
		}
		samples, err := d.scpi.queryFloats(ctx, "WAV:DATA? %d", channel)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"channel":      channel,
			"samples":      samples,
			"sample_count": len(samples),
		}, nil

	case OpGetMeasurements:
		channel, err := d.channelParam(op)
		if err != nil {
			return nil, err
		}
		return d.measurements(ctx, channel)
	}

	return nil, fault.BadRequest("oscilloscope does not support operation %q", op.Name)
}

func (d *OscilloscopeDriver) channelParam(op Operation) (int, error) {
	channel, err := op.IntParamDefault("channel", 1)
	if err != nil {
		return 0, err
	}
	count, ok := d.caps.Int("channels")
	if !ok {
		count = 4
	}
	if channel < 1 || channel > count {
		return 0, fault.BadRequest("channel %d outside range 1..%d", channel, count)
	}
	return channel, nil
}

func (d *OscilloscopeDriver) setChannel(ctx context.Context, op Operation) (map[string]interface{}, error) {
	channel, err := d.channelParam(op)
	if err != nil {
		return nil, err
	}
	enabled, err := op.BoolParam("enabled")
	if err != nil {
		return nil, err
	}
	scale, err := op.FloatParamDefault("scale", 1.0)
	if err != nil {
		return nil, err
	}
	if scale <= 0 {
		return nil, fault.BadRequest("channel scale %g must be positive", scale)
	}
	offset, err := op.FloatParamDefault("offset", 0)
	if err != nil {
		return nil, err
	}
	coupling, err := op.StringParamDefault("coupling", "DC")
	if err != nil {
		return nil, err
	}
	coupling = strings.ToUpper(coupling)
	if coupling != "DC" && coupling != "AC" && coupling != "GND" {
		return nil, fault.BadRequest("coupling %q must be DC, AC, or GND", coupling)
	}
	probe, err := op.FloatParamDefault("probe", 1.0)
	if err != nil {
		return nil, err
	}
	if probe <= 0 {
		return nil, fault.BadRequest("probe factor %g must be positive", probe)
	}

	if err := d.scpi.write(ctx, "CHAN%d:DISP %s", channel, onOff(enabled)); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "CHAN%d:SCAL %g", channel, scale); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "CHAN%d:OFFS %g", channel, offset); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "CHAN%d:COUP %s", channel, coupling); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "CHAN%d:PROB %g", channel, probe); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"channel": channel, "enabled": enabled, "scale": scale,
		"offset": offset, "coupling": coupling, "probe": probe,
	}, nil
}

func (d *OscilloscopeDriver) setTrigger(ctx context.Context, op Operation) (map[string]interface{}, error) {
	source, err := op.StringParamDefault("source", "CHAN1")
	if err != nil {
		return nil, err
	}
	mode, err := op.StringParamDefault("mode", "edge")
	if err != nil {
		return nil, err
	}
	level, err := op.FloatParamDefault("level", 0)
	if err != nil {
		return nil, err
	}
	slope, err := op.StringParamDefault("slope", "rising")
	if err != nil {
		return nil, err
	}
	if slope != "rising" && slope != "falling" {
		return nil, fault.BadRequest("slope %q must be rising or falling", slope)
	}
	coupling, err := op.StringParamDefault("coupling", "DC")
	if err != nil {
		return nil, err
	}

	if err := d.scpi.write(ctx, "TRIG:SOUR %s", strings.ToUpper(source)); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "TRIG:MODE %s", mode); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "TRIG:LEV %g", level); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "TRIG:SLOP %s", slope); err != nil {
		return nil, err
	}
	if err := d.scpi.write(ctx, "TRIG:COUP %s", strings.ToUpper(coupling)); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"source": source, "mode": mode, "level": level,
		"slope": slope, "coupling": coupling,
	}, nil
}

func (d *OscilloscopeDriver) measurements(ctx context.Context, channel int) (map[string]interface{}, error) {
	fields, err := d.scpi.queryFloats(ctx, "MEAS? %d", channel)
	if err != nil {
		return nil, err
	}
	if len(fields) != 5 {
		return nil, fault.ParseError("measurement reply has %d fields, want 5", len(fields))
	}
	return map[string]interface{}{
		"channel": channel,
		"vpp":     fields[0],
		"vavg":    fields[1],
		"vrms":    fields[2],
		"freq":    fields[3],
		"period":  fields[4],
	}, nil
}
