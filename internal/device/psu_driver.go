package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// PowerSupplyDriver drives a programmable DC power supply over SCPI.
type PowerSupplyDriver struct {
	scpi scpiConn
	caps Capabilities
}

// NewPowerSupplyDriver wraps a connection with the generic power supply
// dialect. The default envelope is refined by SYST:CAP? on Identify.
func NewPowerSupplyDriver(conn transport.Conn) Driver {
	return &PowerSupplyDriver{
		scpi: scpiConn{conn: conn},
		caps: Capabilities{
			"channels":    1,
			"max_voltage": 30.0,
			"max_current": 3.0,
		},
	}
}

func (d *PowerSupplyDriver) Type() Type { return TypePowerSupply }

func (d *PowerSupplyDriver) Identify(ctx context.Context) (Identity, error) {
	id, err := d.scpi.identify(ctx)
	if err != nil {
		return Identity{}, err
	}
	d.scpi.refreshCapabilities(ctx, d.caps)
	return id, nil
}

func (d *PowerSupplyDriver) Capabilities() Capabilities { return d.caps.Copy() }

func (d *PowerSupplyDriver) Execute(ctx context.Context, op Operation) (map[string]interface{}, error) {
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

	case OpSetVoltage:
		v, err := op.FloatParam("voltage")
		if err != nil {
			return nil, err
		}
		channel, err := d.channelParam(op)
		if err != nil {
			return nil, err
		}
		if max, ok := d.caps.Float("max_voltage"); ok && (v < 0 || v > max) {
			return nil, fault.BadRequest("voltage %.3f outside range 0..%.1f", v, max)
		}
		if err := d.selectChannel(ctx, channel); err != nil {
			return nil, err
		}
		if err := d.scpi.write(ctx, "VOLT %g", v); err != nil {
			return nil, err
		}
		return map[string]interface{}{"voltage": v, "channel": channel}, nil

	case OpSetCurrent:
		i, err := op.FloatParam("current")
		if err != nil {
			return nil, err
		}
		channel, err := d.channelParam(op)
		if err != nil {
			return nil, err
		}
		if max, ok := d.caps.Float("max_current"); ok && (i < 0 || i > max) {
			return nil, fault.BadRequest("current %.3f outside range 0..%.1f", i, max)
		}
		if err := d.selectChannel(ctx, channel); err != nil {
			return nil, err
		}
		if err := d.scpi.write(ctx, "CURR %g", i); err != nil {
			return nil, err
		}
		return map[string]interface{}{"current": i, "channel": channel}, nil

	case OpSetOutput:
		enabled, err := op.BoolParam("enabled")
		if err != nil {
			return nil, err
		}
		channel, err := d.channelParam(op)
		if err != nil {
			return nil, err
		}
		if err := d.selectChannel(ctx, channel); err != nil {
			return nil, err
		}
		if err := d.scpi.write(ctx, "OUTP %s", onOff(enabled)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"enabled": enabled, "channel": channel}, nil

	case OpGetReadings:
		channel, err := d.channelParam(op)
		if err != nil {
			return nil, err
		}
		return d.readings(ctx, channel)

	case OpSaveState:
		return d.SnapshotState(ctx)

	case OpRecallState:
		state, err := op.MapParam("state")
		if err != nil {
			return nil, err
		}
		if err := d.RestoreState(ctx, state); err != nil {
			return nil, err
		}
		return map[string]interface{}{"restored": true}, nil
	}

	return nil, fault.BadRequest("power supply does not support operation %q", op.Name)
}

// channelParam validates the optional 1-based channel parameter before any
// wire traffic.
func (d *PowerSupplyDriver) channelParam(op Operation) (int, error) {
	channel, err := op.IntParamDefault("channel", 1)
	if err != nil {
		return 0, err
	}
	count, ok := d.caps.Int("channels")
	if !ok {
		count = 1
	}
	if channel < 1 || channel > count {
		return 0, fault.BadRequest("channel %d outside range 1..%d", channel, count)
	}
	return channel, nil
}

func (d *PowerSupplyDriver) selectChannel(ctx context.Context, channel int) error {
	if count, _ := d.caps.Int("channels"); count <= 1 {
		return nil
	}
	return d.scpi.write(ctx, "INST:NSEL %d", channel)
}

func (d *PowerSupplyDriver) readings(ctx context.Context, channel int) (map[string]interface{}, error) {
	if err := d.selectChannel(ctx, channel); err != nil {
		return nil, err
	}
	reply, err := d.scpi.query(ctx, "MEAS:ALL?")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(reply, ",")
	if len(parts) != 3 {
		return nil, fault.ParseError("readings reply %q has %d fields, want 3", reply, len(parts))
	}
	var v, i float64
	if _, err := fmt.Sscanf(parts[0], "%f", &v); err != nil {
		return nil, fault.Wrap(fault.KindParseError, err, "voltage field %q", parts[0])
	}
	if _, err := fmt.Sscanf(parts[1], "%f", &i); err != nil {
		return nil, fault.Wrap(fault.KindParseError, err, "current field %q", parts[1])
	}
	mode := strings.TrimSpace(parts[2])
	return map[string]interface{}{
		"channel": channel,
		"voltage": v,
		"current": i,
		"power":   v * i,
		"mode":    mode,
		"enabled": mode != "OFF",
	}, nil
}

// SnapshotState captures set-points and output flags for every channel.
func (d *PowerSupplyDriver) SnapshotState(ctx context.Context) (map[string]interface{}, error) {
	count, ok := d.caps.Int("channels")
	if !ok {
		count = 1
	}
	channels := make([]interface{}, 0, count)
	for ch := 1; ch <= count; ch++ {
		if err := d.selectChannel(ctx, ch); err != nil {
			return nil, err
		}
		v, err := d.scpi.queryFloat(ctx, "VOLT?")
		if err != nil {
			return nil, err
		}
		i, err := d.scpi.queryFloat(ctx, "CURR?")
		if err != nil {
			return nil, err
		}
		outp, err := d.scpi.query(ctx, "OUTP?")
		if err != nil {
			return nil, err
		}
		channels = append(channels, map[string]interface{}{
			"channel": ch,
			"voltage": v,
			"current": i,
			"enabled": outp == "1",
		})
	}
	return map[string]interface{}{"channels": channels}, nil
}

// RestoreState reapplies a snapshot taken by SnapshotState.
func (d *PowerSupplyDriver) RestoreState(ctx context.Context, state map[string]interface{}) error {
	channels, ok := state["channels"].([]interface{})
	if !ok {
		return fault.BadRequest("state has no channels list")
	}
	for _, raw := range channels {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		op := Operation{Name: OpRecallState, Params: entry}
		ch, err := op.IntParamDefault("channel", 1)
		if err != nil {
			return err
		}
		if err := d.selectChannel(ctx, ch); err != nil {
			return err
		}
		if v, err := op.FloatParamDefault("voltage", -1); err == nil && v >= 0 {
			if err := d.scpi.write(ctx, "VOLT %g", v); err != nil {
				return err
			}
		}
		if i, err := op.FloatParamDefault("current", -1); err == nil && i >= 0 {
			if err := d.scpi.write(ctx, "CURR %g", i); err != nil {
				return err
			}
		}
		if enabled, err := op.BoolParamDefault("enabled", false); err == nil {
			if err := d.scpi.write(ctx, "OUTP %s", onOff(enabled)); err != nil {
				return err
			}
		}
	}
	return nil
}
