package device

import (
	"context"
	"strconv"
	"strings"

	"github.com/X9X0/LabLink-sub001/internal/fault"
	"github.com/X9X0/LabLink-sub001/internal/transport"
)

// ElectronicLoadDriver drives a programmable DC load over SCPI.
type ElectronicLoadDriver struct {
	scpi scpiConn
	caps Capabilities
}

func NewElectronicLoadDriver(conn transport.Conn) Driver {
	return &ElectronicLoadDriver{
		scpi: scpiConn{conn: conn},
		caps: Capabilities{
			"max_current": 30.0,
			"max_power":   150.0,
		},
	}
}

func (d *ElectronicLoadDriver) Type() Type { return TypeElectronicLoad }

func (d *ElectronicLoadDriver) Identify(ctx context.Context) (Identity, error) {
	id, err := d.scpi.identify(ctx)
	if err != nil {
		return Identity{}, err
	}
	d.scpi.refreshCapabilities(ctx, d.caps)
	return id, nil
}

func (d *ElectronicLoadDriver) Capabilities() Capabilities { return d.caps.Copy() }

func (d *ElectronicLoadDriver) Execute(ctx context.Context, op Operation) (map[string]interface{}, error) {
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

	case OpSetMode:
		mode, err := op.StringParam("mode")
		if err != nil {
			return nil, err
		}
		mode = strings.ToUpper(mode)
		switch mode {
		case "CC", "CV", "CR", "CP":
		default:
			return nil, fault.BadRequest("mode %q must be CC, CV, CR, or CP", mode)
		}
		if err := d.scpi.write(ctx, "MODE %s", mode); err != nil {
			return nil, err
		}
		return map[string]interface{}{"mode": mode}, nil

	case OpSetInput:
		enabled, err := op.BoolParam("enabled")
		if err != nil {
			return nil, err
		}
		if err := d.scpi.write(ctx, "INP %s", onOff(enabled)); err != nil {
			return nil, err
		}
		return map[string]interface{}{"enabled": enabled}, nil

	case OpSetCurrent:
		i, err := op.FloatParam("current")
		if err != nil {
			return nil, err
		}
		if max, ok := d.caps.Float("max_current"); ok && (i < 0 || i > max) {
			return nil, fault.BadRequest("current %.3f outside range 0..%.1f", i, max)
		}
		if err := d.scpi.write(ctx, "CURR %g", i); err != nil {
			return nil, err
		}
		return map[string]interface{}{"current": i}, nil

	case OpSetVoltage:
		v, err := op.FloatParam("voltage")
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fault.BadRequest("voltage %.3f must not be negative", v)
		}
		if err := d.scpi.write(ctx, "VOLT %g", v); err != nil {
			return nil, err
		}
		return map[string]interface{}{"voltage": v}, nil

	case OpSetResistance:
		r, err := op.FloatParam("resistance")
		if err != nil {
			return nil, err
		}
		if r <= 0 {
			return nil, fault.BadRequest("resistance %.3f must be positive", r)
		}
		if err := d.scpi.write(ctx, "RES %g", r); err != nil {
			return nil, err
		}
		return map[string]interface{}{"resistance": r}, nil

	case OpSetPower:
		p, err := op.FloatParam("power")
		if err != nil {
			return nil, err
		}
		if max, ok := d.caps.Float("max_power"); ok && (p < 0 || p > max) {
			return nil, fault.BadRequest("power %.3f outside range 0..%.1f", p, max)
		}
		if err := d.scpi.write(ctx, "POW %g", p); err != nil {
			return nil, err
		}
		return map[string]interface{}{"power": p}, nil

	case OpGetReadings:
		return d.readings(ctx)
	}

	return nil, fault.BadRequest("electronic load does not support operation %q", op.Name)
}

func (d *ElectronicLoadDriver) readings(ctx context.Context) (map[string]interface{}, error) {
	reply, err := d.scpi.query(ctx, "MEAS:ALL?")
	if err != nil {
		return nil, err
	}
	parts := strings.Split(reply, ",")
	if len(parts) != 4 {
		return nil, fault.ParseError("readings reply %q has %d fields, want 4", reply, len(parts))
	}
	var v, i, p float64
	for idx, dst := range []*float64{&v, &i, &p} {
		val, err := strconv.ParseFloat(strings.TrimSpace(parts[idx]), 64)
		if err != nil {
			return nil, fault.ParseError("field %d of readings reply %q is not numeric", idx, reply)
		}
		*dst = val
	}
	mode := strings.TrimSpace(parts[3])
	return map[string]interface{}{
		"channel": 1,
		"voltage": v,
		"current": i,
		"power":   p,
		"mode":    mode,
		"enabled": mode != "OFF",
	}, nil
}
