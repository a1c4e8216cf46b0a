package devices

import (
	"context"

	"github.com/arloliu/go-scpi/scpi"
)

// PowerSupply drives the source and output subsystems shared by SCPI power
// supplies: voltage and current setpoints, their measured actuals, and the
// output relay.
type PowerSupply struct {
	dev *scpi.Device
}

// NewPowerSupply creates a power supply command set over dev.
func NewPowerSupply(dev *scpi.Device) *PowerSupply {
	return &PowerSupply{dev: dev}
}

// Device returns the underlying protocol-level device, for operations
// outside the power supply vocabulary.
func (p *PowerSupply) Device() *scpi.Device { return p.dev }

// SetVoltage programs the output voltage setpoint in volts. The output relay
// is not touched.
func (p *PowerSupply) SetVoltage(ctx context.Context, volts float64) error {
	return p.dev.SafeSend(ctx, scpi.Cmdf("SOURce:VOLTage %s", scpi.FormatFloat(volts)))
}

// VoltageSetpoint returns the programmed output voltage in volts.
func (p *PowerSupply) VoltageSetpoint(ctx context.Context) (float64, error) {
	resp, err := p.dev.SafeQuery(ctx, scpi.Cmd("SOURce:VOLTage?"))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}

// MeasureVoltage returns the measured output voltage in volts.
func (p *PowerSupply) MeasureVoltage(ctx context.Context) (float64, error) {
	resp, err := p.dev.SafeQuery(ctx, scpi.Cmd("MEASure:VOLTage?"))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}

// SetCurrent programs the output current setpoint in amps. The output relay
// is not touched.
func (p *PowerSupply) SetCurrent(ctx context.Context, amps float64) error {
	return p.dev.SafeSend(ctx, scpi.Cmdf("SOURce:CURRent %s", scpi.FormatFloat(amps)))
}

// CurrentSetpoint returns the programmed output current in amps.
func (p *PowerSupply) CurrentSetpoint(ctx context.Context) (float64, error) {
	resp, err := p.dev.SafeQuery(ctx, scpi.Cmd("SOURce:CURRent?"))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}

// MeasureCurrent returns the measured output current in amps.
func (p *PowerSupply) MeasureCurrent(ctx context.Context) (float64, error) {
	resp, err := p.dev.SafeQuery(ctx, scpi.Cmd("MEASure:CURRent?"))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}

// SetOutput switches the output relay on or off.
func (p *PowerSupply) SetOutput(ctx context.Context, on bool) error {
	return p.dev.SafeSend(ctx, scpi.Cmdf("OUTPut:STATe %s", scpi.FormatBool(on)))
}

// Output reports whether the output relay is on.
func (p *PowerSupply) Output(ctx context.Context) (bool, error) {
	resp, err := p.dev.SafeQuery(ctx, scpi.Cmd("OUTPut:STATe?"))
	if err != nil {
		return false, err
	}

	return scpi.ParseBool(resp)
}
