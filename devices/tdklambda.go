package devices

import (
	"context"
	"fmt"

	"github.com/arloliu/go-scpi/scpi"
)

// Ratings of the smallest Z+ model, the Z+ 20-10. Pass the ratings of the
// model being driven to NewTDKLambdaZplus.
const (
	DefaultVoltageLimit = 20.0
	DefaultCurrentLimit = 10.0
)

// setpointHeadroom is how far above its rating the supply accepts setpoints.
const setpointHeadroom = 1.05

// CoupleMode couples Z+ supplies daisy-chained on one serial bus, so GLOBal
// commands reach all of them at once.
type CoupleMode int

const (
	// CoupleNone leaves every supply on its own.
	CoupleNone CoupleMode = iota
	// CoupleAll couples all supplies on the bus.
	CoupleAll
)

// String returns the SCPI mnemonic of the couple mode.
func (c CoupleMode) String() string {
	if c == CoupleAll {
		return "ALL"
	}

	return "NONE"
}

// TDKLambdaZplus drives a TDK-Lambda Z+ series power supply: the generic
// source subsystem bounded by the model's ratings, plus channel selection,
// protection levels and the bus-wide GLOBal commands.
type TDKLambdaZplus struct {
	*PowerSupply

	voltageLimit float64
	currentLimit float64
}

// NewTDKLambdaZplus creates a Z+ command set over dev. The limits are the
// voltage and current ratings of the model being driven; SetVoltage and
// SetCurrent reject setpoints more than five percent above them.
func NewTDKLambdaZplus(dev *scpi.Device, voltageLimit, currentLimit float64) (*TDKLambdaZplus, error) {
	if voltageLimit <= 0 {
		return nil, fmt.Errorf("voltage limit %g is not positive", voltageLimit)
	}
	if currentLimit <= 0 {
		return nil, fmt.Errorf("current limit %g is not positive", currentLimit)
	}

	return &TDKLambdaZplus{
		PowerSupply:  NewPowerSupply(dev),
		voltageLimit: voltageLimit,
		currentLimit: currentLimit,
	}, nil
}

// VoltageLimit returns the voltage rating the setpoints are checked against.
func (t *TDKLambdaZplus) VoltageLimit() float64 { return t.voltageLimit }

// CurrentLimit returns the current rating the setpoints are checked against.
func (t *TDKLambdaZplus) CurrentLimit() float64 { return t.currentLimit }

// SetVoltage programs the output voltage setpoint in volts. Setpoints below
// zero or more than five percent above the voltage rating are rejected
// without touching the instrument.
func (t *TDKLambdaZplus) SetVoltage(ctx context.Context, volts float64) error {
	if volts < 0 || volts > setpointHeadroom*t.voltageLimit {
		return fmt.Errorf("voltage setpoint %g is outside 0..%g", volts, setpointHeadroom*t.voltageLimit)
	}

	return t.PowerSupply.SetVoltage(ctx, volts)
}

// SetCurrent programs the output current setpoint in amps. Setpoints below
// zero or more than five percent above the current rating are rejected
// without touching the instrument.
func (t *TDKLambdaZplus) SetCurrent(ctx context.Context, amps float64) error {
	if amps < 0 || amps > setpointHeadroom*t.currentLimit {
		return fmt.Errorf("current setpoint %g is outside 0..%g", amps, setpointHeadroom*t.currentLimit)
	}

	return t.PowerSupply.SetCurrent(ctx, amps)
}

// MeasurePower returns the measured output power in watts.
func (t *TDKLambdaZplus) MeasurePower(ctx context.Context) (float64, error) {
	resp, err := t.dev.SafeQuery(ctx, scpi.Cmd("MEASure:POWer?"))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}

// SelectChannel selects which supply on the bus the following commands
// address. Channels run from 1 to 31.
func (t *TDKLambdaZplus) SelectChannel(ctx context.Context, channel int) error {
	if channel < 1 || channel > 31 {
		return fmt.Errorf("channel %d is outside 1..31", channel)
	}

	return t.dev.SafeSend(ctx, scpi.Cmdf("INSTrument:NSELect %d", channel))
}

// ActiveChannel returns the channel the bus currently addresses.
func (t *TDKLambdaZplus) ActiveChannel(ctx context.Context) (int, error) {
	resp, err := t.dev.SafeQuery(ctx, scpi.Cmd("INSTrument:NSELect?"))
	if err != nil {
		return 0, err
	}

	return scpi.ParseInt(resp)
}

// SetCoupleMode couples or uncouples the supplies on the bus.
func (t *TDKLambdaZplus) SetCoupleMode(ctx context.Context, mode CoupleMode) error {
	if mode != CoupleNone && mode != CoupleAll {
		return fmt.Errorf("invalid couple mode %d", int(mode))
	}

	return t.dev.SafeSend(ctx, scpi.Cmdf("INSTrument:COUPle %s", mode))
}

// SetOverVoltage programs the over-voltage protection level in volts.
func (t *TDKLambdaZplus) SetOverVoltage(ctx context.Context, volts float64) error {
	return t.dev.SafeSend(ctx, scpi.Cmdf("VOLTage:PROTection:LEVel %s", scpi.FormatFloat(volts)))
}

// OverVoltage returns the programmed over-voltage protection level in volts.
func (t *TDKLambdaZplus) OverVoltage(ctx context.Context) (float64, error) {
	return t.queryLevel(ctx, "VOLTage:PROTection:LEVel?")
}

// OverVoltageRange returns the bounds the protection level can be programmed
// to. The minimum tracks the voltage setpoint at roughly 105 percent of it.
func (t *TDKLambdaZplus) OverVoltageRange(ctx context.Context) (min, max float64, err error) {
	min, err = t.queryLevel(ctx, "VOLTage:PROTection:LEVel? MIN")
	if err != nil {
		return 0, 0, err
	}
	max, err = t.queryLevel(ctx, "VOLTage:PROTection:LEVel? MAX")
	if err != nil {
		return 0, 0, err
	}

	return min, max, nil
}

// FlashDisplay makes the front panel voltage and current displays flash.
func (t *TDKLambdaZplus) FlashDisplay(ctx context.Context, on bool) error {
	return t.dev.SafeSend(ctx, scpi.Cmdf("DISPlay:FLASh %d", boolDigit(on)))
}

// GlobalEnable switches the output relay of all coupled supplies.
func (t *TDKLambdaZplus) GlobalEnable(ctx context.Context, on bool) error {
	return t.dev.SafeSend(ctx, scpi.Cmdf("GLOBal:OUTPut:STATe %d", boolDigit(on)))
}

// GlobalSetVoltage programs the voltage setpoint of all coupled supplies.
func (t *TDKLambdaZplus) GlobalSetVoltage(ctx context.Context, volts float64) error {
	return t.dev.SafeSend(ctx, scpi.Cmdf("GLOBal:VOLTage:AMPLitude %s", scpi.FormatFloat(volts)))
}

// GlobalReset resets all coupled supplies.
func (t *TDKLambdaZplus) GlobalReset(ctx context.Context) error {
	return t.dev.SafeSend(ctx, scpi.Cmd("GLOBal:*RST"))
}

// SaveState saves the applied settings to one of the four state slots.
func (t *TDKLambdaZplus) SaveState(ctx context.Context, slot int) error {
	if slot < 1 || slot > 4 {
		return fmt.Errorf("state slot %d is outside 1..4", slot)
	}

	return t.dev.SafeSend(ctx, scpi.Cmdf("*SAV %d", slot))
}

// RecallState restores the settings saved in one of the four state slots.
func (t *TDKLambdaZplus) RecallState(ctx context.Context, slot int) error {
	if slot < 1 || slot > 4 {
		return fmt.Errorf("state slot %d is outside 1..4", slot)
	}

	return t.dev.SafeSend(ctx, scpi.Cmdf("*RCL %d", slot))
}

// SetPowerOnState sets what the output does after AC recycle or a cleared
// latching fault: auto restores the previous output state, otherwise the
// output stays off until enabled.
func (t *TDKLambdaZplus) SetPowerOnState(ctx context.Context, auto bool) error {
	return t.dev.SafeSend(ctx, scpi.Cmdf("OUTPut:PON %d", boolDigit(auto)))
}

func (t *TDKLambdaZplus) queryLevel(ctx context.Context, query string) (float64, error) {
	resp, err := t.dev.SafeQuery(ctx, scpi.Cmd(query))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}

func boolDigit(v bool) int {
	if v {
		return 1
	}

	return 0
}
