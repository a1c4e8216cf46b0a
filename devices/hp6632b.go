package devices

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/arloliu/go-scpi/scpi"
)

// Current sense ranges of the HP 6632B. The instrument powers up in the high
// range, which covers the full 5A output; the low range resolves down to
// microamps but saturates at 20mA.
const (
	lowCurrentRange  = 0.020
	highCurrentRange = 5.0
)

// maxDisplayTextLen is the character capacity of the front panel display.
const maxDisplayTextLen = 14

// DisplayMode selects what the HP 6632B front panel shows.
type DisplayMode int

const (
	// DisplayNormal shows the measured output voltage and current.
	DisplayNormal DisplayMode = iota
	// DisplayText shows the text set with SetDisplayText.
	DisplayText
)

// String returns the SCPI mnemonic of the display mode.
func (m DisplayMode) String() string {
	if m == DisplayText {
		return "TEXT"
	}

	return "NORM"
}

// HP6632B drives an HP/Agilent 6632B system power supply: the generic source
// and measurement subsystems plus the model's display, front panel lockout
// and current range handling.
type HP6632B struct {
	*PowerSupply
	*MultiMeter

	dev *scpi.Device
}

// NewHP6632B creates an HP 6632B command set over dev.
func NewHP6632B(dev *scpi.Device) *HP6632B {
	return &HP6632B{
		PowerSupply: NewPowerSupply(dev),
		MultiMeter:  NewMultiMeter(dev),
		dev:         dev,
	}
}

// Device returns the underlying protocol-level device.
func (h *HP6632B) Device() *scpi.Device { return h.dev }

// SetLowCurrentMode switches between the low (20mA) and high (5A) current
// sense ranges.
func (h *HP6632B) SetLowCurrentMode(ctx context.Context, on bool) error {
	if on {
		return h.SetCurrentRange(ctx, lowCurrentRange)
	}

	return h.SetCurrentRange(ctx, highCurrentRange)
}

// LowCurrentMode reports whether the low current sense range is active.
func (h *HP6632B) LowCurrentMode(ctx context.Context) (bool, error) {
	rng, err := h.CurrentRange(ctx)
	if err != nil {
		return false, err
	}

	return rng <= lowCurrentRange, nil
}

// MeasureCurrentAutorange measures the output current and checks the reading
// against the active sense range. A reading the other range would resolve
// better triggers a range switch and a second measurement, so the returned
// value is always from the range that suits it.
func (h *HP6632B) MeasureCurrentAutorange(ctx context.Context) (float64, error) {
	amps, err := h.MeasureCurrentDC(ctx)
	if err != nil {
		return 0, err
	}

	low, err := h.LowCurrentMode(ctx)
	if err != nil {
		return 0, err
	}

	if math.Abs(amps) < lowCurrentRange {
		if low {
			return amps, nil
		}
		if err := h.SetLowCurrentMode(ctx, true); err != nil {
			return 0, err
		}

		return h.MeasureCurrentDC(ctx)
	}

	if !low {
		return amps, nil
	}
	if err := h.SetLowCurrentMode(ctx, false); err != nil {
		return 0, err
	}

	return h.MeasureCurrentDC(ctx)
}

// SetRemote moves the instrument into remote state, disabling the front
// panel except for the Local key; off returns it to local state. These are
// serial-link commands, on GPIB the controller handles remote/local
// addressing instead.
func (h *HP6632B) SetRemote(ctx context.Context, on bool) error {
	if on {
		return h.dev.SafeSend(ctx, scpi.Cmd("SYSTem:REMote"))
	}

	return h.dev.SafeSend(ctx, scpi.Cmd("SYSTem:LOCal"))
}

// SetRemoteLock moves the instrument into remote state with the whole front
// panel locked out, Local key included; off returns it to local state. It
// overrides a previous SetRemote and vice versa.
func (h *HP6632B) SetRemoteLock(ctx context.Context, on bool) error {
	if on {
		return h.dev.SafeSend(ctx, scpi.Cmd("SYSTem:RWLock"))
	}

	return h.dev.SafeSend(ctx, scpi.Cmd("SYSTem:LOCal"))
}

// SetDisplay turns the front panel display on or off.
func (h *HP6632B) SetDisplay(ctx context.Context, on bool) error {
	return h.dev.SafeSend(ctx, scpi.Cmdf("DISPlay %s", scpi.FormatBool(on)))
}

// SetDisplayMode selects between the normal metering display and the text
// set with SetDisplayText.
func (h *HP6632B) SetDisplayMode(ctx context.Context, mode DisplayMode) error {
	if mode != DisplayNormal && mode != DisplayText {
		return fmt.Errorf("invalid display mode %d", int(mode))
	}

	return h.dev.SafeSend(ctx, scpi.Cmdf("DISPlay:MODE %s", mode))
}

// SetDisplayText sets the text shown in the TEXT display mode. The display
// fits 14 characters. The text is sent quoted with whichever quote character
// it does not contain, so it may include single or double quotes but not
// both.
func (h *HP6632B) SetDisplayText(ctx context.Context, text string) error {
	if len(text) > maxDisplayTextLen {
		return fmt.Errorf("display text %q is longer than %d characters", text, maxDisplayTextLen)
	}

	single := strings.Contains(text, "'")
	double := strings.Contains(text, `"`)
	switch {
	case single && double:
		return fmt.Errorf("display text %q mixes single and double quotes", text)
	case double:
		return h.dev.SafeSend(ctx, scpi.Cmdf("DISPlay:TEXT '%s'", text))
	default:
		return h.dev.SafeSend(ctx, scpi.Cmdf(`DISPlay:TEXT "%s"`, text))
	}
}
