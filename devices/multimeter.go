package devices

import (
	"context"

	"github.com/arloliu/go-scpi/scpi"
)

// MultiMeter drives the measurement subsystem shared by SCPI meters and by
// sources with built-in readback: immediate scalar measurements and the
// current sense range.
type MultiMeter struct {
	dev *scpi.Device
}

// NewMultiMeter creates a meter command set over dev.
func NewMultiMeter(dev *scpi.Device) *MultiMeter {
	return &MultiMeter{dev: dev}
}

// Device returns the underlying protocol-level device.
func (m *MultiMeter) Device() *scpi.Device { return m.dev }

// MeasureVoltageDC returns an immediate DC voltage measurement in volts.
func (m *MultiMeter) MeasureVoltageDC(ctx context.Context) (float64, error) {
	return m.measure(ctx, "MEASure:SCALar:VOLTage:DC?")
}

// MeasureVoltageAC returns an immediate AC RMS voltage measurement in volts.
func (m *MultiMeter) MeasureVoltageAC(ctx context.Context) (float64, error) {
	return m.measure(ctx, "MEASure:SCALar:VOLTage:AC?")
}

// MeasureCurrentDC returns an immediate DC current measurement in amps.
func (m *MultiMeter) MeasureCurrentDC(ctx context.Context) (float64, error) {
	return m.measure(ctx, "MEASure:SCALar:CURRent:DC?")
}

// MeasureCurrentAC returns an immediate AC RMS current measurement in amps.
func (m *MultiMeter) MeasureCurrentAC(ctx context.Context) (float64, error) {
	return m.measure(ctx, "MEASure:SCALar:CURRent:AC?")
}

// SetCurrentRange selects the current sense range. The instrument picks the
// smallest range that covers amps.
func (m *MultiMeter) SetCurrentRange(ctx context.Context, amps float64) error {
	return m.dev.SafeSend(ctx, scpi.Cmdf("SENSe:CURRent:RANGe %s", scpi.FormatFloat(amps)))
}

// CurrentRange returns the active current sense range in amps.
func (m *MultiMeter) CurrentRange(ctx context.Context) (float64, error) {
	return m.measure(ctx, "SENSe:CURRent:RANGe?")
}

func (m *MultiMeter) measure(ctx context.Context, query string) (float64, error) {
	resp, err := m.dev.SafeQuery(ctx, scpi.Cmd(query))
	if err != nil {
		return 0, err
	}

	return scpi.ParseFloat(resp)
}
