package devices

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// currentSenseResponder scripts the 6632B measurement vocabulary: a mutable
// sense range and a fixed sequence of current readings, the last one
// repeating.
func currentSenseResponder(startRange string, readings ...string) func(cmd string) []string {
	rng := startRange
	return func(cmd string) []string {
		switch {
		case cmd == "MEASure:SCALar:CURRent:DC?":
			next := readings[0]
			if len(readings) > 1 {
				readings = readings[1:]
			}
			return []string{next}
		case cmd == "SENSe:CURRent:RANGe?":
			return []string{rng}
		case strings.HasPrefix(cmd, "SENSe:CURRent:RANGe "):
			rng = strings.TrimPrefix(cmd, "SENSe:CURRent:RANGe ")
		}
		return nil
	}
}

func TestHP6632BComposition(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = func(cmd string) []string {
		switch cmd {
		case "MEASure:VOLTage?":
			return []string{"7.5"}
		case "MEASure:SCALar:VOLTage:DC?":
			return []string{"7.499"}
		}
		return nil
	}

	hp := NewHP6632B(newTestDevice(t, mock))
	ctx := context.Background()

	// One instrument behind both subsystems.
	require.Same(hp.Device(), hp.PowerSupply.Device())
	require.Same(hp.Device(), hp.MultiMeter.Device())

	require.NoError(hp.SetVoltage(ctx, 7.5))

	volts, err := hp.MeasureVoltage(ctx)
	require.NoError(err)
	require.InDelta(7.5, volts, 1e-9)

	volts, err = hp.MeasureVoltageDC(ctx)
	require.NoError(err)
	require.InDelta(7.499, volts, 1e-9)

	require.Contains(mock.writeLog(), "SOURce:VOLTage 7.5")
}

func TestHP6632BLowCurrentMode(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = currentSenseResponder("5")

	hp := NewHP6632B(newTestDevice(t, mock))
	ctx := context.Background()

	low, err := hp.LowCurrentMode(ctx)
	require.NoError(err)
	require.False(low)

	require.NoError(hp.SetLowCurrentMode(ctx, true))
	low, err = hp.LowCurrentMode(ctx)
	require.NoError(err)
	require.True(low)

	require.NoError(hp.SetLowCurrentMode(ctx, false))
	low, err = hp.LowCurrentMode(ctx)
	require.NoError(err)
	require.False(low)

	log := mock.writeLog()
	require.Contains(log, "SENSe:CURRent:RANGe 0.02")
	require.Contains(log, "SENSe:CURRent:RANGe 5")
}

func TestHP6632BMeasureCurrentAutorange(t *testing.T) {
	tests := []struct {
		name         string
		startRange   string
		readings     []string
		want         float64
		wantMeasures int
		wantSwitch   string // empty when no range switch is expected
	}{
		{
			name:         "Low Reading Switches To Low Range",
			startRange:   "5",
			readings:     []string{"5.0E-3", "5.1E-3"},
			want:         0.0051,
			wantMeasures: 2,
			wantSwitch:   "SENSe:CURRent:RANGe 0.02",
		},
		{
			name:         "High Reading Switches To High Range",
			startRange:   "2.0E-2",
			readings:     []string{"2.1E-2", "4.56E-1"},
			want:         0.456,
			wantMeasures: 2,
			wantSwitch:   "SENSe:CURRent:RANGe 5",
		},
		{
			name:         "Reading Matches High Range",
			startRange:   "5",
			readings:     []string{"3.0"},
			want:         3.0,
			wantMeasures: 1,
		},
		{
			name:         "Negative Reading Matches Low Range",
			startRange:   "2.0E-2",
			readings:     []string{"-4.0E-3"},
			want:         -0.004,
			wantMeasures: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			mock := newMockTransport()
			mock.responder = currentSenseResponder(tt.startRange, tt.readings...)

			hp := NewHP6632B(newTestDevice(t, mock))

			amps, err := hp.MeasureCurrentAutorange(context.Background())
			require.NoError(err)
			require.InDelta(tt.want, amps, 1e-9)

			var measures int
			log := mock.writeLog()
			for _, line := range log {
				if line == "MEASure:SCALar:CURRent:DC?" {
					measures++
				}
			}
			require.Equal(tt.wantMeasures, measures)

			if tt.wantSwitch != "" {
				require.Contains(log, tt.wantSwitch)
			} else {
				require.NotContains(log, "SENSe:CURRent:RANGe 0.02")
				require.NotContains(log, "SENSe:CURRent:RANGe 5")
			}
		})
	}
}

func TestHP6632BFrontPanel(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()

	hp := NewHP6632B(newTestDevice(t, mock))
	ctx := context.Background()

	require.NoError(hp.SetRemote(ctx, true))
	require.NoError(hp.SetRemote(ctx, false))
	require.NoError(hp.SetRemoteLock(ctx, true))
	require.NoError(hp.SetRemoteLock(ctx, false))
	require.NoError(hp.SetDisplay(ctx, false))
	require.NoError(hp.SetDisplay(ctx, true))
	require.NoError(hp.SetDisplayMode(ctx, DisplayText))
	require.NoError(hp.SetDisplayMode(ctx, DisplayNormal))
	require.Error(hp.SetDisplayMode(ctx, DisplayMode(7)))

	require.Equal([]string{
		"SYSTem:REMote", "SYSTem:ERRor?",
		"SYSTem:LOCal", "SYSTem:ERRor?",
		"SYSTem:RWLock", "SYSTem:ERRor?",
		"SYSTem:LOCal", "SYSTem:ERRor?",
		"DISPlay OFF", "SYSTem:ERRor?",
		"DISPlay ON", "SYSTem:ERRor?",
		"DISPlay:MODE TEXT", "SYSTem:ERRor?",
		"DISPlay:MODE NORM", "SYSTem:ERRor?",
	}, mock.writeLog())
}

func TestHP6632BSetDisplayText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{name: "Plain", text: "CAL IN 5 MIN", want: `DISPlay:TEXT "CAL IN 5 MIN"`},
		{name: "Fourteen Chars", text: "12345678901234", want: `DISPlay:TEXT "12345678901234"`},
		{name: "Single Quotes", text: "IT'S ON", want: `DISPlay:TEXT "IT'S ON"`},
		{name: "Double Quotes", text: `SAY "HI"`, want: `DISPlay:TEXT 'SAY "HI"'`},
		{name: "Too Long", text: "123456789012345", wantErr: true},
		{name: "Mixed Quotes", text: `'A' "B"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			mock := newMockTransport()
			hp := NewHP6632B(newTestDevice(t, mock))

			err := hp.SetDisplayText(context.Background(), tt.text)
			if tt.wantErr {
				require.Error(err)
				require.Empty(mock.writeLog())
				return
			}

			require.NoError(err)
			require.Equal([]string{tt.want, "SYSTem:ERRor?"}, mock.writeLog())
		})
	}
}
