package prologix

import (
	"bytes"
	"errors"
	"time"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

// GPIB primary address range. Address 31 is the unlisten/untalk address and
// cannot name a device.
const (
	MinAddress = 0
	MaxAddress = 30
)

// Default and limit values for the controller configuration.
const (
	// DefaultReadTimeout is the default adapter-side read timeout, programmed
	// with "++read_tmo_ms". The adapter aborts a commissioned read when the
	// instrument stays silent for this long.
	DefaultReadTimeout = 500 * time.Millisecond
	// DefaultQueryTimeout is the default window for the adapter's own
	// responses ("++addr", "++srq", "++spoll").
	DefaultQueryTimeout = 1 * time.Second
	// DefaultScanTimeout is the default per-address budget of a bus scan.
	DefaultScanTimeout = 500 * time.Millisecond

	// MaxReadTimeout is the largest value "++read_tmo_ms" accepts.
	MaxReadTimeout = 3 * time.Second
)

// ControllerConfig holds the configuration parameters for a Prologix GPIB
// controller. It is populated by NewController from ControllerOption values.
type ControllerConfig struct {
	eoi        bool
	terminator []byte
	assertIFC  bool

	readTimeout  time.Duration
	queryTimeout time.Duration
	scanTimeout  time.Duration

	logger logger.Logger
}

// EOI reports whether the adapter asserts the EOI line with the last byte of
// every command.
func (cfg *ControllerConfig) EOI() bool { return cfg.eoi }

// Terminator returns the terminator the adapter appends to commands on the
// GPIB side.
func (cfg *ControllerConfig) Terminator() []byte {
	return append([]byte(nil), cfg.terminator...)
}

// AssertIFC reports whether Open pulses the IFC line to become controller in
// charge.
func (cfg *ControllerConfig) AssertIFC() bool { return cfg.assertIFC }

// ReadTimeout returns the adapter-side read timeout.
func (cfg *ControllerConfig) ReadTimeout() time.Duration { return cfg.readTimeout }

// QueryTimeout returns the window for the adapter's own responses.
func (cfg *ControllerConfig) QueryTimeout() time.Duration { return cfg.queryTimeout }

// ScanTimeout returns the per-address budget of a bus scan.
func (cfg *ControllerConfig) ScanTimeout() time.Duration { return cfg.scanTimeout }

// eosCode maps the GPIB command terminator to the "++eos" setting.
func (cfg *ControllerConfig) eosCode() int {
	switch {
	case bytes.Equal(cfg.terminator, []byte("\r\n")):
		return 0
	case bytes.Equal(cfg.terminator, []byte("\r")):
		return 1
	case bytes.Equal(cfg.terminator, []byte("\n")):
		return 2
	default:
		return 3
	}
}

// ControllerOption represents a functional option for configuring a
// Controller.
type ControllerOption interface {
	apply(*ControllerConfig) error
}

type ctrlOptFunc struct {
	name      string
	applyFunc func(*ControllerConfig) error
}

func (f *ctrlOptFunc) apply(cfg *ControllerConfig) error { return f.applyFunc(cfg) }

func newCtrlOptFunc(name string, f func(*ControllerConfig) error) *ctrlOptFunc {
	return &ctrlOptFunc{name: name, applyFunc: f}
}

// WithEOI controls whether the adapter asserts the EOI line with the last
// byte of every command. Most instruments require it; disable it only for
// devices that misbehave when EOI is asserted.
// An error is returned if the configuration is nil.
//
// EOI assertion is on by default.
func WithEOI(val bool) ControllerOption {
	return newCtrlOptFunc("WithEOI", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		cfg.eoi = val

		return nil
	})
}

// WithTerminator sets the terminator the adapter appends to commands on the
// GPIB side. Valid values are "\r\n", "\r", "\n" and the empty terminator
// (EOI only).
// An error is returned if the terminator is anything else or if the
// configuration is nil.
//
// The default terminator is CRLF ("\r\n").
func WithTerminator(term []byte) ControllerOption {
	return newCtrlOptFunc("WithTerminator", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		switch {
		case len(term) == 0,
			bytes.Equal(term, []byte("\r\n")),
			bytes.Equal(term, []byte("\r")),
			bytes.Equal(term, []byte("\n")):
			cfg.terminator = append([]byte(nil), term...)
		default:
			return errors.New("terminator must be CRLF, CR, LF or empty")
		}

		return nil
	})
}

// WithInterfaceClear controls whether Open pulses the IFC line, making the
// adapter controller in charge of the bus.
// An error is returned if the configuration is nil.
//
// The IFC pulse is on by default.
func WithInterfaceClear(val bool) ControllerOption {
	return newCtrlOptFunc("WithInterfaceClear", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		cfg.assertIFC = val

		return nil
	})
}

// WithReadTimeout sets the adapter-side read timeout programmed with
// "++read_tmo_ms". Instrument responses slower than this need their read
// re-commissioned, which the device views do automatically up to the
// engine-level timeout.
// An error is returned if the timeout is outside the valid range (1ms-3s) or
// if the configuration is nil.
//
// The default value is 500 milliseconds.
func WithReadTimeout(val time.Duration) ControllerOption {
	return newCtrlOptFunc("WithReadTimeout", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < time.Millisecond || val > MaxReadTimeout {
			return errors.New("read timeout out of range [1ms, 3s]")
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithQueryTimeout sets the window for the adapter's own responses, such as
// "++addr", "++srq" and "++spoll".
// An error is returned if the timeout is outside the valid range (10ms-30s)
// or if the configuration is nil.
//
// The default value is 1 second.
func WithQueryTimeout(val time.Duration) ControllerOption {
	return newCtrlOptFunc("WithQueryTimeout", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 10*time.Millisecond || val > 30*time.Second {
			return errors.New("query timeout out of range [10ms, 30s]")
		}
		cfg.queryTimeout = val

		return nil
	})
}

// WithScanTimeout sets the per-address budget of a bus scan. The scan
// serial-polls every primary address; absent addresses consume the full
// budget, so the scan takes up to 31 times this value.
// An error is returned if the timeout is outside the valid range (10ms-3s)
// or if the configuration is nil.
//
// The default value is 500 milliseconds.
func WithScanTimeout(val time.Duration) ControllerOption {
	return newCtrlOptFunc("WithScanTimeout", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 10*time.Millisecond || val > 3*time.Second {
			return errors.New("scan timeout out of range [10ms, 3s]")
		}
		cfg.scanTimeout = val

		return nil
	})
}

// WithLogger sets the logger for the controller.
// An error is returned if the logger or the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ControllerOption {
	return newCtrlOptFunc("WithLogger", func(cfg *ControllerConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
