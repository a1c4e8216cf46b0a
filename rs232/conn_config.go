package rs232

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

// Default values for the serial connection configuration. Instruments with a
// factory RS-232 setup almost universally speak 9600 8N1.
const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8

	// DefaultPresenceWait is the default wait for a presence signal (DCD on
	// open, CTS before a write) to assert.
	DefaultPresenceWait = 2 * time.Second
	// DefaultBreakDuration is the default length of the break condition sent
	// by DeviceClear.
	DefaultBreakDuration = 250 * time.Millisecond
)

// Parity selects the parity bit scheme of the serial frame.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// String returns the configuration vocabulary name of the parity scheme.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return "unknown"
	}
}

// ParseParity converts a configuration string to a Parity value. It accepts
// "none", "odd" and "even", ignoring case.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(s) {
	case "none":
		return ParityNone, nil
	case "odd":
		return ParityOdd, nil
	case "even":
		return ParityEven, nil
	default:
		return ParityNone, fmt.Errorf("invalid parity %q", s)
	}
}

func (p Parity) mode() serial.Parity {
	switch p {
	case ParityOdd:
		return serial.OddParity
	case ParityEven:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// StopBits selects the number of stop bits of the serial frame.
type StopBits int

const (
	StopBitsOne StopBits = iota
	StopBitsTwo
)

// String returns the stop bit count as a string.
func (s StopBits) String() string {
	if s == StopBitsTwo {
		return "2"
	}

	return "1"
}

// StopBitsFromCount maps a stop bit count to the StopBits value. Only 1 and 2
// are valid.
func StopBitsFromCount(n int) (StopBits, error) {
	switch n {
	case 1:
		return StopBitsOne, nil
	case 2:
		return StopBitsTwo, nil
	default:
		return StopBitsOne, fmt.Errorf("invalid stop bit count %d", n)
	}
}

func (s StopBits) mode() serial.StopBits {
	if s == StopBitsTwo {
		return serial.TwoStopBits
	}

	return serial.OneStopBit
}

// FlowControl selects the flow control scheme of the serial link.
//
// FlowHardware gates each write on the CTS line and asserts RTS while the
// connection is open. FlowSoftware (XON/XOFF) is part of the configuration
// vocabulary for completeness but is not supported by the serial backend;
// Open fails with ErrSoftwareFlowControl.
type FlowControl int

const (
	FlowNone FlowControl = iota
	FlowHardware
	FlowSoftware
)

// String returns the configuration vocabulary name of the flow control
// scheme.
func (f FlowControl) String() string {
	switch f {
	case FlowNone:
		return "none"
	case FlowHardware:
		return "hardware"
	case FlowSoftware:
		return "software"
	default:
		return "unknown"
	}
}

// ParseFlowControl converts a configuration string to a FlowControl value.
// It accepts "none", "hardware" and "software", ignoring case.
func ParseFlowControl(s string) (FlowControl, error) {
	switch strings.ToLower(s) {
	case "none":
		return FlowNone, nil
	case "hardware":
		return FlowHardware, nil
	case "software":
		return FlowSoftware, nil
	default:
		return FlowNone, fmt.Errorf("invalid flow control %q", s)
	}
}

// ConnectionConfig holds the configuration parameters for a serial SCPI
// connection. It is populated by NewConnectionConfig from ConnOption values.
type ConnectionConfig struct {
	device string

	baudRate int
	dataBits int
	parity   Parity
	stopBits StopBits

	flowControl      FlowControl
	useCarrierDetect bool
	presenceWait     time.Duration
	breakDuration    time.Duration

	logger logger.Logger
}

// NewConnectionConfig creates a serial connection configuration for the given
// device path, e.g. "/dev/ttyUSB0" or "COM3".
//
// The opts parameter accepts ConnOption values; see the WithXXX functions for
// the available options. The default frame is 9600 8N1 with no flow control
// and no carrier detection.
func NewConnectionConfig(device string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		baudRate:      DefaultBaudRate,
		dataBits:      DefaultDataBits,
		parity:        ParityNone,
		stopBits:      StopBitsOne,
		flowControl:   FlowNone,
		presenceWait:  DefaultPresenceWait,
		breakDuration: DefaultBreakDuration,
		logger:        logger.GetLogger(),
	}

	if device == "" {
		return nil, errors.New("device path is empty")
	}
	cfg.device = device

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Device returns the serial device path.
func (cfg *ConnectionConfig) Device() string { return cfg.device }

// BaudRate returns the configured baud rate.
func (cfg *ConnectionConfig) BaudRate() int { return cfg.baudRate }

// DataBits returns the configured number of data bits.
func (cfg *ConnectionConfig) DataBits() int { return cfg.dataBits }

// Parity returns the configured parity scheme.
func (cfg *ConnectionConfig) Parity() Parity { return cfg.parity }

// StopBits returns the configured stop bit count.
func (cfg *ConnectionConfig) StopBits() StopBits { return cfg.stopBits }

// FlowControl returns the configured flow control scheme.
func (cfg *ConnectionConfig) FlowControl() FlowControl { return cfg.flowControl }

// UseCarrierDetect reports whether Open gates on the DCD line.
func (cfg *ConnectionConfig) UseCarrierDetect() bool { return cfg.useCarrierDetect }

// PresenceWait returns the wait for a presence signal to assert.
func (cfg *ConnectionConfig) PresenceWait() time.Duration { return cfg.presenceWait }

// BreakDuration returns the length of the break condition sent by
// DeviceClear.
func (cfg *ConnectionConfig) BreakDuration() time.Duration { return cfg.breakDuration }

// ConnOption represents a functional option for configuring a
// ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (f *connOptFunc) apply(cfg *ConnectionConfig) error { return f.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// WithBaudRate sets the baud rate of the serial link.
// An error is returned if the rate is not positive or if the configuration is
// nil.
//
// The default value is 9600.
func WithBaudRate(val int) ConnOption {
	return newConnOptFunc("WithBaudRate", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val <= 0 {
			return errors.New("baud rate is not positive")
		}
		cfg.baudRate = val

		return nil
	})
}

// WithDataBits sets the number of data bits of the serial frame.
// An error is returned if the count is outside the valid range (5-8) or if
// the configuration is nil.
//
// The default value is 8.
func WithDataBits(val int) ConnOption {
	return newConnOptFunc("WithDataBits", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 5 || val > 8 {
			return errors.New("data bits out of range [5, 8]")
		}
		cfg.dataBits = val

		return nil
	})
}

// WithParity sets the parity scheme of the serial frame.
// An error is returned if the value is not a defined Parity or if the
// configuration is nil.
//
// The default value is ParityNone.
func WithParity(val Parity) ConnOption {
	return newConnOptFunc("WithParity", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < ParityNone || val > ParityEven {
			return errors.New("parity value is not defined")
		}
		cfg.parity = val

		return nil
	})
}

// WithStopBits sets the stop bit count of the serial frame.
// An error is returned if the value is not a defined StopBits or if the
// configuration is nil.
//
// The default value is StopBitsOne.
func WithStopBits(val StopBits) ConnOption {
	return newConnOptFunc("WithStopBits", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < StopBitsOne || val > StopBitsTwo {
			return errors.New("stop bits value is not defined")
		}
		cfg.stopBits = val

		return nil
	})
}

// WithFlowControl sets the flow control scheme of the serial link. Note that
// FlowSoftware passes configuration validation but is rejected by Open, so a
// configuration loader can report it in context.
// An error is returned if the value is not a defined FlowControl or if the
// configuration is nil.
//
// The default value is FlowNone.
func WithFlowControl(val FlowControl) ConnOption {
	return newConnOptFunc("WithFlowControl", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < FlowNone || val > FlowSoftware {
			return errors.New("flow control value is not defined")
		}
		cfg.flowControl = val

		return nil
	})
}

// WithCarrierDetect controls whether Open waits for the DCD line to assert
// before declaring the instrument present.
// An error is returned if the configuration is nil.
//
// Carrier detection is off by default.
func WithCarrierDetect(val bool) ConnOption {
	return newConnOptFunc("WithCarrierDetect", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		cfg.useCarrierDetect = val

		return nil
	})
}

// WithPresenceWait sets how long Open waits for DCD and a gated write waits
// for CTS before reporting the device as not present.
// An error is returned if the wait is outside the valid range (10ms-30s) or
// if the configuration is nil.
//
// The default value is 2 seconds.
func WithPresenceWait(val time.Duration) ConnOption {
	return newConnOptFunc("WithPresenceWait", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 10*time.Millisecond || val > 30*time.Second {
			return errors.New("presence wait out of range [10ms, 30s]")
		}
		cfg.presenceWait = val

		return nil
	})
}

// WithBreakDuration sets the length of the break condition sent by
// DeviceClear.
// An error is returned if the duration is outside the valid range (1ms-1s) or
// if the configuration is nil.
//
// The default value is 250 milliseconds.
func WithBreakDuration(val time.Duration) ConnOption {
	return newConnOptFunc("WithBreakDuration", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < time.Millisecond || val > time.Second {
			return errors.New("break duration out of range [1ms, 1s]")
		}
		cfg.breakDuration = val

		return nil
	})
}

// WithLogger sets the logger for the connection.
// An error is returned if the logger or the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
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
