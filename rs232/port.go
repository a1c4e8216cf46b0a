package rs232

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of the serial backend used by Connection. The concrete
// implementation is go.bug.st/serial; tests substitute a scripted port.
type Port interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error

	// SetReadTimeout bounds the next Read calls. The backend reports an
	// expired timeout as a (0, nil) read.
	SetReadTimeout(d time.Duration) error

	// Drain blocks until the output buffer has been transmitted.
	Drain() error

	ResetInputBuffer() error
	ResetOutputBuffer() error

	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	GetModemStatusBits() (*serial.ModemStatusBits, error)

	// Break holds the TX line in the spacing state for the given duration.
	Break(d time.Duration) error
}

// openPort opens the OS serial device. Tests replace it to inject a mock.
var openPort = func(device string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}

	return port, nil
}

// ListPorts returns the names of the serial devices present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}
