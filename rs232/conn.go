package rs232

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

const (
	// readChunkSize is the transfer size for one port read.
	readChunkSize = 4096
	// presencePollInterval is how often a presence wait samples the modem
	// status lines.
	presencePollInterval = 10 * time.Millisecond
)

// ErrSoftwareFlowControl is returned by Open when the configuration selects
// XON/XOFF flow control, which the serial backend does not implement.
var ErrSoftwareFlowControl = errors.New("software flow control is not supported by the serial backend")

// Connection is a SCPI transport over an RS-232 serial link. The link frames
// both directions on the line terminator. The break condition doubles as the
// out-of-band device clear message, and the modem status lines (DCD, CTS)
// optionally gate operations on instrument presence.
type Connection struct {
	cfg    *ConnectionConfig
	logger logger.Logger

	opState scpi.AtomicOpState

	// portMu guards the port handle only. Close takes it while a read is
	// blocked, so closing the port can unblock the reader.
	portMu sync.Mutex
	port   Port

	// rmu serializes readers and guards the accumulation buffer.
	rmu   sync.Mutex
	rbuf  []byte
	chunk [readChunkSize]byte
}

var (
	_ scpi.Transport     = (*Connection)(nil)
	_ scpi.DeviceClearer = (*Connection)(nil)
)

// NewConnection creates a serial transport from cfg.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, scpi.ErrConfigNil
	}

	return &Connection{cfg: cfg, logger: cfg.logger}, nil
}

// Open opens the serial device, raises the terminal-ready lines and, when
// carrier detection is configured, waits for DCD to assert. It returns nil
// when the connection is already open.
func (c *Connection) Open() error {
	if !c.opState.ToOpening() {
		if c.opState.IsOpened() {
			return nil
		}
		return scpi.ErrInvalidTransition
	}

	if c.cfg.flowControl == FlowSoftware {
		c.opState.Set(scpi.ClosedState)
		return &scpi.TransportError{Op: "open", Err: ErrSoftwareFlowControl}
	}

	mode := &serial.Mode{
		BaudRate: c.cfg.baudRate,
		DataBits: c.cfg.dataBits,
		Parity:   c.cfg.parity.mode(),
		StopBits: c.cfg.stopBits.mode(),
	}
	port, err := openPort(c.cfg.device, mode)
	if err != nil {
		c.opState.Set(scpi.ClosedState)
		return &scpi.TransportError{Op: "open", Err: err}
	}

	if err := c.raiseLines(port); err != nil {
		_ = port.Close()
		c.opState.Set(scpi.ClosedState)

		return err
	}

	if c.cfg.useCarrierDetect {
		if err := c.awaitSignal(port, "DCD", func(bits *serial.ModemStatusBits) bool { return bits.DCD }); err != nil {
			_ = port.Close()
			c.opState.Set(scpi.ClosedState)

			return err
		}
	}

	c.rmu.Lock()
	c.rbuf = c.rbuf[:0]
	c.rmu.Unlock()

	c.portMu.Lock()
	c.port = port
	c.portMu.Unlock()

	c.opState.ToOpened()
	c.logger.Debug("serial port opened",
		"device", c.cfg.device,
		"baud_rate", c.cfg.baudRate,
		"data_bits", c.cfg.dataBits,
		"parity", c.cfg.parity.String(),
		"stop_bits", c.cfg.stopBits.String(),
		"flow_control", c.cfg.flowControl.String(),
	)

	return nil
}

// raiseLines asserts the terminal-ready lines. DTR tells the instrument a
// controller is attached; RTS is raised only under hardware flow control.
func (c *Connection) raiseLines(port Port) error {
	if err := port.SetDTR(true); err != nil {
		return &scpi.TransportError{Op: "open", Err: err}
	}
	if c.cfg.flowControl == FlowHardware {
		if err := port.SetRTS(true); err != nil {
			return &scpi.TransportError{Op: "open", Err: err}
		}
	}

	return nil
}

// Close closes the serial device and unblocks any in-flight read. It is
// idempotent.
func (c *Connection) Close() error {
	if !c.opState.ToClosing() {
		return nil
	}

	c.portMu.Lock()
	port := c.port
	c.port = nil
	c.portMu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	c.opState.ToClosed()
	c.logger.Debug("serial port closed", "device", c.cfg.device)

	if err != nil {
		return &scpi.TransportError{Op: "close", Err: err}
	}

	return nil
}

// Write sends p in full and waits for the UART to drain, so a subsequent
// read timeout measures the instrument rather than the output buffer. Under
// hardware flow control the write first waits for CTS within the presence
// wait.
func (c *Connection) Write(p []byte) error {
	port := c.current()
	if port == nil {
		return &scpi.TransportError{Op: "write", Err: scpi.ErrClosed}
	}

	if c.cfg.flowControl == FlowHardware {
		if err := c.awaitSignal(port, "CTS", func(bits *serial.ModemStatusBits) bool { return bits.CTS }); err != nil {
			return err
		}
	}

	if _, err := port.Write(p); err != nil {
		return &scpi.TransportError{Op: "write", Err: err}
	}
	if err := port.Drain(); err != nil {
		return &scpi.TransportError{Op: "write", Err: err}
	}

	return nil
}

// ReadUntil returns the bytes received up to the next occurrence of
// terminator. The terminator is consumed but not returned. On timeout the
// partial bytes stay buffered for the next read.
func (c *Connection) ReadUntil(terminator []byte, timeout time.Duration) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		c.trimNoiseLocked()
		if i := bytes.Index(c.rbuf, terminator); i >= 0 {
			line := make([]byte, i)
			copy(line, c.rbuf)
			c.consumeLocked(i + len(terminator))

			return line, nil
		}

		if err := c.fillLocked(deadline, timeout); err != nil {
			return nil, err
		}
	}
}

// ReadN returns exactly n bytes, bypassing terminator scanning and noise
// trimming. Block payloads may legitimately contain NUL bytes.
func (c *Connection) ReadN(n int, timeout time.Duration) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if len(c.rbuf) >= n {
			out := make([]byte, n)
			copy(out, c.rbuf)
			c.consumeLocked(n)

			return out, nil
		}

		if err := c.fillLocked(deadline, timeout); err != nil {
			return nil, err
		}
	}
}

// DeviceClear sends a break condition and flushes both directions. RS-232
// instruments treat the break as the out-of-band device clear message: input
// and output buffers are emptied and a new command is accepted, while status
// registers, the error queue and the configuration stay untouched.
func (c *Connection) DeviceClear() error {
	port := c.current()
	if port == nil {
		return &scpi.TransportError{Op: "clear", Err: scpi.ErrClosed}
	}

	if err := port.Break(c.cfg.breakDuration); err != nil {
		return &scpi.TransportError{Op: "clear", Err: err}
	}
	if err := port.ResetOutputBuffer(); err != nil {
		return &scpi.TransportError{Op: "clear", Err: err}
	}
	if err := port.ResetInputBuffer(); err != nil {
		return &scpi.TransportError{Op: "clear", Err: err}
	}

	c.rmu.Lock()
	c.rbuf = c.rbuf[:0]
	c.rmu.Unlock()

	c.logger.Debug("device clear sent",
		"device", c.cfg.device,
		"break_duration", c.cfg.breakDuration,
	)

	return nil
}

// awaitSignal polls the modem status lines until probe reports the named
// signal asserted, or the presence wait elapses.
func (c *Connection) awaitSignal(port Port, name string, probe func(*serial.ModemStatusBits) bool) error {
	deadline := time.Now().Add(c.cfg.presenceWait)
	for {
		bits, err := port.GetModemStatusBits()
		if err != nil {
			return &scpi.TransportError{Op: "status", Err: err}
		}
		if probe(bits) {
			return nil
		}
		if time.Now().After(deadline) {
			return &scpi.DeviceNotPresentError{Signal: name, Wait: c.cfg.presenceWait}
		}

		time.Sleep(presencePollInterval)
	}
}

// fillLocked performs one port read into the accumulation buffer. The
// backend reports an expired read timeout as a zero-length read with a nil
// error. Callers must hold c.rmu.
func (c *Connection) fillLocked(deadline time.Time, timeout time.Duration) error {
	port := c.current()
	if port == nil {
		return &scpi.TransportError{Op: "read", Err: scpi.ErrClosed}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return c.timeoutLocked(timeout)
	}
	if err := port.SetReadTimeout(remaining); err != nil {
		return &scpi.TransportError{Op: "read", Err: err}
	}

	n, err := port.Read(c.chunk[:])
	if n > 0 {
		c.rbuf = append(c.rbuf, c.chunk[:n]...)
	}
	if err != nil {
		return &scpi.TransportError{Op: "read", Err: err}
	}
	if n == 0 {
		return c.timeoutLocked(timeout)
	}

	return nil
}

// timeoutLocked builds a TimeoutError carrying a copy of the buffered
// partial response. Callers must hold c.rmu.
func (c *Connection) timeoutLocked(timeout time.Duration) error {
	partial := make([]byte, len(c.rbuf))
	copy(partial, c.rbuf)

	return &scpi.TimeoutError{Partial: partial, Wait: timeout}
}

// trimNoiseLocked drops NUL bytes at the head of the buffer. Serial links
// emit them on open glitches, baud mismatches and break conditions. Callers
// must hold c.rmu.
func (c *Connection) trimNoiseLocked() {
	n := 0
	for n < len(c.rbuf) && c.rbuf[n] == 0 {
		n++
	}
	if n > 0 {
		c.consumeLocked(n)
	}
}

// consumeLocked drops the first n buffered bytes, compacting the buffer in
// place. Callers must hold c.rmu.
func (c *Connection) consumeLocked(n int) {
	rest := copy(c.rbuf, c.rbuf[n:])
	c.rbuf = c.rbuf[:rest]
}

func (c *Connection) current() Port {
	c.portMu.Lock()
	defer c.portMu.Unlock()

	return c.port
}
