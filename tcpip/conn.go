package tcpip

import (
	"bytes"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

// readChunkSize is the transfer size for one socket read.
const readChunkSize = 4096

// Connection is a SCPI raw socket transport. Instruments conventionally
// listen on TCP port 5025 and frame both directions purely on the line
// terminator; there is no out-of-band channel, so the transport offers no
// device clear or serial poll.
type Connection struct {
	cfg    *ConnectionConfig
	logger logger.Logger

	opState scpi.AtomicOpState

	// connMu guards the conn pointer only. Close takes it while a read is
	// blocked, so closing the socket can unblock the reader.
	connMu sync.Mutex
	conn   net.Conn

	// rmu serializes readers and guards the accumulation buffer.
	rmu   sync.Mutex
	rbuf  []byte
	chunk [readChunkSize]byte
}

var _ scpi.Transport = (*Connection)(nil)

// NewConnection creates a raw socket transport from cfg.
func NewConnection(cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, scpi.ErrConfigNil
	}

	return &Connection{cfg: cfg, logger: cfg.logger}, nil
}

// Open dials the instrument. It returns nil when the connection is already
// open.
func (c *Connection) Open() error {
	if !c.opState.ToOpening() {
		if c.opState.IsOpened() {
			return nil
		}
		return scpi.ErrInvalidTransition
	}

	address := net.JoinHostPort(c.cfg.host, strconv.Itoa(c.cfg.port))
	dialer := &net.Dialer{
		Timeout:   c.cfg.connectTimeout,
		KeepAlive: c.cfg.keepAlive,
	}

	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		c.opState.Set(scpi.ClosedState)
		return &scpi.TransportError{Op: "open", Err: err}
	}

	c.rmu.Lock()
	c.rbuf = c.rbuf[:0]
	c.rmu.Unlock()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.opState.ToOpened()
	c.logger.Debug("connected to instrument",
		"host", c.cfg.host,
		"port", c.cfg.port,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	return nil
}

// Close shuts the socket down and unblocks any in-flight read. It is
// idempotent.
func (c *Connection) Close() error {
	if !c.opState.ToClosing() {
		return nil
	}

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.opState.ToClosed()
	c.logger.Debug("connection closed", "host", c.cfg.host, "port", c.cfg.port)

	if err != nil {
		return &scpi.TransportError{Op: "close", Err: err}
	}

	return nil
}

// Write sends p in full within the configured write timeout.
func (c *Connection) Write(p []byte) error {
	conn := c.current()
	if conn == nil {
		return &scpi.TransportError{Op: "write", Err: scpi.ErrClosed}
	}

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout)); err != nil {
		return &scpi.TransportError{Op: "write", Err: err}
	}
	if _, err := conn.Write(p); err != nil {
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

// ReadN returns exactly n bytes, bypassing terminator scanning.
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

// fillLocked performs one socket read into the accumulation buffer. Callers
// must hold c.rmu.
func (c *Connection) fillLocked(deadline time.Time, timeout time.Duration) error {
	conn := c.current()
	if conn == nil {
		return &scpi.TransportError{Op: "read", Err: scpi.ErrClosed}
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return &scpi.TransportError{Op: "read", Err: err}
	}

	n, err := conn.Read(c.chunk[:])
	if n > 0 {
		c.rbuf = append(c.rbuf, c.chunk[:n]...)
	}
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			partial := make([]byte, len(c.rbuf))
			copy(partial, c.rbuf)

			return &scpi.TimeoutError{Partial: partial, Wait: timeout}
		}

		return &scpi.TransportError{Op: "read", Err: err}
	}

	return nil
}

// consumeLocked drops the first n buffered bytes, compacting the buffer in
// place. Callers must hold c.rmu.
func (c *Connection) consumeLocked(n int) {
	rest := copy(c.rbuf, c.rbuf[n:])
	c.rbuf = c.rbuf[:rest]
}

func (c *Connection) current() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	return c.conn
}
