package scpi

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-scpi/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var level logger.Level

	switch logLevel {
	case "debug":
		level = logger.DebugLevel
	case "info":
		level = logger.InfoLevel
	case "warn":
		level = logger.WarnLevel
	case "error":
		level = logger.ErrorLevel
	default:
		level = logger.InfoLevel
	}

	logger.SetLevel(level)

	os.Exit(m.Run())
}

// mockTransport is a scripted in-memory Transport. A responder maps each
// written command line to response lines that become readable once the write
// returns; tests that need late or unsolicited data push it in with deliver.
type mockTransport struct {
	mu     sync.Mutex
	opened bool
	closed bool

	term   []byte
	buf    []byte
	dataCh chan struct{}

	// responder returns the response lines for a command, nil for none.
	responder func(cmd string) []string
	// rawResponder returns raw response bytes, used for block responses.
	// It takes precedence over responder when set.
	rawResponder func(cmd string) []byte

	openErr  error
	writeErr error

	// writes records every command line written, terminator stripped.
	writes []string
	// overlapWrites counts writes issued while response bytes were still
	// buffered, i.e. without an intervening completed read.
	overlapWrites int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		term:   []byte("\r\n"),
		dataCh: make(chan struct{}),
	}
}

func (m *mockTransport) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	m.closed = false

	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.signalLocked()
	}

	return nil
}

func (m *mockTransport) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.opened {
		return &TransportError{Op: "write", Err: ErrClosed}
	}
	if m.writeErr != nil {
		return &TransportError{Op: "write", Err: m.writeErr}
	}

	if len(m.buf) > 0 {
		m.overlapWrites++
	}

	line := string(bytes.TrimSuffix(p, m.term))
	m.writes = append(m.writes, line)

	switch {
	case m.rawResponder != nil:
		if raw := m.rawResponder(line); len(raw) > 0 {
			m.buf = append(m.buf, raw...)
			m.signalLocked()
		}
	case m.responder != nil:
		lines := m.responder(line)
		for _, resp := range lines {
			m.buf = append(m.buf, resp...)
			m.buf = append(m.buf, m.term...)
		}
		if len(lines) > 0 {
			m.signalLocked()
		}
	}

	return nil
}

func (m *mockTransport) ReadUntil(terminator []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, &TransportError{Op: "read", Err: ErrClosed}
		}
		if i := bytes.Index(m.buf, terminator); i >= 0 {
			line := make([]byte, i)
			copy(line, m.buf)
			m.buf = m.buf[i+len(terminator):]
			m.mu.Unlock()

			return line, nil
		}
		ch := m.dataCh
		m.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			m.mu.Lock()
			partial := make([]byte, len(m.buf))
			copy(partial, m.buf)
			m.mu.Unlock()

			return nil, &TimeoutError{Partial: partial, Wait: timeout}
		}
	}
}

func (m *mockTransport) ReadN(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, &TransportError{Op: "read", Err: ErrClosed}
		}
		if len(m.buf) >= n {
			out := make([]byte, n)
			copy(out, m.buf)
			m.buf = m.buf[n:]
			m.mu.Unlock()

			return out, nil
		}
		ch := m.dataCh
		m.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			m.mu.Lock()
			partial := make([]byte, len(m.buf))
			copy(partial, m.buf)
			m.mu.Unlock()

			return nil, &TimeoutError{Partial: partial, Wait: timeout}
		}
	}
}

// signalLocked wakes all parked readers. Callers must hold m.mu.
func (m *mockTransport) signalLocked() {
	close(m.dataCh)
	m.dataCh = make(chan struct{})
}

// deliver appends terminated response lines out of band, simulating data the
// instrument produces on its own schedule.
func (m *mockTransport) deliver(lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lines {
		m.buf = append(m.buf, l...)
		m.buf = append(m.buf, m.term...)
	}
	m.signalLocked()
}

// writeLog returns a copy of the command lines written so far.
func (m *mockTransport) writeLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)

	return out
}

func (m *mockTransport) overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.overlapWrites
}

// echoResponder answers every query line with prefix plus the command text
// and ignores action commands.
func echoResponder(prefix string) func(cmd string) []string {
	return func(cmd string) []string {
		if !Cmd(cmd).IsQuery() {
			return nil
		}

		return []string{prefix + cmd}
	}
}

// clearableTransport is a mockTransport with a native device clear that
// drops all buffered response data.
type clearableTransport struct {
	*mockTransport
	clears int
}

func newClearableTransport() *clearableTransport {
	return &clearableTransport{mockTransport: newMockTransport()}
}

func (c *clearableTransport) DeviceClear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	c.buf = nil
	c.signalLocked()

	return nil
}

// pollableTransport is a mockTransport with an out-of-band serial poll.
type pollableTransport struct {
	*mockTransport
	status byte
	polls  int
}

func newPollableTransport(status byte) *pollableTransport {
	return &pollableTransport{mockTransport: newMockTransport(), status: status}
}

func (p *pollableTransport) SerialPoll() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++

	return p.status, nil
}

// newTestEngine creates an opened engine over the mock with short timeouts
// suitable for tests.
func newTestEngine(t *testing.T, m Transport, opts ...EngineOption) *Engine {
	t.Helper()

	defaults := []EngineOption{
		WithReadTimeout(200 * time.Millisecond),
		WithFlushTimeout(20 * time.Millisecond),
	}

	eng, err := NewEngine(m, append(defaults, opts...)...)
	require.NoError(t, err)
	require.NoError(t, eng.Open())
	t.Cleanup(func() { _ = eng.Close() })

	return eng
}

// newTestDevice creates a Device over an opened test engine.
func newTestDevice(t *testing.T, m Transport, opts ...EngineOption) *Device {
	t.Helper()

	return NewDevice(newTestEngine(t, m, opts...))
}

// errorQueueResponder simulates an instrument error queue: each entry is
// returned once, then the queue reports empty. Other queries echo.
type errorQueueResponder struct {
	mu      sync.Mutex
	entries []string
}

func (r *errorQueueResponder) respond(cmd string) []string {
	if cmd != "SYSTem:ERRor?" {
		return echoResponder("ok:")(cmd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return []string{`0,"No error"`}
	}
	next := r.entries[0]
	r.entries = r.entries[1:]

	return []string{next}
}

func (r *errorQueueResponder) push(entries ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entries...)
}
