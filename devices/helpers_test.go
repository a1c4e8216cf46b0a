package devices

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-scpi/scpi"
	"github.com/stretchr/testify/require"
)

// mockTransport is a scripted in-memory Transport. A responder maps each
// written command line to response lines; SYSTem:ERRor? is answered from a
// built-in error queue, since the safe command variants reconcile it after
// every exchange.
type mockTransport struct {
	mu     sync.Mutex
	opened bool
	closed bool

	term   []byte
	buf    []byte
	dataCh chan struct{}

	// responder returns the response lines for a command, nil for none.
	responder func(cmd string) []string

	// errq holds pending SYSTem:ERRor? entries, drained one per query.
	errq []string

	writes []string
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
		return &scpi.TransportError{Op: "write", Err: scpi.ErrClosed}
	}

	line := string(bytes.TrimSuffix(p, m.term))
	m.writes = append(m.writes, line)

	var lines []string
	switch {
	case line == "SYSTem:ERRor?":
		next := `0,"No error"`
		if len(m.errq) > 0 {
			next = m.errq[0]
			m.errq = m.errq[1:]
		}
		lines = []string{next}
	case m.responder != nil:
		lines = m.responder(line)
	}

	for _, resp := range lines {
		m.buf = append(m.buf, resp...)
		m.buf = append(m.buf, m.term...)
	}
	if len(lines) > 0 {
		m.signalLocked()
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
			return nil, &scpi.TransportError{Op: "read", Err: scpi.ErrClosed}
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

			return nil, &scpi.TimeoutError{Partial: partial, Wait: timeout}
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
			return nil, &scpi.TransportError{Op: "read", Err: scpi.ErrClosed}
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

			return nil, &scpi.TimeoutError{Partial: partial, Wait: timeout}
		}
	}
}

// signalLocked wakes all parked readers. Callers must hold m.mu.
func (m *mockTransport) signalLocked() {
	close(m.dataCh)
	m.dataCh = make(chan struct{})
}

// pushError queues an instrument error entry for the next SYSTem:ERRor?.
func (m *mockTransport) pushError(entries ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errq = append(m.errq, entries...)
}

// writeLog returns a copy of the command lines written so far.
func (m *mockTransport) writeLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)

	return out
}

// newTestDevice builds an opened device over the mock with short timeouts.
func newTestDevice(t *testing.T, m scpi.Transport) *scpi.Device {
	t.Helper()

	eng, err := scpi.NewEngine(m,
		scpi.WithReadTimeout(200*time.Millisecond),
		scpi.WithFlushTimeout(20*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, eng.Open())
	t.Cleanup(func() { _ = eng.Close() })

	return scpi.NewDevice(eng)
}
