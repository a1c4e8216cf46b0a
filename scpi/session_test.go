package scpi

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// instrumentScript is the shared mock behavior for session tests: an
// identity, a measurement and a clean error queue.
func instrumentScript(cmd string) []string {
	switch cmd {
	case "*IDN?":
		return []string{"ACME,Model42,SN001,FW1.2"}
	case "MEASure:VOLTage?":
		return []string{"4.998E+0"}
	case "SYSTem:ERRor?":
		return []string{`0,"No error"`}
	}
	return nil
}

func newTestSession(t *testing.T, m Transport, opts ...EngineOption) *Session {
	t.Helper()

	defaults := []EngineOption{
		WithReadTimeout(200 * time.Millisecond),
		WithFlushTimeout(20 * time.Millisecond),
	}

	s, err := NewSession(m, append(defaults, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Open())
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestSessionLifecycle(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = instrumentScript

	s, err := NewSession(mock)
	require.NoError(err)

	// Before Open every operation fails.
	require.ErrorIs(s.Send(Cmd("*RST")), ErrNotOpened)

	require.NoError(s.Open())
	require.NoError(s.Send(Cmd("*RST")))

	require.NoError(s.Close())
	require.ErrorIs(s.Send(Cmd("*RST")), ErrSessionClosed)

	// Close is idempotent and Open after Close stays closed.
	require.NoError(s.Close())
	require.ErrorIs(s.Open(), ErrSessionClosed)
}

func TestSessionOperations(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = instrumentScript
	s := newTestSession(t, mock)

	id, err := s.Identify()
	require.NoError(err)
	require.Equal("ACME", id.Manufacturer)

	resp, err := s.Query(Cmd("MEASure:VOLTage?"))
	require.NoError(err)
	require.Equal("4.998E+0", resp)

	v, err := ParseFloat(resp)
	require.NoError(err)
	require.InDelta(4.998, v, 1e-9)

	require.NoError(s.SafeSend(Cmd("OUTPut:STATe ON")))

	require.NoError(s.SaveState(1))
	require.Error(s.RecallState(-1))

	entries, err := s.DrainErrors()
	require.NoError(err)
	require.Empty(entries)
}

// TestSessionEquivalence drives the same operation sequence once through a
// Session and once directly through a Device, against identically scripted
// transports, and checks the results match.
func TestSessionEquivalence(t *testing.T) {
	require := require.New(t)

	type result struct {
		id      Identity
		volts   string
		sendErr error
		entries []DeviceError
	}

	run := func(do func(m *mockTransport) result) result {
		mock := newMockTransport()
		mock.responder = instrumentScript
		return do(mock)
	}

	direct := run(func(m *mockTransport) result {
		dev := newTestDevice(t, m)
		ctx := context.Background()
		var r result
		var err error
		r.id, err = dev.Identify(ctx)
		require.NoError(err)
		r.volts, err = dev.Query(ctx, Cmd("MEASure:VOLTage?"))
		require.NoError(err)
		r.sendErr = dev.SafeSend(ctx, Cmd("OUTPut:STATe ON"))
		r.entries, err = dev.DrainErrors(ctx)
		require.NoError(err)
		return r
	})

	viaSession := run(func(m *mockTransport) result {
		s := newTestSession(t, m)
		var r result
		var err error
		r.id, err = s.Identify()
		require.NoError(err)
		r.volts, err = s.Query(Cmd("MEASure:VOLTage?"))
		require.NoError(err)
		r.sendErr = s.SafeSend(Cmd("OUTPut:STATe ON"))
		r.entries, err = s.DrainErrors()
		require.NoError(err)
		return r
	})

	require.Equal(direct, viaSession)
}

// TestSessionProgramOrder checks that calls from one goroutine hit the wire
// in program order.
func TestSessionProgramOrder(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	s := newTestSession(t, mock)

	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		cmd := fmt.Sprintf("STEP %d", i)
		want = append(want, cmd)
		require.NoError(s.Send(Cmd(cmd)))
	}

	require.Equal(want, mock.writeLog())
}

func TestSessionConcurrentCallers(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = echoResponder("resp:")
	s := newTestSession(t, mock)

	const goroutines = 6
	var wg sync.WaitGroup
	errCh := make(chan error, goroutines*10)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				cmd := fmt.Sprintf("TAG? g%d-i%d", g, i)
				resp, err := s.Query(Cmd(cmd))
				if err != nil {
					errCh <- err
					return
				}
				if resp != "resp:"+cmd {
					errCh <- fmt.Errorf("got %q for %q", resp, cmd)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(err)
	}
	require.Zero(mock.overlaps())
}

// TestSessionDo checks that a Do body runs its commands back to back on the
// dispatch loop.
func TestSessionDo(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = instrumentScript
	s := newTestSession(t, mock)

	var volts float64
	err := s.Do(context.Background(), func(ctx context.Context, dev *Device) error {
		if err := dev.Send(ctx, Cmd("CONFigure:VOLTage:DC")); err != nil {
			return err
		}
		resp, err := dev.Query(ctx, Cmd("MEASure:VOLTage?"))
		if err != nil {
			return err
		}
		volts, err = ParseFloat(resp)
		return err
	})
	require.NoError(err)
	require.InDelta(4.998, volts, 1e-9)
	require.Equal([]string{"CONFigure:VOLTage:DC", "MEASure:VOLTage?"}, mock.writeLog())
}

// TestSessionCloseFailsQueued checks that operations still queued when Close
// runs fail with ErrSessionClosed instead of hanging.
func TestSessionCloseFailsQueued(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	// No responder: the in-flight query waits out its timeout window.
	s := newTestSession(t, mock, WithReadTimeout(2*time.Second))

	holderDone := make(chan error, 1)
	go func() {
		_, err := s.Query(Cmd("HANG?"))
		holderDone <- err
	}()
	require.Eventually(func() bool { return len(mock.writeLog()) == 1 }, time.Second, 5*time.Millisecond)

	queuedDone := make(chan error, 1)
	go func() {
		queuedDone <- s.Send(Cmd("QUEUED"))
	}()
	// Give the second op time to park in the dispatch queue.
	time.Sleep(20 * time.Millisecond)

	require.NoError(s.Close())

	// The in-flight query fails when the transport closes under it; the
	// queued one never runs.
	require.Error(<-holderDone)
	require.ErrorIs(<-queuedDone, ErrSessionClosed)
	require.Equal([]string{"HANG?"}, mock.writeLog())
}

func TestSessionDeviceAccessor(t *testing.T) {
	require := require.New(t)
	mock := newMockTransport()
	mock.responder = instrumentScript
	s := newTestSession(t, mock)

	dev := s.Device()
	require.NotNil(dev)

	// Direct device calls share the same engine and admission gate.
	id, err := dev.Identify(context.Background())
	require.NoError(err)
	require.Equal("Model42", id.Model)

	// The session sees the cached identity.
	again, err := s.Identify()
	require.NoError(err)
	require.Equal(id, again)
	require.Equal([]string{"*IDN?"}, mock.writeLog())

	require.Same(s.Engine(), dev.eng)
}
