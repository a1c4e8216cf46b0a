package bench

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-scpi/scpi"
)

// startScriptServer starts a TCP listener whose accepted connections are
// served by handler. It returns the listen host and port plus an accept
// counter.
func startScriptServer(t *testing.T, handler func(conn net.Conn)) (string, int, *atomic.Int32) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	var accepts atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepts.Add(1)
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				handler(conn)
			}(conn)
		}
	}()

	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok)

	return "127.0.0.1", addr.Port, &accepts
}

// scpiScript serves a scripted instrument: received command lines are
// recorded, queries answered via respond, SYSTem:ERRor? from a built-in
// error queue.
type scpiScript struct {
	mu      sync.Mutex
	lines   []string
	errq    []string
	respond func(cmd string) string

	gone     chan struct{}
	goneOnce sync.Once
}

func newSCPIScript(respond func(cmd string) string) *scpiScript {
	return &scpiScript{respond: respond, gone: make(chan struct{})}
}

func (s *scpiScript) handle(conn net.Conn) {
	defer s.goneOnce.Do(func() { close(s.gone) })

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if resp := s.serve(cmd); resp != "" {
			if _, err := conn.Write([]byte(resp + "\r\n")); err != nil {
				return
			}
		}
	}
}

func (s *scpiScript) serve(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, cmd)

	if cmd == "SYSTem:ERRor?" {
		if len(s.errq) > 0 {
			next := s.errq[0]
			s.errq = s.errq[1:]
			return next
		}
		return `0,"No error"`
	}
	if s.respond != nil {
		return s.respond(cmd)
	}

	return ""
}

func (s *scpiScript) pushError(entries ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errq = append(s.errq, entries...)
}

func (s *scpiScript) log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)

	return out
}

// prologixScript serves a fake Prologix LAN adapter. Adapter commands are
// interpreted; instrument commands go to the addressed device responder,
// whose response stays parked until the matching ++read.
type prologixScript struct {
	mu      sync.Mutex
	addr    int
	parked  map[int][]string
	devices map[int]func(cmd string) string
}

func newPrologixScript(devices map[int]func(cmd string) string) *prologixScript {
	return &prologixScript{parked: make(map[int][]string), devices: devices}
}

func (p *prologixScript) handle(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		if resp := p.serve(cmd); resp != "" {
			if _, err := conn.Write([]byte(resp + "\r\n")); err != nil {
				return
			}
		}
	}
}

func (p *prologixScript) serve(cmd string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "++addr "):
		p.addr, _ = strconv.Atoi(strings.TrimPrefix(cmd, "++addr "))
	case cmd == "++read" || cmd == "++read eoi":
		queue := p.parked[p.addr]
		if len(queue) > 0 {
			resp := queue[0]
			p.parked[p.addr] = queue[1:]
			return resp
		}
	case strings.HasPrefix(cmd, "++"):
		// Remaining adapter commands are set forms with no response.
	default:
		dev := p.devices[p.addr]
		if dev == nil {
			return ""
		}
		if resp := dev(cmd); resp != "" {
			p.parked[p.addr] = append(p.parked[p.addr], resp)
		}
	}

	return ""
}

func instrumentResponder(idn string) func(cmd string) string {
	return func(cmd string) string {
		switch cmd {
		case "*IDN?":
			return idn
		case "SYSTem:ERRor?":
			return `0,"No error"`
		}
		return ""
	}
}

func TestOpenTCPIPBench(t *testing.T) {
	require := require.New(t)

	psu := newSCPIScript(func(cmd string) string {
		switch cmd {
		case "*IDN?":
			return "ACME,PSU100,SN9,FW2.0"
		case "MEASure:VOLTage?":
			return "1.2E+1"
		}
		return ""
	})
	dmm := newSCPIScript(func(cmd string) string {
		if cmd == "*IDN?" {
			return "ACME,DMM7,SN1,FW1.0"
		}
		return ""
	})

	psuHost, psuPort, _ := startScriptServer(t, psu.handle)
	dmmHost, dmmPort, _ := startScriptServer(t, dmm.handle)

	cfg, err := Load(fmt.Appendf(nil, `
instruments:
  psu:
    transport:
      kind: tcpip
      host: %s
      port: %d
    read_timeout: 500ms
    init:
      - "*CLS"
      - "SYSTem:REMote"
  dmm:
    transport:
      kind: tcpip
      host: %s
      port: %d
    read_timeout: 500ms
`, psuHost, psuPort, dmmHost, dmmPort))
	require.NoError(err)

	b, err := Open(context.Background(), cfg)
	require.NoError(err)
	t.Cleanup(func() { _ = b.Close() })

	require.Equal([]string{"dmm", "psu"}, b.Names())

	// Init commands ran in order, each reconciled against the error queue.
	require.Equal([]string{
		"*CLS", "SYSTem:ERRor?",
		"SYSTem:REMote", "SYSTem:ERRor?",
	}, psu.log())

	sess, err := b.Session("psu")
	require.NoError(err)

	id, err := sess.Identify()
	require.NoError(err)
	require.Equal("PSU100", id.Model)

	resp, err := sess.Query(scpi.Cmd("MEASure:VOLTage?"))
	require.NoError(err)
	require.Equal("1.2E+1", resp)

	other, err := b.Session("dmm")
	require.NoError(err)
	id, err = other.Identify()
	require.NoError(err)
	require.Equal("DMM7", id.Model)

	_, err = b.Session("scope")
	require.Error(err)

	require.NoError(b.Close())
	require.ErrorIs(sess.Reset(), scpi.ErrSessionClosed)
}

func TestOpenFailingInit(t *testing.T) {
	require := require.New(t)

	psu := newSCPIScript(nil)
	psu.pushError(`-113,"Undefined header"`)
	host, port, _ := startScriptServer(t, psu.handle)

	cfg, err := Load(fmt.Appendf(nil, `
instruments:
  psu:
    transport:
      kind: tcpip
      host: %s
      port: %d
    read_timeout: 500ms
    init:
      - "CONF:GARBAGE"
`, host, port))
	require.NoError(err)

	b, err := Open(context.Background(), cfg)
	require.Nil(b)
	require.Error(err)

	var cmdErr *scpi.CommandError
	require.ErrorAs(err, &cmdErr)
	require.Equal("CONF:GARBAGE", cmdErr.Command)
	require.Equal(-113, cmdErr.Code)
}

func TestOpenFailureClosesEarlierInstruments(t *testing.T) {
	require := require.New(t)

	alive := newSCPIScript(nil)
	host, port, _ := startScriptServer(t, alive.handle)

	// Grab a port with nothing listening behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	deadPort := l.Addr().(*net.TCPAddr).Port
	require.NoError(l.Close())

	cfg, err := Load(fmt.Appendf(nil, `
instruments:
  alpha:
    transport:
      kind: tcpip
      host: %s
      port: %d
    read_timeout: 500ms
    init:
      - "*CLS"
  bravo:
    transport:
      kind: tcpip
      host: 127.0.0.1
      port: %d
`, host, port, deadPort))
	require.NoError(err)

	b, err := Open(context.Background(), cfg)
	require.Nil(b)
	require.ErrorContains(err, `instrument "bravo"`)

	// The already-opened instrument was torn down again.
	select {
	case <-alive.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("first instrument connection was not closed")
	}
}

func TestOpenSharedGPIBController(t *testing.T) {
	require := require.New(t)

	adapter := newPrologixScript(map[int]func(cmd string) string{
		5:  instrumentResponder("ACME,CTR5,SN5,FW1"),
		12: instrumentResponder("ACME,CTR12,SN12,FW1"),
	})
	host, port, accepts := startScriptServer(t, adapter.handle)

	cfg, err := Load(fmt.Appendf(nil, `
instruments:
  ctr5:
    transport:
      kind: gpib
      address: 5
      controller:
        link:
          kind: tcpip
          host: %s
          port: %d
        read_timeout: 100ms
    read_timeout: 500ms
  ctr12:
    transport:
      kind: gpib
      address: 12
      controller:
        link:
          kind: tcpip
          host: %s
          port: %d
        read_timeout: 100ms
    read_timeout: 500ms
`, host, port, host, port))
	require.NoError(err)

	b, err := Open(context.Background(), cfg)
	require.NoError(err)
	t.Cleanup(func() { _ = b.Close() })

	// One physical adapter connection serves both instruments.
	require.Equal(int32(1), accepts.Load())

	sess5, err := b.Session("ctr5")
	require.NoError(err)
	id, err := sess5.Identify()
	require.NoError(err)
	require.Equal("CTR5", id.Model)

	sess12, err := b.Session("ctr12")
	require.NoError(err)
	id, err = sess12.Identify()
	require.NoError(err)
	require.Equal("CTR12", id.Model)

	require.NoError(b.Close())
}
