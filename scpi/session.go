package scpi

import (
	"context"
	"sync"
	"time"
)

// sessionOp is one unit of work marshalled onto the session's dispatch loop.
type sessionOp struct {
	ctx  context.Context
	fn   func(ctx context.Context, dev *Device) error
	done chan error
}

// Session bundles a transport, a protocol engine, and a Device behind a
// blocking call surface with no context plumbing. All operations are
// marshalled onto one dispatch goroutine, so calls from a single goroutine
// execute in strict program order.
//
// A Session owns exactly one dispatch loop. Close tears down the loop and
// the transport together and is terminal; a closed Session cannot be
// reopened.
type Session struct {
	eng *Engine
	dev *Device

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	pending int

	ops     chan *sessionOp
	closing chan struct{}
	doneCh  chan struct{}
}

// NewSession creates a Session over the transport. The options configure the
// underlying protocol engine, as with NewEngine.
func NewSession(t Transport, opts ...EngineOption) (*Session, error) {
	eng, err := NewEngine(t, opts...)
	if err != nil {
		return nil, err
	}

	return &Session{
		eng:     eng,
		dev:     NewDevice(eng),
		ops:     make(chan *sessionOp),
		closing: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Open opens the underlying transport and starts the dispatch loop.
func (s *Session) Open() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return s.eng.Open()
	}

	if err := s.eng.Open(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true
	s.mu.Unlock()

	go s.loop()

	return nil
}

// Close stops the dispatch loop and closes the engine and transport.
// Operations still queued fail with ErrSessionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(s.closing)

	// Closing the engine unblocks any transport read the in-flight
	// operation is suspended in, so the loop can wind down.
	err := s.eng.Close()
	if started {
		<-s.doneCh
	}

	return err
}

// Device returns the underlying Device. Calls made on it directly bypass the
// dispatch loop's program ordering but remain serialized by the engine's
// admission gate.
func (s *Session) Device() *Device { return s.dev }

// Engine returns the underlying protocol engine.
func (s *Session) Engine() *Engine { return s.eng }

// Do marshals fn onto the dispatch loop and blocks until it returns. The fn
// receives the session's Device; sequences of commands issued inside one fn
// run back to back with no interleaving from other session callers.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, dev *Device) error) error {
	return s.submit(ctx, fn)
}

func (s *Session) submit(ctx context.Context, fn func(ctx context.Context, dev *Device) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotOpened
	}
	s.pending++
	s.mu.Unlock()

	op := &sessionOp{ctx: ctx, fn: fn, done: make(chan error, 1)}
	s.ops <- op

	return <-op.done
}

func (s *Session) loop() {
	defer close(s.doneCh)
	for {
		select {
		case op := <-s.ops:
			s.serve(op)
		case <-s.closing:
			s.drain()
			return
		}
	}
}

func (s *Session) serve(op *sessionOp) {
	defer s.opDone()
	select {
	case <-s.closing:
		op.done <- ErrSessionClosed
	default:
		op.done <- op.fn(op.ctx, s.dev)
	}
}

// drain fails every operation already admitted by submit but not yet served.
// submit increments pending before sending, so receiving until pending hits
// zero accounts for senders parked on the unbuffered channel.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		n := s.pending
		s.mu.Unlock()
		if n == 0 {
			return
		}
		op := <-s.ops
		op.done <- ErrSessionClosed
		s.opDone()
	}
}

func (s *Session) opDone() {
	s.mu.Lock()
	s.pending--
	s.mu.Unlock()
}

func (s *Session) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}

	return s.ctx
}

// Send issues an action command, blocking until the write completes.
func (s *Session) Send(cmd Command) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.Send(ctx, cmd)
	})
}

// Query issues a query command and blocks for the response text.
func (s *Session) Query(cmd Command) (string, error) {
	var resp string
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		resp, err = dev.Query(ctx, cmd)
		return err
	})

	return resp, err
}

// QueryTimeout issues a query with an explicit response window.
func (s *Session) QueryTimeout(cmd Command, timeout time.Duration) (string, error) {
	var resp string
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		resp, err = dev.QueryTimeout(ctx, cmd, timeout)
		return err
	})

	return resp, err
}

// QueryBlock issues a query whose response is an IEEE 488.2 block.
func (s *Session) QueryBlock(cmd Command) ([]byte, error) {
	var data []byte
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		data, err = dev.QueryBlock(ctx, cmd)
		return err
	})

	return data, err
}

// Identify returns the device identity, cached after the first fetch.
func (s *Session) Identify() (Identity, error) {
	var id Identity
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		id, err = dev.Identify(ctx)
		return err
	})

	return id, err
}

// Reidentify refreshes the cached identity from the instrument.
func (s *Session) Reidentify() (Identity, error) {
	var id Identity
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		id, err = dev.Reidentify(ctx)
		return err
	})

	return id, err
}

// Reset issues *RST.
func (s *Session) Reset() error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.Reset(ctx)
	})
}

// ClearStatus issues *CLS.
func (s *Session) ClearStatus() error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.ClearStatus(ctx)
	})
}

// ReadStatusByte reads the status byte register.
func (s *Session) ReadStatusByte() (StatusByte, error) {
	var stb StatusByte
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		stb, err = dev.ReadStatusByte(ctx)
		return err
	})

	return stb, err
}

// SetEventStatusEnable writes the *ESE event status enable mask.
func (s *Session) SetEventStatusEnable(mask EventStatus) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.SetEventStatusEnable(ctx, mask)
	})
}

// EventStatusEnable reads the *ESE? event status enable mask.
func (s *Session) EventStatusEnable() (EventStatus, error) {
	var mask EventStatus
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		mask, err = dev.EventStatusEnable(ctx)
		return err
	})

	return mask, err
}

// ReadEventStatus reads and clears the *ESR? standard event status register.
func (s *Session) ReadEventStatus() (EventStatus, error) {
	var esr EventStatus
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		esr, err = dev.ReadEventStatus(ctx)
		return err
	})

	return esr, err
}

// SetServiceRequestEnable writes the *SRE service request enable mask.
func (s *Session) SetServiceRequestEnable(mask StatusByte) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.SetServiceRequestEnable(ctx, mask)
	})
}

// ServiceRequestEnable reads the *SRE? service request enable mask.
func (s *Session) ServiceRequestEnable() (StatusByte, error) {
	var mask StatusByte
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		mask, err = dev.ServiceRequestEnable(ctx)
		return err
	})

	return mask, err
}

// OperationComplete issues *OPC.
func (s *Session) OperationComplete() error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.OperationComplete(ctx)
	})
}

// WaitComplete blocks until the instrument reports all pending operations
// finished, up to the given timeout.
func (s *Session) WaitComplete(timeout time.Duration) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.WaitComplete(ctx, timeout)
	})
}

// Trigger issues *TRG.
func (s *Session) Trigger() error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.Trigger(ctx)
	})
}

// Options queries the installed option list.
func (s *Session) Options() ([]string, error) {
	var opts []string
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		opts, err = dev.Options(ctx)
		return err
	})

	return opts, err
}

// SetPowerOnStatusClear selects whether enable registers clear at power-on.
func (s *Session) SetPowerOnStatusClear(on bool) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.SetPowerOnStatusClear(ctx, on)
	})
}

// PowerOnStatusClear reads the *PSC? power-on status clear flag.
func (s *Session) PowerOnStatusClear() (bool, error) {
	var on bool
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		on, err = dev.PowerOnStatusClear(ctx)
		return err
	})

	return on, err
}

// SaveState stores the instrument state in the numbered slot.
func (s *Session) SaveState(slot int) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.SaveState(ctx, slot)
	})
}

// RecallState restores the instrument state from the numbered slot.
func (s *Session) RecallState(slot int) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.RecallState(ctx, slot)
	})
}

// DrainErrors polls the instrument error queue until it reports empty.
func (s *Session) DrainErrors() ([]DeviceError, error) {
	var entries []DeviceError
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		entries, err = dev.DrainErrors(ctx)
		return err
	})

	return entries, err
}

// CanDeviceClear reports whether the transport has a native device clear.
func (s *Session) CanDeviceClear() bool { return s.dev.CanDeviceClear() }

// DeviceClear aborts any in-flight exchange and resets the instrument's I/O
// buffers. It requires transport support; see CanDeviceClear.
func (s *Session) DeviceClear() error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.DeviceClear(ctx)
	})
}

// SafeSend issues an action command and then reconciles the error queue.
func (s *Session) SafeSend(cmd Command) error {
	return s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		return dev.SafeSend(ctx, cmd)
	})
}

// SafeQuery issues a query and then reconciles the error queue.
func (s *Session) SafeQuery(cmd Command) (string, error) {
	var resp string
	err := s.submit(s.base(), func(ctx context.Context, dev *Device) error {
		var err error
		resp, err = dev.SafeQuery(ctx, cmd)
		return err
	})

	return resp, err
}
