package scpi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-scpi/internal/util"
	"github.com/arloliu/go-scpi/logger"
)

// Default and limit values for the engine configuration.
const (
	// DefaultReadTimeout is the default window for a query response.
	DefaultReadTimeout = 2 * time.Second
	// DefaultFlushTimeout is the default window for one stale-line drain read.
	DefaultFlushTimeout = 100 * time.Millisecond

	MinTimeout = 1 * time.Millisecond
	MaxTimeout = 10 * time.Minute

	// maxFlushLines bounds a buffer flush during Reset.
	maxFlushLines = 64
)

// DefaultTerminator is the default line terminator for both directions.
var DefaultTerminator = []byte("\r\n")

// EngineConfig holds the configuration parameters for a protocol engine.
// It is populated by NewEngine from EngineOption values.
type EngineConfig struct {
	terminator   []byte
	readTimeout  time.Duration
	flushTimeout time.Duration
	logger       logger.Logger
}

// Terminator returns the configured line terminator.
func (cfg *EngineConfig) Terminator() []byte {
	return util.CloneSlice(cfg.terminator, 0)
}

// ReadTimeout returns the configured query response window.
func (cfg *EngineConfig) ReadTimeout() time.Duration {
	return cfg.readTimeout
}

// FlushTimeout returns the configured stale-line drain window.
func (cfg *EngineConfig) FlushTimeout() time.Duration {
	return cfg.flushTimeout
}

// EngineOption represents a functional option for configuring an Engine or a
// Session.
type EngineOption interface {
	apply(*EngineConfig) error
}

type engineOptFunc struct {
	name      string
	applyFunc func(*EngineConfig) error
}

func (f *engineOptFunc) apply(cfg *EngineConfig) error { return f.applyFunc(cfg) }

func newEngineOptFunc(name string, f func(*EngineConfig) error) *engineOptFunc {
	return &engineOptFunc{name: name, applyFunc: f}
}

// WithTerminator sets the line terminator used for both directions.
// It returns an EngineOption that validates the terminator and updates the
// configuration. An error is returned if the terminator is empty, longer than
// 4 bytes, or if the configuration is nil.
//
// The default terminator is CRLF ("\r\n").
func WithTerminator(term []byte) EngineOption {
	return newEngineOptFunc("WithTerminator", func(cfg *EngineConfig) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if len(term) == 0 || len(term) > 4 {
			return errors.New("terminator length out of range [1, 4]")
		}
		cfg.terminator = util.CloneSlice(term, 0)

		return nil
	})
}

// WithReadTimeout sets the window for a query response.
// An error is returned if the timeout is outside [1ms, 10m] or if the
// configuration is nil.
//
// The default value is 2 seconds.
func WithReadTimeout(val time.Duration) EngineOption {
	return newEngineOptFunc("WithReadTimeout", func(cfg *EngineConfig) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val < MinTimeout || val > MaxTimeout {
			return errors.New("read timeout out of range [1ms, 10m]")
		}
		cfg.readTimeout = val

		return nil
	})
}

// WithFlushTimeout sets the window for one stale-line drain read after an
// abandoned exchange.
// An error is returned if the timeout is outside [1ms, 10m] or if the
// configuration is nil.
//
// The default value is 100 milliseconds.
func WithFlushTimeout(val time.Duration) EngineOption {
	return newEngineOptFunc("WithFlushTimeout", func(cfg *EngineConfig) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if val < MinTimeout || val > MaxTimeout {
			return errors.New("flush timeout out of range [1ms, 10m]")
		}
		cfg.flushTimeout = val

		return nil
	})
}

// WithLogger sets the logger.
// An error is returned if the logger or the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) EngineOption {
	return newEngineOptFunc("WithLogger", func(cfg *EngineConfig) error {
		if cfg == nil {
			return ErrConfigNil
		}
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// Engine is the protocol engine: it renders commands into transport writes,
// delimits responses, and guarantees command/response pairing with a
// single-holder admission gate. Exactly one exchange is in flight on the
// transport at a time; concurrent callers are served in arrival order.
//
// An Engine exclusively owns the transport session it opened.
type Engine struct {
	cfg  *EngineConfig
	t    Transport
	gate *gate

	state AtomicOpState
	seq   atomic.Uint64

	// abandoned counts exchanges whose response may still arrive late.
	// It is only touched while holding the gate.
	abandoned int
	desynced  atomic.Bool

	metrics EngineMetrics
	logger  logger.Logger
}

// NewEngine creates a protocol engine on top of t.
//
// The opts parameter accepts EngineOption values; see WithTerminator,
// WithReadTimeout, WithFlushTimeout and WithLogger.
func NewEngine(t Transport, opts ...EngineOption) (*Engine, error) {
	cfg := &EngineConfig{
		terminator:   util.CloneSlice(DefaultTerminator, 0),
		readTimeout:  DefaultReadTimeout,
		flushTimeout: DefaultFlushTimeout,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return &Engine{
		cfg:    cfg,
		t:      t,
		gate:   newGate(),
		logger: cfg.logger,
	}, nil
}

// Open opens the transport session. It returns nil when the session is
// already open.
func (e *Engine) Open() error {
	if !e.state.ToOpening() {
		if e.state.IsOpened() {
			return nil
		}
		return ErrInvalidTransition
	}

	if err := e.t.Open(); err != nil {
		e.state.Set(ClosedState)
		return err
	}

	e.state.ToOpened()
	e.logger.Debug("transport session opened")

	return nil
}

// Close closes the transport session. It is idempotent. Closing unblocks an
// in-flight read; callers parked on the admission gate fail once granted.
func (e *Engine) Close() error {
	if !e.state.ToClosing() {
		return nil
	}

	err := e.t.Close()
	e.state.ToClosed()
	e.logger.Debug("transport session closed")

	return err
}

// Opened reports whether the transport session is open.
func (e *Engine) Opened() bool { return e.state.IsOpened() }

// Desynced reports whether the engine has latched a pairing violation.
func (e *Engine) Desynced() bool { return e.desynced.Load() }

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *EngineMetrics { return &e.metrics }

// Send renders cmd, appends the line terminator, and writes it to the
// transport. No response is expected; Send returns once the write completes.
func (e *Engine) Send(ctx context.Context, cmd Command) error {
	if err := e.beginExchange(ctx); err != nil {
		return err
	}
	defer e.gate.release()

	if err := e.write(cmd); err != nil {
		return err
	}
	e.metrics.incSendCount()

	return nil
}

// Query sends cmd and reads one response line within the configured read
// timeout.
func (e *Engine) Query(ctx context.Context, cmd Command) (string, error) {
	return e.QueryTimeout(ctx, cmd, e.cfg.readTimeout)
}

// QueryTimeout sends cmd and reads one response line within the given
// timeout. Commands that start long operations (such as *WAI chains) use this
// to stretch the response window beyond the configured default.
//
// On timeout the exchange is marked abandoned: a late response line arriving
// afterwards is drained and discarded before the next command, never
// delivered to a later caller.
func (e *Engine) QueryTimeout(ctx context.Context, cmd Command, timeout time.Duration) (string, error) {
	if err := e.beginExchange(ctx); err != nil {
		return "", err
	}
	defer e.gate.release()

	if err := e.write(cmd); err != nil {
		return "", err
	}

	data, err := e.t.ReadUntil(e.cfg.terminator, timeout)
	if err != nil {
		e.noteReadFailure(cmd, err, timeout)
		return "", err
	}
	e.metrics.addBytesRead(len(data) + len(e.cfg.terminator))

	if ctx.Err() != nil {
		// The caller left while the read was in flight. The line pairs with
		// this exchange, so consuming and dropping it keeps the channel clean.
		e.logger.Debug("query cancelled after response arrived, dropping", "cmd", cmd.String())
		return "", ctx.Err()
	}
	e.metrics.incQueryCount()

	return string(data), nil
}

// QueryBlock sends cmd and reads an IEEE 488.2 block response
// (#<d><length><payload> or the indefinite #0<payload> form), bypassing
// terminator scanning for the declared byte length. The trailing terminator
// is consumed.
func (e *Engine) QueryBlock(ctx context.Context, cmd Command) ([]byte, error) {
	if err := e.beginExchange(ctx); err != nil {
		return nil, err
	}
	defer e.gate.release()

	if err := e.write(cmd); err != nil {
		return nil, err
	}

	timeout := e.cfg.readTimeout
	head, err := e.t.ReadN(2, timeout)
	if err != nil {
		e.noteReadFailure(cmd, err, timeout)
		return nil, err
	}
	if head[0] != '#' {
		return nil, e.latchDesync(fmt.Sprintf("block response starts with 0x%02x, not '#'", head[0]))
	}

	if head[1] == '0' {
		// Indefinite length: everything up to the terminator.
		data, err := e.t.ReadUntil(e.cfg.terminator, timeout)
		if err != nil {
			e.noteReadFailure(cmd, err, timeout)
			return nil, err
		}
		e.metrics.addBytesRead(len(data) + len(e.cfg.terminator) + 2)
		e.metrics.incQueryCount()

		return data, nil
	}

	nd := int(head[1] - '0')
	if nd < 1 || nd > 9 {
		return nil, e.latchDesync(fmt.Sprintf("block digit count %q out of range", head[1]))
	}
	lenDigits, err := e.t.ReadN(nd, timeout)
	if err != nil {
		e.noteReadFailure(cmd, err, timeout)
		return nil, err
	}
	size, err := strconv.Atoi(string(lenDigits))
	if err != nil || size < 0 {
		return nil, e.latchDesync(fmt.Sprintf("block length %q is not numeric", lenDigits))
	}

	payload, err := e.t.ReadN(size, timeout)
	if err != nil {
		e.noteReadFailure(cmd, err, timeout)
		return nil, err
	}
	e.metrics.addBytesRead(2 + nd + size)

	// The response message terminator follows the payload.
	if _, err := e.t.ReadUntil(e.cfg.terminator, e.cfg.flushTimeout); err != nil {
		var te *TimeoutError
		if !errors.As(err, &te) {
			return nil, err
		}
		if len(te.Partial) > 0 {
			return nil, e.latchDesync("trailing bytes after block payload")
		}
	}
	e.metrics.incQueryCount()

	return payload, nil
}

// Reset flushes buffered response data and clears the abandoned-exchange and
// desync state. It does not touch the instrument; Device.DeviceClear resets
// the instrument side first and then calls Reset.
func (e *Engine) Reset(ctx context.Context) error {
	if !e.state.IsOpened() {
		return ErrNotOpened
	}
	// Acquire directly: Reset must run even while the desync latch is set.
	if err := e.gate.acquire(ctx); err != nil {
		return err
	}
	defer e.gate.release()

	e.flushInput()
	e.abandoned = 0
	e.desynced.Store(false)
	e.logger.Debug("engine reset, buffers flushed")

	return nil
}

// beginExchange admits one exchange: it checks the session state and the
// desync latch, acquires the gate, rechecks, and drains stale lines left by
// abandoned exchanges.
func (e *Engine) beginExchange(ctx context.Context) error {
	if !e.state.IsOpened() {
		return ErrNotOpened
	}
	if e.desynced.Load() {
		return ErrDesync
	}

	if err := e.gate.acquire(ctx); err != nil {
		return err
	}

	// Recheck under the gate: the session may have moved while parked.
	if !e.state.IsOpened() {
		e.gate.release()
		return ErrNotOpened
	}
	if e.desynced.Load() {
		e.gate.release()
		return ErrDesync
	}
	if err := e.drainStale(); err != nil {
		e.gate.release()
		return err
	}

	return nil
}

// write renders cmd and writes it with the terminator appended. The rendered
// text must not contain the terminator or other control bytes.
func (e *Engine) write(cmd Command) error {
	text := cmd.String()
	if text == "" {
		return ErrEmptyCommand
	}
	if raw := []byte(text); bytes.ContainsAny(raw, "\r\n") || bytes.Contains(raw, e.cfg.terminator) {
		return fmt.Errorf("%w: %q", ErrCommandBadByte, text)
	}

	line := make([]byte, 0, len(text)+len(e.cfg.terminator))
	line = append(line, text...)
	line = append(line, e.cfg.terminator...)

	seq := e.seq.Add(1)
	e.logger.Debug("send", "seq", seq, "cmd", text)

	if err := e.t.Write(line); err != nil {
		return err
	}
	e.metrics.addBytesWritten(len(line))

	return nil
}

// noteReadFailure records the bookkeeping for a failed response read while
// still holding the gate.
func (e *Engine) noteReadFailure(cmd Command, err error, timeout time.Duration) {
	var te *TimeoutError
	if !errors.As(err, &te) {
		return
	}
	e.abandoned++
	e.metrics.incTimeoutCount()
	e.metrics.incAbandonedCount()
	e.logger.Warn("query timed out, exchange abandoned",
		"cmd", cmd.String(), "wait", timeout, "partialBytes", len(te.Partial))
}

// drainStale consumes response lines owed to abandoned exchanges before a new
// command goes out. A line that arrives when nothing is owed means the
// pairing guarantee is broken and latches the desync state.
func (e *Engine) drainStale() error {
	if e.abandoned == 0 {
		return nil
	}

	for {
		data, err := e.t.ReadUntil(e.cfg.terminator, e.cfg.flushTimeout)
		if err != nil {
			var te *TimeoutError
			if !errors.As(err, &te) {
				return err
			}
			if len(te.Partial) > 0 {
				// A late response is mid-arrival; keep the debt and let the
				// caller retry once the line completes.
				return fmt.Errorf("stale response still arriving: %w", err)
			}
			// Channel is quiet. Whatever is still owed was never answered.
			e.abandoned = 0
			return nil
		}

		e.metrics.incStaleLineCount()
		if e.abandoned == 0 {
			return e.latchDesync(fmt.Sprintf("unsolicited response line (%d bytes)", len(data)))
		}
		e.abandoned--
		e.logger.Warn("drained stale response line", "bytes", len(data), "owed", e.abandoned)
	}
}

// latchDesync marks the engine desynchronized and returns ErrDesync with
// context. Only Reset or a close/reopen clears the latch.
func (e *Engine) latchDesync(detail string) error {
	e.desynced.Store(true)
	e.logger.Error("protocol desynchronized", "detail", detail)

	return fmt.Errorf("%w: %s", ErrDesync, detail)
}

// flushInput discards whatever response data is buffered. Bounded so a
// chattering instrument cannot wedge Reset.
func (e *Engine) flushInput() {
	for i := 0; i < maxFlushLines; i++ {
		data, err := e.t.ReadUntil(e.cfg.terminator, e.cfg.flushTimeout)
		if err != nil {
			return
		}
		e.logger.Debug("flushed buffered line", "bytes", len(data))
	}
}
