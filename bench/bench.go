package bench

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/prologix"
	"github.com/arloliu/go-scpi/rs232"
	"github.com/arloliu/go-scpi/scpi"
	"github.com/arloliu/go-scpi/tcpip"
)

// Bench is a set of opened instrument sessions built from a Config. It is
// read-only after Open returns; the sessions themselves are safe for
// concurrent use.
type Bench struct {
	sessions    map[string]*scpi.Session
	controllers map[string]*prologix.Controller
	logger      logger.Logger
}

// Open builds and opens every instrument in the bench description.
// Instruments open in name order; Prologix controllers are shared between
// instruments whose controller links name the same target; each instrument's
// init commands run right after its session opens. On any failure everything
// opened so far is closed and the error names the instrument.
func Open(ctx context.Context, cfg *Config) (*Bench, error) {
	if cfg == nil {
		return nil, errors.New("bench config is nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Bench{
		sessions:    make(map[string]*scpi.Session, len(cfg.Instruments)),
		controllers: make(map[string]*prologix.Controller),
		logger:      logger.GetLogger(),
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.Instruments)) {
		if err := b.openInstrument(ctx, name, cfg.Instruments[name]); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("instrument %q: %w", name, err)
		}
	}

	return b, nil
}

// Session returns the opened session of the named instrument.
func (b *Bench) Session(name string) (*scpi.Session, error) {
	sess, ok := b.sessions[name]
	if !ok {
		return nil, fmt.Errorf("unknown instrument %q", name)
	}

	return sess, nil
}

// Names returns the instrument names in sorted order.
func (b *Bench) Names() []string {
	return slices.Sorted(maps.Keys(b.sessions))
}

// Close closes every session and then every shared controller. It returns
// the first close error encountered.
func (b *Bench) Close() error {
	var firstErr error
	for _, name := range slices.Sorted(maps.Keys(b.sessions)) {
		if err := b.sessions[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, key := range slices.Sorted(maps.Keys(b.controllers)) {
		if err := b.controllers[key].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (b *Bench) openInstrument(ctx context.Context, name string, inst *InstrumentConfig) error {
	transport, err := b.buildTransport(inst.Transport)
	if err != nil {
		return err
	}

	opts, err := engineOptions(inst)
	if err != nil {
		return err
	}
	sess, err := scpi.NewSession(transport, opts...)
	if err != nil {
		return err
	}
	if err := sess.Open(); err != nil {
		return err
	}

	if err := runInit(ctx, sess, inst.Init); err != nil {
		_ = sess.Close()
		return err
	}

	b.sessions[name] = sess
	b.logger.Debug("bench instrument opened", "name", name, "kind", inst.Transport.Kind)

	return nil
}

// runInit issues the setup commands through the session's dispatch loop.
// Query responses are discarded; any instrument-rejected command fails the
// open.
func runInit(ctx context.Context, sess *scpi.Session, init []string) error {
	for _, line := range init {
		cmd, err := scpi.ParseCommand(line)
		if err != nil {
			return fmt.Errorf("init command %q: %w", line, err)
		}
		err = sess.Do(ctx, func(ctx context.Context, dev *scpi.Device) error {
			if cmd.IsQuery() {
				_, qerr := dev.SafeQuery(ctx, cmd)
				return qerr
			}
			return dev.SafeSend(ctx, cmd)
		})
		if err != nil {
			return fmt.Errorf("init command %q: %w", line, err)
		}
	}

	return nil
}

func (b *Bench) buildTransport(tc *TransportConfig) (scpi.Transport, error) {
	switch tc.Kind {
	case KindTCPIP:
		return buildTCPIP(tc.TCPIP)
	case KindRS232:
		return buildRS232(tc.RS232)
	case KindGPIB:
		ctrl, err := b.controller(tc.GPIB.Controller)
		if err != nil {
			return nil, err
		}
		return ctrl.Dev(tc.GPIB.Address)
	}

	return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
}

func buildTCPIP(tc *TCPIPConfig) (scpi.Transport, error) {
	var opts []tcpip.ConnOption
	if tc.ConnectTimeout > 0 {
		opts = append(opts, tcpip.WithConnectTimeout(time.Duration(tc.ConnectTimeout)))
	}

	cfg, err := tcpip.NewConnectionConfig(tc.Host, tc.Port, opts...)
	if err != nil {
		return nil, err
	}

	return tcpip.NewConnection(cfg)
}

func buildRS232(rc *RS232Config) (scpi.Transport, error) {
	var opts []rs232.ConnOption
	if rc.BaudRate > 0 {
		opts = append(opts, rs232.WithBaudRate(rc.BaudRate))
	}
	if rc.DataBits > 0 {
		opts = append(opts, rs232.WithDataBits(rc.DataBits))
	}
	if rc.Parity != "" {
		parity, err := rs232.ParseParity(rc.Parity)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rs232.WithParity(parity))
	}
	if rc.StopBits != 0 {
		stop, err := rs232.StopBitsFromCount(rc.StopBits)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rs232.WithStopBits(stop))
	}
	if rc.FlowControl != "" {
		flow, err := rs232.ParseFlowControl(rc.FlowControl)
		if err != nil {
			return nil, err
		}
		opts = append(opts, rs232.WithFlowControl(flow))
	}
	if rc.CarrierDetect {
		opts = append(opts, rs232.WithCarrierDetect(true))
	}
	if rc.PresenceWait > 0 {
		opts = append(opts, rs232.WithPresenceWait(time.Duration(rc.PresenceWait)))
	}
	if rc.BreakDuration > 0 {
		opts = append(opts, rs232.WithBreakDuration(time.Duration(rc.BreakDuration)))
	}

	cfg, err := rs232.NewConnectionConfig(rc.Device, opts...)
	if err != nil {
		return nil, err
	}

	return rs232.NewConnection(cfg)
}

// controller returns the shared Prologix controller for the link target,
// building and opening it on first use.
func (b *Bench) controller(cc *GPIBControllerConfig) (*prologix.Controller, error) {
	key := linkTarget(cc.Link)
	if ctrl, ok := b.controllers[key]; ok {
		return ctrl, nil
	}

	link, err := b.buildTransport(cc.Link)
	if err != nil {
		return nil, err
	}

	var opts []prologix.ControllerOption
	if cc.EOI != nil {
		opts = append(opts, prologix.WithEOI(*cc.EOI))
	}
	if cc.AssertIFC != nil {
		opts = append(opts, prologix.WithInterfaceClear(*cc.AssertIFC))
	}
	if cc.ReadTimeout > 0 {
		opts = append(opts, prologix.WithReadTimeout(time.Duration(cc.ReadTimeout)))
	}

	ctrl, err := prologix.NewController(link, opts...)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Open(); err != nil {
		return nil, fmt.Errorf("open gpib controller %s: %w", key, err)
	}
	b.controllers[key] = ctrl
	b.logger.Debug("gpib controller opened", "target", key)

	return ctrl, nil
}

// linkTarget renders a controller link as a cache key, so instruments behind
// one physical adapter share one controller.
func linkTarget(tc *TransportConfig) string {
	switch tc.Kind {
	case KindTCPIP:
		return fmt.Sprintf("tcpip://%s:%d", tc.TCPIP.Host, tc.TCPIP.Port)
	case KindRS232:
		return "rs232://" + tc.RS232.Device
	}

	return tc.Kind
}

func engineOptions(inst *InstrumentConfig) ([]scpi.EngineOption, error) {
	var opts []scpi.EngineOption
	if inst.ReadTimeout > 0 {
		opts = append(opts, scpi.WithReadTimeout(time.Duration(inst.ReadTimeout)))
	}
	term, err := terminatorBytes(inst.Terminator)
	if err != nil {
		return nil, err
	}
	if term != nil {
		opts = append(opts, scpi.WithTerminator(term))
	}

	return opts, nil
}
