package prologix

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

// ctrlTerminator frames the serial-side dialogue with the adapter. The
// adapter accepts CR, LF or CRLF and answers with CRLF.
const ctrlTerminator = "\n"

// Controller drives a Prologix GPIB adapter over an inner transport, either
// the USB serial port of a GPIB-USB adapter or the TCP socket of a
// GPIB-ETHERNET one. It multiplexes a whole instrument bus: Dev returns a
// per-address scpi.Transport view, and the bus service methods cover the
// GPIB lines that have no SCPI equivalent.
type Controller struct {
	cfg    *ControllerConfig
	link   scpi.Transport
	logger logger.Logger

	opState scpi.AtomicOpState

	// mu serializes address+operation pairs, so concurrent device views
	// cannot interleave between "++addr" and the operation it addresses.
	mu sync.Mutex

	devs *xsync.MapOf[int, *DeviceTransport]
}

// NewController creates a GPIB controller on top of link. The link transport
// is owned by the controller once Open succeeds: closing the controller
// closes the link, and device views never close it.
//
// The opts parameter accepts ControllerOption values; see the WithXXX
// functions for the available options.
func NewController(link scpi.Transport, opts ...ControllerOption) (*Controller, error) {
	if link == nil {
		return nil, errors.New("link transport is nil")
	}

	cfg := &ControllerConfig{
		eoi:          true,
		terminator:   []byte("\r\n"),
		assertIFC:    true,
		readTimeout:  DefaultReadTimeout,
		queryTimeout: DefaultQueryTimeout,
		scanTimeout:  DefaultScanTimeout,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return &Controller{
		cfg:    cfg,
		link:   link,
		logger: cfg.logger,
		devs:   xsync.NewMapOf[int, *DeviceTransport](),
	}, nil
}

// Open opens the inner link and programs the adapter into a known state:
// controller in charge, no automatic read-after-write, EOI and terminator
// handling per the configuration. It returns nil when the controller is
// already open.
func (g *Controller) Open() error {
	if !g.opState.ToOpening() {
		if g.opState.IsOpened() {
			return nil
		}
		return scpi.ErrInvalidTransition
	}

	if err := g.link.Open(); err != nil {
		g.opState.Set(scpi.ClosedState)
		return err
	}

	g.mu.Lock()
	err := g.initLocked()
	g.mu.Unlock()
	if err != nil {
		_ = g.link.Close()
		g.opState.Set(scpi.ClosedState)

		return err
	}

	g.opState.ToOpened()
	g.logger.Debug("gpib controller initialized",
		"eoi", g.cfg.eoi,
		"eos", g.cfg.eosCode(),
		"read_tmo_ms", g.cfg.readTimeout.Milliseconds(),
		"ifc", g.cfg.assertIFC,
	)

	return nil
}

// initLocked programs the adapter. Automatic read-after-write stays off so
// reads remain explicit "++read eoi" commands. The EOT character is not
// parsed on the receive side and stays disabled.
func (g *Controller) initLocked() error {
	eoi := 0
	if g.cfg.eoi {
		eoi = 1
	}
	lines := []string{
		"++mode 1",
		"++auto 0",
		fmt.Sprintf("++eoi %d", eoi),
		fmt.Sprintf("++eos %d", g.cfg.eosCode()),
		"++eot_enable 0",
		fmt.Sprintf("++read_tmo_ms %d", g.cfg.readTimeout.Milliseconds()),
	}
	if g.cfg.assertIFC {
		lines = append(lines, "++ifc")
	}

	for _, line := range lines {
		if err := g.writeLineLocked(line); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the inner link. It is idempotent.
func (g *Controller) Close() error {
	if !g.opState.ToClosing() {
		return nil
	}

	err := g.link.Close()
	g.opState.ToClosed()
	g.logger.Debug("gpib controller closed")

	return err
}

// Opened reports whether the controller is open.
func (g *Controller) Opened() bool { return g.opState.IsOpened() }

// Dev returns the transport view for the instrument at the given primary
// address. Views are cached; repeated calls return the same instance.
func (g *Controller) Dev(addr int) (*DeviceTransport, error) {
	if err := validateAddress(addr); err != nil {
		return nil, err
	}

	dev, _ := g.devs.LoadOrStore(addr, &DeviceTransport{ctrl: g, addr: addr})

	return dev, nil
}

// InterfaceClear pulses the IFC line, asserting the adapter as controller in
// charge and returning every device to an idle bus state.
func (g *Controller) InterfaceClear() error {
	if err := g.ensureOpened(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.writeLineLocked("++ifc")
}

// Trigger sends a group execute trigger to the listed addresses. With no
// addresses the trigger goes to the currently addressed device. The adapter
// accepts at most 15 addresses per trigger.
func (g *Controller) Trigger(addrs ...int) error {
	if err := g.ensureOpened(); err != nil {
		return err
	}
	if len(addrs) > 15 {
		return fmt.Errorf("trigger accepts at most 15 addresses, got %d", len(addrs))
	}
	for _, addr := range addrs {
		if err := validateAddress(addr); err != nil {
			return err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(addrs) == 0 {
		return g.writeLineLocked("++trg")
	}

	parts := make([]string, 0, len(addrs)+1)
	parts = append(parts, "++trg")
	for _, addr := range addrs {
		parts = append(parts, strconv.Itoa(addr))
	}

	return g.writeLineLocked(strings.Join(parts, " "))
}

// LocalLockout disables the front panel of the instrument at the given
// address. The instrument ignores its panel until Local re-enables it.
func (g *Controller) LocalLockout(addr int) error {
	return g.addressedCommand(addr, "++llo")
}

// Local re-enables the front panel of the instrument at the given address.
func (g *Controller) Local(addr int) error {
	return g.addressedCommand(addr, "++loc")
}

func (g *Controller) addressedCommand(addr int, line string) error {
	if err := validateAddress(addr); err != nil {
		return err
	}
	if err := g.ensureOpened(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.addressLocked(addr); err != nil {
		return err
	}

	return g.writeLineLocked(line)
}

// CheckSRQ reports whether any device is asserting the SRQ line. It reads
// the adapter's SRQ status and does not touch the instruments, so it is safe
// to call between exchanges.
func (g *Controller) CheckSRQ() (bool, error) {
	if err := g.ensureOpened(); err != nil {
		return false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	resp, err := g.queryLineLocked("++srq", g.cfg.queryTimeout)
	if err != nil {
		return false, err
	}
	asserted, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		return false, fmt.Errorf("%w: ++srq answered %q", scpi.ErrBadResponse, resp)
	}

	return asserted != 0, nil
}

// SerialPoll reads the status byte of the instrument at the given address
// without touching its command parser.
func (g *Controller) SerialPoll(addr int) (byte, error) {
	if err := validateAddress(addr); err != nil {
		return 0, err
	}
	if err := g.ensureOpened(); err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.serialPollLocked(addr, g.cfg.queryTimeout)
}

// ScanBus serial-polls every primary address and returns the addresses that
// answered, in ascending order. The scan holds the controller exclusively
// for its whole duration and temporarily shortens the adapter read timeout
// so absent addresses fail fast. A cancelled context aborts the scan and
// returns the addresses found so far along with the context error.
func (g *Controller) ScanBus(ctx context.Context) ([]int, error) {
	if err := g.ensureOpened(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	scanTmo := g.cfg.scanTimeout / 2
	if scanTmo < time.Millisecond {
		scanTmo = time.Millisecond
	}
	if err := g.writeLineLocked(fmt.Sprintf("++read_tmo_ms %d", scanTmo.Milliseconds())); err != nil {
		return nil, err
	}
	defer func() {
		_ = g.writeLineLocked(fmt.Sprintf("++read_tmo_ms %d", g.cfg.readTimeout.Milliseconds()))
	}()

	var found []int
	for addr := MinAddress; addr <= MaxAddress; addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		if _, err := g.serialPollLocked(addr, g.cfg.scanTimeout); err != nil {
			var terr *scpi.TimeoutError
			if errors.As(err, &terr) {
				continue
			}

			return found, err
		}
		found = append(found, addr)
	}

	g.logger.Debug("gpib bus scan finished", "found", found)

	return found, nil
}

// serialPollLocked polls addr with the addressed "++spoll N" form, so no
// separate addressing round-trip is needed. Callers must hold g.mu.
func (g *Controller) serialPollLocked(addr int, timeout time.Duration) (byte, error) {
	resp, err := g.queryLineLocked("++spoll "+strconv.Itoa(addr), timeout)
	if err != nil {
		return 0, err
	}

	status, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil || status < 0 || status > 255 {
		return 0, fmt.Errorf("%w: ++spoll answered %q", scpi.ErrBadResponse, resp)
	}

	return byte(status), nil
}

// addressLocked makes addr the current talker/listener. Callers must hold
// g.mu.
func (g *Controller) addressLocked(addr int) error {
	return g.writeLineLocked("++addr " + strconv.Itoa(addr))
}

// writeLineLocked sends one line to the adapter. Callers must hold g.mu.
func (g *Controller) writeLineLocked(line string) error {
	return g.link.Write([]byte(line + ctrlTerminator))
}

// queryLineLocked sends one adapter command and reads its one-line response.
// Callers must hold g.mu.
func (g *Controller) queryLineLocked(line string, timeout time.Duration) (string, error) {
	if err := g.writeLineLocked(line); err != nil {
		return "", err
	}

	data, err := g.link.ReadUntil([]byte(ctrlTerminator), timeout)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(data), "\r"), nil
}

func (g *Controller) ensureOpened() error {
	if !g.opState.IsOpened() {
		return scpi.ErrNotOpened
	}

	return nil
}

func validateAddress(addr int) error {
	if addr < MinAddress || addr > MaxAddress {
		return fmt.Errorf("gpib address %d out of range [%d, %d]", addr, MinAddress, MaxAddress)
	}

	return nil
}
