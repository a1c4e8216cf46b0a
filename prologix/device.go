package prologix

import (
	"bytes"
	"errors"
	"time"

	"github.com/arloliu/go-scpi/scpi"
)

// readAttemptMargin pads the adapter read timeout for one commissioned read
// attempt, covering the serial-side transit of the forwarded response.
const readAttemptMargin = 250 * time.Millisecond

// DeviceTransport is the transport view of one instrument on the bus. Every
// operation addresses the instrument first, so views can be used
// concurrently; the controller mutex keeps each address+operation pair
// atomic, and GPIB itself keeps interleaved exchanges separate because an
// instrument only talks when its read is commissioned.
//
// A view never opens or closes the inner link. Open the Controller before
// opening an engine on a view.
type DeviceTransport struct {
	ctrl *Controller
	addr int

	// needRead, guarded by ctrl.mu, records that a command has been written
	// and the next read must commission the adapter with "++read eoi".
	needRead bool
}

var (
	_ scpi.Transport     = (*DeviceTransport)(nil)
	_ scpi.DeviceClearer = (*DeviceTransport)(nil)
	_ scpi.SerialPoller  = (*DeviceTransport)(nil)
)

// Address returns the GPIB primary address of the view.
func (d *DeviceTransport) Address() int { return d.addr }

// Open verifies that the owning controller is open. It returns
// scpi.ErrNotOpened otherwise.
func (d *DeviceTransport) Open() error {
	return d.ctrl.ensureOpened()
}

// Close is a no-op. The controller owns the link, and other views may still
// be using it.
func (d *DeviceTransport) Close() error { return nil }

// Write addresses the instrument and forwards the command. The line
// terminator is stripped before forwarding; the adapter appends the GPIB
// terminator per its "++eos" setting.
func (d *DeviceTransport) Write(p []byte) error {
	if err := d.ctrl.ensureOpened(); err != nil {
		return err
	}

	payload := bytes.TrimRight(p, "\r\n")
	if len(payload) == 0 {
		return scpi.ErrEmptyCommand
	}

	d.ctrl.mu.Lock()
	defer d.ctrl.mu.Unlock()

	if err := d.ctrl.addressLocked(d.addr); err != nil {
		return err
	}
	if err := d.ctrl.writeLineLocked(string(payload)); err != nil {
		return err
	}
	d.needRead = true

	return nil
}

// ReadUntil returns the bytes of the instrument's response up to the next
// occurrence of terminator. When a command response is outstanding the read
// is commissioned from the adapter first.
func (d *DeviceTransport) ReadUntil(terminator []byte, timeout time.Duration) ([]byte, error) {
	if err := d.ctrl.ensureOpened(); err != nil {
		return nil, err
	}

	d.ctrl.mu.Lock()
	defer d.ctrl.mu.Unlock()

	return d.readLocked(timeout, func(wait time.Duration) ([]byte, error) {
		return d.ctrl.link.ReadUntil(terminator, wait)
	})
}

// ReadN returns exactly n bytes of the instrument's response, bypassing
// terminator scanning.
func (d *DeviceTransport) ReadN(n int, timeout time.Duration) ([]byte, error) {
	if err := d.ctrl.ensureOpened(); err != nil {
		return nil, err
	}

	d.ctrl.mu.Lock()
	defer d.ctrl.mu.Unlock()

	return d.readLocked(timeout, func(wait time.Duration) ([]byte, error) {
		return d.ctrl.link.ReadN(n, wait)
	})
}

// readLocked performs one read through the controller link. The adapter only
// forwards instrument bytes after an explicit "++read eoi", and it gives up
// once its own read timeout passes, so a slow instrument needs the read
// re-commissioned until the overall timeout elapses. Reads with no
// outstanding command, such as stale-line drains, only consume bytes the
// adapter already forwarded. Callers must hold ctrl.mu.
func (d *DeviceTransport) readLocked(timeout time.Duration, read func(time.Duration) ([]byte, error)) ([]byte, error) {
	if !d.needRead {
		return read(timeout)
	}

	deadline := time.Now().Add(timeout)
	attempt := d.ctrl.cfg.readTimeout + readAttemptMargin
	for {
		if err := d.ctrl.addressLocked(d.addr); err != nil {
			return nil, err
		}
		if err := d.ctrl.writeLineLocked("++read eoi"); err != nil {
			return nil, err
		}

		wait := attempt
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}

		data, err := read(wait)
		if err == nil {
			d.needRead = false
			return data, nil
		}

		var terr *scpi.TimeoutError
		if !errors.As(err, &terr) {
			return nil, err
		}
		if time.Until(deadline) <= 0 {
			return nil, &scpi.TimeoutError{Partial: terr.Partial, Wait: timeout}
		}
	}
}

// DeviceClear sends Selected Device Clear to the instrument. The instrument
// empties its input and output buffers and prepares for a new command; a
// response parked by a timed-out exchange is purged with them.
func (d *DeviceTransport) DeviceClear() error {
	if err := d.ctrl.ensureOpened(); err != nil {
		return err
	}

	d.ctrl.mu.Lock()
	defer d.ctrl.mu.Unlock()

	if err := d.ctrl.addressLocked(d.addr); err != nil {
		return err
	}
	if err := d.ctrl.writeLineLocked("++clr"); err != nil {
		return err
	}
	d.needRead = false

	return nil
}

// SerialPoll reads the instrument's status byte without touching its command
// parser.
func (d *DeviceTransport) SerialPoll() (byte, error) {
	if err := d.ctrl.ensureOpened(); err != nil {
		return 0, err
	}

	d.ctrl.mu.Lock()
	defer d.ctrl.mu.Unlock()

	return d.ctrl.serialPollLocked(d.addr, d.ctrl.cfg.queryTimeout)
}
