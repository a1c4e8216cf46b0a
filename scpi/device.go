package scpi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// maxErrorQueueDrain bounds one DrainErrors call. Instrument error queues are
// small (usually 16 entries); an instrument that keeps producing nonzero
// entries past this limit is answering the wrong question.
const maxErrorQueueDrain = 100

// Device maps the common SCPI command vocabulary onto protocol engine calls.
//
// Device is the attachment point for device-specific command sets: an
// extension holds a *Device and issues its vendor commands through Send and
// Query, so every command shares the engine's admission gate. Extensions must
// not open a second path to the transport.
type Device struct {
	eng *Engine

	idMu     sync.Mutex
	identity *Identity
}

// NewDevice creates a Device on top of eng.
func NewDevice(eng *Engine) *Device {
	return &Device{eng: eng}
}

// Send issues an action command through the protocol engine.
func (d *Device) Send(ctx context.Context, cmd Command) error {
	return d.eng.Send(ctx, cmd)
}

// Query issues a query command through the protocol engine and returns the
// response text.
func (d *Device) Query(ctx context.Context, cmd Command) (string, error) {
	return d.eng.Query(ctx, cmd)
}

// QueryTimeout issues a query with an explicit response window.
func (d *Device) QueryTimeout(ctx context.Context, cmd Command, timeout time.Duration) (string, error) {
	return d.eng.QueryTimeout(ctx, cmd, timeout)
}

// QueryBlock issues a query whose response is an IEEE 488.2 block.
func (d *Device) QueryBlock(ctx context.Context, cmd Command) ([]byte, error) {
	return d.eng.QueryBlock(ctx, cmd)
}

// Identify returns the device identity, querying *IDN? on first use and
// serving the cached tuple afterwards.
func (d *Device) Identify(ctx context.Context) (Identity, error) {
	d.idMu.Lock()
	cached := d.identity
	d.idMu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	return d.Reidentify(ctx)
}

// Reidentify refreshes the cached identity from the instrument.
func (d *Device) Reidentify(ctx context.Context) (Identity, error) {
	resp, err := d.Query(ctx, Cmd("*IDN?"))
	if err != nil {
		return Identity{}, err
	}
	id, err := ParseIdentity(resp)
	if err != nil {
		return Identity{}, err
	}

	d.idMu.Lock()
	d.identity = &id
	d.idMu.Unlock()

	return id, nil
}

// Reset issues *RST, a full device reset. No response is expected.
func (d *Device) Reset(ctx context.Context) error {
	return d.Send(ctx, Cmd("*RST"))
}

// ClearStatus issues *CLS, clearing the status and event registers and the
// error queue.
func (d *Device) ClearStatus(ctx context.Context) error {
	return d.Send(ctx, Cmd("*CLS"))
}

// ReadStatusByte reads the status byte register. When the transport offers an
// out-of-band serial poll it is preferred over *STB?, since a poll works even
// while the instrument is busy parsing a command.
func (d *Device) ReadStatusByte(ctx context.Context) (StatusByte, error) {
	if sp, ok := d.eng.t.(SerialPoller); ok {
		b, err := sp.SerialPoll()
		if err != nil {
			return 0, err
		}
		return StatusByte(b), nil
	}

	resp, err := d.Query(ctx, Cmd("*STB?"))
	if err != nil {
		return 0, err
	}
	v, err := ParseInt(resp)
	if err != nil {
		return 0, err
	}

	return StatusByte(v), nil
}

// SetEventStatusEnable writes the *ESE event status enable mask.
func (d *Device) SetEventStatusEnable(ctx context.Context, mask EventStatus) error {
	return d.Send(ctx, Cmdf("*ESE %d", uint8(mask)))
}

// EventStatusEnable reads the *ESE? event status enable mask.
func (d *Device) EventStatusEnable(ctx context.Context) (EventStatus, error) {
	resp, err := d.Query(ctx, Cmd("*ESE?"))
	if err != nil {
		return 0, err
	}
	v, err := ParseInt(resp)
	if err != nil {
		return 0, err
	}

	return EventStatus(v), nil
}

// ReadEventStatus reads the *ESR? standard event status register. Reading
// clears the register on the instrument.
func (d *Device) ReadEventStatus(ctx context.Context) (EventStatus, error) {
	resp, err := d.Query(ctx, Cmd("*ESR?"))
	if err != nil {
		return 0, err
	}
	v, err := ParseInt(resp)
	if err != nil {
		return 0, err
	}

	return EventStatus(v), nil
}

// SetServiceRequestEnable writes the *SRE service request enable mask.
func (d *Device) SetServiceRequestEnable(ctx context.Context, mask StatusByte) error {
	return d.Send(ctx, Cmdf("*SRE %d", uint8(mask)))
}

// ServiceRequestEnable reads the *SRE? service request enable mask.
func (d *Device) ServiceRequestEnable(ctx context.Context) (StatusByte, error) {
	resp, err := d.Query(ctx, Cmd("*SRE?"))
	if err != nil {
		return 0, err
	}
	v, err := ParseInt(resp)
	if err != nil {
		return 0, err
	}

	return StatusByte(v), nil
}

// OperationComplete issues *OPC, arming the operation-complete event bit.
func (d *Device) OperationComplete(ctx context.Context) error {
	return d.Send(ctx, Cmd("*OPC"))
}

// WaitComplete issues *WAI;*OPC? and blocks until the instrument reports all
// pending operations finished, up to the given timeout.
func (d *Device) WaitComplete(ctx context.Context, timeout time.Duration) error {
	resp, err := d.QueryTimeout(ctx, Cmd("*WAI;*OPC?"), timeout)
	if err != nil {
		return err
	}
	done, err := ParseBool(resp)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("%w: *OPC? answered %q", ErrBadResponse, resp)
	}

	return nil
}

// Trigger issues *TRG.
func (d *Device) Trigger(ctx context.Context) error {
	return d.Send(ctx, Cmd("*TRG"))
}

// Options queries *OPT? and returns the installed option list.
func (d *Device) Options(ctx context.Context) ([]string, error) {
	resp, err := d.Query(ctx, Cmd("*OPT?"))
	if err != nil {
		return nil, err
	}

	return SplitList(resp), nil
}

// SetPowerOnStatusClear writes the *PSC flag controlling whether enable
// registers clear on power-up.
func (d *Device) SetPowerOnStatusClear(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}

	return d.Send(ctx, Cmdf("*PSC %d", v))
}

// PowerOnStatusClear reads the *PSC? flag.
func (d *Device) PowerOnStatusClear(ctx context.Context) (bool, error) {
	resp, err := d.Query(ctx, Cmd("*PSC?"))
	if err != nil {
		return false, err
	}

	return ParseBool(resp)
}

// SaveState issues *SAV, saving the instrument state to the given slot.
func (d *Device) SaveState(ctx context.Context, slot int) error {
	if slot < 0 {
		return fmt.Errorf("state slot %d is negative", slot)
	}

	return d.Send(ctx, Cmdf("*SAV %d", slot))
}

// RecallState issues *RCL, restoring the instrument state from the given slot.
func (d *Device) RecallState(ctx context.Context, slot int) error {
	if slot < 0 {
		return fmt.Errorf("state slot %d is negative", slot)
	}

	return d.Send(ctx, Cmdf("*RCL %d", slot))
}

// DrainErrors polls SYSTem:ERRor? until the instrument reports code 0 and
// returns the drained entries in queue order. An empty queue returns nil.
// The entries are data, not failures; new instrument faults enqueue later, so
// every call drains to empty and the next call starts fresh.
func (d *Device) DrainErrors(ctx context.Context) ([]DeviceError, error) {
	var drained []DeviceError
	for i := 0; i < maxErrorQueueDrain; i++ {
		resp, err := d.Query(ctx, Cmd("SYSTem:ERRor?"))
		if err != nil {
			return drained, err
		}
		entry, err := ParseErrorEntry(resp)
		if err != nil {
			return drained, err
		}
		if entry.Code == 0 {
			return drained, nil
		}
		drained = append(drained, entry)
	}

	return drained, ErrErrorDrainLimit
}

// CanDeviceClear reports whether the transport has a native device clear.
func (d *Device) CanDeviceClear() bool {
	_, ok := d.eng.t.(DeviceClearer)
	return ok
}

// DeviceClear aborts any in-flight command/response cycle and resets the
// instrument's I/O buffers, leaving configuration and error queue state
// untouched. It requires transport support; see CanDeviceClear.
//
// The transport-level clear fires immediately, without waiting on the
// admission gate, so a hung exchange can be cut loose. The engine state is
// then reset once the aborted exchange unwinds.
func (d *Device) DeviceClear(ctx context.Context) error {
	dc, ok := d.eng.t.(DeviceClearer)
	if !ok {
		return ErrDeviceClearUnsupported
	}

	if err := dc.DeviceClear(); err != nil {
		return err
	}

	return d.eng.Reset(ctx)
}

// SafeSend issues an action command and then drains the error queue. A
// nonzero entry turns into a *CommandError carrying the command text and the
// first entry.
func (d *Device) SafeSend(ctx context.Context, cmd Command) error {
	if err := d.Send(ctx, cmd); err != nil {
		return err
	}

	return d.checkErrors(ctx, cmd)
}

// SafeQuery issues a query and then drains the error queue. A nonzero entry
// turns into a *CommandError. On a response timeout the transport is device
// cleared first, when supported, so the abandoned exchange cannot poison the
// next one.
func (d *Device) SafeQuery(ctx context.Context, cmd Command) (string, error) {
	resp, err := d.Query(ctx, cmd)
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) && d.CanDeviceClear() {
			if cerr := d.DeviceClear(ctx); cerr != nil {
				d.eng.logger.Warn("device clear after query timeout failed", "error", cerr)
			}
		}
		return "", err
	}

	if err := d.checkErrors(ctx, cmd); err != nil {
		return "", err
	}

	return resp, nil
}

func (d *Device) checkErrors(ctx context.Context, cmd Command) error {
	entries, err := d.DrainErrors(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	first := entries[0]
	if len(entries) > 1 {
		d.eng.logger.Warn("multiple error queue entries after command",
			"cmd", cmd.String(), "count", len(entries))
	}

	return &CommandError{Command: cmd.String(), Code: first.Code, Message: first.Message}
}
