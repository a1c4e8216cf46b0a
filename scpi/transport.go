package scpi

import "time"

// Transport is a duplex byte channel with line-oriented reads and no protocol
// knowledge. Implementations carry their own line discipline (presence
// gating, GPIB addressing, flow control); the protocol engine stays agnostic
// to it.
//
// A transport session is exclusively owned by the protocol engine that opened
// it. Callers issue commands through the engine, never through the transport
// directly.
type Transport interface {
	// Open establishes the channel. Transports with presence detection fail
	// fast with *DeviceNotPresentError when the presence signal never asserts
	// within the configured wait.
	Open() error

	// Write sends p in full. It returns *TransportError on a closed or
	// faulted channel.
	Write(p []byte) error

	// ReadUntil returns the bytes received up to the next occurrence of
	// terminator. The terminator is consumed from the stream but not
	// returned. On timeout it returns *TimeoutError carrying the partial
	// bytes read so far; the same bytes remain buffered so a later read can
	// complete the line.
	ReadUntil(terminator []byte, timeout time.Duration) ([]byte, error)

	// ReadN returns exactly n bytes, bypassing terminator scanning. The
	// engine uses it for definite-length block payloads. The timeout and
	// buffering rules match ReadUntil.
	ReadN(n int, timeout time.Duration) ([]byte, error)

	// Close shuts the channel down and unblocks any in-flight read with a
	// failure. It is idempotent.
	Close() error
}

// DeviceClearer is implemented by transports with a native device clear
// primitive: an out-of-band abort of the in-flight command/response cycle
// that resets the instrument's I/O buffers while leaving configuration and
// error queue state untouched.
//
// Plain socket transports have no such primitive; callers check for this
// interface before relying on Device.DeviceClear.
type DeviceClearer interface {
	DeviceClear() error
}

// SerialPoller is implemented by transports that can read the instrument
// status byte out-of-band, such as a GPIB serial poll. A serial poll does not
// trade bytes with the instrument's command parser, so it works even while a
// command is being processed.
type SerialPoller interface {
	SerialPoll() (byte, error)
}
