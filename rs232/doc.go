// Package rs232 implements the SCPI serial port transport.
//
// Bench instruments with RS-232 interfaces frame commands and responses on
// the line terminator, almost universally at a factory setting of 9600 8N1.
// The transport opens the device through go.bug.st/serial, asserts the
// terminal-ready lines, and accumulates received bytes across read timeouts
// so a slow response survives into the next read.
//
// The modem status lines carry instrument presence: with carrier detection
// enabled, Open waits for DCD to assert, and under hardware flow control
// every write first waits for CTS. A signal that never asserts within the
// presence wait yields a scpi.DeviceNotPresentError before any command bytes
// reach the wire.
//
// A break condition serves as the out-of-band device clear message, so the
// transport implements scpi.DeviceClearer. Serial poll has no RS-232
// equivalent and is not implemented.
package rs232
