// Package prologix implements SCPI transports for GPIB buses behind a
// Prologix controller.
//
// The Prologix GPIB-USB and GPIB-ETHERNET adapters expose the bus through a
// byte channel: plain lines are forwarded to the currently addressed
// instrument, and lines starting with "++" command the adapter itself. A
// Controller wraps that channel (an rs232 or tcpip transport), programs the
// adapter on Open, and hands out per-address transport views with Dev.
//
// Views implement the full capability surface: device clear maps to the GPIB
// Selected Device Clear message and serial poll to a real serial poll, so
// status polling works even while the instrument is busy. Reads are
// commissioned explicitly ("++read eoi"); an instrument holds its response
// until the controller asks, which lets exchanges of different views
// interleave without crosstalk.
//
// The adapter aborts a commissioned read after its own read timeout. A view
// re-commissions the read until the engine-level timeout elapses, so slow
// operations work, but a response that misses the final deadline stays
// parked inside the instrument. Device clear purges it; Device.SafeQuery
// issues one automatically after a timeout.
//
// Bus services with no SCPI equivalent live on the Controller: group
// execute trigger, local lockout and local, SRQ status, serial poll by
// address, interface clear, and a serial-poll bus scan.
package prologix
