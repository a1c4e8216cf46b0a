// Package tcpip implements the SCPI raw socket transport.
//
// Instruments with LAN interfaces expose a raw socket service, conventionally
// on TCP port 5025, that frames commands and responses purely on the line
// terminator. The transport dials the instrument, applies per-operation
// deadlines, and keeps partially received lines buffered across read
// timeouts.
//
// Raw sockets carry no out-of-band signaling, so this transport implements
// neither the device clear nor the serial poll capability; a hung instrument
// is recovered by closing and reopening the connection.
package tcpip
