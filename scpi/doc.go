// Package scpi implements the SCPI (Standard Commands for Programmable
// Instruments) command/query protocol over interchangeable byte transports.
// It covers command framing, response parsing, error-queue reconciliation,
// and safe concurrent dispatch; the transports themselves (TCP sockets,
// serial lines, GPIB controllers) live in sibling packages and plug in
// through the Transport interface.
//
// Key Features:
//   - Protocol Engine: renders commands, delimits responses, and guarantees
//     that every response is attributed to the query that produced it.
//   - Admission Gate: exactly one command/response exchange in flight per
//     transport; concurrent callers queue and are served in arrival order.
//   - Timeout Recovery: an abandoned exchange releases the gate, and its
//     late response is drained before the next command instead of being
//     handed to the wrong caller.
//   - Desync Detection: a response line with no outstanding query latches
//     the engine into a failed state that only an explicit Reset (or a
//     transport device clear) leaves.
//   - Device Vocabulary: the common command set (*IDN?, *RST, *CLS, *STB?,
//     *ESE, *ESR?, *SRE, *OPC, SYSTem:ERRor? draining) plus typed response
//     parsing and IEEE 488.2 definite-length block transfers.
//   - Synchronous Session: a blocking, context-free call surface that
//     marshals every operation onto one dispatch goroutine.
//
// Connection Establishment:
//   - Construct a transport (for example tcpip.NewConnection or
//     rs232.NewConnection).
//   - Wrap it with NewEngine, NewDevice, or NewSession depending on the
//     level of abstraction required.
//   - Open the engine or session, issue commands, Close when done.
//
// Usage Example:
//
//	func main() {
//	    cfg, err := tcpip.NewConnectionConfig("192.168.1.50", 5025)
//	    // ... handle error ...
//
//	    conn, err := tcpip.NewConnection(cfg)
//	    // ... handle error ...
//
//	    session, err := scpi.NewSession(conn, scpi.WithReadTimeout(3*time.Second))
//	    // ... handle error ...
//	    defer session.Close()
//
//	    err = session.Open()
//	    // ... handle error ...
//
//	    id, err := session.Identify()
//	    // ... handle error ...
//	    fmt.Println("connected to", id)
//
//	    err = session.SafeSend(scpi.Cmd("OUTPut:STATe ON"))
//	    // ... handle error ...
//
//	    volts, err := session.Query(scpi.Cmd("MEASure:VOLTage?"))
//	    // ... handle error ...
//	    fmt.Println("measured", volts)
//	}
package scpi
