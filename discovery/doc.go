// Package discovery announces and browses SCPI raw socket instruments with
// mDNS/DNS-SD.
//
// LXI-style instruments with a raw socket interface advertise themselves as
// "_scpi-raw._tcp" services in the "local." domain. Discover collects the
// instruments visible on the local network, and Announce publishes one, which
// is mostly useful for instrument simulators and tests.
//
// A discovered Instrument converts directly into a tcpip transport target:
//
//	instruments, err := discovery.Discover(ctx)
//	if err != nil {
//		return err
//	}
//	for _, inst := range instruments {
//		host, port := inst.Target()
//		cfg, err := tcpip.NewConnectionConfig(host, port)
//		...
//	}
package discovery
