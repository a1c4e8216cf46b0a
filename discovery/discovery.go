package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/enbility/zeroconf/v3"

	"github.com/arloliu/go-scpi/logger"
)

const (
	// Service is the DNS-SD service type advertised by instruments with a raw
	// socket SCPI interface.
	Service = "_scpi-raw._tcp"

	// Domain is the mDNS domain browsed and announced by default.
	Domain = "local."
)

// Instrument describes one discovered SCPI instrument.
type Instrument struct {
	// Name is the DNS-SD instance name, usually the instrument model or a
	// user-assigned label.
	Name string
	// Host is the announced mDNS host name.
	Host string
	// Port is the raw socket port.
	Port int
	// Addrs holds the resolved IPv4 and IPv6 addresses, IPv4 first.
	Addrs []net.IP
	// Txt holds the TXT record attributes as key/value pairs.
	Txt map[string]string
}

// Target returns a host and port suitable for a tcpip connection
// configuration. It prefers a resolved IPv4 address, then IPv6, and falls
// back to the announced host name with its trailing dot removed.
func (in Instrument) Target() (string, int) {
	var v6 net.IP
	for _, ip := range in.Addrs {
		if ip.To4() != nil {
			return ip.String(), in.Port
		}
		if v6 == nil {
			v6 = ip
		}
	}
	if v6 != nil {
		return v6.String(), in.Port
	}

	return strings.TrimSuffix(in.Host, "."), in.Port
}

// Discover browses for SCPI raw socket services until ctx ends and returns
// the instruments seen, sorted by instance name.
//
// The context bounds the browse duration; reaching its deadline is the normal
// way to finish a sweep:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
//	defer cancel()
//	instruments, err := discovery.Discover(ctx)
func Discover(ctx context.Context, opts ...Option) ([]Instrument, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	browseErr := make(chan error, 1)
	go func() {
		browseErr <- zeroconf.Browse(ctx, cfg.service, cfg.domain, entries, removed, cfg.clientOptions()...)
	}()

	// Aggregate by instance name. The same instance arrives once per
	// interface, each entry carrying that interface's addresses.
	byName := make(map[string]Instrument)
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			inst := newInstrument(entry.Instance, entry.HostName, entry.Port, entry.Text, entry.AddrIPv4, entry.AddrIPv6)
			if cur, found := byName[inst.Name]; found {
				inst.Addrs = mergeAddrs(cur.Addrs, inst.Addrs)
			} else {
				cfg.logger.Debug("scpi instrument discovered",
					"name", inst.Name, "host", inst.Host, "port", inst.Port)
			}
			byName[inst.Name] = inst

		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			cur, found := byName[entry.Instance]
			if !found {
				continue
			}
			cur.Addrs = removeAddrs(cur.Addrs, entry.AddrIPv4, entry.AddrIPv6)
			if len(cur.Addrs) == 0 {
				delete(byName, entry.Instance)
			} else {
				byName[entry.Instance] = cur
			}

		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browse %s: %w", cfg.service, err)
			}
			instruments := slices.Collect(maps.Values(byName))
			slices.SortFunc(instruments, func(a, b Instrument) int {
				return strings.Compare(a.Name, b.Name)
			})

			return instruments, nil
		}
	}
}

// newInstrument builds an Instrument from raw DNS-SD record fields.
func newInstrument(name, host string, port int, text []string, v4, v6 []net.IP) Instrument {
	addrs := make([]net.IP, 0, len(v4)+len(v6))
	addrs = append(addrs, v4...)
	addrs = append(addrs, v6...)

	txt := make(map[string]string, len(text))
	for _, attr := range text {
		key, val, _ := strings.Cut(attr, "=")
		if key != "" {
			txt[key] = val
		}
	}

	return Instrument{Name: name, Host: host, Port: port, Addrs: addrs, Txt: txt}
}

// mergeAddrs appends the addresses from add that are not already present.
func mergeAddrs(addrs, add []net.IP) []net.IP {
	for _, ip := range add {
		if !slices.ContainsFunc(addrs, ip.Equal) {
			addrs = append(addrs, ip)
		}
	}

	return addrs
}

// removeAddrs drops the addresses announced by a departing interface.
func removeAddrs(addrs []net.IP, v4, v6 []net.IP) []net.IP {
	gone := func(ip net.IP) bool {
		return slices.ContainsFunc(v4, ip.Equal) || slices.ContainsFunc(v6, ip.Equal)
	}

	return slices.DeleteFunc(addrs, gone)
}

// Announcer keeps one announced service registration alive until Shutdown.
type Announcer struct {
	server *zeroconf.Server
	logger logger.Logger
	name   string
}

// Announce registers a SCPI raw socket service under the given instance name
// and port. The txt map becomes the TXT record; pass nil for none.
//
// The registration stays visible until Shutdown is called.
func Announce(name string, port int, txt map[string]string, opts ...Option) (*Announcer, error) {
	if name == "" {
		return nil, errors.New("instance name is empty")
	}
	if port < 1 || port > 65535 {
		return nil, errors.New("port is out of range [1, 65535]")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	server, err := zeroconf.Register(name, cfg.service, cfg.domain, port, txtPairs(txt), cfg.ifaces, cfg.serverOptions()...)
	if err != nil {
		return nil, fmt.Errorf("announce %q: %w", name, err)
	}

	cfg.logger.Debug("scpi instrument announced", "name", name, "service", cfg.service, "port", port)

	return &Announcer{server: server, logger: cfg.logger, name: name}, nil
}

// SetText replaces the TXT record of the announced service.
func (a *Announcer) SetText(txt map[string]string) {
	a.server.SetText(txtPairs(txt))
}

// Shutdown withdraws the announcement and releases the mDNS sockets.
func (a *Announcer) Shutdown() {
	a.server.Shutdown()
	a.logger.Debug("scpi instrument announcement withdrawn", "name", a.name)
}

// txtPairs renders a TXT attribute map as sorted key=value strings.
func txtPairs(txt map[string]string) []string {
	pairs := make([]string, 0, len(txt))
	for _, key := range slices.Sorted(maps.Keys(txt)) {
		pairs = append(pairs, key+"="+txt[key])
	}

	return pairs
}
