package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstrumentTarget(t *testing.T) {
	tests := []struct {
		name     string
		inst     Instrument
		wantHost string
		wantPort int
	}{
		{
			name: "IPv4 Preferred",
			inst: Instrument{
				Host:  "psu.local.",
				Port:  5025,
				Addrs: []net.IP{net.ParseIP("fe80::1"), net.ParseIP("192.168.0.42")},
			},
			wantHost: "192.168.0.42",
			wantPort: 5025,
		},
		{
			name: "IPv6 Fallback",
			inst: Instrument{
				Host:  "psu.local.",
				Port:  5025,
				Addrs: []net.IP{net.ParseIP("fe80::1")},
			},
			wantHost: "fe80::1",
			wantPort: 5025,
		},
		{
			name:     "Host Name Fallback",
			inst:     Instrument{Host: "psu.local.", Port: 5025},
			wantHost: "psu.local",
			wantPort: 5025,
		},
		{
			name:     "Empty",
			inst:     Instrument{},
			wantHost: "",
			wantPort: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := tt.inst.Target()
			require.Equal(t, tt.wantHost, host)
			require.Equal(t, tt.wantPort, port)
		})
	}
}

func TestNewInstrument(t *testing.T) {
	require := require.New(t)

	v4 := []net.IP{net.ParseIP("10.0.0.7")}
	v6 := []net.IP{net.ParseIP("fe80::7")}
	text := []string{"model=PSU100", "fw=1.2", "beta", "=ignored"}

	inst := newInstrument("bench psu", "psu.local.", 5025, text, v4, v6)

	require.Equal("bench psu", inst.Name)
	require.Equal("psu.local.", inst.Host)
	require.Equal(5025, inst.Port)
	require.Equal([]net.IP{v4[0], v6[0]}, inst.Addrs)
	require.Equal(map[string]string{"model": "PSU100", "fw": "1.2", "beta": ""}, inst.Txt)
}

func TestMergeAndRemoveAddrs(t *testing.T) {
	require := require.New(t)

	addrs := []net.IP{net.ParseIP("10.0.0.7")}

	// Merging the same address again, even in 4-byte form, is a no-op.
	addrs = mergeAddrs(addrs, []net.IP{net.ParseIP("10.0.0.7").To4()})
	require.Len(addrs, 1)

	addrs = mergeAddrs(addrs, []net.IP{net.ParseIP("fe80::7"), net.ParseIP("10.0.0.8")})
	require.Len(addrs, 3)

	addrs = removeAddrs(addrs, []net.IP{net.ParseIP("10.0.0.8")}, []net.IP{net.ParseIP("fe80::7")})
	require.Equal([]net.IP{net.ParseIP("10.0.0.7")}, addrs)
}

func TestTxtPairs(t *testing.T) {
	require := require.New(t)

	require.Empty(txtPairs(nil))
	require.Equal(
		[]string{"fw=1.2", "model=PSU100"},
		txtPairs(map[string]string{"model": "PSU100", "fw": "1.2"}),
	)
}

func TestConfigOptions(t *testing.T) {
	require := require.New(t)

	cfg, err := newConfig()
	require.NoError(err)
	require.Equal(Service, cfg.service)
	require.Equal(Domain, cfg.domain)
	require.Empty(cfg.clientOptions())
	require.Empty(cfg.serverOptions())

	cfg, err = newConfig(
		WithService("_lxi._tcp"),
		WithDomain("lab."),
		WithTTL(120*time.Second),
		WithInterfaces(net.Interface{Index: 1, Name: "lo"}),
	)
	require.NoError(err)
	require.Equal("_lxi._tcp", cfg.service)
	require.Equal("lab.", cfg.domain)
	require.Equal(120*time.Second, cfg.ttl)
	require.Len(cfg.ifaces, 1)
	require.Len(cfg.clientOptions(), 1)
	require.Len(cfg.serverOptions(), 1)
}

func TestOptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "Empty Service", opt: WithService("")},
		{name: "Empty Domain", opt: WithDomain("")},
		{name: "No Interfaces", opt: WithInterfaces()},
		{name: "TTL Too Short", opt: WithTTL(500 * time.Millisecond)},
		{name: "TTL Too Long", opt: WithTTL(3 * time.Hour)},
		{name: "Nil Logger", opt: WithLogger(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newConfig(tt.opt)
			require.Error(t, err)
		})
	}
}

func TestAnnounceValidation(t *testing.T) {
	require := require.New(t)

	_, err := Announce("", 5025, nil)
	require.ErrorContains(err, "instance name is empty")

	_, err = Announce("psu", 0, nil)
	require.ErrorContains(err, "port is out of range")

	_, err = Announce("psu", 70000, nil)
	require.ErrorContains(err, "port is out of range")

	_, err = Announce("psu", 5025, nil, WithService(""))
	require.Error(err)
}

func TestDiscoverRejectsBadOption(t *testing.T) {
	_, err := Discover(context.Background(), WithDomain(""))
	require.Error(t, err)
}
