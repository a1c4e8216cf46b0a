package discovery

import (
	"errors"
	"net"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

type config struct {
	service string
	domain  string
	ifaces  []net.Interface
	ttl     time.Duration
	logger  logger.Logger
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		service: Service,
		domain:  Domain,
		logger:  logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// clientOptions maps the configuration onto zeroconf browse options.
func (cfg *config) clientOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if len(cfg.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(cfg.ifaces))
	}

	return opts
}

// serverOptions maps the configuration onto zeroconf register options.
func (cfg *config) serverOptions() []zeroconf.ServerOption {
	var opts []zeroconf.ServerOption
	if cfg.ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(cfg.ttl.Seconds())))
	}

	return opts
}

// Option represents a functional option for configuring Discover and
// Announce.
type Option interface {
	apply(*config) error
}

type optFunc struct {
	name      string
	applyFunc func(*config) error
}

func (f *optFunc) apply(cfg *config) error { return f.applyFunc(cfg) }

func newOptFunc(name string, f func(*config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithService overrides the DNS-SD service type. Useful for instruments that
// advertise a vendor-specific type instead of the "_scpi-raw._tcp"
// convention.
// An error is returned if the service type is empty or if the configuration
// is nil.
func WithService(name string) Option {
	return newOptFunc("WithService", func(cfg *config) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if name == "" {
			return errors.New("service type is empty")
		}
		cfg.service = name

		return nil
	})
}

// WithDomain overrides the mDNS domain.
// An error is returned if the domain is empty or if the configuration is nil.
//
// The default domain is "local.".
func WithDomain(name string) Option {
	return newOptFunc("WithDomain", func(cfg *config) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if name == "" {
			return errors.New("domain is empty")
		}
		cfg.domain = name

		return nil
	})
}

// WithInterfaces restricts browsing and announcing to the given network
// interfaces instead of all multicast-capable ones.
// An error is returned if no interface is given or if the configuration is
// nil.
func WithInterfaces(ifaces ...net.Interface) Option {
	return newOptFunc("WithInterfaces", func(cfg *config) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if len(ifaces) == 0 {
			return errors.New("no network interface given")
		}
		cfg.ifaces = ifaces

		return nil
	})
}

// WithTTL sets the DNS record time-to-live of an announcement. Discover
// ignores this option.
// An error is returned if the value is outside the valid range (1 second to
// 2 hours) or if the configuration is nil.
func WithTTL(val time.Duration) Option {
	return newOptFunc("WithTTL", func(cfg *config) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < time.Second || val > 2*time.Hour {
			return errors.New("ttl out of range [1s, 2h]")
		}
		cfg.ttl = val

		return nil
	})
}

// WithLogger sets the logger for discovery events.
// An error is returned if the logger or the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *config) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
