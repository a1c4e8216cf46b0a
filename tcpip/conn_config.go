package tcpip

import (
	"errors"
	"time"

	"github.com/arloliu/go-scpi/logger"
	"github.com/arloliu/go-scpi/scpi"
)

// Default and limit values for the TCP/IP connection configuration.
const (
	// DefaultPort is the conventional SCPI raw socket port.
	DefaultPort = 5025

	// DefaultConnectTimeout is the default timeout for establishing the TCP
	// connection.
	DefaultConnectTimeout = 3 * time.Second
	// DefaultWriteTimeout is the default deadline for one command write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultKeepAlive is the default TCP keep-alive probe interval.
	DefaultKeepAlive = 30 * time.Second
)

// ConnectionConfig holds the configuration parameters for a SCPI raw socket
// connection. It is populated by NewConnectionConfig from ConnOption values.
type ConnectionConfig struct {
	host string
	port int

	connectTimeout time.Duration
	writeTimeout   time.Duration
	keepAlive      time.Duration

	logger logger.Logger
}

// NewConnectionConfig creates a raw socket connection configuration for the
// given host and port.
//
// The opts parameter accepts ConnOption values; see the WithXXX functions for
// the available options.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		connectTimeout: DefaultConnectTimeout,
		writeTimeout:   DefaultWriteTimeout,
		keepAlive:      DefaultKeepAlive,
		logger:         logger.GetLogger(),
	}

	if host == "" {
		return nil, errors.New("host is empty")
	}
	cfg.host = host

	if port < 1 || port > 65535 {
		return nil, errors.New("port is out of range [1, 65535]")
	}
	cfg.port = port

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Host returns the remote host.
func (cfg *ConnectionConfig) Host() string { return cfg.host }

// Port returns the remote TCP port.
func (cfg *ConnectionConfig) Port() int { return cfg.port }

// ConnectTimeout returns the timeout for establishing the TCP connection.
func (cfg *ConnectionConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// WriteTimeout returns the deadline for one command write.
func (cfg *ConnectionConfig) WriteTimeout() time.Duration { return cfg.writeTimeout }

// KeepAlive returns the TCP keep-alive probe interval.
func (cfg *ConnectionConfig) KeepAlive() time.Duration { return cfg.keepAlive }

// ConnOption represents a functional option for configuring a
// ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (f *connOptFunc) apply(cfg *ConnectionConfig) error { return f.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// WithConnectTimeout sets the timeout for establishing the TCP connection.
// It returns a ConnOption that validates the timeout value and updates the
// configuration. An error is returned if the timeout is outside the valid
// range (0.1-30 seconds) or if the configuration is nil.
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 100*time.Millisecond || val > 30*time.Second {
			return errors.New("connect timeout out of range [0.1s, 30s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the deadline for one command write.
// An error is returned if the timeout is outside the valid range (0.1-120
// seconds) or if the configuration is nil.
//
// The default value is 5 seconds.
func WithWriteTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithWriteTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 100*time.Millisecond || val > 120*time.Second {
			return errors.New("write timeout out of range [0.1s, 120s]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive probe interval. A zero value disables
// keep-alive probes.
// An error is returned if the interval is negative or if the configuration is
// nil.
//
// The default value is 30 seconds.
func WithKeepAlive(val time.Duration) ConnOption {
	return newConnOptFunc("WithKeepAlive", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return scpi.ErrConfigNil
		}
		if val < 0 {
			return errors.New("keep-alive interval is negative")
		}
		cfg.keepAlive = val

		return nil
	})
}

// WithLogger sets the logger for the connection.
// An error is returned if the logger or the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
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
