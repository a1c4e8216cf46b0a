package bench

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-scpi/prologix"
	"github.com/arloliu/go-scpi/rs232"
	"github.com/arloliu/go-scpi/scpi"
)

// Transport kinds accepted in a bench description.
const (
	KindTCPIP = "tcpip"
	KindRS232 = "rs232"
	KindGPIB  = "gpib"
)

// Duration is a time.Duration that unmarshals from Go duration strings such
// as "500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return errors.New("duration must be a string such as \"500ms\"")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)

	return nil
}

// Config is a bench description: a set of named instruments.
type Config struct {
	Instruments map[string]*InstrumentConfig `yaml:"instruments"`
}

// InstrumentConfig describes one instrument: how to reach it and how to set
// it up.
type InstrumentConfig struct {
	Transport *TransportConfig `yaml:"transport"`

	// ReadTimeout bounds each response read; zero keeps the engine default.
	ReadTimeout Duration `yaml:"read_timeout"`
	// Terminator selects the line terminator: crlf (the default), cr or lf.
	Terminator string `yaml:"terminator"`
	// Init commands run in order right after the session opens. Queries have
	// their responses discarded; every command is issued through the safe
	// variants, so instrument-rejected setup fails the open.
	Init []string `yaml:"init"`
}

// TransportConfig is the tagged transport description of one instrument. The
// kind field selects the variant; exactly one variant field is set after
// unmarshalling.
type TransportConfig struct {
	Kind string

	TCPIP *TCPIPConfig
	RS232 *RS232Config
	GPIB  *GPIBConfig
}

// UnmarshalYAML decodes the kind tag first, then the fields of the selected
// variant from the same mapping.
func (t *TransportConfig) UnmarshalYAML(node *yaml.Node) error {
	var tag struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&tag); err != nil {
		return err
	}

	switch tag.Kind {
	case KindTCPIP:
		t.TCPIP = &TCPIPConfig{}
		if err := node.Decode(t.TCPIP); err != nil {
			return err
		}
	case KindRS232:
		t.RS232 = &RS232Config{}
		if err := node.Decode(t.RS232); err != nil {
			return err
		}
	case KindGPIB:
		t.GPIB = &GPIBConfig{}
		if err := node.Decode(t.GPIB); err != nil {
			return err
		}
	case "":
		return errors.New("transport kind is missing")
	default:
		return fmt.Errorf("unknown transport kind %q", tag.Kind)
	}
	t.Kind = tag.Kind

	return nil
}

// TCPIPConfig describes a raw socket connection.
type TCPIPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// RS232Config describes a serial connection. Zero-valued fields keep the
// rs232 package defaults.
type RS232Config struct {
	Device        string   `yaml:"device"`
	BaudRate      int      `yaml:"baud_rate"`
	DataBits      int      `yaml:"data_bits"`
	Parity        string   `yaml:"parity"`
	StopBits      int      `yaml:"stop_bits"`
	FlowControl   string   `yaml:"flow_control"`
	CarrierDetect bool     `yaml:"carrier_detect"`
	PresenceWait  Duration `yaml:"presence_wait"`
	BreakDuration Duration `yaml:"break_duration"`
}

// GPIBConfig describes an instrument behind a Prologix controller.
type GPIBConfig struct {
	Address    int                   `yaml:"address"`
	Controller *GPIBControllerConfig `yaml:"controller"`
}

// GPIBControllerConfig describes the Prologix adapter itself: the link it is
// reached over plus its bus settings. Instruments naming the same link
// target share the controller built for the first of them; the later ones'
// bus settings are ignored.
type GPIBControllerConfig struct {
	Link *TransportConfig `yaml:"link"`

	EOI         *bool    `yaml:"eoi"`
	AssertIFC   *bool    `yaml:"assert_ifc"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// Load parses and validates a bench description.
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse bench config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFile reads and parses a bench description file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bench config: %w", err)
	}
	cfg, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Instruments) == 0 {
		return errors.New("no instruments defined")
	}
	for name, inst := range c.Instruments {
		if err := inst.validate(); err != nil {
			return fmt.Errorf("instrument %q: %w", name, err)
		}
	}

	return nil
}

func (i *InstrumentConfig) validate() error {
	if i == nil || i.Transport == nil {
		return errors.New("transport is missing")
	}
	if err := i.Transport.validate(); err != nil {
		return err
	}
	if _, err := terminatorBytes(i.Terminator); err != nil {
		return err
	}
	for _, line := range i.Init {
		if _, err := scpi.ParseCommand(line); err != nil {
			return fmt.Errorf("init command %q: %w", line, err)
		}
	}

	return nil
}

func (t *TransportConfig) validate() error {
	switch t.Kind {
	case KindTCPIP:
		if t.TCPIP == nil || t.TCPIP.Host == "" {
			return errors.New("tcpip host is missing")
		}
		if t.TCPIP.Port <= 0 || t.TCPIP.Port > 65535 {
			return fmt.Errorf("tcpip port %d is out of range", t.TCPIP.Port)
		}
	case KindRS232:
		if t.RS232 == nil || t.RS232.Device == "" {
			return errors.New("rs232 device is missing")
		}
		if t.RS232.Parity != "" {
			if _, err := rs232.ParseParity(t.RS232.Parity); err != nil {
				return err
			}
		}
		if t.RS232.StopBits != 0 {
			if _, err := rs232.StopBitsFromCount(t.RS232.StopBits); err != nil {
				return err
			}
		}
		if t.RS232.FlowControl != "" {
			if _, err := rs232.ParseFlowControl(t.RS232.FlowControl); err != nil {
				return err
			}
		}
	case KindGPIB:
		if t.GPIB == nil || t.GPIB.Controller == nil || t.GPIB.Controller.Link == nil {
			return errors.New("gpib controller link is missing")
		}
		if t.GPIB.Address < prologix.MinAddress || t.GPIB.Address > prologix.MaxAddress {
			return fmt.Errorf("gpib address %d is outside %d..%d",
				t.GPIB.Address, prologix.MinAddress, prologix.MaxAddress)
		}
		link := t.GPIB.Controller.Link
		if link.Kind == KindGPIB {
			return errors.New("gpib controller link cannot itself be gpib")
		}
		if err := link.validate(); err != nil {
			return fmt.Errorf("gpib controller link: %w", err)
		}
	default:
		return fmt.Errorf("unknown transport kind %q", t.Kind)
	}

	return nil
}

// terminatorBytes maps a terminator name to its byte sequence. An empty name
// selects the engine default and returns nil.
func terminatorBytes(name string) ([]byte, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, nil
	case "crlf":
		return []byte("\r\n"), nil
	case "cr":
		return []byte("\r"), nil
	case "lf":
		return []byte("\n"), nil
	default:
		return nil, fmt.Errorf("unknown terminator %q", name)
	}
}
