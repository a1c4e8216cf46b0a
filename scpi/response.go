package scpi

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Identity is the device identification tuple parsed from an *IDN? response.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s %s (serial %s, firmware %s)", id.Manufacturer, id.Model, id.Serial, id.Firmware)
}

// ParseIdentity parses an *IDN? response of the form
// "<manufacturer>,<model>,<serial>,<firmware>". Fields are trimmed; the
// firmware field keeps any embedded commas.
func ParseIdentity(s string) (Identity, error) {
	parts := strings.SplitN(s, ",", 4)
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("%w: identity %q does not have 4 fields", ErrBadResponse, s)
	}

	return Identity{
		Manufacturer: strings.TrimSpace(parts[0]),
		Model:        strings.TrimSpace(parts[1]),
		Serial:       strings.TrimSpace(parts[2]),
		Firmware:     strings.TrimSpace(parts[3]),
	}, nil
}

var errorEntryRe = regexp.MustCompile(`([+-]?\d+),"(.*?)"`)

// ParseErrorEntry parses one SYSTem:ERRor? response of the form
// <code>,"<message>".
func ParseErrorEntry(s string) (DeviceError, error) {
	m := errorEntryRe.FindStringSubmatch(s)
	if m == nil {
		return DeviceError{}, fmt.Errorf("%w: error entry %q", ErrBadResponse, s)
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return DeviceError{}, fmt.Errorf("%w: error code in %q", ErrBadResponse, s)
	}

	return DeviceError{Code: code, Message: m[2]}, nil
}

// ParseInt parses an <NR1> integer response.
func ParseInt(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadResponse, s)
	}
	return v, nil
}

// ParseFloat parses an <NRf> numeric response, including exponent forms such
// as "1.5E+3".
func ParseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrBadResponse, s)
	}
	return v, nil
}

// ParseBool parses a boolean response: 0, 1, ON or OFF, case-insensitive.
func ParseBool(s string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not a boolean", ErrBadResponse, s)
	}
}

// SplitList splits a comma-separated response into trimmed fields. An empty
// response returns nil.
func SplitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}
