package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is one SCPI program message: mnemonic tokens plus optional
// arguments, rendered to a single ASCII line. A command is a query when its
// header (the first space-delimited token) ends with '?'; queries produce a
// response line, action commands do not.
//
// The rendered text must not contain the line terminator; the protocol engine
// rejects commands that do.
type Command struct {
	text  string
	query bool
}

// Cmd creates a Command from its rendered text, e.g. "*RST" or
// "SOURce:VOLTage 5.0". Leading and trailing whitespace is trimmed.
func Cmd(text string) Command {
	text = strings.TrimSpace(text)
	return Command{text: text, query: isQueryText(text)}
}

// Cmdf creates a Command from a format string, fmt.Sprintf style.
func Cmdf(format string, args ...any) Command {
	return Cmd(fmt.Sprintf(format, args...))
}

// ParseCommand validates line as a SCPI program message and returns it as a
// Command. It is meant for command text from untrusted sources such as
// configuration files or interactive consoles; literals in code can use Cmd
// directly.
//
// The line must be non-empty after trimming and contain only printable ASCII,
// which in particular excludes embedded line terminators.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, ErrEmptyCommand
	}
	for i := 0; i < len(line); i++ {
		if line[i] < 0x20 || line[i] > 0x7e {
			return Command{}, fmt.Errorf("%w: 0x%02x at offset %d", ErrCommandBadByte, line[i], i)
		}
	}

	return Cmd(line), nil
}

// String returns the rendered command text without the line terminator.
func (c Command) String() string { return c.text }

// IsQuery reports whether the command expects a response line.
func (c Command) IsQuery() bool { return c.query }

func isQueryText(text string) bool {
	head, _, _ := strings.Cut(text, " ")
	return strings.HasSuffix(head, "?")
}

// FormatBool renders v as the SCPI boolean constants ON and OFF.
func FormatBool(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

// FormatFloat renders v in the shortest decimal form accepted as <NRf>
// numeric program data.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'G', -1, 64)
}

// Quote renders s as <string_program_data>: wrapped in double quotes, with
// embedded double quotes doubled.
func Quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
