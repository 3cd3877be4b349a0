package channel

import (
	"fmt"
	"regexp"
	"strings"
)

// LineHandler validates a raw line and returns the payload to emit.
// ("", nil) means the line carries nothing and is skipped silently; an
// error wrapping ErrMalformedLine drops the line.
type LineHandler func(line string) (string, error)

var hex24Plus = regexp.MustCompile(`[0-9A-Fa-f]{24,}`)

// EPCLine extracts the first run of at least 24 hex digits and keeps the
// first 24 of them, upper-cased. Inventory readers such as the RRU9816
// prefix EPCs with antenna and RSSI noise.
func EPCLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	m := hex24Plus.FindString(line)
	if m == "" {
		return "", fmt.Errorf("%w: no EPC in %q", ErrMalformedLine, line)
	}
	return strings.ToUpper(m[:24]), nil
}

// RawLine passes the trimmed line through, stripping STX/ETX framing that
// some keyboard-style readers add.
func RawLine(line string) (string, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "\x02")
	line = strings.TrimSuffix(line, "\x03")
	return strings.TrimSpace(line), nil
}

// HandlerFor returns the line handler named in configuration.
func HandlerFor(name string) (LineHandler, error) {
	switch name {
	case "epc":
		return EPCLine, nil
	case "", "raw":
		return RawLine, nil
	default:
		return nil, fmt.Errorf("unknown line format %q", name)
	}
}
