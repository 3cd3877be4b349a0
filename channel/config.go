package channel

import "time"

// Role tells the router what a channel's lines mean.
type Role string

const (
	RoleCard       Role = "card"        // serial card reader (UIDs)
	RoleBookTake   Role = "book_take"   // book reader at the check-out slot
	RoleBookReturn Role = "book_return" // book reader at the return slot
	RoleBookAny    Role = "book"        // book reader serving both slots
	RoleBin        Role = "bin"         // bin controller replies
)

// Config holds the settings for one serial endpoint.
type Config struct {
	Port              string        `yaml:"port"`               // e.g. "/dev/ttyUSB0"
	Driver            string        `yaml:"driver"`             // "bugst" (default) or "tarm"
	Baud              int           `yaml:"baud"`               // default 9600
	Newline           string        `yaml:"newline"`            // line terminator, default "\r\n"
	ReadTimeout       time.Duration `yaml:"read_timeout"`       // max age of a partial line
	WriteTimeout      time.Duration `yaml:"write_timeout"`      // bound on a single Send
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // delay between open attempts
	Debounce          time.Duration `yaml:"debounce"`           // 0 disables de-duplication
	IdleReconnect     time.Duration `yaml:"idle_reconnect"`     // reconnect after this long without a byte; 0 = never
}

// Defaults mirror the values the kiosk hardware was commissioned with.
const (
	DefaultBaud              = 9600
	DefaultNewline           = "\r\n"
	DefaultReadTimeout       = 700 * time.Millisecond
	DefaultWriteTimeout      = 700 * time.Millisecond
	DefaultReconnectInterval = 1500 * time.Millisecond
	DefaultDebounce          = 250 * time.Millisecond
)

// WithDefaults fills zero fields. Debounce is left alone because zero is a
// meaningful setting.
func (c Config) WithDefaults() Config {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.Newline == "" {
		c.Newline = DefaultNewline
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	return c
}

// Event is a validated, de-duplicated line produced by a channel.
type Event struct {
	SourceID  string
	Role      Role
	Payload   string
	Timestamp time.Time
}
