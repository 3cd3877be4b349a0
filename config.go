package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"bookkiosk/bin"
	"bookkiosk/buttons"
	"bookkiosk/cardreader"
	"bookkiosk/catalog"
	"bookkiosk/channel"
	"bookkiosk/eventpipe"
	"bookkiosk/hotkeys"
	"bookkiosk/indicator"
	"bookkiosk/mqtt"
	"bookkiosk/session"
	"bookkiosk/ui"
)

// Config is the main configuration structure for the kiosk.
type Config struct {
	// General settings
	KioskID   string        `yaml:"kiosk_id"`
	LogLevel  string        `yaml:"log_level"`
	ScanLog   string        `yaml:"scan_log"` // append-only log of every identifier seen
	Emulator  bool          `yaml:"emulator"` // start no hardware; demo inputs only
	StopGrace time.Duration `yaml:"stop_grace"`

	// Shared secret (base64) for signed remote bin-open requests
	OpenSecret string `yaml:"open_secret"`

	Session   session.Config   `yaml:"session"`
	Catalog   CatalogConfig    `yaml:"catalog"`
	Readers   ReadersConfig    `yaml:"readers"`
	Bin       bin.Config       `yaml:"bin"`
	Indicator indicator.Config `yaml:"indicator"`
	MQTT      mqtt.Config      `yaml:"mqtt"`
	UI        ui.Config        `yaml:"ui"`
	EventPipe eventpipe.Config `yaml:"event_pipe"`
	Keyboard  hotkeys.Config   `yaml:"keyboard"`
	Buttons   buttons.Config   `yaml:"buttons"`
}

// CatalogConfig selects the catalog backend.
type CatalogConfig struct {
	Driver        string                  `yaml:"driver"` // "memory" (default) or "postgres"
	DSN           string                  `yaml:"dsn"`    // for "postgres"
	Migrate       bool                    `yaml:"migrate"`
	Seed          string                  `yaml:"seed"` // YAML seed for "memory"
	Whitelist     catalog.WhitelistConfig `yaml:"whitelist"`
	ProbeAttempts int                     `yaml:"probe_attempts"`
	ProbeInterval time.Duration           `yaml:"probe_interval"`
}

// ReadersConfig describes the card and book readers. A book reader whose
// port is shared by take and return serves both slots.
type ReadersConfig struct {
	PCSC             bool              `yaml:"pcsc"` // contactless card reader over PC/SC
	Card             cardreader.Config `yaml:"card"`
	SerialCard       channel.Config    `yaml:"serial_card"`        // line-oriented card reader
	SerialCardFormat string            `yaml:"serial_card_format"` // "raw" (default) or "epc"
	BookTake         channel.Config    `yaml:"book_take"`
	BookReturn       channel.Config    `yaml:"book_return"`
}

// Shared reports whether take and return use one physical reader.
func (r ReadersConfig) Shared() bool {
	return r.BookTake.Port != "" && r.BookTake.Port == r.BookReturn.Port
}

const (
	defaultConfigFile    = "bookkiosk.yml"
	defaultStopGrace     = 3 * time.Second
	defaultProbeAttempts = 5
	defaultProbeInterval = 1500 * time.Millisecond
)

// loadConfig reads envFile (if present) into the environment, expands
// ${VAR} references in the config file and decodes it.
func loadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.UnmarshalStrict([]byte(expandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. A bare $ is left alone so
// passwords containing one survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if v, ok := os.LookupEnv(m[1]); ok && v != "" {
			return v
		}
		return m[2]
	})
}

func (c *Config) applyDefaults() error {
	if c.KioskID == "" {
		return errors.New("kiosk_id missing in config file")
	}
	if c.Session.KioskID == "" {
		c.Session.KioskID = c.KioskID
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}

	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "memory"
	}
	switch c.Catalog.Driver {
	case "memory":
	case "postgres":
		if c.Catalog.DSN == "" {
			return errors.New("catalog.dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver)
	}
	if c.Catalog.ProbeAttempts <= 0 {
		c.Catalog.ProbeAttempts = defaultProbeAttempts
	}
	if c.Catalog.ProbeInterval <= 0 {
		c.Catalog.ProbeInterval = defaultProbeInterval
	}

	// Zero means default here; a negative debounce disables it.
	for _, ch := range []*channel.Config{&c.Readers.SerialCard, &c.Readers.BookTake, &c.Readers.BookReturn} {
		if ch.Debounce == 0 {
			ch.Debounce = channel.DefaultDebounce
		}
	}
	if c.Readers.Card.Debounce == 0 {
		c.Readers.Card.Debounce = channel.DefaultDebounce
	}

	if _, err := channel.HandlerFor(c.Readers.SerialCardFormat); err != nil {
		return fmt.Errorf("readers.serial_card_format: %w", err)
	}

	if c.Bin.Type == "serial" && c.Bin.Serial.Port == "" {
		return errors.New("bin.serial.port required for serial bin")
	}
	return nil
}
