// Package bin drives the book bin: the latch or flap that lets a book
// through, and the sensor that says whether the bin can take another one.
package bin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookkiosk/channel"
)

var (
	// ErrNoReply means the controller did not answer within the reply timeout.
	ErrNoReply = errors.New("bin: no reply")
	// ErrRejected means the controller refused the command.
	ErrRejected = errors.New("bin: command rejected")
)

// Controller is a bin the kiosk can open and query.
type Controller interface {
	OpenBin(ctx context.Context) error
	HasSpace(ctx context.Context) (bool, error)
	// Release frees the hardware.
	Release() error
}

// Config selects and configures the bin implementation.
type Config struct {
	Type         string         `yaml:"type"`          // "serial", "gpio_high", "gpio_low", "servo", "none"
	Serial       channel.Config `yaml:"serial"`        // for "serial"
	ReplyTimeout time.Duration  `yaml:"reply_timeout"` // for "serial"
	Pin          *int           `yaml:"pin"`           // latch or servo pin
	Pulse        time.Duration  `yaml:"pulse"`         // how long the latch stays open
	ServoOpen    int            `yaml:"servo_open"`    // PWM value for open position
	ServoClose   int            `yaml:"servo_close"`   // PWM value for closed position
	Sensor       SensorConfig   `yaml:"sensor"`
}

// SensorConfig describes the bin-full input line.
type SensorConfig struct {
	Chip      string `yaml:"chip"` // default "gpiochip0"
	Line      *int   `yaml:"line"`
	FullLevel int    `yaml:"full_level"` // line value meaning "full"
}

// New creates a Controller based on the provided configuration. Serial
// controllers are started before they are returned.
func New(cfg Config, opts ...channel.Option) (Controller, error) {
	switch cfg.Type {
	case "serial":
		s := NewSerial(cfg.Serial, cfg.ReplyTimeout, opts...)
		s.Start()
		return s, nil
	case "gpio_high", "gpio_low", "servo":
		return NewGPIO(cfg)
	case "", "none":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown bin type %q", cfg.Type)
	}
}
