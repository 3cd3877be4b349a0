package indicator

import (
	"errors"

	"bookkiosk/session"
)

// Indicator is the interface for status indicator implementations (LEDs, neopixels, etc).
type Indicator interface {
	// Idle shows the kiosk is on the menu and ready.
	Idle()

	// Waiting shows the kiosk expects a card or a book.
	Waiting()

	// Success shows a completed check-out or return.
	Success()

	// Failure shows a rejected card or book.
	Failure()

	// Full shows the bin has no room.
	Full()

	// ConnectionLost sets the indicator to connection lost state.
	ConnectionLost()

	// Shutdown sets the indicator to shutdown state.
	Shutdown()

	// Release releases any hardware resources.
	Release() error
}

// Config holds configuration for indicator implementations.
type Config struct {
	// GPIO LED pins (nil = not configured)
	GreenPin  *uint8 `yaml:"green_pin"`
	YellowPin *uint8 `yaml:"yellow_pin"`
	RedPin    *uint8 `yaml:"red_pin"`

	// Neopixel pipe path (empty = not configured)
	NeopixelPipe string `yaml:"neopixel_pipe"`
}

// New creates an Indicator based on the provided configuration.
// Returns a Multi indicator if both GPIO and Neopixel are configured.
func New(cfg Config) (Indicator, error) {
	var indicators []Indicator

	if cfg.GreenPin != nil || cfg.YellowPin != nil || cfg.RedPin != nil {
		gpio, err := NewGPIO(cfg.GreenPin, cfg.YellowPin, cfg.RedPin)
		if err != nil {
			return nil, err
		}
		indicators = append(indicators, gpio)
	}

	if cfg.NeopixelPipe != "" {
		neo, err := NewNeopixel(cfg.NeopixelPipe)
		if err != nil {
			return nil, errors.Join(err, NewMulti(indicators...).Release())
		}
		indicators = append(indicators, neo)
	}

	switch len(indicators) {
	case 0:
		return &Noop{}, nil
	case 1:
		return indicators[0], nil
	}
	return NewMulti(indicators...), nil
}

// Show drives ind to the output for state s.
func Show(ind Indicator, s session.State) {
	switch s {
	case session.Menu:
		ind.Idle()
	case session.Success:
		ind.Success()
	case session.BookRejected, session.CardFail:
		ind.Failure()
	case session.NoSpace:
		ind.Full()
	default:
		ind.Waiting()
	}
}

// Follow returns a session observer that mirrors every screen change on ind.
func Follow(ind Indicator) session.Observer {
	return func(t session.Transition) {
		Show(ind, t.To)
	}
}
