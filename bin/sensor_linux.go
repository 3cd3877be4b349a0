//go:build linux

package bin

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

func openSensor(cfg SensorConfig) (sensor, error) {
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	l, err := gpiocdev.RequestLine(cfg.Chip, *cfg.Line, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		return nil, fmt.Errorf("request bin sensor %s:%d: %w", cfg.Chip, *cfg.Line, err)
	}
	return l, nil
}
