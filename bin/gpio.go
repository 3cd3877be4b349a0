package bin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hjkoskel/govattu"
	"github.com/rs/zerolog/log"
)

const defaultPulse = time.Second

// sensor is a readable input line.
type sensor interface {
	Value() (int, error)
	Close() error
}

// GPIO is a Controller wired straight to the kiosk's GPIO header: a latch
// or servo flap on a govattu pin and an optional bin-full sensor line.
type GPIO struct {
	mu        sync.Mutex
	latch     latch
	sensor    sensor
	pulse     time.Duration
	fullLevel int
}

// NewGPIO creates a GPIO bin from cfg.
func NewGPIO(cfg Config) (*GPIO, error) {
	if cfg.Pin == nil {
		return nil, errors.New("bin pin not configured")
	}
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	var l latch
	switch cfg.Type {
	case "servo":
		l = newServoLatch(hw, uint8(*cfg.Pin), cfg.ServoOpen, cfg.ServoClose)
	case "gpio_low":
		l = newPinLatch(hw, uint8(*cfg.Pin), false)
	default:
		l = newPinLatch(hw, uint8(*cfg.Pin), true)
	}

	var s sensor
	if cfg.Sensor.Line != nil {
		s, err = openSensor(cfg.Sensor)
		if err != nil {
			l.Release()
			return nil, err
		}
	}
	return newGPIO(l, s, cfg.Pulse, cfg.Sensor.FullLevel), nil
}

func newGPIO(l latch, s sensor, pulse time.Duration, fullLevel int) *GPIO {
	if pulse <= 0 {
		pulse = defaultPulse
	}
	return &GPIO{latch: l, sensor: s, pulse: pulse, fullLevel: fullLevel}
}

// OpenBin implements Controller.OpenBin. The latch is held open for the
// pulse and closed again even if ctx ends first.
func (g *GPIO) OpenBin(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.latch.Open(); err != nil {
		return fmt.Errorf("open latch: %w", err)
	}
	t := time.NewTimer(g.pulse)
	defer t.Stop()
	select {
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("bin pulse cut short")
	case <-t.C:
	}
	if err := g.latch.Close(); err != nil {
		return fmt.Errorf("close latch: %w", err)
	}
	return nil
}

// HasSpace implements Controller.HasSpace. Without a sensor the bin is
// assumed to have room.
func (g *GPIO) HasSpace(context.Context) (bool, error) {
	if g.sensor == nil {
		return true, nil
	}
	v, err := g.sensor.Value()
	if err != nil {
		return false, fmt.Errorf("read bin sensor: %w", err)
	}
	return v != g.fullLevel, nil
}

// Release implements Controller.Release.
func (g *GPIO) Release() error {
	var errs []error
	if g.sensor != nil {
		errs = append(errs, g.sensor.Close())
	}
	errs = append(errs, g.latch.Release())
	return errors.Join(errs...)
}
