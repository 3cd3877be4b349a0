package indicator

import (
	"fmt"

	"github.com/hjkoskel/govattu"
)

// pinWriter is the slice of govattu the LEDs need.
type pinWriter interface {
	PinSet(pin uint8)
	PinClear(pin uint8)
	Close() error
}

// GPIO implements Indicator using discrete GPIO LED pins.
type GPIO struct {
	hw        pinWriter
	greenPin  *uint8
	yellowPin *uint8
	redPin    *uint8
}

// NewGPIO creates a new GPIO-based indicator.
func NewGPIO(greenPin, yellowPin, redPin *uint8) (*GPIO, error) {
	hw, err := govattu.Open()
	if err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}
	for _, pin := range []*uint8{greenPin, yellowPin, redPin} {
		if pin != nil {
			hw.PinMode(*pin, govattu.ALToutput)
		}
	}
	return newGPIO(&vattuPins{hw: hw}, greenPin, yellowPin, redPin), nil
}

type vattuPins struct {
	hw govattu.Vattu
}

func (v *vattuPins) PinSet(pin uint8)   { v.hw.PinSet(pin) }
func (v *vattuPins) PinClear(pin uint8) { v.hw.PinClear(pin) }
func (v *vattuPins) Close() error       { return v.hw.Close() }

func newGPIO(hw pinWriter, greenPin, yellowPin, redPin *uint8) *GPIO {
	g := &GPIO{hw: hw, greenPin: greenPin, yellowPin: yellowPin, redPin: redPin}
	g.allOff()
	return g
}

// Idle implements Indicator.Idle.
func (g *GPIO) Idle() {
	g.show(g.greenPin)
}

// Waiting implements Indicator.Waiting.
func (g *GPIO) Waiting() {
	g.show(g.yellowPin)
}

// Success implements Indicator.Success.
func (g *GPIO) Success() {
	g.show(g.greenPin, g.yellowPin)
}

// Failure implements Indicator.Failure.
func (g *GPIO) Failure() {
	g.show(g.redPin)
}

// Full implements Indicator.Full.
func (g *GPIO) Full() {
	g.show(g.redPin, g.greenPin)
}

// ConnectionLost implements Indicator.ConnectionLost.
func (g *GPIO) ConnectionLost() {
	g.show(g.yellowPin, g.redPin)
}

// Shutdown implements Indicator.Shutdown.
func (g *GPIO) Shutdown() {
	g.allOff()
}

// Release implements Indicator.Release.
func (g *GPIO) Release() error {
	g.allOff()
	return g.hw.Close()
}

func (g *GPIO) show(pins ...*uint8) {
	g.allOff()
	for _, p := range pins {
		if p != nil {
			g.hw.PinSet(*p)
		}
	}
}

func (g *GPIO) allOff() {
	for _, p := range []*uint8{g.greenPin, g.yellowPin, g.redPin} {
		if p != nil {
			g.hw.PinClear(*p)
		}
	}
}
