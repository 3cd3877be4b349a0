package bin

import (
	"time"

	"github.com/hjkoskel/govattu"
)

// latch is the actuator that lets a book into the bin.
type latch interface {
	Open() error
	Close() error
	Release() error
}

// pinLatch drives a solenoid or relay from one GPIO pin.
type pinLatch struct {
	hw       govattu.Vattu
	pin      uint8
	openHigh bool // true = set pin high to open, false = set pin low to open
}

func newPinLatch(hw govattu.Vattu, pin uint8, openHigh bool) *pinLatch {
	hw.PinMode(pin, govattu.ALToutput)
	l := &pinLatch{hw: hw, pin: pin, openHigh: openHigh}
	l.Close()
	return l
}

func (l *pinLatch) Open() error {
	if l.openHigh {
		l.hw.PinSet(l.pin)
	} else {
		l.hw.PinClear(l.pin)
	}
	return nil
}

func (l *pinLatch) Close() error {
	if l.openHigh {
		l.hw.PinClear(l.pin)
	} else {
		l.hw.PinSet(l.pin)
	}
	return nil
}

func (l *pinLatch) Release() error {
	return l.hw.Close()
}

// servoLatch swings a flap with a hobby servo on PWM0.
type servoLatch struct {
	hw       govattu.Vattu
	openPos  int
	closePos int
}

func newServoLatch(hw govattu.Vattu, pin uint8, openPos, closePos int) *servoLatch {
	hw.PinMode(pin, govattu.ALT5) // ALT5 for PWM0
	hw.PwmSetMode(true, true, false, false)
	hw.PwmSetClock(19)
	hw.Pwm0SetRange(20000)

	s := &servoLatch{hw: hw, openPos: openPos, closePos: closePos}
	s.hw.Pwm0Set(uint32(closePos))
	return s
}

func (s *servoLatch) Open() error {
	s.sweep(s.closePos, s.openPos)
	return nil
}

func (s *servoLatch) Close() error {
	s.sweep(s.openPos, s.closePos)
	return nil
}

func (s *servoLatch) Release() error {
	return s.hw.Close()
}

// sweep moves one step every 2ms so the flap does not slam.
func (s *servoLatch) sweep(from, to int) {
	inc := 1
	if to < from {
		inc = -1
	}
	for i := from; i != to; i += inc {
		s.hw.Pwm0Set(uint32(i))
		time.Sleep(2 * time.Millisecond)
	}
	s.hw.Pwm0Set(uint32(to))
}
