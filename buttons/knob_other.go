//go:build !linux

package buttons

import "errors"

var ErrNotSupported = errors.New("rotary knob not supported on this platform")

type knob struct{}

func openKnob(KnobConfig, func(int), func()) (*knob, error) {
	return nil, ErrNotSupported
}

func (k *knob) close() {}
