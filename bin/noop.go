package bin

import "context"

// Noop implements Controller but does nothing. It always has space.
// Used when the kiosk has no bin hardware.
type Noop struct{}

// OpenBin implements Controller.OpenBin.
func (Noop) OpenBin(context.Context) error { return nil }

// HasSpace implements Controller.HasSpace.
func (Noop) HasSpace(context.Context) (bool, error) { return true, nil }

// Release implements Controller.Release.
func (Noop) Release() error { return nil }
