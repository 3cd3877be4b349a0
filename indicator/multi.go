package indicator

import "errors"

// Multi combines multiple Indicator implementations.
type Multi struct {
	indicators []Indicator
}

// NewMulti fans every call out to inds in order.
func NewMulti(inds ...Indicator) *Multi {
	return &Multi{indicators: inds}
}

// Idle implements Indicator.Idle.
func (m *Multi) Idle() {
	for _, ind := range m.indicators {
		ind.Idle()
	}
}

// Waiting implements Indicator.Waiting.
func (m *Multi) Waiting() {
	for _, ind := range m.indicators {
		ind.Waiting()
	}
}

// Success implements Indicator.Success.
func (m *Multi) Success() {
	for _, ind := range m.indicators {
		ind.Success()
	}
}

// Failure implements Indicator.Failure.
func (m *Multi) Failure() {
	for _, ind := range m.indicators {
		ind.Failure()
	}
}

// Full implements Indicator.Full.
func (m *Multi) Full() {
	for _, ind := range m.indicators {
		ind.Full()
	}
}

// ConnectionLost implements Indicator.ConnectionLost.
func (m *Multi) ConnectionLost() {
	for _, ind := range m.indicators {
		ind.ConnectionLost()
	}
}

// Shutdown implements Indicator.Shutdown.
func (m *Multi) Shutdown() {
	for _, ind := range m.indicators {
		ind.Shutdown()
	}
}

// Release implements Indicator.Release.
func (m *Multi) Release() error {
	var errs []error
	for _, ind := range m.indicators {
		if err := ind.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
