package channel

import (
	"time"

	"bookkiosk/epc"
	"bookkiosk/internal/syncutil"
)

// Debouncer drops a payload naming the same identity as the last accepted
// one when it arrives within the window. Payloads are compared in their
// normalized form, so "aa:bb-cc" repeats "AABBCC". A tag left on a reader produces a read every
// few hundred milliseconds; the window turns that into one event per window.
type Debouncer struct {
	mu     syncutil.Mutex
	window time.Duration
	last   string
	at     time.Time
}

// NewDebouncer returns a Debouncer. A window <= 0 accepts everything.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Accept reports whether payload observed at now should be emitted.
func (d *Debouncer) Accept(payload string, now time.Time) bool {
	if d.window <= 0 {
		return true
	}
	key := epc.Normalize(payload)
	d.mu.Lock()
	defer d.mu.Unlock()

	if key == d.last && now.Sub(d.at) < d.window {
		return false
	}
	d.last = key
	d.at = now
	return true
}
