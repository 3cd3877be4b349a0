//go:build !deadlock

// Package syncutil provides the kiosk's mutex types. Building with
// -tags=deadlock swaps them for github.com/sasha-s/go-deadlock so lock
// ordering problems between the session owner and the channel loops show up
// during soak tests.
package syncutil

import "sync"

// Mutex wraps sync.Mutex.
//
//nolint:gocritic // embedding exposes Lock/Unlock
type Mutex struct {
	sync.Mutex
}

// RWMutex wraps sync.RWMutex.
//
//nolint:gocritic // embedding exposes the full RWMutex API
type RWMutex struct {
	sync.RWMutex
}
