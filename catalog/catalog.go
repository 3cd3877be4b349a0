// Package catalog is the kiosk's view of the library's circulation system:
// who may borrow, which book a tag belongs to, the per-copy status, and the
// loan ledger.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Instance status codes.
const (
	StatusInStock = "0"
	StatusIssued  = "1"
)

// ErrNotFound is returned when a book or copy does not exist.
var ErrNotFound = errors.New("catalog: not found")

// ErrStatusChanged is returned by SetInstanceStatus when the copy no longer
// has a status the change may start from, for example because another kiosk
// issued it first.
var ErrStatusChanged = errors.New("catalog: copy status changed")

// priorStatuses lists the statuses a copy must hold before it may be set to
// status. Nil means any.
func priorStatuses(status string) []string {
	switch status {
	case StatusIssued:
		return []string{"", StatusInStock}
	case StatusInStock:
		return []string{StatusIssued}
	}
	return nil
}

// ReaderHandle refers to a validated patron record.
type ReaderHandle struct {
	ID      string
	CardUID string
	Name    string
}

// BookHandle refers to a bibliographic record found by one of its copies.
type BookHandle struct {
	ID        string
	Title     string
	Inventory string
}

// InstanceStatus is the state of one physical copy.
type InstanceStatus struct {
	Status string
	// SubfieldsPresent names the copy attributes the record actually
	// carries ("status", "place", "inventory", "tag").
	SubfieldsPresent []string
}

// Has reports whether the copy record carries the named attribute.
func (s InstanceStatus) Has(name string) bool {
	for _, n := range s.SubfieldsPresent {
		if n == name {
			return true
		}
	}
	return false
}

// LoanMetadata accompanies loan ledger writes.
type LoanMetadata struct {
	SessionID string
	KioskID   string
	At        time.Time
}

// Gateway is the set of catalog queries the kiosk performs. All identifiers
// are already normalised by the caller.
type Gateway interface {
	// ValidateCard reports whether uid belongs to a patron allowed to use
	// the kiosk.
	ValidateCard(ctx context.Context, uid string) (ReaderHandle, bool, error)
	// FindBookByTag returns ErrNotFound when no copy carries tag.
	FindBookByTag(ctx context.Context, tag string) (BookHandle, error)
	GetInstanceStatus(ctx context.Context, book BookHandle, tag string) (InstanceStatus, error)
	SetInstanceStatus(ctx context.Context, book BookHandle, tag, status string) error
	AppendLoan(ctx context.Context, reader ReaderHandle, book BookHandle, tag string, meta LoanMetadata) error
	// CloseLoan marks the open loan for tag returned. A copy without an
	// open loan (issued at the desk, say) is not an error.
	CloseLoan(ctx context.Context, tag string, meta LoanMetadata) error
}

// Pinger is implemented by gateways that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings g up to attempts times, interval apart, and returns the last
// error if none succeeded. Gateways that are not Pingers pass immediately.
func Probe(ctx context.Context, g Gateway, attempts int, interval time.Duration) error {
	p, ok := g.(Pinger)
	if !ok {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = p.Ping(ctx); err == nil {
			log.Info().Int("attempt", i).Msg("catalog reachable")
			return nil
		}
		log.Warn().Err(err).Int("attempt", i).Int("of", attempts).Msg("catalog ping failed")
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("catalog unreachable after %d attempts: %w", attempts, err)
}
