// Package cardreader polls a contactless (PC/SC) reader for card UIDs and
// emits them as channel events. It has the same lifecycle and reconnect
// behaviour as a serial channel, but each read is a request/response
// exchange instead of a byte stream.
package cardreader

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"bookkiosk/channel"
)

var (
	// ErrNoCard means no card answered in the field. It is a normal
	// polling outcome, not a failure.
	ErrNoCard = errors.New("cardreader: no card")
	// ErrNoReaders means the terminal lists no readers.
	ErrNoReaders = errors.New("cardreader: no readers")
	// ErrNotCompiled is returned when PC/SC support was not compiled in.
	ErrNotCompiled = errors.New("pc/sc support not compiled in (build with -tags=pcsc)")
)

// GetUID is the PC/SC pseudo-APDU asking the reader for the card's UID.
var GetUID = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// Terminal is a PC/SC-shaped context.
type Terminal interface {
	ListReaders() ([]string, error)
	// Connect returns ErrNoCard when the reader's field is empty.
	Connect(reader string) (Card, error)
	Release() error
}

// Card is a connected card.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
	Disconnect() error
}

// EstablishFunc opens a Terminal.
type EstablishFunc func() (Terminal, error)

// DefaultPatterns prefer the contactless interface of combined readers.
var DefaultPatterns = []string{"PICC", "Contactless", "ACR1281"}

// Config holds card reader settings.
type Config struct {
	Patterns          []string      `yaml:"patterns"`           // reader name substrings, case-insensitive
	PollInterval      time.Duration `yaml:"poll_interval"`      // default 250ms
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // default 1500ms
	Debounce          time.Duration `yaml:"debounce"`           // 0 disables
}

func (c Config) withDefaults() Config {
	if len(c.Patterns) == 0 {
		c.Patterns = DefaultPatterns
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = channel.DefaultReconnectInterval
	}
	return c
}

// SelectReader picks the first reader whose name contains one of patterns,
// falling back to the first reader.
func SelectReader(readers, patterns []string) (string, error) {
	if len(readers) == 0 {
		return "", ErrNoReaders
	}
	for _, p := range patterns {
		p = strings.ToLower(p)
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r), p) {
				return r, nil
			}
		}
	}
	return readers[0], nil
}

// Exchange connects to reader, asks for the UID and disconnects. It returns
// the UID in upper-case hex, or ErrNoCard with the status word that came
// back (zero when none did).
func Exchange(t Terminal, reader string) (string, uint16, error) {
	card, err := t.Connect(reader)
	if err != nil {
		return "", 0, err
	}
	defer card.Disconnect()

	resp, err := card.Transmit(GetUID)
	if err != nil {
		log.Debug().Err(err).Str("reader", reader).Msg("uid transmit failed")
		return "", 0, ErrNoCard
	}
	if len(resp) < 2 {
		return "", 0, ErrNoCard
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	if sw != 0x9000 || len(resp) == 2 {
		return "", sw, ErrNoCard
	}
	return strings.ToUpper(hex.EncodeToString(resp[:len(resp)-2])), sw, nil
}

// Reader polls one contactless reader.
type Reader struct {
	cfg       Config
	establish EstablishFunc
	emit      channel.EmitFunc
	debounce  *channel.Debouncer
	now       func() time.Time
	grace     time.Duration

	connected atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopErr   error
}

// New builds a Reader. Nothing is opened until Start.
func New(cfg Config, establish EstablishFunc, emit channel.EmitFunc) *Reader {
	cfg = cfg.withDefaults()
	return &Reader{
		cfg:       cfg,
		establish: establish,
		emit:      emit,
		debounce:  channel.NewDebouncer(cfg.Debounce),
		now:       time.Now,
		grace:     3 * time.Second,
		done:      make(chan struct{}),
	}
}

// Connected reports whether a reader is currently selected.
func (r *Reader) Connected() bool { return r.connected.Load() }

// Start launches the poll loop. Idempotent; a no-op after Stop.
func (r *Reader) Start() {
	if r.stopped.Load() {
		return
	}
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		go r.run(ctx)
	})
}

// Stop ends the poll loop, waiting up to the grace period.
func (r *Reader) Stop() error {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.startOnce.Do(func() {})
		if r.cancel == nil {
			return
		}
		r.cancel()
		select {
		case <-r.done:
		case <-time.After(r.grace):
			log.Error().Dur("grace", r.grace).Msg("card reader loop did not exit, abandoning it")
			r.stopErr = channel.ErrStopTimeout
		}
	})
	return r.stopErr
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)
	errLog := &rate.Sometimes{First: 1, Interval: 30 * time.Second}

	for ctx.Err() == nil {
		err := r.session(ctx)
		r.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		errLog.Do(func() {
			log.Warn().Err(err).Msg("card reader unavailable, will keep retrying")
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.ReconnectInterval):
		}
	}
}

// session holds one terminal context until it fails.
func (r *Reader) session(ctx context.Context) error {
	term, err := r.establish()
	if err != nil {
		return fmt.Errorf("establish pc/sc context: %w", err)
	}
	defer term.Release()

	readers, err := term.ListReaders()
	if err != nil {
		return fmt.Errorf("list readers: %w", err)
	}
	name, err := SelectReader(readers, r.cfg.Patterns)
	if err != nil {
		return err
	}
	r.connected.Store(true)
	log.Info().Str("reader", name).Strs("available", readers).Msg("card reader selected")

	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()
	for {
		uid, _, err := Exchange(term, name)
		switch {
		case err == nil:
			r.accept(name, uid)
		case errors.Is(err, ErrNoCard):
		default:
			return fmt.Errorf("reader %s: %w", name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (r *Reader) accept(reader, uid string) {
	now := r.now()
	if !r.debounce.Accept(uid, now) {
		return
	}
	r.emit(channel.Event{
		SourceID:  "pcsc:" + reader,
		Role:      channel.RoleCard,
		Payload:   uid,
		Timestamp: now,
	})
}
