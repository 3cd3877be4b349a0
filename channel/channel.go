// Package channel turns a line-oriented serial device into a stream of
// validated, de-duplicated events. The loop survives unplugging: any open,
// read or write failure closes the handle and the port is reopened at the
// reconnect interval for as long as the channel runs.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"bookkiosk/internal/syncutil"
)

var (
	// ErrPortUnavailable means the port could not be opened or is not
	// currently open. The loop retries on its own.
	ErrPortUnavailable = errors.New("channel: port unavailable")
	// ErrMalformedLine is returned by line handlers for lines to drop.
	ErrMalformedLine = errors.New("channel: malformed line")
	// ErrDisposed is returned by operations on a stopped channel.
	ErrDisposed = errors.New("channel: disposed")
	// ErrWriteTimeout means a Send did not complete within WriteTimeout.
	ErrWriteTimeout = errors.New("channel: write timeout")
	// ErrStopTimeout means the loop did not exit within the grace period
	// and was abandoned.
	ErrStopTimeout = errors.New("channel: stop grace period exceeded")
)

// EmitFunc receives accepted events. It is called from the channel's loop
// goroutine and must not block for long.
type EmitFunc func(Event)

const (
	defaultStopGrace = 3 * time.Second
	maxLineLen       = 512
	logInterval      = 30 * time.Second
)

// Channel is one serial endpoint.
type Channel struct {
	cfg      Config
	id       string
	role     Role
	handler  LineHandler
	emit     EmitFunc
	open     Opener
	now      func() time.Time
	grace    time.Duration
	debounce *Debouncer
	delim    byte
	registry metrics.Registry

	reconnects metrics.Counter
	accepted   metrics.Counter
	debounced  metrics.Counter
	malformed  metrics.Counter

	mu      syncutil.Mutex // guards port
	port    Port
	writeMu sync.Mutex // serialises Send

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	stopErr   error
}

// Option customises a Channel.
type Option func(*Channel)

// WithSource sets the source id and role stamped on emitted events. The id
// defaults to the port name and the role to RoleBookAny.
func WithSource(id string, role Role) Option {
	return func(c *Channel) {
		c.id = id
		c.role = role
	}
}

// WithOpener replaces the serial opener, e.g. with a fake in tests.
func WithOpener(o Opener) Option {
	return func(c *Channel) { c.open = o }
}

// WithClock replaces time.Now for debounce and partial-line ageing.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithStopGrace bounds how long Stop waits for the loop to exit.
func WithStopGrace(d time.Duration) Option {
	return func(c *Channel) { c.grace = d }
}

// WithRegistry registers the channel counters in r.
func WithRegistry(r metrics.Registry) Option {
	return func(c *Channel) { c.registry = r }
}

// New builds a channel. Nothing is opened until Start.
func New(cfg Config, handler LineHandler, emit EmitFunc, opts ...Option) *Channel {
	cfg = cfg.WithDefaults()
	c := &Channel{
		cfg:     cfg,
		id:      cfg.Port,
		role:    RoleBookAny,
		handler: handler,
		emit:    emit,
		open:    OpenSerial,
		now:     time.Now,
		grace:   defaultStopGrace,
		delim:   cfg.Newline[len(cfg.Newline)-1],
		done:    make(chan struct{}),
	}
	if c.handler == nil {
		c.handler = RawLine
	}
	for _, o := range opts {
		o(c)
	}
	c.registerMetrics(c.registry)
	c.debounce = NewDebouncer(cfg.Debounce)
	return c
}

func (c *Channel) registerMetrics(r metrics.Registry) {
	counter := func(name string) metrics.Counter {
		if r == nil {
			return metrics.NewCounter()
		}
		return metrics.GetOrRegisterCounter(fmt.Sprintf("channel.%s.%s", c.id, name), r)
	}
	c.reconnects = counter("reconnects")
	c.accepted = counter("accepted")
	c.debounced = counter("debounced")
	c.malformed = counter("malformed")
}

// ID returns the source id stamped on events.
func (c *Channel) ID() string { return c.id }

// Role returns the role stamped on events.
func (c *Channel) Role() Role { return c.role }

// Connected reports whether the port is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Start launches the read loop. Calling it again, or after Stop, does
// nothing.
func (c *Channel) Start() {
	if c.stopped.Load() {
		return
	}
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.run(ctx)
	})
}

// Stop ends the loop and closes the port. It waits up to the grace period
// for the loop to exit and returns ErrStopTimeout if it had to abandon it.
// Repeated calls return the first result.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		started := false
		c.startOnce.Do(func() {}) // a Start racing with Stop becomes a no-op
		if c.cancel != nil {
			started = true
			c.cancel()
		}
		c.closePort(nil)
		if !started {
			return
		}
		select {
		case <-c.done:
		case <-time.After(c.grace):
			log.Error().Str("channel", c.id).Dur("grace", c.grace).Msg("read loop did not exit, abandoning it")
			c.stopErr = ErrStopTimeout
		}
	})
	return c.stopErr
}

// Send writes line plus the configured terminator. The write is abandoned
// after WriteTimeout and the port is recycled.
func (c *Channel) Send(line string) error {
	if c.stopped.Load() {
		return ErrDisposed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return fmt.Errorf("send to %s: %w", c.cfg.Port, ErrPortUnavailable)
	}

	data := []byte(line + c.cfg.Newline)
	errc := make(chan error, 1)
	go func() {
		_, err := port.Write(data)
		errc <- err
	}()

	t := time.NewTimer(c.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case err := <-errc:
		if err != nil {
			c.closePort(port)
			return fmt.Errorf("write %s: %w", c.cfg.Port, err)
		}
		return nil
	case <-t.C:
		c.closePort(port)
		return fmt.Errorf("write %s: %w", c.cfg.Port, ErrWriteTimeout)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	openLog := &rate.Sometimes{First: 1, Interval: logInterval}

	for ctx.Err() == nil {
		port, err := c.open(c.cfg)
		if err != nil {
			c.reconnects.Inc(1)
			openLog.Do(func() {
				log.Warn().Err(err).Str("channel", c.id).Msg("device unavailable, will keep retrying")
			})
			if !sleep(ctx, c.cfg.ReconnectInterval) {
				return
			}
			continue
		}
		if !c.setPort(port) {
			return
		}
		log.Info().Str("channel", c.id).Str("port", c.cfg.Port).Msg("device connected")
		openLog = &rate.Sometimes{First: 1, Interval: logInterval}

		err = c.readLines(ctx, port)
		c.closePort(port)
		if ctx.Err() != nil {
			return
		}
		c.reconnects.Inc(1)
		log.Warn().Err(err).Str("channel", c.id).Msg("device lost, reconnecting")
		if !sleep(ctx, c.cfg.ReconnectInterval) {
			return
		}
	}
}

func (c *Channel) readLines(ctx context.Context, port Port) error {
	if err := port.SetReadTimeout(pollSlice(c.cfg.ReadTimeout)); err != nil {
		return fmt.Errorf("set read timeout on %s: %w", c.cfg.Port, err)
	}

	buf := make([]byte, 256)
	line := make([]byte, 0, 64)
	var partialSince time.Time
	lastByte := c.now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Read(buf)
		now := c.now()
		for _, b := range buf[:n] {
			lastByte = now
			if b == c.delim {
				c.accept(string(line), now)
				line = line[:0]
				continue
			}
			if len(line) == 0 {
				partialSince = now
			}
			if len(line) >= maxLineLen {
				log.Debug().Str("channel", c.id).Msg("line too long, discarding")
				line = line[:0]
				partialSince = now
			}
			line = append(line, b)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", c.cfg.Port, err)
		}
		if n > 0 {
			continue
		}
		if len(line) > 0 && now.Sub(partialSince) > c.cfg.ReadTimeout {
			log.Debug().Str("channel", c.id).Str("partial", string(line)).Msg("partial line timed out")
			line = line[:0]
		}
		if c.cfg.IdleReconnect > 0 && now.Sub(lastByte) > c.cfg.IdleReconnect {
			return fmt.Errorf("no data from %s for %s", c.cfg.Port, c.cfg.IdleReconnect)
		}
	}
}

func (c *Channel) accept(raw string, now time.Time) {
	raw = strings.TrimRight(raw, c.cfg.Newline)
	payload, err := c.handler(raw)
	if err != nil {
		c.malformed.Inc(1)
		log.Debug().Err(err).Str("channel", c.id).Msg("line dropped")
		return
	}
	if payload == "" {
		return
	}
	if !c.debounce.Accept(payload, now) {
		c.debounced.Inc(1)
		return
	}
	c.accepted.Inc(1)
	log.Debug().Str("channel", c.id).Str("payload", payload).Msg("line accepted")
	c.emit(Event{
		SourceID:  c.id,
		Role:      c.role,
		Payload:   payload,
		Timestamp: now,
	})
}

// setPort publishes an opened port. It returns false, closing the port, if
// the channel was stopped in the meantime.
func (c *Channel) setPort(p Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() {
		_ = p.Close()
		return false
	}
	c.port = p
	return true
}

// closePort closes the current port if it is p, or whatever is open when p
// is nil.
func (c *Channel) closePort(p Port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil || (p != nil && c.port != p) {
		return
	}
	if err := c.port.Close(); err != nil {
		log.Debug().Err(err).Str("channel", c.id).Msg("close port")
	}
	c.port = nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
