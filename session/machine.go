// Package session sequences a kiosk visit: pick a flow, authenticate a
// card, capture a book tag, evaluate it against the catalog and drive the
// bin. A single goroutine (Run) owns all session state; producers hand
// inputs over with Submit and catalog or bin calls run on a worker whose
// outcome is posted back to the owner.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog/log"

	"bookkiosk/catalog"
	"bookkiosk/internal/syncutil"
)

// Bin is the dispensing bin as the session sees it.
type Bin interface {
	OpenBin(ctx context.Context) error
	HasSpace(ctx context.Context) (bool, error)
}

// Config tunes the machine.
type Config struct {
	KioskID       string        `yaml:"kiosk_id"`
	ResultTimeout time.Duration `yaml:"result_timeout"` // how long result screens stay up
	RejectHop     time.Duration `yaml:"reject_hop"`     // unknown book on return: rejected, then no-space
	WaitTimeout   time.Duration `yaml:"wait_timeout"`   // 0 = wait screens never time out
	CallTimeout   time.Duration `yaml:"call_timeout"`   // bound on one catalog/bin job
	Tick          time.Duration `yaml:"tick"`
	InboxSize     int           `yaml:"inbox_size"`
	DryRun        bool          `yaml:"dry_run"`
}

func (c Config) withDefaults() Config {
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 20 * time.Second
	}
	if c.RejectHop <= 0 {
		c.RejectHop = 2 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 250 * time.Millisecond
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 32
	}
	if c.KioskID == "" {
		c.KioskID = "kiosk"
	}
	return c
}

// Observer is notified of every transition on the owner goroutine. It must
// return quickly.
type Observer func(Transition)

// outcome is what a worker job posts back.
type outcome struct {
	seq       uint64
	to        State
	reason    string
	hop       bool                  // BookRejected that moves on to NoSpace
	reader    *catalog.ReaderHandle // set when a card validated
	sessionID string
	completed Mode // flow finished with a committed transaction
}

// Machine is the session state machine.
type Machine struct {
	cfg     Config
	catalog catalog.Gateway
	bin     Bin
	now     func() time.Time
	newID   func() string
	dryRun  atomic.Bool

	observers []Observer
	inbox     chan Input
	outcomes  chan outcome
	jobs      sync.WaitGroup

	// owned by the Run goroutine
	state     State
	mode      Mode
	deadline  Deadline
	reader    catalog.ReaderHandle
	sessionID string
	busy      bool
	seq       uint64
	cancelJob context.CancelFunc

	snapMu   syncutil.Mutex
	snapshot snapshot

	registry metrics.Registry
	dropped  metrics.Counter
}

type snapshot struct {
	state    State
	mode     Mode
	busy     bool
	deadline Deadline
}

// Option customises a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDs replaces the session id generator.
func WithIDs(f func() string) Option {
	return func(m *Machine) { m.newID = f }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithRegistry records counters in r.
func WithRegistry(r metrics.Registry) Option {
	return func(m *Machine) { m.registry = r }
}

// New builds a machine in Menu. bin may be nil when the kiosk has none; it
// then always has space and opening is a no-op.
func New(cfg Config, gw catalog.Gateway, bin Bin, opts ...Option) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:      cfg,
		catalog:  gw,
		bin:      bin,
		now:      time.Now,
		newID:    uuid.NewString,
		outcomes: make(chan outcome, 1),
		state:    Menu,
		registry: metrics.NewRegistry(),
	}
	m.inbox = make(chan Input, cfg.InboxSize)
	if m.bin == nil {
		m.bin = noBin{}
	}
	for _, o := range opts {
		o(m)
	}
	m.dryRun.Store(cfg.DryRun)
	m.dropped = metrics.GetOrRegisterCounter("session.dropped", m.registry)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snapshot.state
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snapshot.mode
}

// Deadline returns the pending deadline, if any.
func (m *Machine) Deadline() Deadline {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snapshot.deadline
}

// SetDryRun toggles dry-run: lookups and guards run, mutations and bin
// actuation are skipped.
func (m *Machine) SetDryRun(on bool) {
	m.dryRun.Store(on)
	log.Info().Bool("dry_run", on).Msg("dry-run changed")
}

// DryRun reports whether dry-run is on.
func (m *Machine) DryRun() bool { return m.dryRun.Load() }

// Accepts reports whether in would be acted upon in the current state. The
// owner checks again on dequeue, so a stale true is harmless.
func (m *Machine) Accepts(in Input) bool {
	m.snapMu.Lock()
	s := m.snapshot
	m.snapMu.Unlock()
	return accepts(s.state, s.busy, in)
}

func accepts(state State, busy bool, in Input) bool {
	switch in.Kind {
	case InputBackToMenu:
		return true
	case InputPickCheckOut, InputPickReturn:
		return state == Menu
	case InputCard:
		return !busy && (state == WaitCardTake || state == WaitCardReturn)
	case InputBook:
		if busy {
			return false
		}
		switch state {
		case WaitBookTake:
			return in.Slot == SlotAny || in.Slot == SlotTake
		case WaitBookReturn:
			return in.Slot == SlotAny || in.Slot == SlotReturn
		}
	}
	return false
}

// Submit hands in to the owner without blocking. It returns false when the
// inbox is full and the input was dropped.
func (m *Machine) Submit(in Input) bool {
	select {
	case m.inbox <- in:
		return true
	default:
		m.dropped.Inc(1)
		log.Warn().Stringer("kind", in.Kind).Str("id", in.ID).Msg("session inbox full, input dropped")
		return false
	}
}

// Run owns the session until ctx is done. In-flight jobs are cancelled and
// waited for before it returns.
func (m *Machine) Run(ctx context.Context) error {
	m.publish()
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.jobs.Wait()
			return ctx.Err()
		case in := <-m.inbox:
			m.handleInput(ctx, in)
		case out := <-m.outcomes:
			m.handleOutcome(out)
		case <-ticker.C:
			m.checkDeadline(m.now())
		}
	}
}

func (m *Machine) handleInput(ctx context.Context, in Input) {
	if !accepts(m.state, m.busy, in) {
		m.dropped.Inc(1)
		log.Debug().Stringer("kind", in.Kind).Str("id", in.ID).Stringer("state", m.state).Bool("busy", m.busy).Msg("input ignored")
		return
	}

	switch in.Kind {
	case InputBackToMenu:
		if m.state != Menu {
			m.toMenu("back to menu")
		}
	case InputPickCheckOut:
		m.mode = ModeCheckOut
		m.transition(WaitCardTake, "check-out selected")
	case InputPickReturn:
		m.mode = ModeReturn
		m.transition(WaitCardReturn, "return selected")
	case InputCard:
		next := WaitBookTake
		if m.state == WaitCardReturn {
			next = WaitBookReturn
		}
		uid := in.ID
		m.startJob(ctx, func(ctx context.Context) outcome {
			return m.validateCard(ctx, uid, next)
		})
	case InputBook:
		if in.Unknown {
			log.Info().Str("tag", in.ID).Msg("tag kind is neither book nor card")
			m.transition(BookRejected, "unrecognised tag kind")
			return
		}
		j := job{
			tag:       in.ID,
			reader:    m.reader,
			sessionID: m.sessionID,
			kioskID:   m.cfg.KioskID,
			dryRun:    m.dryRun.Load(),
		}
		if m.state == WaitBookTake {
			m.startJob(ctx, func(ctx context.Context) outcome { return m.takeBook(ctx, j) })
		} else {
			m.startJob(ctx, func(ctx context.Context) outcome { return m.returnBook(ctx, j) })
		}
	}
}

// startJob runs fn off the owner goroutine. Only one job is in flight;
// accepts() refuses card and book input while busy.
func (m *Machine) startJob(ctx context.Context, fn func(context.Context) outcome) {
	m.busy = true
	m.seq++
	seq := m.seq
	m.publish()

	jctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	m.cancelJob = cancel

	m.jobs.Add(1)
	go func() {
		defer m.jobs.Done()
		defer cancel()
		out := fn(jctx)
		out.seq = seq
		select {
		case m.outcomes <- out:
		case <-ctx.Done():
		}
	}()
}

func (m *Machine) handleOutcome(out outcome) {
	m.busy = false
	m.cancelJob = nil
	if out.seq != m.seq {
		log.Warn().Stringer("to", out.to).Str("reason", out.reason).Msg("job finished after its session ended")
		m.publish()
		return
	}
	if out.reader != nil {
		m.reader = *out.reader
		m.sessionID = out.sessionID
	}
	if out.completed != ModeNone {
		metrics.GetOrRegisterCounter("session.completed."+out.completed.String(), m.registry).Inc(1)
	}
	m.enter(out.to, out.reason, out.hop)
}

func (m *Machine) checkDeadline(now time.Time) {
	d := m.deadline
	if !d.Active() || now.Before(d.At) {
		return
	}
	if d.Target == Menu {
		m.toMenu("timeout")
		return
	}
	m.transition(d.Target, "timed hop")
}

// toMenu also cancels and invalidates any job still in flight.
func (m *Machine) toMenu(reason string) {
	m.seq++
	if m.cancelJob != nil {
		m.cancelJob()
	}
	m.mode = ModeNone
	m.reader = catalog.ReaderHandle{}
	m.transition(Menu, reason)
	m.sessionID = ""
}

func (m *Machine) transition(to State, reason string) {
	m.enter(to, reason, false)
}

// enter moves to a new state and publishes it with its deadline. hop sets
// the short BookRejected to NoSpace deadline instead of the usual one, so
// observers never see the result timeout for that screen.
func (m *Machine) enter(to State, reason string, hop bool) {
	now := m.now()
	t := Transition{
		From:      m.state,
		To:        to,
		Mode:      m.mode,
		SessionID: m.sessionID,
		Reason:    reason,
		At:        now,
	}
	m.state = to
	m.deadline = m.deadlineFor(to, now)
	if hop {
		m.deadline = Deadline{At: now.Add(m.cfg.RejectHop), Target: NoSpace}
	}
	m.publish()

	metrics.GetOrRegisterCounter("session.transition."+to.String(), m.registry).Inc(1)
	log.Info().Stringer("from", t.From).Stringer("to", t.To).Stringer("mode", t.Mode).
		Str("session", t.SessionID).Str("reason", reason).Msg("transition")
	for _, o := range m.observers {
		o(t)
	}
}

func (m *Machine) deadlineFor(s State, now time.Time) Deadline {
	switch {
	case s.Result():
		return Deadline{At: now.Add(m.cfg.ResultTimeout), Target: Menu}
	case s != Menu && m.cfg.WaitTimeout > 0:
		return Deadline{At: now.Add(m.cfg.WaitTimeout), Target: Menu}
	}
	return Deadline{}
}

func (m *Machine) publish() {
	m.snapMu.Lock()
	m.snapshot = snapshot{state: m.state, mode: m.mode, busy: m.busy, deadline: m.deadline}
	m.snapMu.Unlock()
}

func (m *Machine) stepFailed(step string, err error) {
	metrics.GetOrRegisterCounter("session.step_failed."+step, m.registry).Inc(1)
	log.Error().Err(err).Str("step", step).Msg("session step failed")
}

type noBin struct{}

func (noBin) OpenBin(context.Context) error          { return nil }
func (noBin) HasSpace(context.Context) (bool, error) { return true, nil }
