// Package buttons reads the kiosk's physical menu controls: push buttons
// for check-out, return and menu with LED backlights, and an optional
// rotary knob that picks a flow and confirms on press.
package buttons

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/warthog618/gpio"

	"bookkiosk/channel"
	"bookkiosk/internal/syncutil"
	"bookkiosk/session"
)

const defaultDebounce = 200 * time.Millisecond

// Config holds BCM pin numbers; nil pins are not fitted.
type Config struct {
	CheckOutPin *int          `yaml:"checkout_pin"`
	ReturnPin   *int          `yaml:"return_pin"`
	MenuPin     *int          `yaml:"menu_pin"`
	CheckOutLED *int          `yaml:"checkout_led"`
	ReturnLED   *int          `yaml:"return_led"`
	Debounce    time.Duration `yaml:"debounce"`
	Knob        KnobConfig    `yaml:"knob"`
}

func (c Config) hasPins() bool {
	for _, p := range []*int{c.CheckOutPin, c.ReturnPin, c.MenuPin, c.CheckOutLED, c.ReturnLED} {
		if p != nil {
			return true
		}
	}
	return false
}

// Handlers holds callback functions for button events.
type Handlers struct {
	OnAction func(session.InputKind)
}

type light interface {
	High()
	Low()
}

// Panel is the set of buttons, backlights and knob.
type Panel struct {
	mu       syncutil.Mutex
	handlers Handlers
	debounce *channel.Debouncer
	now      func() time.Time

	checkOutLED light
	returnLED   light
	state       session.State
	selected    session.InputKind

	pins []*gpio.Pin
	knob *knob
	gpio bool
}

// New opens the configured pins. Returns nil if nothing is configured.
func New(cfg Config, handlers Handlers) (*Panel, error) {
	if !cfg.hasPins() && !cfg.Knob.enabled() {
		return nil, nil
	}

	p := newPanel(cfg, handlers)

	if cfg.hasPins() {
		if err := gpio.Open(); err != nil {
			return nil, fmt.Errorf("open gpio: %w", err)
		}
		p.gpio = true

		if err := p.watch(cfg.CheckOutPin, session.InputPickCheckOut); err != nil {
			p.Release()
			return nil, err
		}
		if err := p.watch(cfg.ReturnPin, session.InputPickReturn); err != nil {
			p.Release()
			return nil, err
		}
		if err := p.watch(cfg.MenuPin, session.InputBackToMenu); err != nil {
			p.Release()
			return nil, err
		}
		if cfg.CheckOutLED != nil {
			p.checkOutLED = outputPin(*cfg.CheckOutLED)
		}
		if cfg.ReturnLED != nil {
			p.returnLED = outputPin(*cfg.ReturnLED)
		}
	}

	if cfg.Knob.enabled() {
		k, err := openKnob(cfg.Knob, p.turn, p.confirm)
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("open knob: %w", err)
		}
		p.knob = k
	}

	p.Show(session.Menu)
	return p, nil
}

func newPanel(cfg Config, handlers Handlers) *Panel {
	window := cfg.Debounce
	if window <= 0 {
		window = defaultDebounce
	}
	return &Panel{
		handlers: handlers,
		debounce: channel.NewDebouncer(window),
		now:      time.Now,
		state:    session.Menu,
		selected: session.InputPickCheckOut,
	}
}

func (p *Panel) watch(pin *int, kind session.InputKind) error {
	if pin == nil {
		return nil
	}
	gp := gpio.NewPin(*pin)
	gp.Input()
	gp.PullUp()
	if err := gp.Watch(gpio.EdgeFalling, func(*gpio.Pin) { p.press(kind) }); err != nil {
		return fmt.Errorf("watch pin %d: %w", *pin, err)
	}
	p.pins = append(p.pins, gp)
	return nil
}

func outputPin(n int) *gpio.Pin {
	gp := gpio.NewPin(n)
	gp.Output()
	gp.Low()
	return gp
}

func (p *Panel) press(kind session.InputKind) {
	if !p.debounce.Accept(kind.String(), p.now()) {
		return
	}
	log.Debug().Stringer("action", kind).Msg("button pressed")
	if p.handlers.OnAction != nil {
		p.handlers.OnAction(kind)
	}
}

// turn moves the knob selection between check-out and return.
func (p *Panel) turn(delta int) {
	p.mu.Lock()
	if p.state != session.Menu || delta == 0 {
		p.mu.Unlock()
		return
	}
	if p.selected == session.InputPickCheckOut {
		p.selected = session.InputPickReturn
	} else {
		p.selected = session.InputPickCheckOut
	}
	p.lightLocked()
	p.mu.Unlock()
}

// confirm picks the selected flow on the menu and goes back to the menu
// from anywhere else.
func (p *Panel) confirm() {
	p.mu.Lock()
	kind := session.InputBackToMenu
	if p.state == session.Menu {
		kind = p.selected
	}
	p.mu.Unlock()
	p.press(kind)
}

// Show updates the backlights for state s.
func (p *Panel) Show(s session.State) {
	p.mu.Lock()
	p.state = s
	p.lightLocked()
	p.mu.Unlock()
}

// Follow returns a session observer that keeps the backlights in step.
func (p *Panel) Follow() session.Observer {
	return func(t session.Transition) {
		p.mu.Lock()
		p.state = t.To
		if t.To != session.Menu {
			switch t.Mode {
			case session.ModeCheckOut:
				p.selected = session.InputPickCheckOut
			case session.ModeReturn:
				p.selected = session.InputPickReturn
			}
		}
		p.lightLocked()
		p.mu.Unlock()
	}
}

// lightLocked lights the selected flow on the menu when a knob is fitted,
// both flows on the menu otherwise, and the active flow elsewhere.
func (p *Panel) lightLocked() {
	co, ret := false, false
	switch {
	case p.state == session.Menu && p.knob == nil:
		co, ret = true, true
	default:
		co = p.selected == session.InputPickCheckOut
		ret = p.selected == session.InputPickReturn
	}
	set(p.checkOutLED, co)
	set(p.returnLED, ret)
}

func set(l light, on bool) {
	if l == nil {
		return
	}
	if on {
		l.High()
	} else {
		l.Low()
	}
}

// Release stops watching pins and turns the backlights off.
func (p *Panel) Release() error {
	for _, gp := range p.pins {
		gp.Unwatch()
	}
	set(p.checkOutLED, false)
	set(p.returnLED, false)
	if p.knob != nil {
		p.knob.close()
	}
	if p.gpio {
		return gpio.Close()
	}
	return nil
}
