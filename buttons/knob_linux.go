//go:build linux

package buttons

import (
	"time"

	"github.com/warthog618/go-gpiocdev"

	"bookkiosk/internal/syncutil"
)

const (
	debounceKnob   = 250 * time.Microsecond
	debounceButton = 2 * time.Millisecond
)

type knob struct {
	mu      syncutil.Mutex
	dtLine  *gpiocdev.Line
	clkLine *gpiocdev.Line
	btnLine *gpiocdev.Line
	clk     int
	dec     quadrature
	onTurn  func(delta int)
	onPress func()
}

func openKnob(cfg KnobConfig, onTurn func(int), onPress func()) (*knob, error) {
	if cfg.Chip == "" {
		cfg.Chip = "gpiochip0"
	}
	k := &knob{clk: cfg.CLKPin, onTurn: onTurn, onPress: onPress}

	var err error
	k.dtLine, err = gpiocdev.RequestLine(cfg.Chip, cfg.DTPin,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(debounceKnob),
		gpiocdev.WithEventHandler(k.handleEvent))
	if err != nil {
		return nil, err
	}

	k.clkLine, err = gpiocdev.RequestLine(cfg.Chip, cfg.CLKPin,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithDebounce(debounceKnob),
		gpiocdev.WithEventHandler(k.handleEvent))
	if err != nil {
		k.close()
		return nil, err
	}

	if cfg.ButtonPin > 0 {
		k.btnLine, err = gpiocdev.RequestLine(cfg.Chip, cfg.ButtonPin,
			gpiocdev.WithPullUp,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithDebounce(debounceButton),
			gpiocdev.WithEventHandler(k.handleButton))
		if err != nil {
			k.close()
			return nil, err
		}
	}
	return k, nil
}

func (k *knob) handleEvent(evt gpiocdev.LineEvent) {
	level := 0
	switch evt.Type {
	case gpiocdev.LineEventRisingEdge:
		level = 1
	case gpiocdev.LineEventFallingEdge:
	default:
		return
	}

	k.mu.Lock()
	delta := k.dec.edge(evt.Offset == k.clk, level)
	k.mu.Unlock()
	if delta != 0 && k.onTurn != nil {
		k.onTurn(delta)
	}
}

func (k *knob) handleButton(gpiocdev.LineEvent) {
	if k.onPress != nil {
		k.onPress()
	}
}

func (k *knob) close() {
	for _, l := range []*gpiocdev.Line{k.dtLine, k.clkLine, k.btnLine} {
		if l != nil {
			l.Close()
		}
	}
}
