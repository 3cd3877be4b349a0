// Package hotkeys reads a Linux input device. In hotkey mode number keys
// inject simulated card and book scans for demos; in wedge mode the device
// is a USB card reader that types the UID followed by Enter.
package hotkeys

import (
	"context"
	"fmt"
	"time"

	"github.com/kenshaw/evdev"
	"github.com/rs/zerolog/log"

	"bookkiosk/channel"
	"bookkiosk/session"
)

// Simulated scan payloads.
const (
	SimCard     = "SIM_CARD"
	SimBookOK   = "SIM_BOOK_OK"
	SimBookBad  = "SIM_BOOK_BAD"
	SimBookFull = "SIM_BOOK_FULL"
)

const (
	ModeHotkeys = "hotkeys"
	ModeWedge   = "wedge"
)

// Config selects the input device.
type Config struct {
	Device string `yaml:"device"` // e.g. "/dev/input/event0"; empty disables
	Mode   string `yaml:"mode"`   // "hotkeys" (default) or "wedge"
}

// Handlers receives what the keyboard produced.
type Handlers struct {
	OnScan         func(channel.Event)
	OnAction       func(session.InputKind)
	OnDiagnostics  func()
	OnCatalogCheck func()
}

// Keyboard listens on one evdev device.
type Keyboard struct {
	device   *evdev.Evdev
	source   string
	wedge    bool
	handlers Handlers
	now      func() time.Time
	strbuf   string
}

// New opens the device. Returns nil if no device is configured.
func New(cfg Config, handlers Handlers) (*Keyboard, error) {
	if cfg.Device == "" {
		return nil, nil
	}
	if cfg.Mode != "" && cfg.Mode != ModeHotkeys && cfg.Mode != ModeWedge {
		return nil, fmt.Errorf("unknown keyboard mode %q", cfg.Mode)
	}

	dev, err := evdev.OpenFile(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open evdev %s: %w", cfg.Device, err)
	}

	log.Info().Str("device", dev.Name()).
		Str("vendor", fmt.Sprintf("0x%04x", dev.ID().Vendor)).
		Str("product", fmt.Sprintf("0x%04x", dev.ID().Product)).
		Str("mode", cfg.Mode).Msg("opened keyboard device")

	k := newKeyboard(cfg, handlers)
	k.device = dev
	return k, nil
}

func newKeyboard(cfg Config, handlers Handlers) *Keyboard {
	return &Keyboard{
		source:   "kbd:" + cfg.Device,
		wedge:    cfg.Mode == ModeWedge,
		handlers: handlers,
		now:      time.Now,
	}
}

// Run reads key presses until ctx is done or the device goes away.
func (k *Keyboard) Run(ctx context.Context) error {
	ch := k.device.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-ch:
			if event == nil {
				return fmt.Errorf("keyboard device closed")
			}
			key, ok := event.Type.(evdev.KeyType)
			if !ok || event.Value != 1 {
				continue
			}
			if k.wedge {
				k.wedgeKey(key, evdev.KeyType(event.Code).String())
			} else {
				k.hotkey(key)
			}
		}
	}
}

// Close releases the device.
func (k *Keyboard) Close() error {
	if k.device == nil {
		return nil
	}
	return k.device.Close()
}

func (k *Keyboard) hotkey(key evdev.KeyType) {
	h := k.handlers
	switch key {
	case evdev.Key1:
		k.scan(channel.RoleCard, SimCard)
	case evdev.Key2:
		k.scan(channel.RoleBookTake, SimBookOK)
	case evdev.Key3:
		k.scan(channel.RoleBookTake, SimBookBad)
	case evdev.Key4:
		k.scan(channel.RoleBookReturn, SimBookFull)
	case evdev.KeyEscape:
		if h.OnAction != nil {
			h.OnAction(session.InputBackToMenu)
		}
	case evdev.KeyF2:
		if h.OnDiagnostics != nil {
			h.OnDiagnostics()
		}
	case evdev.KeyF9:
		if h.OnCatalogCheck != nil {
			h.OnCatalogCheck()
		}
	}
}

func (k *Keyboard) wedgeKey(key evdev.KeyType, text string) {
	switch key {
	case evdev.KeyEnter:
		if k.strbuf != "" {
			k.scan(channel.RoleCard, k.strbuf)
		}
		k.strbuf = ""
	case evdev.KeyEscape:
		k.strbuf = ""
	default:
		k.strbuf += text
	}
}

func (k *Keyboard) scan(role channel.Role, payload string) {
	if k.handlers.OnScan == nil {
		return
	}
	k.handlers.OnScan(channel.Event{SourceID: k.source, Role: role, Payload: payload, Timestamp: k.now()})
}
