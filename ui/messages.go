package ui

import (
	"strings"
	"time"

	"bookkiosk/session"
)

// Actions on the wire.
const (
	ActionScreen   = "SCREEN"
	ActionCheckOut = "CHECKOUT"
	ActionReturn   = "RETURN"
	ActionMenu     = "MENU"
)

// Msg is exchanged with the kiosk UI. The kiosk sends SCREEN messages on
// every transition; the UI sends CHECKOUT, RETURN or MENU when the reader
// touches the screen.
type Msg struct {
	Action   string     `json:"Action"`
	Screen   string     `json:"Screen,omitempty"`
	Mode     string     `json:"Mode,omitempty"`
	Session  string     `json:"Session,omitempty"`
	Reason   string     `json:"Reason,omitempty"`
	Deadline *time.Time `json:"Deadline,omitempty"`
	DryRun   bool       `json:"DryRun,omitempty"`
}

// ScreenMsg renders a transition for the UI.
func ScreenMsg(t session.Transition, deadline session.Deadline, dryRun bool) Msg {
	m := Msg{
		Action:  ActionScreen,
		Screen:  t.To.String(),
		Mode:    t.Mode.String(),
		Session: t.SessionID,
		Reason:  t.Reason,
		DryRun:  dryRun,
	}
	if deadline.Active() {
		at := deadline.At
		m.Deadline = &at
	}
	return m
}

// inputKind maps a UI action to a session input.
func inputKind(action string) (session.InputKind, bool) {
	switch strings.ToUpper(action) {
	case ActionCheckOut:
		return session.InputPickCheckOut, true
	case ActionReturn:
		return session.InputPickReturn, true
	case ActionMenu:
		return session.InputBackToMenu, true
	}
	return 0, false
}
