package session

import "time"

// State is the screen the kiosk is showing.
type State int

const (
	Menu State = iota
	WaitCardTake
	WaitBookTake
	WaitCardReturn
	WaitBookReturn
	Success
	BookRejected
	CardFail
	NoSpace
)

var stateNames = [...]string{
	Menu:           "menu",
	WaitCardTake:   "wait_card_take",
	WaitBookTake:   "wait_book_take",
	WaitCardReturn: "wait_card_return",
	WaitBookReturn: "wait_book_return",
	Success:        "success",
	BookRejected:   "book_rejected",
	CardFail:       "card_fail",
	NoSpace:        "no_space",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// States lists every state in declaration order.
func States() []State {
	return []State{Menu, WaitCardTake, WaitBookTake, WaitCardReturn, WaitBookReturn, Success, BookRejected, CardFail, NoSpace}
}

// Interactive reports whether the state accepts hardware input. Result
// screens only leave through their deadline or an explicit return to menu.
func (s State) Interactive() bool {
	switch s {
	case Menu, WaitCardTake, WaitBookTake, WaitCardReturn, WaitBookReturn:
		return true
	}
	return false
}

// Result reports whether s is one of the four timed outcome screens.
func (s State) Result() bool {
	switch s {
	case Success, BookRejected, CardFail, NoSpace:
		return true
	}
	return false
}

// Mode is the flow a session is in.
type Mode int

const (
	ModeNone Mode = iota
	ModeCheckOut
	ModeReturn
)

func (m Mode) String() string {
	switch m {
	case ModeCheckOut:
		return "checkout"
	case ModeReturn:
		return "return"
	default:
		return "none"
	}
}

// Deadline is the single pending timed transition. A zero At means none.
type Deadline struct {
	At     time.Time
	Target State
}

// Active reports whether a deadline is set.
func (d Deadline) Active() bool { return !d.At.IsZero() }

// Transition describes one state change.
type Transition struct {
	From      State
	To        State
	Mode      Mode
	SessionID string
	Reason    string
	At        time.Time
}

// InputKind classifies what arrived at the machine.
type InputKind int

const (
	InputPickCheckOut InputKind = iota
	InputPickReturn
	InputBackToMenu
	InputCard
	InputBook
)

func (k InputKind) String() string {
	switch k {
	case InputPickCheckOut:
		return "pick_checkout"
	case InputPickReturn:
		return "pick_return"
	case InputBackToMenu:
		return "menu"
	case InputCard:
		return "card"
	case InputBook:
		return "book"
	default:
		return "unknown"
	}
}

// Slot says which book reader a book input came from.
type Slot int

const (
	SlotAny Slot = iota
	SlotTake
	SlotReturn
)

// Input is one event for the machine. ID is a normalised card UID or book
// key.
type Input struct {
	Kind    InputKind
	ID      string
	Slot    Slot
	Unknown bool // book-shaped tag whose EPC kind selector is neither book nor card
	Source  string
}
