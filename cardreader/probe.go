package cardreader

import (
	"errors"
	"fmt"
)

// ProbeResult is the outcome of one reader in a diagnostics run.
type ProbeResult struct {
	Reader string
	UID    string
	Status uint16 // status word, 0 if none came back
	Err    error
}

func (p ProbeResult) String() string {
	switch {
	case p.UID != "":
		return fmt.Sprintf("%s: UID %s", p.Reader, p.UID)
	case errors.Is(p.Err, ErrNoCard) && p.Status != 0:
		return fmt.Sprintf("%s: no card (SW %04X)", p.Reader, p.Status)
	case errors.Is(p.Err, ErrNoCard):
		return fmt.Sprintf("%s: no card", p.Reader)
	default:
		return fmt.Sprintf("%s: error: %v", p.Reader, p.Err)
	}
}

// Probe enumerates every reader and tries a UID exchange on each.
func Probe(establish EstablishFunc) ([]ProbeResult, error) {
	term, err := establish()
	if err != nil {
		return nil, fmt.Errorf("establish pc/sc context: %w", err)
	}
	defer term.Release()

	readers, err := term.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	if len(readers) == 0 {
		return nil, ErrNoReaders
	}

	results := make([]ProbeResult, 0, len(readers))
	for _, name := range readers {
		uid, sw, err := Exchange(term, name)
		results = append(results, ProbeResult{Reader: name, UID: uid, Status: sw, Err: err})
	}
	return results, nil
}
