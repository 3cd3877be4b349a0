package indicator

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// Neopixel command strings for the external neopixel tool.
const (
	neoConnectionLost = "@2 !150000 001010"
	neoIdle           = "@3 !150000 400000"
	neoWaiting        = "@3 !80000 202000"
	neoSuccess        = "@1 !50000 8000"
	neoFailure        = "@2 !10000 ff"
	neoFull           = "@2 !30000 ff4000"
	neoTerminated     = "@0 010101"
)

// Neopixel implements Indicator using an external neopixel tool via named pipe.
type Neopixel struct {
	pipe io.WriteCloser
}

// NewNeopixel opens the neopixel tool's pipe.
func NewNeopixel(pipePath string) (*Neopixel, error) {
	f, err := os.OpenFile(pipePath, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open neopixel pipe %s: %w", pipePath, err)
	}
	return &Neopixel{pipe: f}, nil
}

// Idle implements Indicator.Idle.
func (n *Neopixel) Idle() { n.write(neoIdle) }

// Waiting implements Indicator.Waiting.
func (n *Neopixel) Waiting() { n.write(neoWaiting) }

// Success implements Indicator.Success.
func (n *Neopixel) Success() { n.write(neoSuccess) }

// Failure implements Indicator.Failure.
func (n *Neopixel) Failure() { n.write(neoFailure) }

// Full implements Indicator.Full.
func (n *Neopixel) Full() { n.write(neoFull) }

// ConnectionLost implements Indicator.ConnectionLost.
func (n *Neopixel) ConnectionLost() { n.write(neoConnectionLost) }

// Shutdown implements Indicator.Shutdown.
func (n *Neopixel) Shutdown() { n.write(neoTerminated) }

// Release implements Indicator.Release.
func (n *Neopixel) Release() error {
	if n.pipe == nil {
		return nil
	}
	return n.pipe.Close()
}

func (n *Neopixel) write(s string) {
	if n.pipe == nil {
		return
	}
	if _, err := io.WriteString(n.pipe, s+"\n"); err != nil {
		log.Warn().Err(err).Msg("neopixel write")
	}
}
