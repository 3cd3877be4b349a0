package channel

import (
	"errors"
	"fmt"
	"io"
	"time"

	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
)

// Port is the subset of a serial port the channel needs.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds a single Read. A Read that times out returns
	// (0, nil).
	SetReadTimeout(t time.Duration) error
}

// Opener opens the endpoint described by cfg.
type Opener func(cfg Config) (Port, error)

// OpenSerial opens cfg.Port with the driver named in cfg.Driver.
func OpenSerial(cfg Config) (Port, error) {
	switch cfg.Driver {
	case "tarm":
		return openTarm(cfg)
	case "", "bugst":
		return openBugst(cfg)
	default:
		return nil, fmt.Errorf("unknown serial driver %q", cfg.Driver)
	}
}

func openBugst(cfg Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	return p, nil
}

// tarmPort adapts github.com/tarm/serial, whose read timeout is fixed at
// open time and whose timed-out reads surface as io.EOF.
type tarmPort struct {
	*tarm.Port
}

func openTarm(cfg Config) (Port, error) {
	c := &tarm.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: pollSlice(cfg.ReadTimeout),
	}
	p, err := tarm.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	return tarmPort{Port: p}, nil
}

func (p tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (tarmPort) SetReadTimeout(time.Duration) error {
	return nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// pollSlice is the per-Read timeout used by the loop. It is kept short so
// Stop and partial-line expiry are noticed promptly.
func pollSlice(readTimeout time.Duration) time.Duration {
	const slice = 100 * time.Millisecond
	if readTimeout > 0 && readTimeout < slice {
		return readTimeout
	}
	return slice
}
