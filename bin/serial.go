package bin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bookkiosk/channel"
)

// Line protocol spoken by the bin's microcontroller:
//
//	-> OPEN        <- OK | ERR <reason>
//	-> SPACE?      <- SPACE 1 | SPACE 0
//
// Anything else the controller prints (boot banners, sensor chatter) is
// ignored.
const (
	cmdOpen  = "OPEN"
	cmdSpace = "SPACE?"

	defaultReplyTimeout = 2 * time.Second
	defaultSerialBaud   = 115200
)

// Serial is a Controller reached over a serial line. Requests are
// serialised; one command is outstanding at a time.
type Serial struct {
	ch      *channel.Channel
	timeout time.Duration
	replies chan string
	mu      sync.Mutex
}

// NewSerial builds a serial bin client. Debounce is forced off because
// identical replies to consecutive queries are meaningful.
func NewSerial(cfg channel.Config, replyTimeout time.Duration, opts ...channel.Option) *Serial {
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	if cfg.Baud == 0 {
		cfg.Baud = defaultSerialBaud
	}
	if cfg.Newline == "" {
		cfg.Newline = "\n"
	}
	cfg.Debounce = 0

	s := &Serial{
		timeout: replyTimeout,
		replies: make(chan string, 8),
	}
	opts = append(opts, channel.WithSource("bin", channel.RoleBin))
	s.ch = channel.New(cfg, channel.RawLine, s.onLine, opts...)
	return s
}

// Start opens the line.
func (s *Serial) Start() { s.ch.Start() }

// Release implements Controller.Release.
func (s *Serial) Release() error { return s.ch.Stop() }

// Connected reports whether the serial port is open.
func (s *Serial) Connected() bool { return s.ch.Connected() }

func (s *Serial) onLine(ev channel.Event) {
	select {
	case s.replies <- ev.Payload:
	default:
		log.Debug().Str("line", ev.Payload).Msg("bin reply buffer full, dropping line")
	}
}

// OpenBin implements Controller.OpenBin.
func (s *Serial) OpenBin(ctx context.Context) error {
	reply, err := s.request(ctx, cmdOpen, func(l string) bool {
		return l == "OK" || strings.HasPrefix(l, "ERR")
	})
	if err != nil {
		return err
	}
	if reply != "OK" {
		reason := strings.TrimSpace(strings.TrimPrefix(reply, "ERR"))
		return fmt.Errorf("open bin: %w: %s", ErrRejected, reason)
	}
	return nil
}

// HasSpace implements Controller.HasSpace.
func (s *Serial) HasSpace(ctx context.Context) (bool, error) {
	reply, err := s.request(ctx, cmdSpace, func(l string) bool {
		return strings.HasPrefix(l, "SPACE ")
	})
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(strings.TrimPrefix(reply, "SPACE ")) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("bin space reply %q: %w", reply, ErrRejected)
	}
}

func (s *Serial) request(ctx context.Context, cmd string, isReply func(string) bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drain()
	if err := s.ch.Send(cmd); err != nil {
		return "", fmt.Errorf("bin %s: %w", cmd, err)
	}

	t := time.NewTimer(s.timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("bin %s: %w", cmd, ctx.Err())
		case <-t.C:
			return "", fmt.Errorf("bin %s: %w", cmd, ErrNoReply)
		case line := <-s.replies:
			line = strings.ToUpper(strings.TrimSpace(line))
			if isReply(line) {
				return line, nil
			}
			log.Debug().Str("line", line).Str("cmd", cmd).Msg("unsolicited bin line ignored")
		}
	}
}

// drain discards lines that arrived while no request was outstanding.
func (s *Serial) drain() {
	for {
		select {
		case <-s.replies:
		default:
			return
		}
	}
}
