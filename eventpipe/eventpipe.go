// Package eventpipe drives the kiosk from text commands written to a named
// pipe, for demos and bench testing without hardware.
package eventpipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"bookkiosk/channel"
	"bookkiosk/session"
)

// SourceID tags events that came through the pipe.
const SourceID = "pipe"

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // Path to named pipe (e.g., "/tmp/bookkiosk-events")
}

// Handlers receives parsed commands.
type Handlers struct {
	OnScan   func(channel.Event)
	OnAction func(session.InputKind)
	OnDryRun func(on bool)
}

// Kind says what a Command carries.
type Kind int

const (
	KindScan Kind = iota
	KindAction
	KindDryRun
)

// Command is one parsed pipe line.
type Command struct {
	Kind    Kind
	Role    channel.Role      // KindScan
	Payload string            // KindScan
	Action  session.InputKind // KindAction
	On      bool              // KindDryRun
}

// EventPipe listens for commands on a named pipe.
type EventPipe struct {
	path     string
	handlers Handlers
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new EventPipe. Returns nil if path is empty.
func New(cfg Config, handlers Handlers) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	os.Remove(cfg.Path)
	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventPipe{
		path:     cfg.Path,
		handlers: handlers,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins listening for commands on the pipe.
// This should be called as a goroutine.
func (ep *EventPipe) Start() {
	log.Info().Str("path", ep.path).Msg("event pipe listening")

	for ep.ctx.Err() == nil {
		// Blocks until a writer connects.
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("event pipe open")
			time.Sleep(time.Second)
			continue
		}
		ep.serve(file)
		file.Close()
	}
}

func (ep *EventPipe) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ep.ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		cmd, err := parseLine(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("event pipe parse")
			continue
		}
		ep.dispatch(cmd)
	}
}

func (ep *EventPipe) dispatch(cmd Command) {
	h := ep.handlers
	switch cmd.Kind {
	case KindScan:
		if h.OnScan != nil {
			h.OnScan(channel.Event{SourceID: SourceID, Role: cmd.Role, Payload: cmd.Payload, Timestamp: ep.now()})
		}
	case KindAction:
		if h.OnAction != nil {
			h.OnAction(cmd.Action)
		}
	case KindDryRun:
		if h.OnDryRun != nil {
			h.OnDryRun(cmd.On)
		}
	}
}

// Close stops the event pipe listener and removes the pipe.
func (ep *EventPipe) Close() error {
	ep.cancel()
	// Wake a reader blocked in open.
	if f, err := os.OpenFile(ep.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		f.Close()
	}
	return os.Remove(ep.path)
}

// parseLine parses a command line.
// Command format:
//
//	card <uid>                 - card presented
//	book [take|return] <id>    - book tag seen (default: any reader)
//	tag <epc>                  - raw EPC-96 from any reader
//	checkout | return | menu   - menu actions
//	dryrun on|off              - toggle catalog writes and bin actuation
func parseLine(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}, errors.New("empty command")
	}

	cmd := strings.ToLower(parts[0])
	switch cmd {
	case "card":
		if len(parts) != 2 {
			return Command{}, errors.New("card requires a UID")
		}
		return Command{Kind: KindScan, Role: channel.RoleCard, Payload: parts[1]}, nil

	case "tag":
		if len(parts) != 2 {
			return Command{}, errors.New("tag requires an EPC")
		}
		return Command{Kind: KindScan, Role: channel.RoleBookAny, Payload: parts[1]}, nil

	case "book":
		switch len(parts) {
		case 2:
			return Command{Kind: KindScan, Role: channel.RoleBookAny, Payload: parts[1]}, nil
		case 3:
			role, ok := map[string]channel.Role{
				"take":   channel.RoleBookTake,
				"return": channel.RoleBookReturn,
				"any":    channel.RoleBookAny,
			}[strings.ToLower(parts[1])]
			if !ok {
				return Command{}, fmt.Errorf("unknown book reader: %s", parts[1])
			}
			return Command{Kind: KindScan, Role: role, Payload: parts[2]}, nil
		}
		return Command{}, errors.New("book requires [take|return] <id>")

	case "checkout":
		return Command{Kind: KindAction, Action: session.InputPickCheckOut}, nil
	case "return":
		return Command{Kind: KindAction, Action: session.InputPickReturn}, nil
	case "menu":
		return Command{Kind: KindAction, Action: session.InputBackToMenu}, nil

	case "dryrun":
		if len(parts) != 2 {
			return Command{}, errors.New("dryrun requires on|off")
		}
		switch strings.ToLower(parts[1]) {
		case "on", "1", "true":
			return Command{Kind: KindDryRun, On: true}, nil
		case "off", "0", "false":
			return Command{Kind: KindDryRun, On: false}, nil
		}
		return Command{}, fmt.Errorf("invalid dryrun value: %s", parts[1])

	default:
		return Command{}, fmt.Errorf("unknown command: %s", cmd)
	}
}
