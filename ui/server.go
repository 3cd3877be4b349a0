// Package ui connects the kiosk to its touch-screen front end over a
// websocket and serves runtime metrics as JSON.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog/log"

	"bookkiosk/session"
)

// Config holds HTTP settings for the UI bridge.
type Config struct {
	Listen         string `yaml:"listen"` // e.g. "127.0.0.1:8090"; empty disables
	AllowAnyOrigin bool   `yaml:"allow_any_origin"`
}

// Server serves /ws and /metrics.
type Server struct {
	cfg      Config
	hub      *Hub
	reg      metrics.Registry
	started  time.Time
	upgrader websocket.Upgrader
	onInput  func(session.InputKind)
}

// New creates a Server. onInput receives menu actions from the UI.
func New(cfg Config, reg metrics.Registry, onInput func(session.InputKind)) *Server {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		started: time.Now(),
		onInput: onInput,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if cfg.AllowAnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	s.hub = NewHub(reg, s.action)
	return s
}

// Hub returns the broadcast hub.
func (s *Server) Hub() *Hub { return s.hub }

// Observer returns a session observer that broadcasts every transition
// together with the deadline and dry-run flag current at that moment.
func (s *Server) Observer(deadline func() session.Deadline, dryRun func() bool) session.Observer {
	return func(t session.Transition) {
		s.hub.Broadcast(ScreenMsg(t, deadline(), dryRun()))
	}
}

func (s *Server) action(m Msg) {
	kind, ok := inputKind(m.Action)
	if !ok {
		log.Warn().Str("action", m.Action).Msg("unknown ui action")
		return
	}
	if s.onInput != nil {
		s.onInput(kind)
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	return mux
}

// Run starts the hub and, when Listen is set, the HTTP server. It returns
// when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	if s.cfg.Listen == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("ui server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ui server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ui server shutdown: %w", err)
	}
	return nil
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn().Err(err).Msg("ui websocket upgrade")
		return
	}

	c := &uiConn{send: make(chan Msg, sendBuffer), ws: ws}
	if !s.hub.register(c) {
		ws.Close()
		return
	}
	defer s.hub.unregister(c)
	go c.writer()
	c.reader(s.hub.onAction)
}

type exportMetrics struct {
	UpTime  string
	PID     int
	Metrics map[string]int64
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	out := exportMetrics{
		UpTime:  time.Since(s.started).Round(time.Second).String(),
		PID:     os.Getpid(),
		Metrics: Snapshot(s.reg),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Warn().Err(err).Msg("write metrics")
	}
}

// Snapshot flattens the counters and gauges in reg.
func Snapshot(reg metrics.Registry) map[string]int64 {
	out := make(map[string]int64)
	reg.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		}
	})
	return out
}
