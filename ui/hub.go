package ui

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer      = 16
	broadcastBuffer = 64
)

// Hub keeps track of connected UIs and fans screen changes out to them.
// The last screen is replayed to every UI that connects.
type Hub struct {
	connections map[*uiConn]bool
	uiReg       chan *uiConn
	uiUnReg     chan *uiConn
	broadcast   chan Msg
	last        *Msg
	done        chan struct{}

	onAction func(Msg)
	clients  metrics.Counter
	dropped  metrics.Counter
}

// NewHub creates a Hub. onAction receives every message a UI sends.
func NewHub(reg metrics.Registry, onAction func(Msg)) *Hub {
	return &Hub{
		connections: make(map[*uiConn]bool),
		uiReg:       make(chan *uiConn),
		uiUnReg:     make(chan *uiConn),
		broadcast:   make(chan Msg, broadcastBuffer),
		done:        make(chan struct{}),
		onAction:    onAction,
		clients:     metrics.GetOrRegisterCounter("ui.clients", reg),
		dropped:     metrics.GetOrRegisterCounter("ui.dropped", reg),
	}
}

// Broadcast queues msg for every connected UI. It never blocks.
func (h *Hub) Broadcast(msg Msg) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Inc(1)
		log.Warn().Str("screen", msg.Screen).Msg("ui broadcast queue full")
	}
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.connections {
				h.drop(c)
			}
			return
		case c := <-h.uiReg:
			h.connections[c] = true
			h.clients.Inc(1)
			log.Info().Str("remote", c.ws.RemoteAddr().String()).Msg("ui connected")
			if h.last != nil {
				c.send <- *h.last
			}
		case c := <-h.uiUnReg:
			if _, ok := h.connections[c]; !ok {
				break
			}
			h.drop(c)
			log.Info().Str("remote", c.ws.RemoteAddr().String()).Msg("ui disconnected")
		case msg := <-h.broadcast:
			h.last = &msg
			for c := range h.connections {
				select {
				case c.send <- msg:
				default:
					log.Warn().Str("remote", c.ws.RemoteAddr().String()).Msg("ui too slow, dropping")
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) register(c *uiConn) bool {
	select {
	case h.uiReg <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(c *uiConn) {
	select {
	case h.uiUnReg <- c:
	case <-h.done:
	}
}

func (h *Hub) drop(c *uiConn) {
	delete(h.connections, c)
	close(c.send)
	h.clients.Dec(1)
}

// uiConn is one websocket connection from the kiosk UI.
type uiConn struct {
	ws   *websocket.Conn
	send chan Msg
}

func (c *uiConn) writer() {
	for message := range c.send {
		if err := c.ws.WriteJSON(message); err != nil {
			break
		}
	}
	c.ws.Close()
}

func (c *uiConn) reader(onAction func(Msg)) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var m Msg
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Warn().Err(err).Msg("ui message")
			continue
		}
		log.Debug().Str("action", m.Action).Msg("<- ui")
		if onAction != nil {
			onAction(m)
		}
	}
}
