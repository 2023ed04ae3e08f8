package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/eventbus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client represents a single WebSocket connection managed by a Hub.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	kinds map[eventbus.Kind]bool
}

func (c *Client) wants(k eventbus.Kind) bool {
	return len(c.kinds) == 0 || c.kinds[k]
}

// Hub manages a set of WebSocket clients and broadcasts bus events to every
// client whose kind filter matches.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	count      atomic.Int64
	log        *slog.Logger
}

// NewHub creates a new Hub with initialised channels and client map.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.With("component", "ws-hub"),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Run subscribes to bus and fans every event out to the connected clients
// until ctx is cancelled or the bus is closed. A client that cannot keep up
// is disconnected.
func (h *Hub) Run(ctx context.Context, bus *eventbus.Bus, bufSize int) {
	id, events := bus.SubscribeChan(bufSize)
	defer func() {
		bus.Unsubscribe(id)
		h.closeOnce.Do(func() { close(h.done) })
		for client := range h.clients {
			h.remove(client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.count.Add(1)
		case client := <-h.unregister:
			h.remove(client)
		case ev, ok := <-events:
			if !ok {
				return
			}
			message, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("encoding event", "kind", ev.Kind, "error", err)
				continue
			}
			for client := range h.clients {
				if !client.wants(ev.Kind) {
					continue
				}
				select {
				case client.send <- message:
				default:
					h.log.Warn("dropping slow websocket client", "remote", client.conn.RemoteAddr().String())
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.count.Add(-1)
	}
}

// HandleWebSocket upgrades an HTTP connection to a WebSocket and registers
// the client with the Hub. The optional kinds query parameter is a comma
// separated list of event kinds to receive.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, clientSendSize),
		kinds: parseKinds(r.URL.Query().Get("kinds")),
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// readPump discards inbound messages; it exists to process control frames
// and notice when the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseKinds(s string) map[eventbus.Kind]bool {
	if s == "" {
		return nil
	}
	kinds := make(map[eventbus.Kind]bool)
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[eventbus.Kind(k)] = true
		}
	}
	return kinds
}
