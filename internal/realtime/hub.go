// Package realtime streams domain events to operator dashboards over
// WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/metrics"
)

// MaxClients bounds concurrent connections.
const MaxClients = 1000

const (
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 16 << 10
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served by this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// partyKeys are the event fields a UserIDs filter looks at.
var partyKeys = []string{"userId", "payerId", "hostId", "ownerId", "tenantId", "agencyId", "guestId"}

// Subscription filters what a client receives. The zero value receives
// everything. Clients replace it by sending a JSON Subscription frame.
type Subscription struct {
	Types   []events.Type `json:"types"`
	UserIDs []string      `json:"userIds"`
}

func (s Subscription) matches(e events.Event) bool {
	if len(s.Types) > 0 && !slices.Contains(s.Types, e.Type) {
		return false
	}
	if len(s.UserIDs) == 0 {
		return true
	}
	return slices.ContainsFunc(partyKeys, func(k string) bool {
		v, _ := e.Data[k].(string)
		return v != "" && slices.Contains(s.UserIDs, v)
	})
}

// Client is one dashboard connection.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	sub  atomic.Pointer[Subscription]
}

func (c *Client) wants(e events.Event) bool {
	sub := c.sub.Load()
	return sub == nil || sub.matches(e)
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Connected    int   `json:"connectedClients"`
	TotalClients int64 `json:"totalClients"`
	TotalEvents  int64 `json:"totalEvents"`
	DroppedSlow  int64 `json:"droppedSlow"`
}

// Hub fans published events out to connected clients. Publish only
// enqueues; Run does the marshalling and delivery.
type Hub struct {
	logger     *slog.Logger
	broadcast  chan events.Event
	maxClients int

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool

	totalEvents  atomic.Int64
	droppedSlow  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a hub. Call Run to start delivery.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan events.Event, 256),
		maxClients: MaxClients,
		clients:    make(map[*Client]struct{}),
	}
}

// Run delivers events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.broadcast:
			h.deliver(e)
		}
	}
}

func (h *Hub) deliver(e events.Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("realtime: marshal event", "event", e.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// A client that cannot keep up is disconnected rather than
			// allowed to hold back the others.
			h.dropLocked(c)
			h.droppedSlow.Add(1)
		}
	}
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c] = struct{}{}
	h.totalClients.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

// dropLocked closes c's queue once; the write pump then hangs up.
func (h *Hub) dropLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "realtime" }

// Publish implements events.Sink. It never blocks; a full buffer drops the
// event with a warning.
func (h *Hub) Publish(_ context.Context, e events.Event) error {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("realtime broadcast buffer full, dropping event", "event", e.Type)
	}
	return nil
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	return Stats{
		Connected:    n,
		TotalClients: h.totalClients.Load(),
		TotalEvents:  h.totalEvents.Load(),
		DroppedSlow:  h.droppedSlow.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := h.closed || len(h.clients) >= h.maxClients
	h.mu.Unlock()
	if full {
		http.Error(w, "realtime feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &Client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug("dashboard client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

// readPump applies subscription frames until the connection drops.
func (h *Hub) readPump(c *Client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			h.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.sub.Store(&sub)
	}
}

func (h *Hub) writePump(c *Client) {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
