// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-timelimit/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// devices are not browsers; the bearer token authenticates the connection
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans events out to the connected devices of a family
type Hub struct {
	mu       sync.Mutex
	families map[string]map[*hubConn]struct{}
	logger   *slog.Logger
}

type hubConn struct {
	deviceID string
	conn     *websocket.Conn
	send     chan Event
}

// NewHub creates an empty Hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{families: map[string]map[*hubConn]struct{}{}, logger: logger}
}

// ServeHTTP upgrades an authenticated request to an event connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	familyID, ok := auth.GetFamilyID(r.Context())
	if !ok {
		http.Error(w, "missing family", http.StatusUnauthorized)
		return
	}
	deviceID, _ := auth.GetDeviceID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "device_id", deviceID)
		return
	}
	c := &hubConn{deviceID: deviceID, conn: conn, send: make(chan Event, sendBuffer)}
	h.register(familyID, c)

	go h.writePump(c)
	h.readPump(familyID, c)
}

func (h *Hub) register(familyID string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.families[familyID]
	if conns == nil {
		conns = map[*hubConn]struct{}{}
		h.families[familyID] = conns
	}
	conns[c] = struct{}{}
	h.logger.Debug("device connected", "family_id", familyID, "device_id", c.deviceID, "connections", len(conns))
}

func (h *Hub) unregister(familyID string, c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.families[familyID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.families, familyID)
	}
}

// Notify sends event to every connected device of the family except exceptDeviceID
func (h *Hub) Notify(familyID, exceptDeviceID, eventType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.families[familyID] {
		if c.deviceID == exceptDeviceID {
			continue
		}
		select {
		case c.send <- Event{Type: eventType}:
		default:
			h.logger.Warn("dropping event for slow device", "device_id", c.deviceID, "event", eventType)
		}
	}
}

// Connections returns the number of open connections of a family
func (h *Hub) Connections(familyID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.families[familyID])
}

// readPump only handles control frames; devices never send events
func (h *Hub) readPump(familyID string, c *hubConn) {
	defer func() {
		h.unregister(familyID, c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err, "device_id", c.deviceID)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
