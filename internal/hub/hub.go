// Package hub pushes reconciled dashboard state to connected browser
// clients over WebSocket.
package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"argus/internal/models"
)

// ─── WebSocket Hub ────────────────────────────────────────────────────────

// Hub manages active WebSocket connections from dashboard clients.
// Clients are push-only: anything they send besides pongs is ignored.
type Hub struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	nextID int64
}

// wsConn wraps a WebSocket connection with its write lock. Broadcast
// and the ping loop write from different goroutines.
type wsConn struct {
	conn    *websocket.Conn
	id      int64
	writeMu sync.Mutex
	done    chan struct{}
}

func (wc *wsConn) writeJSON(v interface{}) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.conn.WriteJSON(v)
}

// New creates a hub ready to accept connections.
func New() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
}

// HandleConnection is the HTTP handler that upgrades to WebSocket and
// holds the connection until the client goes away.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Hub] Upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.nextID++
	wc := &wsConn{conn: conn, id: h.nextID, done: make(chan struct{})}
	h.conns[wc] = struct{}{}
	total := len(h.conns)
	h.mu.Unlock()

	log.Printf("[Hub] Client %d connected (%d active)", wc.id, total)

	// Read loop blocks until the connection closes.
	h.readLoop(wc)

	h.mu.Lock()
	delete(h.conns, wc)
	total = len(h.conns)
	h.mu.Unlock()

	log.Printf("[Hub] Client %d disconnected (%d active)", wc.id, total)
}

// readLoop consumes client frames to keep the connection healthy.
func (h *Hub) readLoop(wc *wsConn) {
	defer wc.conn.Close()
	defer close(wc.done)

	wc.conn.SetReadLimit(4 * 1024)
	wc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	go h.pingLoop(wc)

	for {
		if _, _, err := wc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Hub] Read error client %d: %v", wc.id, err)
			}
			return
		}
		wc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

// pingLoop sends periodic pings to keep the connection alive.
func (h *Hub) pingLoop(wc *wsConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wc.done:
			return
		case <-ticker.C:
			wc.writeMu.Lock()
			err := wc.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(10*time.Second),
			)
			wc.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Publish broadcasts one frame to every connected client. Slow or dead
// clients are dropped rather than allowed to stall the broadcast.
func (h *Hub) Publish(frame models.PushFrame) {
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns))
	for wc := range h.conns {
		targets = append(targets, wc)
	}
	h.mu.Unlock()

	for _, wc := range targets {
		if err := wc.writeJSON(frame); err != nil {
			log.Printf("[Hub] Dropping client %d: %v", wc.id, err)
			wc.conn.Close()
		}
	}
}

// ActiveConnections returns the number of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll terminates all active WebSocket connections.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for wc := range h.conns {
		wc.writeMu.Lock()
		wc.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(5*time.Second),
		)
		wc.writeMu.Unlock()
		wc.conn.Close()
		delete(h.conns, wc)
	}
}
