package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"distressguard/internal/model"
)

const writeWait = 5 * time.Second

// LocationMessage is what location stream clients receive.
type LocationMessage struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	CapturedAt string  `json:"capturedAt"`
}

func newLocationMessage(fix model.LocationFix) LocationMessage {
	return LocationMessage{
		Lat:        fix.Lat,
		Lng:        fix.Lng,
		CapturedAt: fix.CapturedAt.UTC().Format(time.RFC3339),
	}
}

// Hub fans location fixes out to websocket clients. Run owns the client set.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	broadcast  chan LocationMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		broadcast:  make(chan LocationMessage, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]bool),
	}
}

// Broadcast queues a fix for every client. A full queue drops the fix.
func (h *Hub) Broadcast(fix model.LocationFix) {
	select {
	case h.broadcast <- newLocationMessage(fix):
	default:
		if h.logger != nil {
			h.logger.Warn("location broadcast dropped")
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run serves the hub until ctx is done. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Debug("location client connected", "clients", n)
			}
		case conn := <-h.unregister:
			h.drop(conn)
		case msg := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()
			for _, conn := range conns {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					if h.logger != nil {
						h.logger.Debug("location client write failed", "err", err)
					}
					h.drop(conn)
				}
			}
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and sends the latest fix, if any, before
// registering the client.
func (h *Hub) ServeWS(latest func() *model.LocationFix) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("websocket upgrade failed", "err", err)
			}
			return
		}
		if latest != nil {
			if fix := latest(); fix != nil {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(newLocationMessage(*fix)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
		select {
		case h.register <- conn:
		case <-h.done:
			_ = conn.Close()
			return
		}
		go func() {
			defer func() {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
