package handler

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"myroommate/internal/model"
)

// sendBuffer is the per-connection outbound queue length
const sendBuffer = 64

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedMap[origin]
		},
	}
}

// connection is one upgraded socket. Frames are queued by Send and written
// by writePump, the only goroutine that writes to ws.
type connection struct {
	id   string
	ws   *websocket.Conn
	send chan model.Frame
	done chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn) *connection {
	c := &connection{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan model.Frame, sendBuffer),
		done: make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *connection) ID() string { return c.id }

func (c *connection) IsOpen() bool { return c.open.Load() }

// Send queues f without blocking. A full queue drops the frame.
func (c *connection) Send(f model.Frame) bool {
	if !c.open.Load() {
		return false
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		log.Printf("[WebSocket] ⚠️  Send queue full for %s, dropped %s", c.id, f.Type())
		return false
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
	})
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	c := newConnection(ws)
	log.Printf("[WebSocket] New connection %s from %s", c.id, r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Handler) readPump(c *connection) {
	defer func() {
		c.close()
		c.ws.Close()
		if b, ok := h.Registry.Unregister(c); ok {
			log.Printf("[WebSocket] Client %s (user %s) left %s. Total clients: %d", c.id, b.UserID, b.Scope, h.Registry.Len())
		}
	}()

	pongWait := h.Config.WSPongWait
	c.ws.SetReadLimit(h.Config.WSMaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[WebSocket] Read error on %s: %v", c.id, err)
			}
			return
		}
		// どのフレームも生存確認として扱う
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		h.handleFrame(ctx, c, data)
	}
}

func (h *Handler) writePump(c *connection) {
	ticker := time.NewTicker(h.Config.WSPongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	writeTimeout := h.Config.WSWriteTimeout
	for {
		select {
		case f := <-c.send:
			data, err := model.Encode(f)
			if err != nil {
				log.Printf("[WebSocket] ❌ Encode error: %v", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[WebSocket] Write error on %s: %v", c.id, err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
