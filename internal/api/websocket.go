package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/Mediamend/internal/domain"
	"github.com/mescon/Mediamend/internal/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second

	// broadcastBuffer absorbs bursts such as a scan validating many small files.
	broadcastBuffer = 256
)

// sameOrigin accepts requests without an Origin header and requests whose
// Origin host matches the Host header.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

var upgrader = websocket.Upgrader{CheckOrigin: sameOrigin}

// wsMessage is the envelope sent to clients.
type wsMessage struct {
	Type string      `json:"type"` // event, log or ping
	Data interface{} `json:"data,omitempty"`
	Time time.Time   `json:"timestamp"`
}

// WebSocketHub fans out events and log entries to connected clients.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan wsMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	logCh      chan logger.LogEntry
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewWebSocketHub(events EventSource) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan wsMessage, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		logCh:      logger.Subscribe(),
		stop:       make(chan struct{}),
	}

	events.SubscribeAll(func(e domain.Event) {
		h.send(wsMessage{Type: "event", Data: e, Time: e.CreatedAt})
	})

	go func() {
		for entry := range h.logCh {
			h.send(wsMessage{Type: "log", Data: entry, Time: time.Now()})
		}
	}()

	go h.run()
	return h
}

// send queues a message without blocking the publisher; a full queue drops it.
func (h *WebSocketHub) send(msg wsMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	default:
	}
}

func (h *WebSocketHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteJSON(message); err != nil {
					logger.Debugf("WebSocket write failed, dropping client: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *WebSocketHub) drop(client *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		if err := client.Close(); err != nil {
			logger.Debugf("WebSocket close error: %v", err)
		}
		logger.Debugf("WebSocket client disconnected")
	}
}

// Close disconnects every client and stops the log stream.
func (h *WebSocketHub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		logger.Unsubscribe(h.logCh)
	})
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	select {
	case h.register <- ws:
	case <-h.stop:
		_ = ws.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- ws:
		case <-h.stop:
		}
	}()

	// Send initial ping to verify connection
	h.mu.Lock()
	if err := ws.WriteJSON(wsMessage{Type: "ping", Time: time.Now()}); err != nil {
		logger.Debugf("Failed to send initial ping: %v", err)
	}
	h.mu.Unlock()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(ws, done)

	// Reading keeps the pong handler running until the client goes away.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.mu.Lock()
			if !h.clients[ws] {
				h.mu.Unlock()
				return
			}
			// Written under the hub lock so it cannot interleave with a broadcast.
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				return
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
