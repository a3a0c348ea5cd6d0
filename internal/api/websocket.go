package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/craigderington/portswitch/pkg/types"
)

// WebSocketManager manages event stream connections and broadcasts proxy status updates
type WebSocketManager struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	metrics    *Metrics
	ctx        context.Context
	cancel     context.CancelFunc
	started    atomic.Bool
	done       chan struct{}
}

// WebSocketClient represents a single WebSocket connection
type WebSocketClient struct {
	manager    *WebSocketManager
	conn       *websocket.Conn
	send       chan WebSocketMessage
	remoteAddr string
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(metrics *Metrics) *WebSocketManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketManager{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The control API only listens on loopback
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start begins the WebSocket manager event loop
func (wsm *WebSocketManager) Start() {
	if wsm.started.CompareAndSwap(false, true) {
		go wsm.run()
	}
}

// Stop shuts down the WebSocket manager
func (wsm *WebSocketManager) Stop() {
	wsm.cancel()
	if wsm.started.Load() {
		<-wsm.done
	}

	wsm.mu.Lock()
	for client := range wsm.clients {
		close(client.send)
		delete(wsm.clients, client)
	}
	wsm.mu.Unlock()
	wsm.updateClientGauge()
}

// run is the main event loop for the WebSocket manager
func (wsm *WebSocketManager) run() {
	defer close(wsm.done)

	for {
		select {
		case client := <-wsm.register:
			wsm.mu.Lock()
			wsm.clients[client] = true
			wsm.mu.Unlock()
			wsm.updateClientGauge()
			log.Info().Str("remote_addr", client.remoteAddr).Msg("Event stream client connected")

		case client := <-wsm.unregister:
			wsm.mu.Lock()
			if _, ok := wsm.clients[client]; ok {
				delete(wsm.clients, client)
				close(client.send)
			}
			wsm.mu.Unlock()
			wsm.updateClientGauge()
			log.Info().Str("remote_addr", client.remoteAddr).Msg("Event stream client disconnected")

		case message := <-wsm.broadcast:
			wsm.mu.RLock()
			clients := make([]*WebSocketClient, 0, len(wsm.clients))
			for client := range wsm.clients {
				clients = append(clients, client)
			}
			wsm.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, close it
					wsm.mu.Lock()
					if _, ok := wsm.clients[client]; ok {
						delete(wsm.clients, client)
						close(client.send)
					}
					wsm.mu.Unlock()
				}
			}

		case <-wsm.ctx.Done():
			return
		}
	}
}

// HandleWebSocket upgrades HTTP connection to WebSocket
func (wsm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Check if response writer supports hijacking
	if _, ok := w.(http.Hijacker); !ok {
		log.Error().Msg("WebSocket: response does not implement http.Hijacker")
		http.Error(w, "WebSocket not supported", http.StatusInternalServerError)
		return
	}

	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WebSocketClient{
		manager:    wsm,
		conn:       conn,
		send:       make(chan WebSocketMessage, 256),
		remoteAddr: r.RemoteAddr,
	}

	select {
	case wsm.register <- client:
	case <-wsm.ctx.Done():
		conn.Close()
		return
	}

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// BroadcastStatus sends a proxy status update to all clients
func (wsm *WebSocketManager) BroadcastStatus(status types.ProxyStatus) {
	wsm.publish(WebSocketMessage{
		Type:    "proxy_status",
		Payload: status,
		Time:    time.Now(),
	})
}

// BroadcastTargetsChanged tells clients the saved target list changed
func (wsm *WebSocketManager) BroadcastTargetsChanged(action, name string) {
	wsm.publish(WebSocketMessage{
		Type: "targets_changed",
		Payload: map[string]interface{}{
			"action": action,
			"name":   name,
		},
		Time: time.Now(),
	})
}

func (wsm *WebSocketManager) publish(msg WebSocketMessage) {
	select {
	case wsm.broadcast <- msg:
	case <-wsm.ctx.Done():
	case <-time.After(100 * time.Millisecond):
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full, dropping message")
	}
}

// readPump handles incoming messages from the client
func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-c.manager.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512) // Max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("remote_addr", c.remoteAddr).Msg("WebSocket error")
			}
			break
		}
		// Updates are one-way; reading only detects disconnects
	}
}

// writePump handles outgoing messages to the client
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(message)
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal WebSocket message")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("remote_addr", c.remoteAddr).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.manager.ctx.Done():
			return
		}
	}
}

// GetClientCount returns the number of connected clients
func (wsm *WebSocketManager) GetClientCount() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return len(wsm.clients)
}

func (wsm *WebSocketManager) updateClientGauge() {
	if wsm.metrics != nil {
		wsm.metrics.EventClients.Set(float64(wsm.GetClientCount()))
	}
}
