package render

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4096
)

// ClientMessage is a message from the display surface. "ready" signals
// that the surface can take structural payloads.
type ClientMessage struct {
	Type string `json:"type"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// WSTransport is a websocket display surface. Every payload is broadcast to
// all connected clients.
type WSTransport struct {
	upgrader websocket.Upgrader
	onReady  func()
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewWSTransport creates the transport. onReady runs when a client reports
// readiness.
func NewWSTransport(onReady func(), logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		onReady: onReady,
		logger:  logger.With("component", "render.ws"),
		clients: make(map[string]*wsClient),
	}
}

// SetOnReady replaces the readiness callback.
func (t *WSTransport) SetOnReady(fn func()) {
	t.mu.Lock()
	t.onReady = fn
	t.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{id: uuid.NewString(), conn: conn}

	t.mu.Lock()
	t.clients[client.id] = client
	total := len(t.clients)
	t.mu.Unlock()
	t.logger.Info("render client connected", "client", client.id, "clients", total)

	done := make(chan struct{})
	go t.pingLoop(client, done)
	t.readLoop(client)
	close(done)
}

func (t *WSTransport) readLoop(client *wsClient) {
	defer t.remove(client)

	conn := client.conn
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("render client read failed", "client", client.id, "error", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ready" {
			t.mu.RLock()
			onReady := t.onReady
			t.mu.RUnlock()
			if onReady != nil {
				onReady()
			}
		}
	}
}

func (t *WSTransport) pingLoop(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) remove(client *wsClient) {
	t.mu.Lock()
	delete(t.clients, client.id)
	total := len(t.clients)
	t.mu.Unlock()
	_ = client.conn.Close()
	t.logger.Info("render client disconnected", "client", client.id, "clients", total)
}

// Clients returns the number of connected clients.
func (t *WSTransport) Clients() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Send broadcasts msg. It returns ErrNotReady when no client is connected.
func (t *WSTransport) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.RLock()
	clients := make([]*wsClient, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.RUnlock()
	if len(clients) == 0 {
		return ErrNotReady
	}

	var firstErr error
	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			t.logger.Debug("render client write failed", "client", c.id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close disconnects every client.
func (t *WSTransport) Close() {
	t.mu.Lock()
	clients := t.clients
	t.clients = make(map[string]*wsClient)
	t.mu.Unlock()
	for _, c := range clients {
		_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	}
}
