// Package websocket serves the two socket endpoints of the daemon: the
// relay uplink used by content agents and the channel of inspection panels.
package websocket

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
	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/utils"
)

// Store is the aggregator surface the socket endpoints need.
// *aggregator.Store implements it.
type Store interface {
	Ingest(env protocol.Envelope) error
	AttachPanel(tab int, p aggregator.Panel) error
	DetachPanel(tab int, p aggregator.Panel)
}

const (
	KindRelay = "relay"
	KindPanel = "panel"
)

type WebSocketHandler struct {
	upgrader websocket.Upgrader
	store    Store
	config   *WebSocketConfig

	mutex   sync.RWMutex
	clients map[*websocket.Conn]*ClientInfo

	ctx    context.Context
	cancel context.CancelFunc
}

// ClientInfo holds client connection information
type ClientInfo struct {
	ID        string
	Kind      string
	Connected time.Time
	Timeout   time.Duration

	tabID      atomic.Int64
	lastActive atomic.Int64
}

func (c *ClientInfo) TabID() int { return int(c.tabID.Load()) }

func (c *ClientInfo) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *ClientInfo) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// ErrorFrame is sent to a client whose message was refused.
type ErrorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// NewWebSocketHandler creates the socket handler. An empty allowedOrigins
// accepts any origin; requests are still subject to token auth.
func NewWebSocketHandler(store Store, config *WebSocketConfig, allowedOrigins []string) *WebSocketHandler {
	ctx, cancel := context.WithCancel(context.Background())
	if config == nil {
		config = NewDefaultWebSocketConfig()
	}

	h := &WebSocketHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
		store:   store,
		config:  config,
		clients: make(map[*websocket.Conn]*ClientInfo),
		ctx:     ctx,
		cancel:  cancel,
	}

	go h.startConnectionHealthChecker()
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *WebSocketHandler) upgrade(w http.ResponseWriter, r *http.Request, kind string) (*websocket.Conn, *ClientInfo, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", slog.String("kind", kind), slog.String("error", err.Error()))
		return nil, nil, false
	}

	client := &ClientInfo{
		ID:        utils.ConnectionID(kind),
		Kind:      kind,
		Connected: time.Now(),
		Timeout:   h.config.ReadTimeout,
	}
	client.touch()

	conn.SetReadLimit(h.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(client.Timeout))
	conn.SetPongHandler(func(string) error {
		client.touch()
		return conn.SetReadDeadline(time.Now().Add(client.Timeout))
	})

	h.mutex.Lock()
	h.clients[conn] = client
	h.mutex.Unlock()

	slog.Info("WebSocket client connected",
		slog.String("client", client.ID),
		slog.String("remote", r.RemoteAddr))
	return conn, client, true
}

// readMessage reads the next frame and refreshes the client's deadline.
func (h *WebSocketHandler) readMessage(conn *websocket.Conn, client *ClientInfo) ([]byte, error) {
	_, message, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
			slog.Warn("WebSocket read error", slog.String("client", client.ID), slog.String("error", err.Error()))
		}
		return nil, err
	}
	client.touch()
	_ = conn.SetReadDeadline(time.Now().Add(client.Timeout))
	return message, nil
}

// Clients returns the number of open connections of the given kind, or of
// every kind when kind is empty.
func (h *WebSocketHandler) Clients(kind string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n := 0
	for _, c := range h.clients {
		if kind == "" || c.Kind == kind {
			n++
		}
	}
	return n
}

// Close stops background work and closes every connection.
func (h *WebSocketHandler) Close() {
	h.cancel()
	h.mutex.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mutex.Unlock()
	for _, conn := range conns {
		h.cleanupClientConnection(conn)
	}
}

func (h *WebSocketHandler) cleanupClientConnection(conn *websocket.Conn) {
	h.mutex.Lock()
	client, exists := h.clients[conn]
	delete(h.clients, conn)
	h.mutex.Unlock()

	if !exists {
		return
	}
	conn.Close()
	slog.Info("WebSocket client disconnected",
		slog.String("client", client.ID),
		slog.Int("tab", client.TabID()),
		slog.String("connected_for", time.Since(client.Connected).Truncate(time.Second).String()))
}

func (h *WebSocketHandler) startPingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.config.WriteWait)); err != nil {
				return
			}
		case <-done:
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) startConnectionHealthChecker() {
	ticker := time.NewTicker(h.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.checkConnectionHealth()
		case <-h.ctx.Done():
			return
		}
	}
}

// checkConnectionHealth closes connections that stopped answering pings.
func (h *WebSocketHandler) checkConnectionHealth() {
	now := time.Now()
	var stale []*websocket.Conn

	h.mutex.RLock()
	for conn, client := range h.clients {
		if now.Sub(client.LastActive()) > client.Timeout {
			slog.Info("Connection timeout, closing", slog.String("client", client.ID))
			stale = append(stale, conn)
		}
	}
	h.mutex.RUnlock()

	for _, conn := range stale {
		h.cleanupClientConnection(conn)
	}
}

// sendError writes an error frame. Panel connections must use their
// panelConn so writes stay serialized.
func sendError(write func(v any) error, message, code string) {
	_ = write(ErrorFrame{
		Type:      "error",
		Error:     message,
		Code:      code,
		Timestamp: protocol.Now(),
	})
}

func (h *WebSocketHandler) sendJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
