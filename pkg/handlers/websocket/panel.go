package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labring/streamscope/pkg/errors"
	"github.com/labring/streamscope/pkg/protocol"
)

// panelConn adapts a socket to aggregator.Panel. Writes are serialized
// because the store sends from whichever goroutine ingests.
type panelConn struct {
	id        string
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func (p *panelConn) ID() string { return p.id }

func (p *panelConn) Send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *panelConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *panelConn) write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("panel %s: connection closed", p.id)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeWait))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.closed = true
		p.conn.Close()
		return err
	}
	return nil
}

// HandlePanel serves /ws/panel. The first frame must be
// {"type":"panel-connected","tabId":N}; the session of that tab is replayed
// and live traffic follows. A later panel-connected moves the panel to
// another tab.
func (h *WebSocketHandler) HandlePanel(w http.ResponseWriter, r *http.Request) {
	conn, client, ok := h.upgrade(w, r, KindPanel)
	if !ok {
		return
	}
	defer h.cleanupClientConnection(conn)

	panel := &panelConn{id: client.ID, conn: conn, writeWait: h.config.WriteWait}
	fail := func(message string) {
		sendError(panel.sendJSON, message, string(errors.ErrorTypeInvalidMessage))
	}

	_ = conn.SetReadDeadline(time.Now().Add(h.config.HandshakeTimeout))
	message, err := h.readMessage(conn, client)
	if err != nil {
		return
	}
	tab, err := panelTab(message)
	if err != nil {
		fail(err.Error())
		return
	}
	if err := h.attach(panel, client, tab); err != nil {
		fail(err.Error())
		return
	}
	defer func() { h.store.DetachPanel(client.TabID(), panel) }()

	done := make(chan struct{})
	defer close(done)
	go h.startPingLoop(conn, done)

	for {
		message, err := h.readMessage(conn, client)
		if err != nil {
			return
		}
		next, err := panelTab(message)
		if err != nil {
			fail(err.Error())
			continue
		}
		if prev := client.TabID(); next != prev {
			h.store.DetachPanel(prev, panel)
		}
		if err := h.attach(panel, client, next); err != nil {
			fail(err.Error())
			return
		}
	}
}

func (h *WebSocketHandler) attach(panel *panelConn, client *ClientInfo, tab int) error {
	client.tabID.Store(int64(tab))
	if err := h.store.AttachPanel(tab, panel); err != nil {
		slog.Warn("panel attach failed",
			slog.String("client", client.ID),
			slog.Int("tab", tab),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// panelTab extracts the tab of a panel-connected frame.
func panelTab(message []byte) (int, error) {
	env, _, err := protocol.Decode(message)
	if err != nil {
		return 0, err
	}
	if env.Type != protocol.TypePanelConnected {
		return 0, fmt.Errorf("expected %s, got %s", protocol.TypePanelConnected, env.Type)
	}
	if env.TabID <= 0 {
		return 0, fmt.Errorf("%s requires a positive tabId", protocol.TypePanelConnected)
	}
	return env.TabID, nil
}
