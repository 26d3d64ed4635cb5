package websocket

import (
	"net/http"

	"github.com/labring/streamscope/pkg/common"
	"github.com/labring/streamscope/pkg/errors"
	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/protocol"
)

// HandleRelay accepts the uplink of one tab's content agent at
// /ws/relay?tabId=N. Every frame is one envelope; the tab id of the
// connection wins over whatever the frame carries.
func (h *WebSocketHandler) HandleRelay(w http.ResponseWriter, r *http.Request) {
	tab, err := common.ParseTabID(r.URL.Query().Get("tabId"))
	if err != nil {
		errors.WriteErrorResponse(w, errors.NewInvalidRequestError(err.Error()))
		return
	}

	conn, client, ok := h.upgrade(w, r, KindRelay)
	if !ok {
		return
	}
	client.tabID.Store(int64(tab))
	defer h.cleanupClientConnection(conn)

	done := make(chan struct{})
	defer close(done)
	go h.startPingLoop(conn, done)

	write := func(v any) error { return h.sendJSON(conn, v) }
	for {
		message, err := h.readMessage(conn, client)
		if err != nil {
			return
		}

		env, _, err := protocol.Decode(message)
		if err != nil {
			metrics.MessagesRejected.WithLabelValues("relay_ws").Inc()
			sendError(write, err.Error(), string(errors.ErrorTypeInvalidMessage))
			continue
		}
		env.TabID = tab
		if err := h.store.Ingest(env); err != nil {
			sendError(write, err.Error(), string(errors.ErrorTypeInvalidMessage))
		}
	}
}
