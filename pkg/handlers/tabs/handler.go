// Package tabs exposes the session store over the REST API.
package tabs

import (
	"net/http"

	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/common"
	"github.com/labring/streamscope/pkg/errors"
	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/monitor"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/router"
)

// Store is the aggregator surface the REST handlers read and drive.
type Store interface {
	Ingest(env protocol.Envelope) error
	TabData(tab int) aggregator.TabData
	Detected(tab int) bool
	Stream(tab int, id string, tail int) (aggregator.Stream, error)
	Tabs() []aggregator.Summary
	Stats() aggregator.Stats
	Navigate(tab int, url string)
	CloseTab(tab int)
}

type TabsHandler struct {
	store   Store
	monitor *monitor.StatsMonitor
}

func NewTabsHandler(store Store) *TabsHandler {
	return &TabsHandler{
		store:   store,
		monitor: monitor.NewStatsMonitor(store, monitor.DefaultCacheTTL, nil),
	}
}

type TabsResponse struct {
	Tabs []aggregator.Summary `json:"tabs"`
}

type StatsResponse struct {
	aggregator.Stats
	LastUpdatedAt int64 `json:"lastUpdatedAt"`
}

// List handles GET /api/v1/tabs.
func (h *TabsHandler) List(w http.ResponseWriter, r *http.Request) {
	common.WriteSuccessResponse(w, TabsResponse{Tabs: h.store.Tabs()})
}

// Get handles GET /api/v1/tabs/:id.
func (h *TabsHandler) Get(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(w, r)
	if !ok {
		return
	}
	common.WriteSuccessResponse(w, h.store.TabData(tab))
}

// Status handles GET /api/v1/tabs/:id/status.
func (h *TabsHandler) Status(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(w, r)
	if !ok {
		return
	}
	common.WriteSuccessResponse(w, common.TabStatus{TabID: tab, Detected: h.store.Detected(tab)})
}

// Stream handles GET /api/v1/tabs/:id/streams/:streamId?tail=N.
func (h *TabsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(w, r)
	if !ok {
		return
	}
	streamID := router.Param(r, "streamId")
	tail, err := common.QueryInt(r, "tail", 0)
	if err != nil {
		common.WriteErrorResponse(w, common.StatusInvalidRequest, "%s", err.Error())
		return
	}

	st, err := h.store.Stream(tab, streamID, tail)
	if err != nil {
		errors.WriteErrorResponse(w, errors.FromError(tab, streamID, err))
		return
	}
	common.WriteSuccessResponse(w, st)
}

// Events handles POST /api/v1/tabs/:id/events, the HTTP form of the relay.
// Each envelope is ingested for the path's tab; failures are counted and
// do not stop the batch.
func (h *TabsHandler) Events(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(w, r)
	if !ok {
		return
	}
	var req common.EventsRequest
	if err := common.ParseJSONBodyReturn(w, r, &req); err != nil {
		return
	}
	if len(req.Events) == 0 {
		common.WriteErrorResponse(w, common.StatusValidationError, "events must not be empty")
		return
	}

	var result common.IngestResult
	for _, env := range req.Events {
		env.TabID = tab
		if err := h.store.Ingest(env); err != nil {
			metrics.MessagesRejected.WithLabelValues("http").Inc()
			result.Rejected++
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Accepted++
	}
	common.WriteSuccessResponse(w, result)
}

// Navigate handles POST /api/v1/tabs/:id/navigate.
func (h *TabsHandler) Navigate(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(w, r)
	if !ok {
		return
	}
	var req common.NavigateRequest
	if err := common.ParseJSONBodyReturn(w, r, &req); err != nil {
		return
	}
	h.store.Navigate(tab, req.URL)
	common.WriteSuccessResponse(w, common.TabStatus{TabID: tab, Detected: false})
}

// Close handles POST /api/v1/tabs/:id/close.
func (h *TabsHandler) Close(w http.ResponseWriter, r *http.Request) {
	tab, ok := tabParam(w, r)
	if !ok {
		return
	}
	h.store.CloseTab(tab)
	common.WriteSuccessResponse(w, struct{}{})
}

// Stats handles GET /api/v1/stats.
func (h *TabsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, lastUpdated := h.monitor.GetStats()
	common.WriteSuccessResponse(w, StatsResponse{
		Stats:         stats,
		LastUpdatedAt: lastUpdated.UnixMilli(),
	})
}

func tabParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	tab, err := common.ParseTabID(router.Param(r, "id"))
	if err != nil {
		common.WriteErrorResponse(w, common.StatusInvalidRequest, "%s", err.Error())
		return 0, false
	}
	return tab, true
}
