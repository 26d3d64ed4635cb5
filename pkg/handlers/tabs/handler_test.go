package tabs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/common"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventsBody = `{"events":[
	{"type":"rxjs-detected","source":"rxjs-devtools-detector","data":{"url":"https://shop.test","timestamp":1}},
	{"type":"new-stream","source":"rxjs-devtools-injected","data":{"id":"s1","name":"Cart","type":"Observable","timestamp":2}},
	{"type":"stream-emission","source":"rxjs-devtools-injected","data":{"streamId":"s1","type":"next","value":"1","timestamp":3}},
	{"type":"stream-emission","source":"rxjs-devtools-injected","data":{"streamId":"s1","type":"next","value":"2","timestamp":4}},
	{"type":"stream-emission","source":"rxjs-devtools-injected","data":{"streamId":"s1","type":"next","value":"3","timestamp":5}}
]}`

type fixture struct {
	store   *aggregator.Store
	handler *TabsHandler
	router  *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: aggregator.NewStore(aggregator.Options{})}
	f.handler = NewTabsHandler(f.store)
	f.router = router.NewRouter()
	f.router.Register(http.MethodGet, "/api/v1/tabs", f.handler.List)
	f.router.Register(http.MethodGet, "/api/v1/tabs/:id", f.handler.Get)
	f.router.Register(http.MethodGet, "/api/v1/tabs/:id/status", f.handler.Status)
	f.router.Register(http.MethodGet, "/api/v1/tabs/:id/streams/:streamId", f.handler.Stream)
	f.router.Register(http.MethodPost, "/api/v1/tabs/:id/events", f.handler.Events)
	f.router.Register(http.MethodPost, "/api/v1/tabs/:id/navigate", f.handler.Navigate)
	f.router.Register(http.MethodPost, "/api/v1/tabs/:id/close", f.handler.Close)
	f.router.Register(http.MethodGet, "/api/v1/stats", f.handler.Stats)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) common.Response[T] {
	t.Helper()
	var resp common.Response[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/tabs/3/events", eventsBody)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[common.IngestResult](t, w)
	require.True(t, resp.IsSuccess(), resp.Message)
	require.Equal(t, 5, resp.Data.Accepted)
}

func TestTabsHandler_Events(t *testing.T) {
	t.Run("batch ingest", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t)

		data := f.store.TabData(3)
		assert.True(t, data.Detected)
		assert.Equal(t, "https://shop.test", data.URL)
		require.Contains(t, data.Streams, "s1")
		assert.Len(t, data.Streams["s1"].Emissions, 3)
	})

	t.Run("path tab overrides envelope tab", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/tabs/4/events",
			`{"events":[{"type":"rxjs-detected","source":"rxjs-devtools-detector","tabId":9,"data":{"timestamp":1}}]}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, f.store.Detected(4))
		assert.False(t, f.store.Detected(9))
	})

	t.Run("rejections are counted not fatal", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/v1/tabs/5/events", `{"events":[
			{"type":"new-stream","source":"app-analytics","data":{"id":"x"}},
			{"type":"clear-console","source":"rxjs-devtools-injected","data":{"timestamp":1}},
			{"type":"rxjs-detected","source":"rxjs-devtools-detector","data":{"timestamp":1}}
		]}`)
		resp := decode[common.IngestResult](t, w)
		require.True(t, resp.IsSuccess())
		assert.Equal(t, 1, resp.Data.Accepted)
		assert.Equal(t, 2, resp.Data.Rejected)
		assert.Len(t, resp.Data.Errors, 2)
		assert.True(t, f.store.Detected(5))
	})

	t.Run("invalid bodies", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name   string
			path   string
			body   string
			status common.Status
		}{
			{"malformed json", "/api/v1/tabs/1/events", `{"events":`, common.StatusInvalidRequest},
			{"unknown field", "/api/v1/tabs/1/events", `{"evts":[]}`, common.StatusInvalidRequest},
			{"empty batch", "/api/v1/tabs/1/events", `{"events":[]}`, common.StatusValidationError},
			{"bad tab", "/api/v1/tabs/0/events", `{"events":[]}`, common.StatusInvalidRequest},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp := decode[struct{}](t, f.do(t, http.MethodPost, tt.path, tt.body))
				assert.Equal(t, tt.status, resp.Status)
			})
		}
	})
}

func TestTabsHandler_Reads(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	t.Run("list", func(t *testing.T) {
		resp := decode[TabsResponse](t, f.do(t, http.MethodGet, "/api/v1/tabs", ""))
		require.Len(t, resp.Data.Tabs, 1)
		assert.Equal(t, 3, resp.Data.Tabs[0].TabID)
		assert.Equal(t, 1, resp.Data.Tabs[0].Streams)
	})

	t.Run("get", func(t *testing.T) {
		resp := decode[aggregator.TabData](t, f.do(t, http.MethodGet, "/api/v1/tabs/3", ""))
		assert.True(t, resp.Data.Detected)
		assert.Equal(t, "Cart", resp.Data.Streams["s1"].Name)
	})

	t.Run("get unknown tab is empty", func(t *testing.T) {
		resp := decode[aggregator.TabData](t, f.do(t, http.MethodGet, "/api/v1/tabs/42", ""))
		require.True(t, resp.IsSuccess())
		assert.False(t, resp.Data.Detected)
		assert.Empty(t, resp.Data.Streams)
	})

	t.Run("status", func(t *testing.T) {
		resp := decode[common.TabStatus](t, f.do(t, http.MethodGet, "/api/v1/tabs/3/status", ""))
		assert.Equal(t, common.TabStatus{TabID: 3, Detected: true}, resp.Data)

		resp = decode[common.TabStatus](t, f.do(t, http.MethodGet, "/api/v1/tabs/42/status", ""))
		assert.False(t, resp.Data.Detected)
	})

	t.Run("stream with tail", func(t *testing.T) {
		resp := decode[aggregator.Stream](t, f.do(t, http.MethodGet, "/api/v1/tabs/3/streams/s1?tail=2", ""))
		require.True(t, resp.IsSuccess())
		require.Len(t, resp.Data.Emissions, 2)
		assert.Equal(t, "2", resp.Data.Emissions[0].Value)
		assert.Equal(t, "3", resp.Data.Emissions[1].Value)
		assert.Equal(t, protocol.SourceInjected, resp.Data.Source)
	})

	t.Run("stream errors", func(t *testing.T) {
		tests := []struct {
			name string
			path string
			code int
		}{
			{"unknown tab", "/api/v1/tabs/42/streams/s1", http.StatusNotFound},
			{"unknown stream", "/api/v1/tabs/3/streams/nope", http.StatusNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(t, http.MethodGet, tt.path, "")
				assert.Equal(t, tt.code, w.Code)
				assert.Contains(t, w.Body.String(), "not_found")
			})
		}

		resp := decode[struct{}](t, f.do(t, http.MethodGet, "/api/v1/tabs/3/streams/s1?tail=-1", ""))
		assert.Equal(t, common.StatusInvalidRequest, resp.Status)
	})

	t.Run("stats", func(t *testing.T) {
		resp := decode[StatsResponse](t, f.do(t, http.MethodGet, "/api/v1/stats", ""))
		assert.Equal(t, 1, resp.Data.Sessions)
		assert.Equal(t, 1, resp.Data.Streams)
		assert.Equal(t, 3, resp.Data.Emissions)
		assert.Equal(t, 1, resp.Data.Active)
		assert.NotZero(t, resp.Data.LastUpdatedAt)
	})
}

func TestTabsHandler_Lifecycle(t *testing.T) {
	t.Run("navigate clears the session", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t)

		resp := decode[common.TabStatus](t, f.do(t, http.MethodPost, "/api/v1/tabs/3/navigate", `{"url":"https://shop.test/next"}`))
		require.True(t, resp.IsSuccess())
		assert.False(t, f.store.Detected(3))
		assert.Empty(t, f.store.Tabs())
	})

	t.Run("close discards the session", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t)

		resp := decode[struct{}](t, f.do(t, http.MethodPost, "/api/v1/tabs/3/close", ""))
		require.True(t, resp.IsSuccess())
		assert.Empty(t, f.store.Tabs())
	})

	t.Run("bad tab id", func(t *testing.T) {
		f := newFixture(t)
		resp := decode[struct{}](t, f.do(t, http.MethodPost, "/api/v1/tabs/x/close", ""))
		assert.Equal(t, common.StatusInvalidRequest, resp.Status)
	})
}
