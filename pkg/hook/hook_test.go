package hook

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/rx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pageSender records hook messages and posts them on the page bus.
type pageSender struct {
	bus *page.Bus

	mu   sync.Mutex
	envs []protocol.Envelope
}

func (s *pageSender) Post(env protocol.Envelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.PostMessage(env)
	}
}

func (s *pageSender) types() []protocol.MessageType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(s.envs))
	for _, env := range s.envs {
		out = append(out, env.Type)
	}
	return out
}

func (s *pageSender) payloads(t *testing.T, typ protocol.MessageType) []any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, env := range s.envs {
		if env.Type != typ {
			continue
		}
		assert.Equal(t, protocol.SourceHook, env.Source)
		p, err := protocol.DecodePayload(env)
		require.NoError(t, err)
		out = append(out, p)
	}
	return out
}

func TestInstall_Idempotent(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	out := &pageSender{}

	h := Install(win, out)
	again := Install(win, out)

	assert.Same(t, h, again)
	assert.Equal(t, []protocol.MessageType{protocol.TypeDevtoolsReady}, out.types())
	ready := out.payloads(t, protocol.TypeDevtoolsReady)
	require.Len(t, ready, 1)
	assert.Equal(t, Version, ready[0].(*protocol.DevtoolsReady).Version)

	found, ok := Lookup(win)
	require.True(t, ok)
	assert.Same(t, h, found)
}

func TestLookup_Missing(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	_, ok := Lookup(win)
	assert.False(t, ok)

	win.SetGlobal(GlobalName, "not a hook")
	_, ok = Lookup(win)
	assert.False(t, ok)
}

func TestConnect(t *testing.T) {
	out := &pageSender{}
	h := Install(page.NewWindow("https://app.test/"), out)
	assert.False(t, h.IsConnected())

	h.Connect("")
	h.Connect("Shop")
	assert.True(t, h.IsConnected())

	apps := out.payloads(t, protocol.TypeAppConnected)
	require.Len(t, apps, 2)
	assert.Equal(t, "Unknown App", apps[0].(*protocol.AppConnected).Name)
	assert.Equal(t, "Shop", apps[1].(*protocol.AppConnected).Name)
}

func TestSubscribe_AssignsAndReusesIdentity(t *testing.T) {
	out := &pageSender{}
	conn := Install(page.NewWindow("https://app.test/"), out).Connect("Shop")

	o := rx.Of(1)
	id := conn.Subscribe(o)
	assert.Equal(t, "rxjs-hook-stream-1", id)
	assert.Equal(t, id, conn.Subscribe(o), "an observable keeps its identity")
	assert.Equal(t, "rxjs-hook-stream-2", conn.Subscribe(rx.Of(2)))
	assert.Empty(t, conn.Subscribe(nil))

	streams := out.payloads(t, protocol.TypeNewStream)
	require.Len(t, streams, 3)
	first := streams[0].(*protocol.NewStream)
	assert.Equal(t, id, first.ID)
	assert.Equal(t, "Shop", first.Name)
	assert.Equal(t, "Observable", first.Type)
	assert.Equal(t, "Shop", first.Metadata["appName"])
}

func TestRegister_DefaultNameCarriesOrdinal(t *testing.T) {
	out := &pageSender{}
	conn := Install(page.NewWindow("https://app.test/"), out).Connect("")

	conn.Subscribe(rx.Of(1))
	conn.Register(rx.Of(2), "Cart", nil)
	conn.Subscribe(rx.Of(3))
	foreign := rx.Of(4)
	foreign.SetProperty(IDProperty, "rxjs-stream-9")
	conn.Subscribe(foreign)

	streams := out.payloads(t, protocol.TypeNewStream)
	require.Len(t, streams, 4)
	assert.Equal(t, "Observable #1", streams[0].(*protocol.NewStream).Name)
	assert.Equal(t, "Cart", streams[1].(*protocol.NewStream).Name)
	assert.Equal(t, "Observable #3", streams[2].(*protocol.NewStream).Name)
	assert.Equal(t, "Observable #9", streams[3].(*protocol.NewStream).Name)
}

func TestTracker_MarksTrackedObservables(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	Install(win, &pageSender{})
	tr := NewTracker(win, TrackerOptions{})
	tr.Start()

	src := rx.Of(1)
	tracked := tr.Track(src, "Cart", nil)
	for _, o := range []*rx.Observable{src, tracked} {
		marked, ok := o.Property(HookProperty)
		assert.True(t, ok)
		assert.Equal(t, true, marked)
	}
}

func TestRegister_Metadata(t *testing.T) {
	out := &pageSender{}
	conn := Install(page.NewWindow("https://app.test/"), out).Connect("")

	id := conn.Register(rx.Of(1), "Cart", map[string]any{"type": "Subject", "component": "CartView"})
	require.NotEmpty(t, id)

	streams := out.payloads(t, protocol.TypeNewStream)
	require.Len(t, streams, 1)
	ns := streams[0].(*protocol.NewStream)
	assert.Equal(t, "Cart", ns.Name)
	assert.Equal(t, "Subject", ns.Type)
	assert.Equal(t, "App", ns.Metadata["appName"])
	assert.Equal(t, "CartView", ns.Metadata["component"])
}

func TestUnsubscribe(t *testing.T) {
	out := &pageSender{}
	h := Install(page.NewWindow("https://app.test/"), out)
	conn := h.Connect("Shop")

	o := rx.Of(1)
	id := conn.Subscribe(o)
	assert.Equal(t, 1, h.Active())

	conn.Unsubscribe(o)
	conn.Unsubscribe(rx.Of(2))
	assert.Equal(t, 0, h.Active())

	done := out.payloads(t, protocol.TypeStreamComplete)
	require.Len(t, done, 1)
	assert.Equal(t, id, done[0].(*protocol.StreamComplete).ID)
}

func TestEmit_Serializes(t *testing.T) {
	out := &pageSender{}
	conn := Install(page.NewWindow("https://app.test/"), out).Connect("Shop")
	id := conn.Subscribe(rx.Of(1))

	conn.Emit(id, protocol.KindNext, map[string]any{"qty": 2})
	conn.Emit(id, protocol.KindError, errors.New("boom"))
	conn.Emit(id, protocol.KindComplete, nil)
	conn.Error(id, errors.New("boom"))
	conn.Complete(id)

	emissions := out.payloads(t, protocol.TypeEmission)
	require.Len(t, emissions, 3)
	next := emissions[0].(*protocol.Emission)
	assert.Equal(t, protocol.KindNext, next.Kind)
	assert.Equal(t, "{qty: 2}", next.Value)
	assert.Equal(t, "Error: boom", emissions[1].(*protocol.Emission).Value)
	assert.Nil(t, emissions[2].(*protocol.Emission).Value)

	errs := out.payloads(t, protocol.TypeStreamError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Error: boom", errs[0].(*protocol.StreamError).Error)
	assert.Len(t, out.payloads(t, protocol.TypeStreamComplete), 1)
}

func TestTracker_ConnectsToInstalledHook(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	out := &pageSender{bus: win.Bus()}
	Install(win, out)

	tr := NewTracker(win, TrackerOptions{Clock: clock.NewFake(time.Unix(0, 0))})
	tr.Start()
	require.True(t, tr.IsConnected())

	var got []any
	tracked := tr.Track(rx.Of(1, 2, 3), "Clicks", map[string]any{"component": "Button"})
	tracked.SubscribeFunc(func(v any) { got = append(got, v) })
	assert.Equal(t, []any{1, 2, 3}, got, "values reach the subscriber untouched")

	apps := out.payloads(t, protocol.TypeAppConnected)
	require.Len(t, apps, 1)
	assert.Equal(t, DefaultTrackerName, apps[0].(*protocol.AppConnected).Name)

	streams := out.payloads(t, protocol.TypeNewStream)
	require.Len(t, streams, 1, "registration sends a single new-stream")
	ns := streams[0].(*protocol.NewStream)
	assert.Equal(t, "Clicks", ns.Name)
	assert.Equal(t, "Button", ns.Metadata["component"])

	var values []any
	for _, p := range out.payloads(t, protocol.TypeEmission) {
		e := p.(*protocol.Emission)
		assert.Equal(t, ns.ID, e.StreamID)
		values = append(values, e.Value)
	}
	assert.Equal(t, []any{"1", "2", "3", nil}, values)
	assert.Len(t, out.payloads(t, protocol.TypeStreamComplete), 1)
}

func TestTracker_DefaultNames(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	out := &pageSender{}
	Install(win, out)
	tr := NewTracker(win, TrackerOptions{})
	tr.Start()

	tr.Track(rx.Of(1), "", nil)
	tr.Track(rx.Of(2), "", nil)
	assert.Nil(t, tr.Track(nil, "", nil))

	streams := out.payloads(t, protocol.TypeNewStream)
	require.Len(t, streams, 2)
	assert.Equal(t, "Observable #1", streams[0].(*protocol.NewStream).Name)
	assert.Equal(t, "Observable #2", streams[1].(*protocol.NewStream).Name)
}

func TestTracker_QueuesUntilReady(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	out := &pageSender{bus: win.Bus()}
	fake := clock.NewFake(time.Unix(0, 0))

	tr := NewTracker(win, TrackerOptions{Clock: fake})
	tr.Start()
	assert.False(t, tr.IsConnected())
	assert.Equal(t, 1, win.Bus().Listeners())

	src := rx.NewSubject()
	tracked := tr.Track(src.Observable(), "Queued", nil)
	assert.Equal(t, 1, tr.Pending())

	var got []any
	tracked.SubscribeFunc(func(v any) { got = append(got, v) })
	src.Next("early")
	assert.Empty(t, out.payloads(t, protocol.TypeEmission), "nothing is reported before registration")

	Install(win, out)
	assert.False(t, tr.IsConnected(), "connect waits for the ready delay")
	fake.Advance(DefaultConnectDelay)
	require.True(t, tr.IsConnected())
	assert.Equal(t, 0, tr.Pending())
	assert.Equal(t, 0, win.Bus().Listeners())

	streams := out.payloads(t, protocol.TypeNewStream)
	require.Len(t, streams, 1)
	assert.Equal(t, "Queued", streams[0].(*protocol.NewStream).Name)

	src.Next("late")
	emissions := out.payloads(t, protocol.TypeEmission)
	require.Len(t, emissions, 1)
	assert.Equal(t, "late", emissions[0].(*protocol.Emission).Value)
	assert.Equal(t, []any{"early", "late"}, got)
}

func TestTracker_Polling(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	fake := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(win, TrackerOptions{Clock: fake})
	tr.Start()

	for i := 0; i < 3; i++ {
		fake.Advance(DefaultRetryInterval)
	}
	assert.Equal(t, 3, tr.Attempts())

	// Installed without a bus, so only polling can notice it.
	Install(win, &pageSender{})
	fake.Advance(DefaultRetryInterval)
	assert.True(t, tr.IsConnected())
	assert.Equal(t, 4, tr.Attempts())
}

func TestTracker_GivesUp(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	fake := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(win, TrackerOptions{Clock: fake, MaxRetries: 5, RetryInterval: time.Second})
	tr.Start()

	for i := 0; i < 10; i++ {
		fake.Advance(time.Second)
	}
	assert.Equal(t, 5, tr.Attempts())
	assert.False(t, tr.IsConnected())
	assert.Equal(t, 0, win.Bus().Listeners())
}

func TestTracker_Stop(t *testing.T) {
	win := page.NewWindow("https://app.test/")
	fake := clock.NewFake(time.Unix(0, 0))
	tr := NewTracker(win, TrackerOptions{Clock: fake})
	tr.Start()
	tr.Stop()

	Install(win, &pageSender{bus: win.Bus()})
	fake.Advance(time.Second)
	assert.False(t, tr.IsConnected())
	assert.Equal(t, 0, tr.Attempts())
}
