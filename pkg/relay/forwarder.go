package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/labring/streamscope/pkg/metrics"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/tidwall/gjson"
)

// Uplink carries envelopes out of the content realm.
type Uplink interface {
	Send(env protocol.Envelope) error
}

// Ingester applies an envelope to aggregator state.
type Ingester interface {
	Ingest(env protocol.Envelope) error
}

// LocalUplink dispatches straight into an in-process aggregator.
type LocalUplink struct {
	Target Ingester
}

func (l LocalUplink) Send(env protocol.Envelope) error {
	return l.Target.Ingest(env)
}

// Forwarder listens on a page bus and relays capture messages for one tab.
type Forwarder struct {
	tabID  int
	bus    *page.Bus
	uplink Uplink

	mu       sync.Mutex
	remove   func()
	onReady  func()
	detected bool
}

func NewForwarder(tabID int, bus *page.Bus, uplink Uplink) *Forwarder {
	return &Forwarder{tabID: tabID, bus: bus, uplink: uplink}
}

// OnHookReady registers a callback for the first devtools-ready message.
func (f *Forwarder) OnHookReady(fn func()) {
	f.mu.Lock()
	f.onReady = fn
	f.mu.Unlock()
}

// Start begins listening. Calling it twice has no effect.
func (f *Forwarder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remove != nil {
		return
	}
	f.remove = f.bus.AddListener(f.handle)
}

func (f *Forwarder) Stop() {
	f.mu.Lock()
	remove := f.remove
	f.remove = nil
	f.mu.Unlock()
	if remove != nil {
		remove()
	}
}

func (f *Forwarder) handle(msg any) {
	raw, err := protocol.FromMessage(msg)
	if err != nil {
		return
	}
	// Pages post their own messages on the same bus; only capture sources
	// are ours.
	if !protocol.IsCaptureSource(protocol.Source(gjson.GetBytes(raw, "source").String())) {
		return
	}
	env, _, err := protocol.Decode(raw)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("forwarder").Inc()
		slog.Debug("rejected page message", slog.Int("tab", f.tabID), slog.String("error", err.Error()))
		return
	}

	if env.Type == protocol.TypeDevtoolsReady && env.Source == protocol.SourceHook {
		f.markReady()
	}
	f.Publish(env)
}

func (f *Forwarder) markReady() {
	f.mu.Lock()
	first := !f.detected
	f.detected = true
	fn := f.onReady
	f.mu.Unlock()
	if first && fn != nil {
		fn()
	}
}

// Publish stamps env with the tab identity and sends it. A failed send is
// logged and the message discarded.
func (f *Forwarder) Publish(env protocol.Envelope) {
	env.TabID = f.tabID
	if env.Timestamp == 0 {
		env.Timestamp = protocol.Now()
	}
	if err := f.uplink.Send(env); err != nil {
		metrics.UplinkFailures.Inc()
		level := slog.LevelWarn
		if errors.Is(err, ErrNotConnected) {
			level = slog.LevelDebug
		}
		slog.Log(context.Background(), level, "uplink send failed",
			slog.Int("tab", f.tabID),
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()))
	}
}

func (f *Forwarder) TabID() int { return f.tabID }
