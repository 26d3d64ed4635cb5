package hook

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/rx"
	"github.com/tidwall/gjson"
)

const (
	DefaultTrackerName   = "React App"
	DefaultMaxRetries    = 50
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultConnectDelay  = 100 * time.Millisecond
	defaultTrackedPrefix = "Observable #"
)

type TrackerOptions struct {
	Name          string
	Clock         clock.Clock
	MaxRetries    int
	RetryInterval time.Duration
	// ConnectDelay separates a devtools-ready message from the connect call.
	ConnectDelay time.Duration
}

func (o *TrackerOptions) withDefaults() {
	if o.Name == "" {
		o.Name = DefaultTrackerName
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.ConnectDelay <= 0 {
		o.ConnectDelay = DefaultConnectDelay
	}
}

type tracked struct {
	o        *rx.Observable
	name     string
	metadata map[string]any

	mu sync.Mutex
	id string
}

func (e *tracked) streamID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Tracker registers application observables through the hook on their
// owner's behalf. Observables tracked before the hook appears are queued
// and registered once it does.
type Tracker struct {
	win  *page.Window
	opts TrackerOptions

	mu         sync.Mutex
	started    bool
	stopped    bool
	connecting bool
	conn       *Connection
	counter    int
	pending    []*tracked
	attempts   int
	timer      clock.Timer
	unlisten   func()
}

func NewTracker(win *page.Window, opts TrackerOptions) *Tracker {
	opts.withDefaults()
	return &Tracker{win: win, opts: opts}
}

// Start connects right away when the hook is installed, otherwise waits for
// its ready message while polling the page on the retry interval.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	if h, ok := Lookup(t.win); ok {
		t.connect(h)
		return
	}
	slog.Debug("devtools hook not installed, waiting", slog.String("app", t.opts.Name))

	unlisten := t.win.Bus().AddListener(t.onMessage)
	t.mu.Lock()
	t.unlisten = unlisten
	t.timer = t.opts.Clock.AfterFunc(t.opts.RetryInterval, t.poll)
	t.mu.Unlock()
}

// Stop abandons waiting for the hook. Registered streams keep reporting.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.stopWaiting()
}

func (t *Tracker) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Pending returns the number of observables waiting for the hook.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Track registers o and returns an observable that reports each of its
// notifications. An empty name becomes "Observable #N".
func (t *Tracker) Track(o *rx.Observable, name string, metadata map[string]any) *rx.Observable {
	if o == nil {
		return nil
	}
	t.mu.Lock()
	if name == "" {
		t.counter++
		name = fmt.Sprintf("%s%d", defaultTrackedPrefix, t.counter)
	}
	o.SetProperty(HookProperty, true)
	e := &tracked{o: o, name: name, metadata: metadata}
	conn := t.conn
	if conn == nil {
		t.pending = append(t.pending, e)
	}
	t.mu.Unlock()

	if conn != nil {
		t.register(conn, e)
	}
	out := o.Tap(rx.Observer{
		Next: func(v any) { t.report(e, protocol.KindNext, v) },
		Error: func(err error) {
			t.report(e, protocol.KindError, err)
			if c, id := t.target(e); c != nil {
				c.Error(id, err)
			}
		},
		Complete: func() {
			t.report(e, protocol.KindComplete, nil)
			if c, id := t.target(e); c != nil {
				c.Complete(id)
			}
		},
	})
	out.SetProperty(HookProperty, true)
	return out
}

func (t *Tracker) target(e *tracked) (*Connection, string) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	id := e.streamID()
	if conn == nil || id == "" {
		return nil, ""
	}
	return conn, id
}

func (t *Tracker) report(e *tracked, kind protocol.EmissionKind, v any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tracked stream report failed", slog.String("stream", e.name), slog.Any("panic", r))
		}
	}()
	if c, id := t.target(e); c != nil {
		c.Emit(id, kind, v)
	}
}

func (t *Tracker) register(conn *Connection, e *tracked) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("failed to register observable", slog.String("stream", e.name), slog.Any("panic", r))
		}
	}()
	id := conn.Register(e.o, e.name, e.metadata)
	e.mu.Lock()
	e.id = id
	e.mu.Unlock()
}

func (t *Tracker) connect(h *Hook) {
	t.mu.Lock()
	if t.connecting || t.stopped {
		t.mu.Unlock()
		return
	}
	t.connecting = true
	t.mu.Unlock()

	conn := h.Connect(t.opts.Name)
	t.mu.Lock()
	t.conn = conn
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()

	t.stopWaiting()
	if len(queued) > 0 {
		slog.Info("registering queued observables", slog.Int("count", len(queued)))
	}
	for _, e := range queued {
		t.register(conn, e)
	}
}

func (t *Tracker) stopWaiting() {
	t.mu.Lock()
	unlisten := t.unlisten
	t.unlisten = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if unlisten != nil {
		unlisten()
	}
}

func (t *Tracker) onMessage(msg any) {
	raw, err := protocol.FromMessage(msg)
	if err != nil {
		return
	}
	fields := gjson.GetManyBytes(raw, "type", "source")
	if protocol.MessageType(fields[0].String()) != protocol.TypeDevtoolsReady ||
		protocol.Source(fields[1].String()) != protocol.SourceHook {
		return
	}
	slog.Debug("devtools hook ready, connecting", slog.String("app", t.opts.Name))
	t.opts.Clock.AfterFunc(t.opts.ConnectDelay, func() {
		if h, ok := Lookup(t.win); ok {
			t.connect(h)
		}
	})
}

func (t *Tracker) poll() {
	t.mu.Lock()
	if t.conn != nil || t.stopped {
		t.mu.Unlock()
		return
	}
	t.attempts++
	n := t.attempts
	t.mu.Unlock()

	if h, ok := Lookup(t.win); ok {
		slog.Debug("devtools hook found by polling", slog.Int("attempt", n))
		t.connect(h)
		return
	}
	if n >= t.opts.MaxRetries {
		slog.Info("devtools hook never appeared", slog.String("app", t.opts.Name), slog.Int("attempts", n))
		t.stopWaiting()
		return
	}
	t.mu.Lock()
	if t.conn == nil && !t.stopped {
		t.timer = t.opts.Clock.AfterFunc(t.opts.RetryInterval, t.poll)
	}
	t.mu.Unlock()
}

// Attempts returns how many times the page has been polled for the hook.
func (t *Tracker) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
