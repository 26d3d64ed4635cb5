// Package hook installs the cooperative registration object applications
// use to report their streams without any patching of the library.
package hook

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/rx"
	"github.com/labring/streamscope/pkg/serialize"
)

const (
	GlobalName = "__RXJS_DEVTOOLS_EXTENSION__"
	Version    = "1.0.0"

	// IDProperty is shared with the interceptor so both capture paths agree
	// on a stream's identity.
	IDProperty   = "__rxjsDevToolsId"
	NameProperty = "__rxjsDevToolsName"
	// HookProperty marks observables whose notifications the hook reports
	// itself. The interceptor leaves their subscriptions alone.
	HookProperty = "__rxjsDevToolsHook"

	defaultAppName    = "App"
	unknownAppName    = "Unknown App"
	defaultStreamName = "Observable"
)

// Sender posts page messages. *relay.Throttler implements it.
type Sender interface {
	Post(env protocol.Envelope)
}

// Hook is the page-global registration object.
type Hook struct {
	out Sender

	mu          sync.Mutex
	counter     int
	connections []*Connection
	active      map[string]*rx.Observable
}

// Install places the hook on win unless one is already there. Only a fresh
// install announces itself with devtools-ready.
func Install(win *page.Window, out Sender) *Hook {
	if h, ok := Lookup(win); ok {
		slog.Debug("devtools hook already installed")
		return h
	}
	h := &Hook{out: out, active: make(map[string]*rx.Observable)}
	win.SetGlobal(GlobalName, h)
	slog.Info("devtools hook installed", slog.String("version", Version))
	h.post(protocol.TypeDevtoolsReady, protocol.DevtoolsReady{Version: Version, Timestamp: protocol.Now()})
	return h
}

// Lookup returns the hook installed on win, if any.
func Lookup(win *page.Window) (*Hook, bool) {
	v, ok := win.Global(GlobalName)
	if !ok {
		return nil, false
	}
	h, ok := v.(*Hook)
	return h, ok && h != nil
}

func (h *Hook) Version() string { return Version }

// Connect registers an application and announces it.
func (h *Hook) Connect(name string) *Connection {
	c := &Connection{hook: h, name: name}
	h.mu.Lock()
	h.connections = append(h.connections, c)
	h.mu.Unlock()

	if name == "" {
		name = unknownAppName
	}
	slog.Info("application connected to devtools hook", slog.String("app", name))
	h.post(protocol.TypeAppConnected, protocol.AppConnected{Name: name, Timestamp: protocol.Now()})
	return c
}

// IsConnected reports whether any application has connected.
func (h *Hook) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections) > 0
}

// Active returns the number of registered, not yet unsubscribed streams.
func (h *Hook) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

func (h *Hook) nextID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counter++
	return fmt.Sprintf("rxjs-hook-stream-%d", h.counter)
}

// ordinalName is the "Observable #N" fallback, N taken from the id suffix.
func ordinalName(sid string) string {
	suffix := sid[strings.LastIndexByte(sid, '-')+1:]
	if _, err := strconv.Atoi(suffix); err != nil {
		return defaultStreamName
	}
	return defaultStreamName + " #" + suffix
}

func (h *Hook) post(t protocol.MessageType, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("devtools hook failed to post", slog.String("type", string(t)), slog.Any("panic", r))
		}
	}()
	env, err := protocol.New(t, protocol.SourceHook, payload)
	if err != nil {
		slog.Warn("devtools hook failed to encode", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	h.out.Post(env)
}

// Connection is one application's handle on the hook.
type Connection struct {
	hook *Hook
	name string
}

func (c *Connection) Name() string { return c.name }

// Subscribe registers o and returns its stream identity. An observable that
// already carries an identity keeps it.
func (c *Connection) Subscribe(o *rx.Observable) string {
	return c.Register(o, "", nil)
}

// Register is Subscribe with an explicit display name and custom metadata
// carried on the new-stream message.
func (c *Connection) Register(o *rx.Observable, name string, metadata map[string]any) string {
	if o == nil {
		return ""
	}
	id, _ := o.Property(IDProperty)
	sid, _ := id.(string)
	if sid == "" {
		sid = c.hook.nextID()
		o.SetProperty(IDProperty, sid)
		label := c.name
		if label == "" {
			label = ordinalName(sid)
		}
		o.SetProperty(NameProperty, label)
	}
	if name == "" {
		if v, ok := o.Property(NameProperty); ok {
			name, _ = v.(string)
		}
		if name == "" {
			name = ordinalName(sid)
		}
	}

	c.hook.mu.Lock()
	c.hook.active[sid] = o
	c.hook.mu.Unlock()

	app := c.name
	if app == "" {
		app = defaultAppName
	}
	meta := map[string]any{"appName": app}
	for k, v := range metadata {
		meta[k] = v
	}
	streamType := defaultStreamName
	if t, ok := metadata["type"].(string); ok && t != "" {
		streamType = t
	}
	c.hook.post(protocol.TypeNewStream, protocol.NewStream{
		ID:        sid,
		Name:      name,
		Type:      streamType,
		Timestamp: protocol.Now(),
		Metadata:  meta,
	})
	return sid
}

// Unsubscribe reports o as completed if it was registered.
func (c *Connection) Unsubscribe(o *rx.Observable) {
	if o == nil {
		return
	}
	id, _ := o.Property(IDProperty)
	sid, _ := id.(string)
	if sid == "" {
		return
	}
	c.hook.mu.Lock()
	delete(c.hook.active, sid)
	c.hook.mu.Unlock()
	c.Complete(sid)
}

// Emit reports a notification of the given kind.
func (c *Connection) Emit(streamID string, kind protocol.EmissionKind, value any) {
	e := protocol.Emission{StreamID: streamID, Kind: kind, Timestamp: protocol.Now()}
	if err, ok := value.(error); ok {
		e.Value = serialize.Error(err)
	} else if value != nil || kind != protocol.KindComplete {
		e.Value = serialize.Serialize(value)
	}
	c.hook.post(protocol.TypeEmission, e)
}

func (c *Connection) Error(streamID string, err error) {
	c.hook.post(protocol.TypeStreamError, protocol.StreamError{
		ID:        streamID,
		Error:     serialize.Error(err),
		Timestamp: protocol.Now(),
	})
}

func (c *Connection) Complete(streamID string) {
	c.hook.post(protocol.TypeStreamComplete, protocol.StreamComplete{ID: streamID, Timestamp: protocol.Now()})
}
