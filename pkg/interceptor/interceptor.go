// Package interceptor instruments an rx.Class in place: the subscription
// entry point reports stream creation, subscriptions and every
// notification, and the chaining operators carry a stream's identity over
// to the observables they derive.
package interceptor

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/protocol"
	"github.com/labring/streamscope/pkg/rx"
	"github.com/labring/streamscope/pkg/serialize"
)

const (
	IDProperty      = "__rxjsDevToolsId"
	PatchedProperty = "__rxjsDevToolsOriginalSubscribe"
	// HookProperty marks observables the hook reports on; their
	// subscriptions are left to it.
	HookProperty = "__rxjsDevToolsHook"

	StreamType = "Observable"
)

// Operators are the chaining methods that propagate stream identity when
// the class provides them.
var Operators = []string{
	"map", "filter", "mergeMap", "switchMap", "concatMap", "exhaustMap",
	"take", "skip", "distinctUntilChanged", "debounceTime", "throttleTime",
	"startWith", "combineLatest", "merge", "concat", "zip", "share",
	"shareReplay", "tap", "catchError", "retry", "delay", "timeout",
}

// Sender posts page messages. *relay.Throttler implements it.
type Sender interface {
	Post(env protocol.Envelope)
}

// Options tunes an Interceptor.
type Options struct {
	Clock clock.Clock

	RetryInterval        time.Duration
	MaxAttempts          int
	BundledSearchAttempt int
	FrameworkAfter       int

	// SkipFrames are extra function-name globs ignored when naming streams.
	SkipFrames []string
}

const (
	DefaultRetryInterval        = 100 * time.Millisecond
	DefaultMaxAttempts          = 100
	DefaultBundledSearchAttempt = 20
	DefaultFrameworkAfter       = 10
)

func (o *Options) withDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BundledSearchAttempt <= 0 {
		o.BundledSearchAttempt = DefaultBundledSearchAttempt
	}
	if o.FrameworkAfter <= 0 {
		o.FrameworkAfter = DefaultFrameworkAfter
	}
}

// StreamInfo is what the interceptor remembers about a tracked stream.
type StreamInfo struct {
	ID            string
	Name          string
	Subscriptions int
	Emissions     int
}

// Interceptor patches the reactive library found in one page.
type Interceptor struct {
	win   *page.Window
	out   Sender
	opts  Options
	namer *namer

	rmu      sync.Mutex
	state    Status
	attempts int
	timer    clock.Timer

	mu      sync.Mutex
	streams map[string]*StreamInfo
	counter int
	class   *rx.Class
}

func New(win *page.Window, out Sender, opts Options) *Interceptor {
	opts.withDefaults()
	return &Interceptor{
		win:     win,
		out:     out,
		opts:    opts,
		namer:   newNamer(opts.SkipFrames),
		streams: make(map[string]*StreamInfo),
	}
}

// Patch instruments c. Patching an already patched class is a no-op that
// still reports success.
func (i *Interceptor) Patch(c *rx.Class) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observable patch failed", slog.Any("panic", r))
			ok = false
		}
	}()
	if c == nil {
		return false
	}
	if _, done := c.Property(PatchedProperty); done {
		slog.Debug("observable already patched", slog.String("class", c.Name()))
		i.setClass(c)
		return true
	}

	orig := c.SubscribeMethod()
	c.SetProperty(PatchedProperty, orig)
	c.SetSubscribeMethod(i.wrapSubscribe(orig))

	wrapped := 0
	for _, name := range Operators {
		if m, found := c.Operator(name); found {
			c.SetOperator(name, wrapOperator(m))
			wrapped++
		}
	}
	i.setClass(c)
	slog.Info("observable patched", slog.String("class", c.Name()), slog.Int("operators", wrapped))
	return true
}

func (i *Interceptor) setClass(c *rx.Class) {
	i.mu.Lock()
	i.class = c
	i.mu.Unlock()
}

// Class returns the patched class, if any.
func (i *Interceptor) Class() *rx.Class {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.class
}

func wrapOperator(orig rx.OperatorMethod) rx.OperatorMethod {
	return func(src *rx.Observable, args ...any) *rx.Observable {
		result := orig(src, args...)
		if result == nil {
			return nil
		}
		for _, key := range []string{IDProperty, HookProperty} {
			if v, ok := src.Property(key); ok {
				result.SetProperty(key, v)
			}
		}
		return result
	}
}

func (i *Interceptor) wrapSubscribe(orig rx.SubscribeMethod) rx.SubscribeMethod {
	return func(o *rx.Observable, sink rx.Sink) *rx.Subscription {
		// Operators chain to their source with a *rx.Subscriber; that inner
		// subscription belongs to the derived stream already being tracked.
		if _, chained := sink.(*rx.Subscriber); chained {
			return orig(o, sink)
		}
		if _, hooked := o.Property(HookProperty); hooked {
			return orig(o, sink)
		}

		wrapped := sink
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("subscription instrumentation failed", slog.Any("panic", r))
					wrapped = sink
				}
			}()
			id := i.track(o)
			wrapped = i.wrapSink(id, sink)
		}()
		return orig(o, wrapped)
	}
}

// track resolves or assigns the identity of o and records a subscription.
func (i *Interceptor) track(o *rx.Observable) string {
	i.mu.Lock()
	id, _ := o.Property(IDProperty)
	sid, _ := id.(string)
	if sid == "" {
		i.counter++
		sid = fmt.Sprintf("rxjs-stream-%d", i.counter)
		o.SetProperty(IDProperty, sid)
	}

	info, known := i.streams[sid]
	if !known {
		name := i.namer.name()
		if name == "" {
			name = fmt.Sprintf("Observable #%d", ordinal(sid, len(i.streams)+1))
		}
		info = &StreamInfo{ID: sid, Name: name}
		i.streams[sid] = info
	}
	info.Subscriptions++
	count := info.Subscriptions
	name := info.Name
	i.mu.Unlock()

	if !known {
		i.post(protocol.TypeNewStream, protocol.NewStream{
			ID:        sid,
			Name:      name,
			Type:      StreamType,
			Timestamp: protocol.Now(),
		})
	}
	i.post(protocol.TypeSubscription, protocol.Subscription{ID: sid, Count: count, Timestamp: protocol.Now()})
	return sid
}

// ordinal is the numeric suffix of a stream id, or fallback when it has
// none.
func ordinal(sid string, fallback int) int {
	if n, err := strconv.Atoi(sid[strings.LastIndexByte(sid, '-')+1:]); err == nil && n > 0 {
		return n
	}
	return fallback
}

// wrapSink reports each notification before handing it, untouched, to the
// caller's handler. Only handlers the caller supplied are wrapped.
func (i *Interceptor) wrapSink(id string, sink rx.Sink) rx.Sink {
	switch s := sink.(type) {
	case rx.NextFunc:
		if s == nil {
			return sink
		}
		return rx.NextFunc(func(v any) {
			i.next(id, v)
			s(v)
		})
	case rx.Observer:
		return i.wrapObserver(id, s)
	case *rx.Observer:
		if s == nil {
			return sink
		}
		w := i.wrapObserver(id, *s)
		return &w
	}
	return sink
}

func (i *Interceptor) wrapObserver(id string, obs rx.Observer) rx.Observer {
	w := obs
	if next := obs.Next; next != nil {
		w.Next = func(v any) {
			i.next(id, v)
			next(v)
		}
	}
	if fail := obs.Error; fail != nil {
		w.Error = func(err error) {
			i.fail(id, err)
			fail(err)
		}
	}
	if done := obs.Complete; done != nil {
		w.Complete = func() {
			i.done(id)
			done()
		}
	}
	return w
}

func (i *Interceptor) next(id string, v any) {
	i.mu.Lock()
	if info, ok := i.streams[id]; ok {
		info.Emissions++
	}
	i.mu.Unlock()
	i.post(protocol.TypeEmission, protocol.Emission{
		StreamID:  id,
		Kind:      protocol.KindNext,
		Value:     serialize.Serialize(v),
		Timestamp: protocol.Now(),
	})
}

func (i *Interceptor) fail(id string, err error) {
	text := serialize.Error(err)
	i.post(protocol.TypeEmission, protocol.Emission{
		StreamID:  id,
		Kind:      protocol.KindError,
		Value:     text,
		Timestamp: protocol.Now(),
	})
	i.post(protocol.TypeStreamError, protocol.StreamError{ID: id, Error: text, Timestamp: protocol.Now()})
}

func (i *Interceptor) done(id string) {
	i.post(protocol.TypeEmission, protocol.Emission{
		StreamID:  id,
		Kind:      protocol.KindComplete,
		Timestamp: protocol.Now(),
	})
	i.post(protocol.TypeStreamComplete, protocol.StreamComplete{ID: id, Timestamp: protocol.Now()})
}

// post never lets a failure escape into page code.
func (i *Interceptor) post(t protocol.MessageType, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("failed to post capture message", slog.String("type", string(t)), slog.Any("panic", r))
		}
	}()
	env, err := protocol.New(t, protocol.SourceInjected, payload)
	if err != nil {
		slog.Warn("failed to encode capture message", slog.String("type", string(t)), slog.String("error", err.Error()))
		return
	}
	i.out.Post(env)
}

// Stream returns a copy of what is known about a tracked stream.
func (i *Interceptor) Stream(id string) (StreamInfo, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	info, ok := i.streams[id]
	if !ok {
		return StreamInfo{}, false
	}
	return *info, true
}

// Streams returns the number of tracked streams.
func (i *Interceptor) Streams() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.streams)
}
