// Package agent composes the capture pipeline for one tab: detection,
// interception, the optional voluntary hook and the relay towards the
// aggregator.
package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/detector"
	"github.com/labring/streamscope/pkg/hook"
	"github.com/labring/streamscope/pkg/interceptor"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/relay"
)

// Options configures an Agent. Clock, when set, overrides the clock of
// every nested option set.
type Options struct {
	TabID  int
	Uplink relay.Uplink

	// InstallHook places the voluntary hook on the page before detection
	// starts.
	InstallHook bool

	Clock       clock.Clock
	Throttle    relay.ThrottleOptions
	Interceptor interceptor.Options
	Detector    detector.Options
}

// Agent runs the content-side pipeline of one tab.
type Agent struct {
	win  *page.Window
	opts Options

	throttler   *relay.Throttler
	forwarder   *relay.Forwarder
	interceptor *interceptor.Interceptor
	detector    *detector.Detector

	mu      sync.Mutex
	hook    *hook.Hook
	started bool
	closed  bool
}

func New(win *page.Window, opts Options) *Agent {
	if opts.Clock != nil {
		opts.Throttle.Clock = opts.Clock
		opts.Interceptor.Clock = opts.Clock
		opts.Detector.Clock = opts.Clock
	}

	a := &Agent{win: win, opts: opts}
	a.throttler = relay.NewThrottler(win.Bus(), opts.Throttle)
	a.forwarder = relay.NewForwarder(opts.TabID, win.Bus(), opts.Uplink)
	a.interceptor = interceptor.New(win, a.throttler, opts.Interceptor)
	a.detector = detector.New(win, a.forwarder, a.interceptor.Start, opts.Detector)
	a.forwarder.OnHookReady(a.detector.Confirm)
	return a
}

// Start begins relaying and detection. The agent closes itself when ctx is
// done. Only the first call has an effect.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.mu.Unlock()

	a.forwarder.Start()
	if a.opts.InstallHook {
		h := hook.Install(a.win, a.throttler)
		a.mu.Lock()
		a.hook = h
		a.mu.Unlock()
	}
	a.detector.Start()
	slog.Info("agent started",
		slog.Int("tab", a.opts.TabID),
		slog.String("url", a.win.URL()),
		slog.Bool("hook", a.opts.InstallHook))

	go func() {
		<-ctx.Done()
		a.Close()
	}()
}

// Close tears the pipeline down. Queued emissions are flushed before the
// forwarder detaches from the bus.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.detector.Stop()
	a.interceptor.Stop()
	a.throttler.Close()
	a.forwarder.Stop()
	slog.Info("agent closed", slog.Int("tab", a.opts.TabID))
}

// CheckLibraryPresent answers a status query from the panel.
func (a *Agent) CheckLibraryPresent() detector.Status {
	return a.detector.CheckLibraryPresent()
}

// Hook returns the installed voluntary hook, or nil.
func (a *Agent) Hook() *hook.Hook {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hook
}

func (a *Agent) TabID() int                            { return a.opts.TabID }
func (a *Agent) Window() *page.Window                  { return a.win }
func (a *Agent) Detector() *detector.Detector          { return a.detector }
func (a *Agent) Interceptor() *interceptor.Interceptor { return a.interceptor }
