// Package detector decides whether a page runs the observable library,
// using independent heuristics re-evaluated on a bounded polling schedule
// and on script or module-loader activity.
package detector

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/labring/streamscope/pkg/clock"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/protocol"
)

const (
	DefaultInterval      = 500 * time.Millisecond
	DefaultMaxAttempts   = 20
	DefaultScriptRecheck = 500 * time.Millisecond
	DefaultDefineRecheck = 100 * time.Millisecond
	DefaultInjectDelay   = 500 * time.Millisecond
)

// State of the polling loop.
type State int

const (
	StateIdle State = iota
	StatePending
	StateFound
	StateExhausted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateFound:
		return "found"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Publisher sends the detection signal out of the content realm.
// *relay.Forwarder implements it.
type Publisher interface {
	Publish(env protocol.Envelope)
}

type Options struct {
	Clock         clock.Clock
	Interval      time.Duration
	MaxAttempts   int
	ScriptRecheck time.Duration
	DefineRecheck time.Duration
	InjectDelay   time.Duration
	// Probes replaces the built-in heuristics when set.
	Probes []Probe
}

func (o *Options) withDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.ScriptRecheck <= 0 {
		o.ScriptRecheck = DefaultScriptRecheck
	}
	if o.DefineRecheck <= 0 {
		o.DefineRecheck = DefaultDefineRecheck
	}
	if o.InjectDelay <= 0 {
		o.InjectDelay = DefaultInjectDelay
	}
	if len(o.Probes) == 0 {
		o.Probes = Probes
	}
}

// Status answers an on-demand presence query.
type Status struct {
	Detected bool `json:"detected"`
}

// Detector watches one page.
type Detector struct {
	win    *page.Window
	pub    Publisher
	inject func()
	opts   Options

	mu         sync.Mutex
	state      State
	attempts   int
	detected   bool
	injected   bool
	timer      clock.Timer
	disconnect func()
	closed     bool
}

// New creates a detector that publishes through pub and calls inject once
// after the library is confirmed.
func New(win *page.Window, pub Publisher, inject func(), opts Options) *Detector {
	opts.withDefaults()
	return &Detector{win: win, pub: pub, inject: inject, opts: opts}
}

// Start runs the initial check and, if it misses, starts polling and
// watching for scripts and loader calls.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return
	}
	d.state = StatePending
	d.mu.Unlock()

	loader := d.win.Loader()
	if loader.AMD() {
		loader.OnDefine(func(string) { d.recheckAfter(d.opts.DefineRecheck) })
	}
	loader.OnRequire(func(name string) {
		if strings.Contains(name, "rxjs") || name == "rx" {
			d.confirm("require " + name)
		}
	})

	if d.Check() {
		return
	}
	slog.Debug("observable library not detected yet, monitoring page", slog.String("url", d.win.URL()))

	disconnect := d.win.Document().ObserveScripts(func(s page.Script) {
		if suspiciousScript(s) {
			d.recheckAfter(d.opts.ScriptRecheck)
		}
	})
	d.mu.Lock()
	if d.state == StatePending {
		d.disconnect = disconnect
		d.timer = d.opts.Clock.AfterFunc(d.opts.Interval, d.poll)
		disconnect = nil
	}
	d.mu.Unlock()
	if disconnect != nil {
		disconnect()
	}
}

// Stop ends polling and detaches all watchers.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.closed = true
	if d.state == StatePending {
		d.state = StateStopped
	}
	d.mu.Unlock()
	d.stopWatching()
}

// Check evaluates the probes now and fires the success path on a hit.
func (d *Detector) Check() bool {
	name, ok := run(d.win, d.opts.Probes)
	if ok {
		d.confirm(name)
	}
	return ok
}

// CheckLibraryPresent answers whether the library is present, checking
// again when it has not been seen yet.
func (d *Detector) CheckLibraryPresent() Status {
	if d.Detected() {
		return Status{Detected: true}
	}
	return Status{Detected: d.Check()}
}

// Confirm marks the library as present without probing, as when the
// cooperative hook announces itself.
func (d *Detector) Confirm() {
	d.confirm("devtools hook")
}

func (d *Detector) Detected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detected
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// confirm is the success path. Only the first call publishes and
// schedules injection.
func (d *Detector) confirm(via string) {
	d.mu.Lock()
	if d.detected || d.closed {
		d.mu.Unlock()
		return
	}
	d.detected = true
	if d.state != StateStopped {
		d.state = StateFound
	}
	d.mu.Unlock()

	d.stopWatching()
	slog.Info("observable library detected", slog.String("via", via), slog.String("url", d.win.URL()))

	env, err := protocol.New(protocol.TypeDetected, protocol.SourceDetector, protocol.Detected{
		URL:       d.win.URL(),
		Timestamp: protocol.Now(),
	})
	if err != nil {
		slog.Warn("failed to encode detection signal", slog.String("error", err.Error()))
	} else {
		d.pub.Publish(env)
	}

	d.opts.Clock.AfterFunc(d.opts.InjectDelay, d.runInject)
}

func (d *Detector) runInject() {
	d.mu.Lock()
	if d.injected || d.closed || d.inject == nil {
		d.mu.Unlock()
		return
	}
	d.injected = true
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("interceptor injection failed", slog.Any("panic", r))
		}
	}()
	slog.Debug("injecting interceptor")
	d.inject()
}

func (d *Detector) poll() {
	d.mu.Lock()
	if d.state != StatePending {
		d.mu.Unlock()
		return
	}
	d.attempts++
	n := d.attempts
	d.timer = nil
	d.mu.Unlock()

	if d.Check() {
		return
	}
	if n >= d.opts.MaxAttempts {
		d.mu.Lock()
		if d.state == StatePending {
			d.state = StateExhausted
		}
		d.mu.Unlock()
		d.stopWatching()
		slog.Debug("observable library not found, detection stopped", slog.Int("attempts", n))
		return
	}

	d.mu.Lock()
	if d.state == StatePending {
		d.timer = d.opts.Clock.AfterFunc(d.opts.Interval, d.poll)
	}
	d.mu.Unlock()
}

// recheckAfter schedules a one-off check. Loader activity still triggers it
// after polling is exhausted.
func (d *Detector) recheckAfter(delay time.Duration) {
	d.mu.Lock()
	skip := d.detected || d.closed
	d.mu.Unlock()
	if skip {
		return
	}
	d.opts.Clock.AfterFunc(delay, func() {
		if !d.Detected() {
			d.Check()
		}
	})
}

func (d *Detector) stopWatching() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	disconnect := d.disconnect
	d.disconnect = nil
	d.mu.Unlock()
	if disconnect != nil {
		disconnect()
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
