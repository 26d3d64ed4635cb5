package interceptor

import (
	"log/slog"
	"strings"

	"github.com/labring/streamscope/pkg/page"
)

// Status is the state of the locate-and-patch loop.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusPatched
	StatusExhausted
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusPatched:
		return "patched"
	case StatusExhausted:
		return "exhausted"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// Start begins locating the library, retrying on the configured interval
// until it is patched or the attempt budget runs out. Only the first call
// has an effect.
func (i *Interceptor) Start() {
	i.rmu.Lock()
	if i.state != StatusIdle {
		i.rmu.Unlock()
		return
	}
	i.state = StatusPending
	i.rmu.Unlock()

	slog.Debug("waiting for observable library")
	i.attempt()
}

// Stop cancels a pending retry loop.
func (i *Interceptor) Stop() {
	i.rmu.Lock()
	defer i.rmu.Unlock()
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	if i.state == StatusPending {
		i.state = StatusStopped
	}
}

func (i *Interceptor) Status() Status {
	i.rmu.Lock()
	defer i.rmu.Unlock()
	return i.state
}

func (i *Interceptor) Attempts() int {
	i.rmu.Lock()
	defer i.rmu.Unlock()
	return i.attempts
}

func (i *Interceptor) attempt() {
	i.rmu.Lock()
	if i.state != StatusPending {
		i.rmu.Unlock()
		return
	}
	i.attempts++
	n := i.attempts
	i.rmu.Unlock()

	if i.tryPatch() {
		i.finish(StatusPatched)
		return
	}

	if n == i.opts.BundledSearchAttempt {
		i.publishBundled()
	}

	if n > i.opts.FrameworkAfter && hasFramework(i.win) {
		if ns, ok := findFrameworkBundled(i.win); ok {
			i.win.SetGlobal("rxjs", ns)
			if i.tryPatch() {
				slog.Info("observable patched via framework bundle")
				i.finish(StatusPatched)
				return
			}
		}
	}

	if n%10 == 0 {
		slog.Debug("observable library not ready", slog.Int("attempt", n), slog.Int("max", i.opts.MaxAttempts))
	}
	if n >= i.opts.MaxAttempts {
		slog.Info("observable library not found, interception inactive",
			slog.Int("attempts", n),
			slog.Any("candidates", i.candidateGlobals()))
		i.finish(StatusExhausted)
		return
	}

	i.rmu.Lock()
	if i.state == StatusPending {
		i.timer = i.opts.Clock.AfterFunc(i.opts.RetryInterval, i.attempt)
	}
	i.rmu.Unlock()
}

func (i *Interceptor) finish(s Status) {
	i.rmu.Lock()
	if i.state == StatusPending {
		i.state = s
	}
	i.timer = nil
	i.rmu.Unlock()
}

func (i *Interceptor) tryPatch() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("observable probe failed", slog.Any("panic", r))
			ok = false
		}
	}()
	c, where, found := Locate(i.win)
	if !found {
		return false
	}
	slog.Debug("observable located", slog.String("via", where))
	return i.Patch(c)
}

func (i *Interceptor) publishBundled() {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("bundled search failed", slog.Any("panic", r))
		}
	}()
	c, path := findBundled(i.win)
	if c == nil {
		slog.Debug("no bundled observable found")
		return
	}
	if _, ok := i.win.Global("rxjs"); !ok {
		i.win.SetGlobal("rxjs", page.Namespace{"Observable": c})
	}
	if _, ok := i.win.Global("Observable"); !ok {
		i.win.SetGlobal("Observable", c)
	}
	slog.Info("bundled observable published", slog.String("path", path))
}

func (i *Interceptor) candidateGlobals() []string {
	var out []string
	for _, name := range i.win.Globals() {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "rx") || strings.Contains(lower, "observ") {
			out = append(out, name)
		}
	}
	return out
}
