package detector

import (
	"log/slog"

	"github.com/gobwas/glob"
	"github.com/labring/streamscope/pkg/interceptor"
	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/rx"
)

// Probe is one independent presence heuristic.
type Probe struct {
	Name  string
	Check func(win *page.Window) bool
}

var (
	bundleScripts  = mustGlobs("*rxjs*", "*main*", "*vendor*", "*bundle*", "*app*")
	libraryScripts = mustGlobs("*rxjs*", "*rx.*")
)

func mustGlobs(patterns ...string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, glob.MustCompile(p))
	}
	return out
}

func matchAny(gs []glob.Glob, s string) bool {
	for _, g := range gs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Probes run in order; the first one to succeed wins.
var Probes = []Probe{
	{"rxjs global", func(w *page.Window) bool { return namespaceClass(w, "rxjs") }},
	{"Rx global", func(w *page.Window) bool { return namespaceClass(w, "Rx") }},
	{"Observable global", func(w *page.Window) bool {
		v, ok := w.Global("Observable")
		if !ok {
			return false
		}
		c, ok := v.(*rx.Class)
		return ok && c != nil && c.SubscribeMethod() != nil
	}},
	{"module loader", func(w *page.Window) bool {
		v, ok := w.Loader().Resolve("rxjs")
		return ok && v != nil
	}},
	{"Angular globals", func(w *page.Window) bool {
		return anyGlobal(w, "ng", "angular", "Zone", "getAllAngularTestabilities")
	}},
	{"React globals", func(w *page.Window) bool {
		return anyGlobal(w, "React", "ReactDOM") ||
			anyMarker(w, "[data-reactroot]", "#root", ".react-component", `[class*="react"]`)
	}},
	{"bundle scripts", func(w *page.Window) bool {
		for _, s := range w.Document().Scripts() {
			if s.Src != "" && matchAny(bundleScripts, s.Src) {
				return true
			}
		}
		return false
	}},
	{"Angular markers", func(w *page.Window) bool {
		return anyMarker(w, "[ng-version]", "app-root", "[_nghost]", "[_ngcontent]")
	}},
	{"React markers", func(w *page.Window) bool {
		return anyMarker(w, "[data-reactroot]", "[data-react-helmet]", "#root", "#react-root", ".App")
	}},
}

func namespaceClass(w *page.Window, name string) bool {
	v, ok := w.Global(name)
	if !ok {
		return false
	}
	if _, isClass := v.(*rx.Class); isClass {
		return false
	}
	_, found := interceptor.AsClass(v)
	return found
}

func anyGlobal(w *page.Window, names ...string) bool {
	for _, n := range names {
		if _, ok := w.Global(n); ok {
			return true
		}
	}
	return false
}

func anyMarker(w *page.Window, selectors ...string) bool {
	doc := w.Document()
	for _, s := range selectors {
		if doc.HasMarker(s) {
			return true
		}
	}
	return false
}

// run evaluates probes in order and returns the first that succeeds. A
// panicking probe counts as a miss.
func run(win *page.Window, probes []Probe) (string, bool) {
	for _, p := range probes {
		if safeCheck(win, p) {
			return p.Name, true
		}
	}
	return "", false
}

func safeCheck(win *page.Window, p Probe) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("detection probe failed", slog.String("probe", p.Name), slog.Any("panic", r))
			ok = false
		}
	}()
	return p.Check(win)
}

// suspiciousScript reports whether an inserted script may carry the library.
func suspiciousScript(s page.Script) bool {
	if s.Src != "" && matchAny(libraryScripts, s.Src) {
		return true
	}
	return containsAny(s.Text, "Observable", "rxjs")
}
