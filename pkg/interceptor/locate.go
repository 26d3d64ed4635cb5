package interceptor

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/labring/streamscope/pkg/page"
	"github.com/labring/streamscope/pkg/rx"
)

const deepSearchDepth = 4

// AsClass extracts an Observable class from a page value: either the class
// itself or a namespace exposing it as Observable.
func AsClass(v any) (*rx.Class, bool) {
	switch x := v.(type) {
	case *rx.Class:
		return x, x != nil && x.SubscribeMethod() != nil
	case page.Namespace:
		return AsClass(x["Observable"])
	case map[string]any:
		return AsClass(x["Observable"])
	}
	return nil, false
}

// Locate finds the Observable class using the standard page locations:
// rxjs.Observable, Rx.Observable, a global Observable and require("rxjs").
func Locate(win *page.Window) (*rx.Class, string, bool) {
	probes := []struct {
		name string
		get  func() any
	}{
		{"rxjs", func() any { v, _ := win.Global("rxjs"); return v }},
		{"Rx", func() any { v, _ := win.Global("Rx"); return v }},
		{"Observable", func() any { v, _ := win.Global("Observable"); return v }},
		{"require", func() any {
			v, err := win.Loader().Require("rxjs")
			if err != nil {
				return nil
			}
			return v
		}},
	}
	for _, p := range probes {
		if c, ok := safeClass(p.get); ok {
			return c, p.name, true
		}
	}
	return nil, "", false
}

func safeClass(get func() any) (c *rx.Class, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("observable probe failed", slog.Any("panic", r))
			c, ok = nil, false
		}
	}()
	return AsClass(get())
}

// findBundled searches places a bundler hides the library: the module
// cache, loader modules and globals with library-like names.
func findBundled(win *page.Window) (*rx.Class, string) {
	loader := win.Loader()

	cache := loader.Cache()
	ids := make([]string, 0, len(cache))
	for id := range cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		exports, ok := cache[id].(page.Namespace)
		if !ok {
			if c, found := AsClass(cache[id]); found {
				return c, "cache." + id
			}
			continue
		}
		if c, found := AsClass(exports); found {
			return c, "cache." + id
		}
		if c, found := AsClass(exports["rxjs"]); found {
			return c, "cache." + id + ".rxjs"
		}
		_, epics := exports["combineEpics"]
		_, middleware := exports["createEpicMiddleware"]
		if epics || middleware {
			for _, name := range []string{"rxjs", "rxjs/Observable", "rxjs/internal/Observable"} {
				if v, ok := loader.Resolve(name); ok {
					if c, found := AsClass(v); found {
						return c, "redux-observable." + name
					}
				}
			}
		}
	}

	for _, name := range []string{"rxjs", "rxjs/Observable"} {
		if v, ok := loader.Resolve(name); ok {
			if c, found := AsClass(v); found {
				return c, "require." + name
			}
		}
	}

	for _, name := range win.Globals() {
		v, _ := win.Global(name)
		if c, path := deepSearch(name, v, "window."+name, 0); c != nil {
			return c, path
		}
	}
	return nil, ""
}

func deepSearch(key string, v any, path string, depth int) (*rx.Class, string) {
	if depth > deepSearchDepth || v == nil {
		return nil, ""
	}
	lower := strings.ToLower(key)
	if strings.Contains(lower, "observ") || strings.Contains(lower, "rxjs") || strings.Contains(lower, "redux") {
		if c, ok := AsClass(v); ok {
			return c, path
		}
	}
	ns, ok := v.(page.Namespace)
	if !ok {
		return nil, ""
	}
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if c, p := deepSearch(k, ns[k], path+"."+k, depth+1); c != nil {
			return c, p
		}
	}
	return nil, ""
}

var frameworkGlobals = []string{"ng", "React", "ReactDOM"}

func hasFramework(win *page.Window) bool {
	for _, name := range frameworkGlobals {
		if _, ok := win.Global(name); ok {
			return true
		}
	}
	return false
}

// findFrameworkBundled probes locations where Angular or React apps expose
// a bundled copy of the library.
func findFrameworkBundled(win *page.Window) (page.Namespace, bool) {
	var candidates []any
	if v, ok := win.Global("rxjs"); ok {
		candidates = append(candidates, v)
	}
	for _, fw := range []string{"ng", "React"} {
		if ns, ok := globalNamespace(win, fw); ok {
			candidates = append(candidates, ns["rxjs"])
		}
	}
	cache := win.Loader().Cache()
	ids := make([]string, 0, len(cache))
	for id := range cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if ns, ok := cache[id].(page.Namespace); ok {
			if inner, ok := ns["rxjs"].(page.Namespace); ok {
				candidates = append(candidates, inner)
			}
			candidates = append(candidates, ns)
		}
	}
	for _, name := range []string{"rxjs", "rx"} {
		if v, ok := win.Loader().Resolve(name); ok {
			candidates = append(candidates, v)
		}
	}

	for _, v := range candidates {
		switch x := v.(type) {
		case page.Namespace:
			if _, ok := AsClass(x); ok {
				return x, true
			}
		case *rx.Class:
			if _, ok := AsClass(x); ok {
				return page.Namespace{"Observable": x}, true
			}
		}
	}
	return nil, false
}

func globalNamespace(win *page.Window, name string) (page.Namespace, bool) {
	v, ok := win.Global(name)
	if !ok {
		return nil, false
	}
	ns, ok := v.(page.Namespace)
	return ns, ok
}
