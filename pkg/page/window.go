// Package page models the parts of a web page the capture pipeline touches:
// global variables, DOM markers, script elements, the module loader and the
// window message bus.
package page

import (
	"sort"
	"sync"
)

// Window is the page's global object.
type Window struct {
	mu      sync.RWMutex
	url     string
	globals map[string]any

	doc    *Document
	loader *ModuleLoader
	bus    *Bus
}

// NewWindow creates an empty page at url.
func NewWindow(url string) *Window {
	return &Window{
		url:     url,
		globals: make(map[string]any),
		doc:     NewDocument(),
		loader:  NewModuleLoader(),
		bus:     NewBus(),
	}
}

func (w *Window) URL() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.url
}

// SetURL changes the location without resetting page state.
func (w *Window) SetURL(url string) {
	w.mu.Lock()
	w.url = url
	w.mu.Unlock()
}

func (w *Window) Global(name string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.globals[name]
	return v, ok
}

func (w *Window) SetGlobal(name string, v any) {
	w.mu.Lock()
	w.globals[name] = v
	w.mu.Unlock()
}

func (w *Window) DeleteGlobal(name string) {
	w.mu.Lock()
	delete(w.globals, name)
	w.mu.Unlock()
}

// Globals lists global names in sorted order.
func (w *Window) Globals() []string {
	w.mu.RLock()
	names := make([]string, 0, len(w.globals))
	for k := range w.globals {
		names = append(names, k)
	}
	w.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (w *Window) Document() *Document   { return w.doc }
func (w *Window) Loader() *ModuleLoader { return w.loader }
func (w *Window) Bus() *Bus             { return w.bus }

// Namespace is a plain object of named members, such as the exports of a
// module or a library namespace like rxjs.
type Namespace map[string]any
