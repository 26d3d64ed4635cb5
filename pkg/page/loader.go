package page

import (
	"errors"
	"fmt"
	"sync"
)

var ErrModuleNotFound = errors.New("module not found")

// ModuleLoader is the page's AMD/CommonJS loader together with a
// bundler-style module cache.
type ModuleLoader struct {
	mu      sync.RWMutex
	amd     bool
	modules map[string]any
	cache   map[string]any

	onDefine  []func(name string)
	onRequire []func(name string)
}

func NewModuleLoader() *ModuleLoader {
	return &ModuleLoader{
		modules: make(map[string]any),
		cache:   make(map[string]any),
	}
}

// EnableAMD marks define as an AMD loader (define.amd).
func (l *ModuleLoader) EnableAMD() {
	l.mu.Lock()
	l.amd = true
	l.mu.Unlock()
}

func (l *ModuleLoader) AMD() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.amd
}

// Define registers a module and runs the define intercepts.
func (l *ModuleLoader) Define(name string, exports any) {
	l.mu.Lock()
	l.modules[name] = exports
	hooks := append([]func(string){}, l.onDefine...)
	l.mu.Unlock()

	for _, h := range hooks {
		safeCall(func() { h(name) })
	}
}

// Require resolves a module. Intercepts run only for modules that resolve.
func (l *ModuleLoader) Require(name string) (any, error) {
	l.mu.RLock()
	v, ok := l.modules[name]
	hooks := append([]func(string){}, l.onRequire...)
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}

	for _, h := range hooks {
		safeCall(func() { h(name) })
	}
	return v, nil
}

// Resolve looks a module up without triggering intercepts.
func (l *ModuleLoader) Resolve(name string) (any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.modules[name]
	return v, ok
}

// CacheModule stores exports under a bundler module id.
func (l *ModuleLoader) CacheModule(id string, exports any) {
	l.mu.Lock()
	l.cache[id] = exports
	l.mu.Unlock()
}

// Cache returns a copy of the bundler module cache.
func (l *ModuleLoader) Cache() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any, len(l.cache))
	for k, v := range l.cache {
		out[k] = v
	}
	return out
}

// OnDefine registers an intercept called with each defined module name.
func (l *ModuleLoader) OnDefine(f func(name string)) {
	l.mu.Lock()
	l.onDefine = append(l.onDefine, f)
	l.mu.Unlock()
}

// OnRequire registers an intercept called with each required module name.
func (l *ModuleLoader) OnRequire(f func(name string)) {
	l.mu.Lock()
	l.onRequire = append(l.onRequire, f)
	l.mu.Unlock()
}
