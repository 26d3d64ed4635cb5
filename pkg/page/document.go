package page

import (
	"sync"
)

// Script is a <script> element.
type Script struct {
	Src  string
	Text string
}

// Document holds the DOM features the detector inspects.
type Document struct {
	mu        sync.RWMutex
	markers   map[string]struct{}
	scripts   []Script
	observers map[int]func(Script)
	nextObs   int
}

func NewDocument() *Document {
	return &Document{
		markers:   make(map[string]struct{}),
		observers: make(map[int]func(Script)),
	}
}

// AddMarker makes selector match an element in the document.
func (d *Document) AddMarker(selector string) {
	d.mu.Lock()
	d.markers[selector] = struct{}{}
	d.mu.Unlock()
}

// HasMarker reports whether any element matches selector.
func (d *Document) HasMarker(selector string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.markers[selector]
	return ok
}

// Scripts returns a copy of the script elements in insertion order.
func (d *Document) Scripts() []Script {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Script(nil), d.scripts...)
}

// AppendScript inserts a script and notifies observers.
func (d *Document) AppendScript(s Script) {
	d.mu.Lock()
	d.scripts = append(d.scripts, s)
	obs := make([]func(Script), 0, len(d.observers))
	for i := 0; i < d.nextObs; i++ {
		if f, ok := d.observers[i]; ok {
			obs = append(obs, f)
		}
	}
	d.mu.Unlock()

	for _, f := range obs {
		safeCall(func() { f(s) })
	}
}

// ObserveScripts calls f for every script inserted from now on. The returned
// function disconnects the observer.
func (d *Document) ObserveScripts(f func(Script)) (disconnect func()) {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = f
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}
