// Package rx is a small push-based reactive library. It is the library the
// capture pipeline instruments: every Observable dispatches subscription
// and operator calls through its Class method table, so instrumentation
// can decorate those entries without touching call sites.
package rx

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var ErrUnknownOperator = errors.New("rx: unknown operator")

// Sink is what the subscription entry point accepts: a NextFunc, an
// Observer, or a *Subscriber used by operators to chain to their source.
type Sink interface {
	isSink()
}

// NextFunc is a plain value callback.
type NextFunc func(value any)

func (NextFunc) isSink() {}

// Observer groups the three notification handlers. Any of them may be nil.
type Observer struct {
	Next     func(value any)
	Error    func(err error)
	Complete func()
}

func (Observer) isSink() {}

// ToObserver normalizes a sink into an Observer.
func ToObserver(s Sink) Observer {
	switch v := s.(type) {
	case NextFunc:
		return Observer{Next: v}
	case Observer:
		return v
	case *Observer:
		if v == nil {
			return Observer{}
		}
		return *v
	case *Subscriber:
		return Observer{Next: v.Next, Error: v.Error, Complete: v.Complete}
	}
	return Observer{}
}

// SubscribeMethod is the subscription entry point stored on a Class.
type SubscribeMethod func(o *Observable, sink Sink) *Subscription

// OperatorMethod derives a new Observable from src.
type OperatorMethod func(src *Observable, args ...any) *Observable

// Producer pushes notifications into out and returns an optional teardown.
type Producer func(out *Subscriber) (teardown func())

// Class is the Observable constructor: the method table every instance
// dispatches through, plus class-level properties.
type Class struct {
	name string

	mu        sync.RWMutex
	subscribe SubscribeMethod
	operators map[string]OperatorMethod
	props     map[string]any
}

// NewClass returns a class with the default subscription entry point and
// the built-in operators.
func NewClass(name string) *Class {
	c := &Class{
		name:      name,
		subscribe: defaultSubscribe,
		operators: make(map[string]OperatorMethod, len(builtinOperators)),
		props:     make(map[string]any),
	}
	for k, m := range builtinOperators {
		c.operators[k] = m
	}
	return c
}

var defaultClass = NewClass("Observable")

// Default returns the process-wide Observable class.
func Default() *Class { return defaultClass }

func (c *Class) Name() string { return c.name }

// SubscribeMethod returns the current subscription entry point.
func (c *Class) SubscribeMethod() SubscribeMethod {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribe
}

// SetSubscribeMethod replaces the subscription entry point.
func (c *Class) SetSubscribeMethod(m SubscribeMethod) {
	c.mu.Lock()
	c.subscribe = m
	c.mu.Unlock()
}

// Operator looks up an operator method by name.
func (c *Class) Operator(name string) (OperatorMethod, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.operators[name]
	return m, ok
}

// SetOperator installs or replaces an operator method.
func (c *Class) SetOperator(name string, m OperatorMethod) {
	c.mu.Lock()
	c.operators[name] = m
	c.mu.Unlock()
}

// OperatorNames lists the installed operators in sorted order.
func (c *Class) OperatorNames() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.operators))
	for k := range c.operators {
		names = append(names, k)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (c *Class) Property(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props[key]
	return v, ok
}

func (c *Class) SetProperty(key string, v any) {
	c.mu.Lock()
	c.props[key] = v
	c.mu.Unlock()
}

// New creates an Observable of this class.
func (c *Class) New(p Producer) *Observable {
	return &Observable{class: c, producer: p}
}

// Observable is a lazy push source. Instances carry hidden properties that
// survive for the lifetime of the value.
type Observable struct {
	class    *Class
	producer Producer

	mu    sync.RWMutex
	props map[string]any
}

// New creates an Observable of the default class.
func New(p Producer) *Observable {
	return defaultClass.New(p)
}

func (o *Observable) Class() *Class { return o.class }

// Subscribe dispatches through the class subscription entry point.
func (o *Observable) Subscribe(sink Sink) *Subscription {
	return o.class.SubscribeMethod()(o, sink)
}

// SubscribeFunc subscribes a plain value callback.
func (o *Observable) SubscribeFunc(next func(value any)) *Subscription {
	return o.Subscribe(NextFunc(next))
}

// Pipe applies the named operator through the class method table.
func (o *Observable) Pipe(name string, args ...any) *Observable {
	m, ok := o.class.Operator(name)
	if !ok {
		return o.class.New(func(out *Subscriber) func() {
			out.Error(fmt.Errorf("%w: %s", ErrUnknownOperator, name))
			return nil
		})
	}
	return m(o, args...)
}

func (o *Observable) Property(key string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.props[key]
	return v, ok
}

func (o *Observable) SetProperty(key string, v any) {
	o.mu.Lock()
	if o.props == nil {
		o.props = make(map[string]any)
	}
	o.props[key] = v
	o.mu.Unlock()
}

func defaultSubscribe(o *Observable, sink Sink) *Subscription {
	s, ok := sink.(*Subscriber)
	if !ok || s == nil {
		s = NewSubscriber(ToObserver(sink))
	}
	if o.producer == nil {
		return s.sub
	}

	var teardown func()
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.Error(fmt.Errorf("rx: producer panic: %v", r))
			}
		}()
		teardown = o.producer(s)
	}()
	if teardown != nil {
		s.sub.Add(teardown)
	}
	return s.sub
}

// Subscriber guards an Observer so that nothing is delivered after error,
// completion or unsubscription.
type Subscriber struct {
	dest   Observer
	closed atomic.Bool
	sub    *Subscription
}

func (*Subscriber) isSink() {}

// NewSubscriber wraps dest with a fresh Subscription.
func NewSubscriber(dest Observer) *Subscriber {
	s := &Subscriber{dest: dest, sub: &Subscription{}}
	s.sub.Add(func() { s.closed.Store(true) })
	return s
}

func (s *Subscriber) Next(v any) {
	if s.closed.Load() {
		return
	}
	if s.dest.Next != nil {
		s.dest.Next(v)
	}
}

func (s *Subscriber) Error(err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.dest.Error != nil {
		s.dest.Error(err)
	}
	s.sub.Unsubscribe()
}

func (s *Subscriber) Complete() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.dest.Complete != nil {
		s.dest.Complete()
	}
	s.sub.Unsubscribe()
}

// Closed reports whether the subscriber stopped accepting notifications.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

// Subscription releases resources held by a subscribe call.
type Subscription struct {
	mu        sync.Mutex
	closed    bool
	teardowns []func()
}

// Add registers a teardown; on a closed subscription it runs immediately.
func (s *Subscription) Add(f func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f()
		return
	}
	s.teardowns = append(s.teardowns, f)
	s.mu.Unlock()
}

// Unsubscribe runs every teardown once. It is safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	fs := s.teardowns
	s.teardowns = nil
	s.mu.Unlock()

	for i := len(fs) - 1; i >= 0; i-- {
		fs[i]()
	}
}

func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
