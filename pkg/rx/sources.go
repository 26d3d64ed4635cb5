package rx

import "sync"

// Of emits each value in order and completes.
func Of(values ...any) *Observable {
	return FromSlice(values)
}

// FromSlice emits the elements of values in order and completes.
func FromSlice[T any](values []T) *Observable {
	items := append([]T(nil), values...)
	return New(func(out *Subscriber) func() {
		for _, v := range items {
			if out.Closed() {
				return nil
			}
			out.Next(v)
		}
		out.Complete()
		return nil
	})
}

// Throw errors immediately with err.
func Throw(err error) *Observable {
	return New(func(out *Subscriber) func() {
		out.Error(err)
		return nil
	})
}

// Empty completes immediately.
func Empty() *Observable {
	return New(func(out *Subscriber) func() {
		out.Complete()
		return nil
	})
}

// Subject is a multicast source fed imperatively.
type Subject struct {
	obs *Observable

	mu        sync.Mutex
	observers []*Subscriber
	done      bool
	err       error
}

// NewSubject returns a subject whose Observable belongs to the default class.
func NewSubject() *Subject {
	return NewSubjectOf(defaultClass)
}

// NewSubjectOf returns a subject whose Observable belongs to c.
func NewSubjectOf(c *Class) *Subject {
	s := &Subject{}
	s.obs = c.New(s.attach)
	return s
}

func (s *Subject) attach(out *Subscriber) func() {
	s.mu.Lock()
	if s.done {
		err := s.err
		s.mu.Unlock()
		if err != nil {
			out.Error(err)
		} else {
			out.Complete()
		}
		return nil
	}
	s.observers = append(s.observers, out)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		for i, o := range s.observers {
			if o == out {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

// Observable returns the subject's subscribable side.
func (s *Subject) Observable() *Observable { return s.obs }

func (s *Subject) snapshot() []*Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscriber(nil), s.observers...)
}

func (s *Subject) Next(v any) {
	for _, o := range s.snapshot() {
		o.Next(v)
	}
}

func (s *Subject) Error(err error) {
	if !s.finish(err) {
		return
	}
	for _, o := range s.snapshot() {
		o.Error(err)
	}
}

func (s *Subject) Complete() {
	if !s.finish(nil) {
		return
	}
	for _, o := range s.snapshot() {
		o.Complete()
	}
}

func (s *Subject) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.done = true
	s.err = err
	return true
}

// Observers returns the number of live subscribers.
func (s *Subject) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}
