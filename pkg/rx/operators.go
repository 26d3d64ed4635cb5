package rx

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrBadArgument = errors.New("rx: bad operator argument")

var builtinOperators = map[string]OperatorMethod{
	"map":                  mapOp,
	"filter":               filterOp,
	"take":                 takeOp,
	"skip":                 skipOp,
	"tap":                  tapOp,
	"startWith":            startWithOp,
	"distinctUntilChanged": distinctOp,
	"scan":                 scanOp,
}

func (o *Observable) Map(f func(any) any) *Observable { return o.Pipe("map", f) }

func (o *Observable) Filter(pred func(any) bool) *Observable { return o.Pipe("filter", pred) }

func (o *Observable) Take(n int) *Observable { return o.Pipe("take", n) }

func (o *Observable) Skip(n int) *Observable { return o.Pipe("skip", n) }

func (o *Observable) Tap(obs Observer) *Observable { return o.Pipe("tap", obs) }

func (o *Observable) StartWith(values ...any) *Observable { return o.Pipe("startWith", values...) }

func (o *Observable) DistinctUntilChanged() *Observable { return o.Pipe("distinctUntilChanged") }

func (o *Observable) Scan(acc func(acc, v any) any, seed any) *Observable {
	return o.Pipe("scan", acc, seed)
}

func arg[T any](args []any, i int) (T, bool) {
	var zero T
	if i >= len(args) {
		return zero, false
	}
	v, ok := args[i].(T)
	return v, ok
}

func badArgument(src *Observable, op string) *Observable {
	return src.class.New(func(out *Subscriber) func() {
		out.Error(fmt.Errorf("%w: %s", ErrBadArgument, op))
		return nil
	})
}

// lift subscribes to src with an operator subscriber and routes values
// through next; errors and completion pass straight through.
func lift(src *Observable, next func(out *Subscriber, v any)) *Observable {
	return src.class.New(func(out *Subscriber) func() {
		inner := NewSubscriber(Observer{
			Next:     func(v any) { next(out, v) },
			Error:    out.Error,
			Complete: out.Complete,
		})
		sub := src.Subscribe(inner)
		return sub.Unsubscribe
	})
}

func mapOp(src *Observable, args ...any) *Observable {
	f, ok := arg[func(any) any](args, 0)
	if !ok {
		return badArgument(src, "map")
	}
	return lift(src, func(out *Subscriber, v any) { out.Next(f(v)) })
}

func filterOp(src *Observable, args ...any) *Observable {
	pred, ok := arg[func(any) bool](args, 0)
	if !ok {
		return badArgument(src, "filter")
	}
	return lift(src, func(out *Subscriber, v any) {
		if pred(v) {
			out.Next(v)
		}
	})
}

func takeOp(src *Observable, args ...any) *Observable {
	n, ok := arg[int](args, 0)
	if !ok {
		return badArgument(src, "take")
	}
	return src.class.New(func(out *Subscriber) func() {
		if n <= 0 {
			out.Complete()
			return nil
		}
		seen := 0
		inner := NewSubscriber(Observer{
			Next: func(v any) {
				seen++
				out.Next(v)
				if seen >= n {
					out.Complete()
				}
			},
			Error:    out.Error,
			Complete: out.Complete,
		})
		out.sub.Add(inner.sub.Unsubscribe)
		return src.Subscribe(inner).Unsubscribe
	})
}

func skipOp(src *Observable, args ...any) *Observable {
	n, ok := arg[int](args, 0)
	if !ok {
		return badArgument(src, "skip")
	}
	return src.class.New(func(out *Subscriber) func() {
		skipped := 0
		inner := NewSubscriber(Observer{
			Next: func(v any) {
				if skipped < n {
					skipped++
					return
				}
				out.Next(v)
			},
			Error:    out.Error,
			Complete: out.Complete,
		})
		return src.Subscribe(inner).Unsubscribe
	})
}

func tapOp(src *Observable, args ...any) *Observable {
	side, ok := arg[Observer](args, 0)
	if !ok {
		return badArgument(src, "tap")
	}
	return src.class.New(func(out *Subscriber) func() {
		inner := NewSubscriber(Observer{
			Next: func(v any) {
				if side.Next != nil {
					side.Next(v)
				}
				out.Next(v)
			},
			Error: func(err error) {
				if side.Error != nil {
					side.Error(err)
				}
				out.Error(err)
			},
			Complete: func() {
				if side.Complete != nil {
					side.Complete()
				}
				out.Complete()
			},
		})
		return src.Subscribe(inner).Unsubscribe
	})
}

func startWithOp(src *Observable, args ...any) *Observable {
	values := append([]any(nil), args...)
	return src.class.New(func(out *Subscriber) func() {
		for _, v := range values {
			if out.Closed() {
				return nil
			}
			out.Next(v)
		}
		inner := NewSubscriber(Observer{Next: out.Next, Error: out.Error, Complete: out.Complete})
		return src.Subscribe(inner).Unsubscribe
	})
}

func distinctOp(src *Observable, _ ...any) *Observable {
	return src.class.New(func(out *Subscriber) func() {
		var last any
		has := false
		inner := NewSubscriber(Observer{
			Next: func(v any) {
				if has && reflect.DeepEqual(last, v) {
					return
				}
				last, has = v, true
				out.Next(v)
			},
			Error:    out.Error,
			Complete: out.Complete,
		})
		return src.Subscribe(inner).Unsubscribe
	})
}

func scanOp(src *Observable, args ...any) *Observable {
	acc, ok := arg[func(acc, v any) any](args, 0)
	if !ok {
		return badArgument(src, "scan")
	}
	var seed any
	if len(args) > 1 {
		seed = args[1]
	}
	return src.class.New(func(out *Subscriber) func() {
		state := seed
		inner := NewSubscriber(Observer{
			Next: func(v any) {
				state = acc(state, v)
				out.Next(state)
			},
			Error:    out.Error,
			Complete: out.Complete,
		})
		return src.Subscribe(inner).Unsubscribe
	})
}
