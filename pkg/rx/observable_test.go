package rx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(o *Observable) (values []any, err error, completed bool) {
	o.Subscribe(Observer{
		Next:     func(v any) { values = append(values, v) },
		Error:    func(e error) { err = e },
		Complete: func() { completed = true },
	})
	return
}

func TestOf_EmitsAndCompletes(t *testing.T) {
	values, err, completed := collect(Of(1, 2, 3))
	assert.Equal(t, []any{1, 2, 3}, values)
	assert.NoError(t, err)
	assert.True(t, completed)
}

func TestSinks_AllShapesAccepted(t *testing.T) {
	var got []any
	record := func(v any) { got = append(got, v) }
	completed := 0

	Of(1).Subscribe(NextFunc(record))
	Of(2).Subscribe(Observer{Next: record, Complete: func() { completed++ }})
	Of(3).Subscribe(&Observer{Next: record, Complete: func() { completed++ }})
	Of(4).Subscribe((*Observer)(nil))

	assert.Equal(t, []any{1, 2, 3}, got)
	assert.Equal(t, 2, completed)
	assert.Equal(t, Observer{}, ToObserver((*Observer)(nil)))
}

func TestThrowAndEmpty(t *testing.T) {
	boom := errors.New("boom")
	values, err, completed := collect(Throw(boom))
	assert.Empty(t, values)
	assert.ErrorIs(t, err, boom)
	assert.False(t, completed)

	_, err, completed = collect(Empty())
	assert.NoError(t, err)
	assert.True(t, completed)
}

func TestSubscriber_NothingAfterTerminal(t *testing.T) {
	var got []any
	errs := 0
	o := New(func(out *Subscriber) func() {
		out.Next(1)
		out.Complete()
		out.Next(2)
		out.Error(errors.New("late"))
		return nil
	})
	o.Subscribe(Observer{Next: func(v any) { got = append(got, v) }, Error: func(error) { errs++ }})
	assert.Equal(t, []any{1}, got)
	assert.Zero(t, errs)
}

func TestSubscription_UnsubscribeIsIdempotent(t *testing.T) {
	teardowns := 0
	o := New(func(out *Subscriber) func() {
		return func() { teardowns++ }
	})
	sub := o.SubscribeFunc(func(any) {})
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, teardowns)
	assert.True(t, sub.Closed())
}

func TestProducerPanic_BecomesError(t *testing.T) {
	_, err, _ := collect(New(func(out *Subscriber) func() { panic("bad producer") }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad producer")
}

func TestPipe_UnknownOperator(t *testing.T) {
	_, err, _ := collect(Of(1).Pipe("nope"))
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestOperators(t *testing.T) {
	tests := []struct {
		name     string
		build    func() *Observable
		expected []any
	}{
		{"map", func() *Observable { return Of(1, 2, 3).Map(func(v any) any { return v.(int) * 10 }) }, []any{10, 20, 30}},
		{"filter", func() *Observable { return Of(1, 2, 3, 4).Filter(func(v any) bool { return v.(int)%2 == 0 }) }, []any{2, 4}},
		{"take", func() *Observable { return Of(1, 2, 3).Take(2) }, []any{1, 2}},
		{"take zero", func() *Observable { return Of(1, 2, 3).Take(0) }, nil},
		{"skip", func() *Observable { return Of(1, 2, 3).Skip(1) }, []any{2, 3}},
		{"startWith", func() *Observable { return Of(3).StartWith(1, 2) }, []any{1, 2, 3}},
		{"distinctUntilChanged", func() *Observable { return Of(1, 1, 2, 2, 1).DistinctUntilChanged() }, []any{1, 2, 1}},
		{"scan", func() *Observable {
			return Of(1, 2, 3).Scan(func(acc, v any) any { return acc.(int) + v.(int) }, 0)
		}, []any{1, 3, 6}},
		{"chain", func() *Observable {
			return Of(1, 2, 3, 4, 5).Filter(func(v any) bool { return v.(int) > 1 }).Map(func(v any) any { return v.(int) * 2 }).Take(2)
		}, []any{4, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err, completed := collect(tt.build())
			assert.Equal(t, tt.expected, values)
			assert.NoError(t, err)
			assert.True(t, completed)
		})
	}
}

func TestOperators_PerSubscriptionState(t *testing.T) {
	skipped := Of(1, 2, 3).Skip(2)
	first, _, _ := collect(skipped)
	second, _, _ := collect(skipped)
	assert.Equal(t, []any{3}, first)
	assert.Equal(t, []any{3}, second)
}

func TestOperator_BadArgument(t *testing.T) {
	_, err, _ := collect(Of(1).Pipe("map", "not a func"))
	assert.ErrorIs(t, err, ErrBadArgument)
}

func TestTap_SideEffects(t *testing.T) {
	var seen []any
	done := false
	values, _, _ := collect(Of(1, 2).Tap(Observer{
		Next:     func(v any) { seen = append(seen, v) },
		Complete: func() { done = true },
	}))
	assert.Equal(t, []any{1, 2}, values)
	assert.Equal(t, []any{1, 2}, seen)
	assert.True(t, done)
}

func TestClass_PatchedEntryPoint(t *testing.T) {
	c := NewClass("Observable")
	calls := 0
	orig := c.SubscribeMethod()
	c.SetSubscribeMethod(func(o *Observable, sink Sink) *Subscription {
		calls++
		return orig(o, sink)
	})

	s := NewSubjectOf(c)
	s.Observable().Map(func(v any) any { return v }).SubscribeFunc(func(any) {})
	assert.Equal(t, 2, calls, "derived and source subscriptions both dispatch through the class")
	assert.Contains(t, c.OperatorNames(), "map")
}

func TestObservable_Properties(t *testing.T) {
	o := Of(1)
	_, ok := o.Property("id")
	assert.False(t, ok)

	o.SetProperty("id", "x")
	v, ok := o.Property("id")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestSubject_Multicast(t *testing.T) {
	s := NewSubject()
	var a, b []any
	subA := s.Observable().SubscribeFunc(func(v any) { a = append(a, v) })
	s.Observable().SubscribeFunc(func(v any) { b = append(b, v) })
	assert.Equal(t, 2, s.Observers())

	s.Next(1)
	subA.Unsubscribe()
	s.Next(2)
	s.Complete()
	s.Next(3)

	assert.Equal(t, []any{1}, a)
	assert.Equal(t, []any{1, 2}, b)
	assert.Zero(t, s.Observers())

	_, _, completed := collect(s.Observable())
	assert.True(t, completed, "late subscribers see the terminal notification")
}
