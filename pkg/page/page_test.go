package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_Globals(t *testing.T) {
	w := NewWindow("https://app.example.com/")
	w.SetGlobal("b", 1)
	w.SetGlobal("a", Namespace{"Observable": "x"})

	v, ok := w.Global("a")
	require.True(t, ok)
	assert.Equal(t, "x", v.(Namespace)["Observable"])
	assert.Equal(t, []string{"a", "b"}, w.Globals())

	w.DeleteGlobal("a")
	_, ok = w.Global("a")
	assert.False(t, ok)

	w.SetURL("https://app.example.com/next")
	assert.Equal(t, "https://app.example.com/next", w.URL())
}

func TestBus_DeliversInOrderAndIsolatesPanics(t *testing.T) {
	b := NewBus()
	var got []string
	b.AddListener(func(msg any) { got = append(got, "first:"+msg.(string)) })
	b.AddListener(func(any) { panic("listener bug") })
	remove := b.AddListener(func(msg any) { got = append(got, "third:"+msg.(string)) })

	assert.NotPanics(t, func() { b.PostMessage("hi") })
	assert.Equal(t, []string{"first:hi", "third:hi"}, got)

	remove()
	assert.Equal(t, 2, b.Listeners())
	b.PostMessage("again")
	assert.Equal(t, []string{"first:hi", "third:hi", "first:again"}, got)
}

func TestDocument_ScriptObservers(t *testing.T) {
	d := NewDocument()
	d.AppendScript(Script{Src: "/early.js"})

	var seen []string
	disconnect := d.ObserveScripts(func(s Script) { seen = append(seen, s.Src) })
	d.AppendScript(Script{Src: "/rxjs.umd.js"})
	disconnect()
	disconnect()
	d.AppendScript(Script{Src: "/late.js"})

	assert.Equal(t, []string{"/rxjs.umd.js"}, seen)
	assert.Len(t, d.Scripts(), 3)

	d.AddMarker("#root")
	assert.True(t, d.HasMarker("#root"))
	assert.False(t, d.HasMarker("app-root"))
}

func TestModuleLoader(t *testing.T) {
	l := NewModuleLoader()
	var defined, required []string
	l.OnDefine(func(name string) { defined = append(defined, name) })
	l.OnRequire(func(name string) { required = append(required, name) })

	l.Define("rxjs", Namespace{"Observable": 1})
	v, err := l.Require("rxjs")
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = l.Require("missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	assert.Equal(t, []string{"rxjs"}, defined)
	assert.Equal(t, []string{"rxjs"}, required, "failed requires do not reach intercepts")

	l.CacheModule("42", Namespace{"Observable": 2})
	assert.Len(t, l.Cache(), 1)
	assert.False(t, l.AMD())
	l.EnableAMD()
	assert.True(t, l.AMD())
}
