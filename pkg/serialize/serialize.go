// Package serialize renders arbitrary values as bounded, transport-safe
// text. It never panics: values that cannot be rendered degrade to a
// placeholder.
package serialize

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxDepth     = 3
	DefaultMaxItems     = 10
	DefaultItemPreview  = 3
	DefaultMaxKeys      = 5
	DefaultKeyPreview   = 3
	MaxDepthMarker      = "[Max Depth Reached]"
	CircularMarker      = "[Circular]"
	FunctionMarker      = "[Function]"
	ChannelMarker       = "[Channel]"
	FailureMarker       = "[Object - Cannot Serialize]"
	isoMillisecondsTime = "2006-01-02T15:04:05.000Z"
)

// Options bounds the rendering.
type Options struct {
	MaxDepth    int
	MaxItems    int
	ItemPreview int
	MaxKeys     int
	KeyPreview  int
}

// DefaultOptions returns the bounds used by the capture pipeline.
func DefaultOptions() Options {
	return Options{
		MaxDepth:    DefaultMaxDepth,
		MaxItems:    DefaultMaxItems,
		ItemPreview: DefaultItemPreview,
		MaxKeys:     DefaultMaxKeys,
		KeyPreview:  DefaultKeyPreview,
	}
}

// Serialize renders v with the default bounds.
func Serialize(v any) string {
	return DefaultOptions().Serialize(v)
}

// Serialize renders v within the configured bounds.
func (o Options) Serialize(v any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = FailureMarker
		}
	}()
	s := &state{opts: o, seen: make(map[uintptr]struct{})}
	return s.render(reflect.ValueOf(v), 0)
}

type state struct {
	opts Options
	seen map[uintptr]struct{}
}

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
)

func (s *state) render(v reflect.Value, depth int) string {
	if depth >= s.opts.MaxDepth {
		return MaxDepthMarker
	}
	if !v.IsValid() {
		return "null"
	}

	if v.Type().Implements(errorType) && v.CanInterface() {
		if v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
			if v.IsNil() {
				return "null"
			}
		}
		err, _ := v.Interface().(error)
		if err != nil {
			return "Error: " + err.Error()
		}
	}

	switch v.Type() {
	case timeType:
		t, _ := v.Interface().(time.Time)
		return t.UTC().Format(isoMillisecondsTime)
	case durationType:
		d, _ := v.Interface().(time.Duration)
		return d.String()
	}

	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())
	case reflect.Func:
		return FunctionMarker
	case reflect.Chan:
		return ChannelMarker
	case reflect.UnsafePointer:
		return fmt.Sprintf("0x%x", v.Pointer())
	case reflect.Interface:
		if v.IsNil() {
			return "null"
		}
		return s.render(v.Elem(), depth)
	case reflect.Pointer:
		if v.IsNil() {
			return "null"
		}
		return s.enter(v, func() string { return s.render(v.Elem(), depth) })
	case reflect.Slice:
		if v.IsNil() {
			return "null"
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return s.bytes(v)
		}
		return s.enter(v, func() string { return s.list(v, depth) })
	case reflect.Array:
		return s.list(v, depth)
	case reflect.Map:
		if v.IsNil() {
			return "null"
		}
		return s.enter(v, func() string { return s.mapping(v, depth) })
	case reflect.Struct:
		return s.record(v, depth)
	}
	return FailureMarker
}

// enter guards reference types against cycles along the current path.
func (s *state) enter(v reflect.Value, f func() string) string {
	ptr := v.Pointer()
	if ptr == 0 {
		return f()
	}
	if _, ok := s.seen[ptr]; ok {
		return CircularMarker
	}
	s.seen[ptr] = struct{}{}
	defer delete(s.seen, ptr)
	return f()
}

func (s *state) bytes(v reflect.Value) string {
	n := v.Len()
	if n > s.opts.MaxItems {
		return fmt.Sprintf("Bytes(%d)", n)
	}
	return fmt.Sprintf("%v", v.Bytes())
}

func (s *state) list(v reflect.Value, depth int) string {
	n := v.Len()
	if n > s.opts.MaxItems {
		parts := make([]string, 0, s.opts.ItemPreview)
		for i := 0; i < s.opts.ItemPreview && i < n; i++ {
			parts = append(parts, s.render(v.Index(i), depth+1))
		}
		return fmt.Sprintf("Array(%d) [%s, ...]", n, strings.Join(parts, ", "))
	}
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, s.render(v.Index(i), depth+1))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type field struct {
	key   string
	value reflect.Value
}

func (s *state) mapping(v reflect.Value, depth int) string {
	fields := make([]field, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		fields = append(fields, field{key: s.key(iter.Key()), value: iter.Value()})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
	return s.object(fields, depth)
}

func (s *state) record(v reflect.Value, depth int) string {
	t := v.Type()
	fields := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		fields = append(fields, field{key: name, value: v.Field(i)})
	}
	return s.object(fields, depth)
}

func (s *state) object(fields []field, depth int) string {
	if len(fields) == 0 {
		return "{}"
	}
	shown := fields
	if len(fields) > s.opts.MaxKeys {
		shown = fields[:s.opts.KeyPreview]
	}
	parts := make([]string, 0, len(shown))
	for _, f := range shown {
		parts = append(parts, f.key+": "+s.render(f.value, depth+1))
	}
	if len(shown) < len(fields) {
		return fmt.Sprintf("{%s, ... +%d more}", strings.Join(parts, ", "), len(fields)-len(shown))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s *state) key(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return FailureMarker
}

// Error renders an error value, unwrapping joined errors into one line.
func Error(err error) string {
	if err == nil {
		return "null"
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		msgs := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return "Error: " + strings.Join(msgs, "; ")
	}
	return "Error: " + err.Error()
}
