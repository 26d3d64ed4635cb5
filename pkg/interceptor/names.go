package interceptor

import (
	"reflect"
	"runtime"
	"strings"
	"unicode"

	"github.com/gobwas/glob"
	"github.com/labring/streamscope/pkg/rx"
)

const maxFrames = 32

// namer picks a display name for a new stream from the first call frame
// outside the reactive library and this tool.
type namer struct {
	tool   []glob.Glob
	always []glob.Glob
}

func newNamer(extra []string) *namer {
	toolRoot := strings.TrimSuffix(reflect.TypeOf(namer{}).PkgPath(), "/interceptor")
	n := &namer{
		tool: compileGlobs([]string{
			reflect.TypeOf((*rx.Observable)(nil)).Elem().PkgPath() + ".*",
			toolRoot + "/{interceptor,hook,relay,agent,detector,page,protocol,serialize,clock}.*",
		}),
		always: compileGlobs(append([]string{"runtime.*", "reflect.*"}, extra...)),
	}
	return n
}

func compileGlobs(patterns []string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	return out
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func (n *namer) skipped(f runtime.Frame) bool {
	if matchAny(n.always, f.Function) {
		return true
	}
	// Tests exercising the tool's packages count as user code.
	return matchAny(n.tool, f.Function) && !strings.HasSuffix(f.File, "_test.go")
}

// name returns "" when no user frame is found.
func (n *namer) name() string {
	pcs := make([]uintptr, maxFrames)
	count := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:count])
	for {
		f, more := frames.Next()
		if f.Function != "" && !n.skipped(f) {
			if name := displayName(f.Function); name != "" {
				return name
			}
		}
		if !more {
			return ""
		}
	}
}

// displayName turns "example.com/app/feed.(*Service).load.func2" into
// "Service.load".
func displayName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 {
		fn = fn[i+1:]
	}
	fn = strings.NewReplacer("[...]", "", "(*", "", "(", "", ")", "").Replace(fn)

	parts := strings.Split(fn, ".")
	kept := parts[:0]
	for _, p := range parts {
		if isGenerated(p) {
			break
		}
		kept = append(kept, p)
	}
	name := strings.Join(kept, ".")
	if name == "main" || name == "init" {
		return ""
	}
	return name
}

// isGenerated matches compiler-made segments such as func1, gowrap2, 3.
func isGenerated(seg string) bool {
	if seg == "" {
		return true
	}
	for _, prefix := range []string{"func", "gowrap", "deferwrap"} {
		if rest, ok := strings.CutPrefix(seg, prefix); ok && rest != "" && isDigits(rest) {
			return true
		}
	}
	return isDigits(seg)
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
