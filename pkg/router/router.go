// Package router is a small pattern router: ":name" segments become path
// parameters and "*" matches the remainder of the path.
package router

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var paramRegex = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

type Route struct {
	method  string
	pattern string
	regex   *regexp.Regexp
	params  []string
	handler http.HandlerFunc
}

type Router struct {
	routes []Route
}

func NewRouter() *Router {
	return &Router{
		routes: make([]Route, 0),
	}
}

// Register adds a route. Routes are matched in registration order.
func (r *Router) Register(method, pattern string, handler http.HandlerFunc) {
	regex, params := r.compilePattern(pattern)
	r.routes = append(r.routes, Route{
		method:  strings.ToUpper(method),
		pattern: pattern,
		regex:   regex,
		params:  params,
		handler: handler,
	})
}

// Match finds the route for method and path and returns its decoded
// parameters.
func (r *Router) Match(method, path string) (http.HandlerFunc, map[string]string, bool) {
	route, params, ok := r.match(strings.ToUpper(method), path)
	if !ok {
		return nil, nil, false
	}
	return route.handler, params, true
}

func (r *Router) match(method, path string) (*Route, map[string]string, bool) {
	for i := range r.routes {
		route := &r.routes[i]
		if route.method != method {
			continue
		}
		matches := route.regex.FindStringSubmatch(path)
		if matches == nil {
			continue
		}

		params := make(map[string]string, len(route.params))
		for i, param := range route.params {
			if i+1 < len(matches) {
				if decoded, err := url.QueryUnescape(matches[i+1]); err == nil {
					params[param] = decoded
				} else {
					params[param] = matches[i+1]
				}
			}
		}
		return route, params, true
	}
	return nil, nil, false
}

// allowed lists the methods registered for path.
func (r *Router) allowed(path string) []string {
	seen := make(map[string]struct{})
	for _, route := range r.routes {
		if route.regex.MatchString(path) {
			seen[route.method] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Patterns returns the registered "METHOD pattern" pairs in order.
func (r *Router) Patterns() []string {
	out := make([]string, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route.method+" "+route.pattern)
	}
	return out
}

func (r *Router) compilePattern(pattern string) (*regexp.Regexp, []string) {
	var params []string
	regexPattern := paramRegex.ReplaceAllStringFunc(pattern, func(match string) string {
		params = append(params, strings.TrimPrefix(match, ":"))
		return `([^/]+)`
	})
	regexPattern = strings.ReplaceAll(regexPattern, `*`, `(.*)`)
	return regexp.MustCompile("^" + regexPattern + "$"), params
}

// ServeHTTP dispatches to the matching route. A path registered only for
// other methods answers 405 with an Allow header.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	route, params, found := r.match(strings.ToUpper(req.Method), req.URL.Path)
	if !found {
		if methods := r.allowed(req.URL.Path); len(methods) > 0 {
			w.Header().Set("Allow", strings.Join(methods, ", "))
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		http.NotFound(w, req)
		return
	}

	ctx := context.WithValue(req.Context(), routeContextKey{}, routeInfo{pattern: route.pattern, params: params})
	route.handler(w, req.WithContext(ctx))
}

type routeContextKey struct{}

type routeInfo struct {
	pattern string
	params  map[string]string
}

func info(r *http.Request) (routeInfo, bool) {
	if r == nil {
		return routeInfo{}, false
	}
	v, ok := r.Context().Value(routeContextKey{}).(routeInfo)
	return v, ok
}

// Param returns the path parameter value from request context
func Param(r *http.Request, name string) string {
	ri, ok := info(r)
	if !ok {
		return ""
	}
	return ri.params[name]
}

// Pattern returns the pattern of the route serving r, or "" outside the
// router.
func Pattern(r *http.Request) string {
	ri, _ := info(r)
	return ri.pattern
}
