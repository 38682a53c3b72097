// Package router matches request paths against ":param" patterns.
package router

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"

	apperrors "github.com/labring/lima-bridge/pkg/errors"
)

var paramPattern = regexp.MustCompile(`:([a-zA-Z_][a-zA-Z0-9_]*)`)

type route struct {
	method  string
	pattern string
	regex   *regexp.Regexp
	params  []string
	handler http.HandlerFunc
}

// RouteInfo describes one registered route.
type RouteInfo struct {
	Method  string
	Pattern string
}

// Router dispatches on method and path. Routes are tried in registration
// order, so register literal segments before parameters that would shadow
// them, e.g. "/pty/spawn" before "/pty/:id".
type Router struct {
	routes []route
}

func NewRouter() *Router {
	return &Router{}
}

// Register adds a route. A ":name" segment matches one path segment and is
// available to the handler through Param.
func (r *Router) Register(method, pattern string, handler http.HandlerFunc) {
	var params []string
	expr := paramPattern.ReplaceAllStringFunc(regexp.QuoteMeta(pattern), func(m string) string {
		params = append(params, strings.TrimPrefix(m, ":"))
		return `([^/]+)`
	})

	r.routes = append(r.routes, route{
		method:  strings.ToUpper(method),
		pattern: pattern,
		regex:   regexp.MustCompile("^" + expr + "$"),
		params:  params,
		handler: handler,
	})
}

// Routes lists the registered routes in match order.
func (r *Router) Routes() []RouteInfo {
	out := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, RouteInfo{Method: rt.method, Pattern: rt.pattern})
	}
	return out
}

// Match finds the route for method and an escaped path. When the path
// matches only under other methods, allowed lists them and ok is false.
func (r *Router) Match(method, path string) (handler http.HandlerFunc, params map[string]string, allowed []string, ok bool) {
	method = strings.ToUpper(method)

	for _, rt := range r.routes {
		matches := rt.regex.FindStringSubmatch(path)
		if matches == nil {
			continue
		}
		if rt.method != method {
			if !slices.Contains(allowed, rt.method) {
				allowed = append(allowed, rt.method)
			}
			continue
		}

		params = make(map[string]string, len(rt.params))
		for i, name := range rt.params {
			value := matches[i+1]
			if decoded, err := url.PathUnescape(value); err == nil {
				value = decoded
			}
			params[name] = value
		}
		return rt.handler, params, nil, true
	}

	return nil, nil, allowed, false
}

// ServeHTTP implements http.Handler. The escaped path is matched so an
// encoded slash stays inside its segment. Misses are answered with a plain
// HTTP status since no handler envelope applies.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler, params, allowed, ok := r.Match(req.Method, req.URL.EscapedPath())
	if !ok {
		if len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			apperrors.WriteErrorResponse(w, apperrors.NewMethodNotAllowedError(req.Method, req.URL.Path))
			return
		}
		apperrors.WriteErrorResponse(w, apperrors.NewRouteNotFoundError(req.URL.Path))
		return
	}

	if len(params) > 0 {
		req = req.WithContext(context.WithValue(req.Context(), paramsKey{}, params))
	}
	handler(w, req)
}

type paramsKey struct{}

// Param returns the named path parameter, or "".
func Param(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	params, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return params[name]
}
