// Package router implements the gateway's route table: a longest-prefix
// match from request path to a configured route rule, plus the path
// rewrite that turns a matched request path into the one sent upstream.
package router

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/flowmesh/gateway/internal/config"
)

// Route is a compiled route rule: the declared config plus whatever needed
// precompiling (the rewrite regex) and its original declaration order.
type Route struct {
	Config    config.Route
	configIdx int

	rewriteRegex *regexp.Regexp
}

// ID returns the route's declared identifier.
func (r *Route) ID() string { return r.Config.ID }

// AllowsMethod reports whether method is permitted on this route. An empty
// Methods list allows every method.
func (r *Route) AllowsMethod(method string) bool {
	if len(r.Config.Methods) == 0 {
		return true
	}
	for _, m := range r.Config.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Rewrite applies the route's path rewrite rule to requestPath, returning
// it unchanged if no rewrite is configured.
func (r *Route) Rewrite(requestPath string) string {
	rw := r.Config.PathRewrite
	if rw == nil {
		return requestPath
	}
	if rw.ReplacePrefix != "" {
		suffix := strings.TrimPrefix(requestPath, r.Config.PathPrefix)
		return singleJoinSlash(rw.ReplacePrefix, suffix)
	}
	if r.rewriteRegex != nil {
		return r.rewriteRegex.ReplaceAllString(requestPath, rw.RegexReplace)
	}
	return requestPath
}

func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}

// Router holds the live route table, ordered so the longest matching
// pathPrefix always wins, with declaration order as the tie-breaker (§3).
type Router struct {
	mu     sync.RWMutex
	routes []*Route
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Load replaces the entire route table from a configuration snapshot's
// route list. Longest prefixes sort first; equal-length prefixes keep
// their declaration order.
func Load(routes []config.Route) (*Router, error) {
	rt := &Router{}
	for i, cfg := range routes {
		route := &Route{Config: cfg, configIdx: i}
		if cfg.PathRewrite != nil && cfg.PathRewrite.RegexMatch != "" {
			re, err := regexp.Compile(cfg.PathRewrite.RegexMatch)
			if err != nil {
				return nil, err
			}
			route.rewriteRegex = re
		}
		rt.routes = append(rt.routes, route)
	}
	sort.SliceStable(rt.routes, func(i, j int) bool {
		li, lj := len(rt.routes[i].Config.PathPrefix), len(rt.routes[j].Config.PathPrefix)
		if li != lj {
			return li > lj
		}
		return rt.routes[i].configIdx < rt.routes[j].configIdx
	})
	return rt, nil
}

// Match returns the longest-prefix route whose pathPrefix matches path and
// whose Methods list (if any) permits method. ok is false when no
// configured route's prefix matches path at all; methodMismatch is true
// when a route's prefix matched but its Methods list rejected method,
// distinguishing "no such route" (404) from "route exists, method isn't
// allowed" (405, §7).
func (rt *Router) Match(path, method string) (route *Route, ok bool, methodMismatch bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	for _, r := range rt.routes {
		if !strings.HasPrefix(path, r.Config.PathPrefix) {
			continue
		}
		if !r.AllowsMethod(method) {
			methodMismatch = true
			continue
		}
		return r, true, false
	}
	return nil, false, methodMismatch
}

// Routes returns a snapshot copy of the current route table, in match order.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

// Swap atomically replaces the live route table (used on config reload).
func (rt *Router) Swap(next *Router) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes = next.routes
}
