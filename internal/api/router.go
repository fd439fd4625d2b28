// Package api wires the accepting HTTP/WebSocket endpoint, the JWT
// verification pipeline, and the proxy pair state machine together behind
// a chi router.
package api

import (
	"fmt"
	"sync"
)

// Route is a pre-configured (routeId, upstream) pair describing a
// downstream target. Route resolution itself — matching a request path to
// a routeId/authorization policy — belongs to the surrounding control
// plane; StaticRouter is this repo's minimal, self-contained stand-in so
// the proxy is runnable without one.
type Route struct {
	RouteID     uint64
	UpstreamURL string
}

// StaticRouter resolves a request path to a Route from a fixed table
// loaded at startup, and implements proxy.Router's throttle bookkeeping.
type StaticRouter struct {
	mu       sync.Mutex
	routes   map[string]Route
	throttle map[uint64]struct{}
}

// NewStaticRouter builds a StaticRouter from a path -> Route table.
func NewStaticRouter(routes map[string]Route) *StaticRouter {
	return &StaticRouter{
		routes:   routes,
		throttle: make(map[uint64]struct{}),
	}
}

// Resolve returns the Route bound to path, if any.
func (r *StaticRouter) Resolve(path string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[path]
	return route, ok
}

// ResolveUpstream satisfies the accept-side websocket handler's
// RouteResolver interface without that package importing this one.
func (r *StaticRouter) ResolveUpstream(path string) (routeID uint64, upstreamURL string, ok bool) {
	route, found := r.Resolve(path)
	if !found {
		return 0, "", false
	}
	return route.RouteID, route.UpstreamURL, true
}

// Throttle marks acceptInitialID as throttled pending its paired reply.
func (r *StaticRouter) Throttle(acceptInitialID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttle[acceptInitialID] = struct{}{}
}

// ClearThrottle implements proxy.Router.
func (r *StaticRouter) ClearThrottle(acceptInitialID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.throttle, acceptInitialID)
}

// IsThrottled reports whether acceptInitialID is still awaiting its reply.
func (r *StaticRouter) IsThrottled(acceptInitialID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.throttle[acceptInitialID]
	return ok
}

// ErrRouteNotFound is returned when a path has no configured Route.
var ErrRouteNotFound = fmt.Errorf("api: route not found")
