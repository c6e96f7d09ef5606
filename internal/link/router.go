package link

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/danmuck/linkmux/internal/protocol/packet"
	"github.com/danmuck/linkmux/internal/protocol/way"
)

// Match selects one header field.
type Match func(v int32) bool

// Any matches every value.
func Any() Match {
	return func(int32) bool { return true }
}

func Eq(want int32) Match {
	return func(v int32) bool { return v == want }
}

func In(vs ...int32) Match {
	set := slices.Clone(vs)
	return func(v int32) bool { return slices.Contains(set, v) }
}

// OnWay matches the listed way codes.
func OnWay(ws ...way.Way) Match {
	set := slices.Clone(ws)
	return func(v int32) bool { return slices.Contains(set, way.Way(v)) }
}

// Route selects inbound request packets by way, type and extra. Nil Type and
// Extra match anything; Way must be set and must not accept reserved codes.
type Route struct {
	Way   Match
	Type  Match
	Extra Match
}

func (r Route) matches(p *packet.Packet) bool {
	if !r.Way(int32(p.Way)) {
		return false
	}
	if r.Type != nil && !r.Type(p.Type) {
		return false
	}
	return r.Extra == nil || r.Extra(p.Extra)
}

// ResponseWriter answers the request being served.
type ResponseWriter interface {
	// Reply sends p correlated with the request. Its Way must be an
	// application code or an answer code.
	Reply(p *packet.Packet) error
	Session() *Session
}

// Handler serves inbound requests. Handlers run on the session's dispatch
// goroutine, one at a time in arrival order.
type Handler interface {
	ServePacket(ctx context.Context, w ResponseWriter, p *packet.Packet)
}

type HandlerFunc func(ctx context.Context, w ResponseWriter, p *packet.Packet)

func (f HandlerFunc) ServePacket(ctx context.Context, w ResponseWriter, p *packet.Packet) {
	f(ctx, w, p)
}

type routeEntry struct {
	route   Route
	handler Handler
}

// Router dispatches requests to the first matching route.
type Router struct {
	mu     sync.RWMutex
	routes []routeEntry
}

func NewRouter() *Router {
	return &Router{}
}

// Handle registers h for route. Routes whose way selector could receive a
// reserved code are rejected.
func (r *Router) Handle(route Route, h Handler) error {
	if h == nil {
		return errors.New("link: nil handler")
	}
	var match func(way.Way) bool
	if route.Way != nil {
		match = func(w way.Way) bool { return route.Way(int32(w)) }
	}
	if err := way.ValidateMatch(match); err != nil {
		return err
	}
	r.mu.Lock()
	r.routes = append(r.routes, routeEntry{route: route, handler: h})
	r.mu.Unlock()
	return nil
}

func (r *Router) HandleFunc(route Route, f func(ctx context.Context, w ResponseWriter, p *packet.Packet)) error {
	return r.Handle(route, HandlerFunc(f))
}

// Lookup returns the handler for p, or nil.
func (r *Router) Lookup(p *packet.Packet) Handler {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.routes {
		if e.route.matches(p) {
			return e.handler
		}
	}
	return nil
}
