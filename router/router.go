// Package router maps request URIs to handlers and enforces the role each
// route requires before the handler runs.
//
// The table is assembled once with a Builder and is read-only afterwards, so
// a single Router is shared by every connection without locking.
package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"campus-rpc/auth"
	"campus-rpc/message"
)

// HandlerFunc serves one request. A returned error is reported to the
// client as INTERNAL_ERROR carrying the error's message.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// Route binds a URI to the role it requires and the handler serving it.
type Route struct {
	URI         string
	Role        string
	Description string
	Handler     HandlerFunc
}

// Router dispatches requests using a static route table.
type Router struct {
	routes map[string]Route
	clock  clock.Clock
	policy auth.Policy
	logger *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the clock used for session expiry checks.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithPolicy sets the authorization policy.
func WithPolicy(p auth.Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Builder collects routes before the table is frozen.
type Builder struct {
	routes []Route
	opts   []Option
}

// NewBuilder starts an empty route table.
func NewBuilder(opts ...Option) *Builder {
	return &Builder{opts: opts}
}

// Handle adds a route.
func (b *Builder) Handle(uri, role string, h HandlerFunc) *Builder {
	return b.Add(Route{URI: uri, Role: role, Handler: h})
}

// Add adds fully described routes.
func (b *Builder) Add(routes ...Route) *Builder {
	b.routes = append(b.routes, routes...)
	return b
}

// Build validates the table and returns the Router. Duplicate URIs and
// incomplete descriptors are configuration errors.
func (b *Builder) Build() (*Router, error) {
	r := &Router{
		routes: make(map[string]Route, len(b.routes)),
		clock:  clock.WallClock,
		logger: zap.NewNop(),
	}
	for _, opt := range b.opts {
		opt(r)
	}

	for _, route := range b.routes {
		switch {
		case route.URI == "":
			return nil, errors.NotValidf("route with empty uri")
		case route.Role == "":
			return nil, errors.NotValidf("route %q without required role", route.URI)
		case route.Handler == nil:
			return nil, errors.NotValidf("route %q without handler", route.URI)
		}
		if _, dup := r.routes[route.URI]; dup {
			return nil, errors.AlreadyExistsf("route %q", route.URI)
		}
		r.routes[route.URI] = route
	}
	return r, nil
}

// MustBuild is like Build but panics on configuration errors. It is meant for
// tables fixed at compile time.
func (b *Builder) MustBuild() *Router {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Policy returns the authorization policy the router enforces.
func (r *Router) Policy() auth.Policy {
	return r.policy
}

// Lookup returns the route registered for uri.
func (r *Router) Lookup(uri string) (Route, bool) {
	route, ok := r.routes[uri]
	return route, ok
}

// Routes returns every route sorted by URI.
func (r *Router) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for _, route := range r.routes {
		out = append(out, route)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Dispatch routes req to its handler after checking the required role.
// It never panics and the returned response always carries req's id.
func (r *Router) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	resp := r.dispatch(ctx, req)
	resp.ID = req.ID
	if resp.Timestamp.IsZero() {
		resp.Timestamp = r.clock.Now()
	}
	return resp
}

func (r *Router) dispatch(ctx context.Context, req *message.Request) *message.Response {
	route, ok := r.routes[req.URI]
	if !ok {
		return message.Errorf(message.StatusNotFound, "no route for %q", req.URI)
	}
	if !r.policy.HasPermission(req.Session, route.Role, r.clock.Now()) {
		return message.Errorf(message.StatusForbidden, "%q requires role %q", req.URI, route.Role)
	}
	return r.invoke(ctx, route, req)
}

func (r *Router) invoke(ctx context.Context, route Route, req *message.Request) (resp *message.Response) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("handler panicked",
				zap.String("uri", route.URI),
				zap.String("id", req.ID),
				zap.Any("panic", v),
				zap.ByteString("stack", debug.Stack()),
			)
			resp = message.NewResponse(message.StatusInternalError, fmt.Sprint(v))
		}
	}()

	resp, err := route.Handler(ctx, req)
	if err != nil {
		r.logger.Warn("handler failed",
			zap.String("uri", route.URI),
			zap.String("id", req.ID),
			zap.Error(err),
		)
		return message.NewResponse(message.StatusInternalError, err.Error())
	}
	if resp == nil {
		return message.NewResponse(message.StatusInternalError, "handler returned no response")
	}
	return resp
}
