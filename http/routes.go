package http

import (
	"net/http"
	"sort"
	"strings"

	x402 "github.com/x402gate/x402"
)

// Route prices every request whose path starts with Prefix. Params.Resource
// may be left empty to use the request path.
type Route struct {
	Prefix string
	Params x402.ChallengeParams
}

// RouteTable matches request paths to priced routes, longest prefix first.
type RouteTable struct {
	routes []Route
}

// NewRouteTable builds a table. Later duplicates of a prefix win.
func NewRouteTable(routes ...Route) *RouteTable {
	byPrefix := make(map[string]Route, len(routes))
	for _, r := range routes {
		byPrefix[normalizePrefix(r.Prefix)] = Route{Prefix: normalizePrefix(r.Prefix), Params: r.Params}
	}
	t := &RouteTable{routes: make([]Route, 0, len(byPrefix))}
	for _, r := range byPrefix {
		t.routes = append(t.routes, r)
	}
	sort.Slice(t.routes, func(i, j int) bool {
		if len(t.routes[i].Prefix) != len(t.routes[j].Prefix) {
			return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
		}
		return t.routes[i].Prefix < t.routes[j].Prefix
	})
	return t
}

// Match returns the route for path. A prefix matches on whole path
// segments: /premium matches /premium and /premium/x but not /premiumx.
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.Prefix == "/" || path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the routes in match order.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

func normalizePrefix(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Authorize runs the engine for an HTTP request.
func Authorize(engine *x402.Engine, params x402.ChallengeParams, r *http.Request, adapter Adapter) x402.Outcome {
	if adapter == nil {
		adapter = PathAdapter{}
	}
	proof := adapter.ProofHeader(r)
	if proof == "" {
		return engine.Authorize(r.Context(), params, nil)
	}
	return engine.AuthorizeProof(r.Context(), params, []byte(proof))
}

// Payment is the settled payment behind an allowed request.
type Payment struct {
	Request  x402.PaymentRequest
	Response x402.PaymentResponse
}

// PaymentFromOutcome returns the settled payment of an allowed outcome.
func PaymentFromOutcome(o x402.Outcome) *Payment {
	if !o.Allowed || o.Request == nil || o.Response == nil {
		return nil
	}
	return &Payment{Request: *o.Request, Response: *o.Response}
}
