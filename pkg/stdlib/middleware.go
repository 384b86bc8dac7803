// Package stdlib gates net/http handlers behind x402 payments.
package stdlib

import (
	"context"
	"net/http"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description       string
	Resource          string
	ResourceRootURL   string
	CustomPaywallHTML string
	Paywall           x402http.PaywallProvider
	PaywallConfig     *x402http.PaywallConfig
	Adapter           x402http.Adapter
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription sets the challenge description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithResource fixes the resource id instead of using the request path.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL prefixes the request path when deriving the resource id.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithCustomPaywallHTML serves html to browsers instead of the built-in page.
func WithCustomPaywallHTML(html string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.CustomPaywallHTML = html
	}
}

// WithPaywall sets the browser paywall renderer.
func WithPaywall(provider x402http.PaywallProvider, config *x402http.PaywallConfig) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Paywall = provider
		options.PaywallConfig = config
	}
}

// WithAdapter overrides how the proof and resource id are read.
func WithAdapter(adapter x402http.Adapter) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Adapter = adapter
	}
}

type paymentKey struct{}

// PaymentFromContext returns the payment that unlocked the request.
func PaymentFromContext(ctx context.Context) (*x402http.Payment, bool) {
	p, ok := ctx.Value(paymentKey{}).(*x402http.Payment)
	return p, ok
}

func newOptions(opts []Options) *PaymentMiddlewareOptions {
	options := &PaymentMiddlewareOptions{Adapter: x402http.PathAdapter{}}
	for _, opt := range opts {
		opt(options)
	}
	if options.CustomPaywallHTML != "" {
		html := options.CustomPaywallHTML
		options.Paywall = x402http.PaywallProviderFunc(func(x402.PaymentChallenge, *x402http.PaywallConfig) string {
			return html
		})
	}
	return options
}

// PaymentMiddleware charges params for every request through the handler.
func PaymentMiddleware(engine *x402.Engine, params x402.ChallengeParams, opts ...Options) func(http.Handler) http.Handler {
	options := newOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			serve(engine, params, options, next, w, r)
		})
	}
}

// PaymentMiddlewareFromRoutes prices requests by path prefix. Requests
// matching no route pass through unpaid.
func PaymentMiddlewareFromRoutes(engine *x402.Engine, routes *x402http.RouteTable, opts ...Options) func(http.Handler) http.Handler {
	options := newOptions(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := routes.Match(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			serve(engine, route.Params, options, next, w, r)
		})
	}
}

func serve(engine *x402.Engine, params x402.ChallengeParams, options *PaymentMiddlewareOptions, next http.Handler, w http.ResponseWriter, r *http.Request) {
	params = resolveParams(params, options, r)
	out := x402http.Authorize(engine, params, r, options.Adapter)

	if !out.Allowed {
		if x402http.IsWebBrowser(r) {
			x402http.WritePaywall(w, out, options.Paywall, options.PaywallConfig)
			return
		}
		x402http.WriteOutcome(w, out)
		return
	}

	x402http.WriteOutcome(w, out)
	if p := x402http.PaymentFromOutcome(out); p != nil {
		r = r.WithContext(context.WithValue(r.Context(), paymentKey{}, p))
	}
	next.ServeHTTP(w, r)
}

func resolveParams(params x402.ChallengeParams, options *PaymentMiddlewareOptions, r *http.Request) x402.ChallengeParams {
	if options.Description != "" {
		params.Description = options.Description
	}
	switch {
	case options.Resource != "":
		params.Resource = options.Resource
	case params.Resource == "":
		params.Resource = options.ResourceRootURL + options.Adapter.ResourceID(r)
	}
	return params
}
