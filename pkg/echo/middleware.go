// Package echo gates echo routes behind x402 payments.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

// ContextKey is where the settled *x402http.Payment is stored on the echo context.
const ContextKey = "x402_payment"

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description     string
	Resource        string
	ResourceRootURL string
	Paywall         x402http.PaywallProvider
	PaywallConfig   *x402http.PaywallConfig
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription sets the challenge description.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithResource fixes the resource id instead of using the route path.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL prefixes the route path when deriving the resource id.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithPaywall sets the browser paywall renderer.
func WithPaywall(provider x402http.PaywallProvider, config *x402http.PaywallConfig) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Paywall = provider
		options.PaywallConfig = config
	}
}

// GetPayment returns the payment that unlocked the request.
func GetPayment(c echo.Context) (*x402http.Payment, bool) {
	p, ok := c.Get(ContextKey).(*x402http.Payment)
	return p, ok
}

// PaymentMiddleware is the Echo middleware charging params for every request.
func PaymentMiddleware(engine *x402.Engine, params x402.ChallengeParams, opts ...Options) echo.MiddlewareFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Paywall == nil {
		options.Paywall = x402http.DefaultPaywallProvider()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := params
			if options.Description != "" {
				p.Description = options.Description
			}
			switch {
			case options.Resource != "":
				p.Resource = options.Resource
			case p.Resource == "":
				path := c.Path()
				if path == "" {
					path = c.Request().URL.Path
				}
				p.Resource = options.ResourceRootURL + path
			}

			out := x402http.Authorize(engine, p, c.Request(), nil)
			if err := x402http.SetOutcomeHeaders(c.Response().Header(), out); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}

			if !out.Allowed {
				if out.StatusCode == http.StatusPaymentRequired && out.Challenge != nil && x402http.IsWebBrowser(c.Request()) {
					if html := options.Paywall.GenerateHTML(*out.Challenge, options.PaywallConfig); html != "" {
						return c.HTMLBlob(http.StatusPaymentRequired, []byte(html))
					}
				}
				return c.JSON(out.StatusCode, x402http.OutcomeBody(out))
			}

			if payment := x402http.PaymentFromOutcome(out); payment != nil {
				c.Set(ContextKey, payment)
			}
			return next(c)
		}
	}
}
