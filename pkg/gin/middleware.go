// Package gin gates gin routes behind x402 payments.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
)

// ContextKey is where the settled *x402http.Payment is stored on the gin context.
const ContextKey = "x402_payment"

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description       string
	Resource          string
	ResourceRootURL   string
	CustomPaywallHTML string
	PaywallConfig     *x402http.PaywallConfig
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

// WithPaywallConfig customizes the built-in browser page.
func WithPaywallConfig(config *x402http.PaywallConfig) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.PaywallConfig = config
	}
}

// GetPayment returns the payment that unlocked the request.
func GetPayment(c *gin.Context) (*x402http.Payment, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*x402http.Payment)
	return p, ok
}

// PaymentMiddleware is the Gin middleware charging params for every request.
func PaymentMiddleware(engine *x402.Engine, params x402.ChallengeParams, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		p := params
		if options.Description != "" {
			p.Description = options.Description
		}
		switch {
		case options.Resource != "":
			p.Resource = options.Resource
		case p.Resource == "":
			// FullPath is the route template, so /items/:id is one resource.
			path := c.FullPath()
			if path == "" {
				path = c.Request.URL.Path
			}
			p.Resource = options.ResourceRootURL + path
		}

		out := x402http.Authorize(engine, p, c.Request, nil)

		headers, err := x402http.OutcomeHeaders(out)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, x402http.ErrorBody{Error: err.Error(), Code: "internal_error"})
			return
		}
		for k, v := range headers {
			c.Header(k, v)
		}

		if !out.Allowed {
			if out.StatusCode == http.StatusPaymentRequired && out.Challenge != nil && x402http.IsWebBrowser(c.Request) {
				html := options.CustomPaywallHTML
				if html == "" {
					html = x402http.DefaultPaywallProvider().GenerateHTML(*out.Challenge, options.PaywallConfig)
				}
				c.Abort()
				c.Data(http.StatusPaymentRequired, "text/html; charset=utf-8", []byte(html))
				return
			}
			c.AbortWithStatusJSON(out.StatusCode, x402http.OutcomeBody(out))
			return
		}

		if payment := x402http.PaymentFromOutcome(out); payment != nil {
			c.Set(ContextKey, payment)
		}
		c.Next()
	}
}
