package http

import (
	"bytes"
	"html/template"
	"net/http"
	"strings"

	x402 "github.com/x402gate/x402"
)

// PaywallConfig customizes the browser paywall page.
type PaywallConfig struct {
	AppName string
	AppLogo string
	// Cluster is shown next to the recipient, e.g. "devnet".
	Cluster string
}

// PaywallProvider renders HTML for browser-facing 402 responses.
type PaywallProvider interface {
	GenerateHTML(challenge x402.PaymentChallenge, config *PaywallConfig) string
}

// PaywallProviderFunc adapts a function to PaywallProvider.
type PaywallProviderFunc func(x402.PaymentChallenge, *PaywallConfig) string

func (f PaywallProviderFunc) GenerateHTML(c x402.PaymentChallenge, config *PaywallConfig) string {
	return f(c, config)
}

var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:36rem;margin:4rem auto;padding:0 1rem;color:#1f2328}
dl{display:grid;grid-template-columns:max-content 1fr;gap:.4rem 1rem}
dt{font-weight:600}dd{margin:0;word-break:break-all}
pre{background:#f6f8fa;padding:1rem;overflow-x:auto;font-size:.8rem}
</style>
</head>
<body>
{{if .Logo}}<img src="{{.Logo}}" alt="" height="48">{{end}}
<h1>{{.Title}}</h1>
<p>{{.Challenge.Description}}</p>
<dl>
<dt>Amount</dt><dd>{{.Amount}} {{.Challenge.Token}}</dd>
{{if .Challenge.TokenMint}}<dt>Mint</dt><dd>{{.Challenge.TokenMint}}</dd>{{end}}
<dt>Recipient</dt><dd>{{.Challenge.Recipient}}{{if .Cluster}} ({{.Cluster}}){{end}}</dd>
<dt>Resource</dt><dd>{{.Challenge.Resource}}</dd>
</dl>
<p>Sign the challenge below and resend the request with an <code>X-Payment-Request</code> header.</p>
<pre id="x402-challenge">{{.ChallengeJSON}}</pre>
</body>
</html>
`))

type paywallView struct {
	Title         string
	Logo          string
	Cluster       string
	Amount        string
	Challenge     x402.PaymentChallenge
	ChallengeJSON string
}

// DefaultPaywallProvider renders a static page describing the challenge.
func DefaultPaywallProvider() PaywallProvider {
	return PaywallProviderFunc(renderPaywall)
}

func renderPaywall(c x402.PaymentChallenge, config *PaywallConfig) string {
	view := paywallView{
		Title:     "Payment Required",
		Amount:    x402.CanonicalAmount(c.Amount),
		Challenge: c,
	}
	if config != nil {
		if config.AppName != "" {
			view.Title = config.AppName + ": Payment Required"
		}
		view.Logo = config.AppLogo
		view.Cluster = config.Cluster
	}
	view.ChallengeJSON, _ = EncodeChallengeHeader(c)

	var buf bytes.Buffer
	if err := paywallTemplate.Execute(&buf, view); err != nil {
		return ""
	}
	return buf.String()
}

// IsWebBrowser reports whether the request looks like a browser
// navigation rather than an API call.
func IsWebBrowser(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

// WritePaywall writes a 402 outcome as an HTML page. It falls back to
// WriteOutcome when the outcome has no challenge or the provider
// renders nothing.
func WritePaywall(w http.ResponseWriter, o x402.Outcome, provider PaywallProvider, config *PaywallConfig) {
	if o.Allowed || o.StatusCode != http.StatusPaymentRequired || o.Challenge == nil {
		WriteOutcome(w, o)
		return
	}
	if provider == nil {
		provider = DefaultPaywallProvider()
	}
	page := provider.GenerateHTML(*o.Challenge, config)
	if page == "" {
		WriteOutcome(w, o)
		return
	}
	if err := SetOutcomeHeaders(w.Header(), o); err != nil {
		WriteOutcome(w, o)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write([]byte(page))
}
