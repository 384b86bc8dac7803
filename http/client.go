package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	x402 "github.com/x402gate/x402"
)

// ErrAmountExceedsLimit is returned when a challenge asks for more than
// the client is willing to pay.
var ErrAmountExceedsLimit = errors.New("challenge amount exceeds client limit")

// ErrTokenNotAllowed is returned when a challenge names a token the
// client does not pay with.
var ErrTokenNotAllowed = errors.New("challenge token not allowed")

// Client answers x402 challenges by signing payment requests.
type Client struct {
	signer     x402.Signer
	maxAmount  decimal.Decimal
	tokens     map[x402.TokenType]struct{}
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxAmount refuses challenges above amount. Zero means no limit.
func WithMaxAmount(amount decimal.Decimal) ClientOption {
	return func(c *Client) {
		c.maxAmount = amount
	}
}

// WithAllowedTokens restricts the tokens the client pays with.
func WithAllowedTokens(tokens ...x402.TokenType) ClientOption {
	return func(c *Client) {
		c.tokens = make(map[x402.TokenType]struct{}, len(tokens))
		for _, t := range tokens {
			c.tokens[t] = struct{}{}
		}
	}
}

// WithHTTPClient sets the client used by Do and Get.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a paying client for signer.
func NewClient(signer x402.Signer, opts ...ClientOption) *Client {
	c := &Client{signer: signer}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c
}

// Pay builds and signs a payment request answering challenge.
func (c *Client) Pay(challenge x402.PaymentChallenge) (x402.PaymentRequest, error) {
	if !challenge.Amount.IsPositive() {
		return x402.PaymentRequest{}, fmt.Errorf("challenge amount must be positive, got %s", challenge.Amount)
	}
	if c.maxAmount.IsPositive() && challenge.Amount.GreaterThan(c.maxAmount) {
		return x402.PaymentRequest{}, fmt.Errorf("%w: %s %s > %s", ErrAmountExceedsLimit,
			challenge.Amount, challenge.Token, c.maxAmount)
	}
	if c.tokens != nil {
		if _, ok := c.tokens[challenge.Token]; !ok {
			return x402.PaymentRequest{}, fmt.Errorf("%w: %s", ErrTokenNotAllowed, challenge.Token)
		}
	}

	req := x402.NewPaymentRequest(challenge)
	if err := x402.SignRequest(&req, c.signer); err != nil {
		return x402.PaymentRequest{}, fmt.Errorf("failed to sign payment request: %w", err)
	}
	return req, nil
}

// PaymentHeader signs challenge and returns the X-Payment-Request value.
func (c *Client) PaymentHeader(challenge x402.PaymentChallenge) (string, error) {
	req, err := c.Pay(challenge)
	if err != nil {
		return "", err
	}
	return EncodeRequestHeader(req)
}

// Do sends req, paying once if the server answers 402 with a challenge.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return WrapHTTPClient(c.httpClient, c).Do(req.WithContext(ctx))
}

// Get performs a GET with automatic payment.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// ChallengeFromResponse extracts the challenge from a 402, preferring the
// X-Payment-Challenge header over the JSON body. The body is left readable.
func ChallengeFromResponse(resp *http.Response) (x402.PaymentChallenge, error) {
	if value := resp.Header.Get(HeaderPaymentChallenge); value != "" {
		return DecodeChallengeHeader(value)
	}
	if resp.Body == nil {
		return x402.PaymentChallenge{}, fmt.Errorf("no payment challenge found in response")
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return x402.PaymentChallenge{}, fmt.Errorf("failed to read 402 response body: %w", err)
	}

	var body struct {
		PaymentChallenge *x402.PaymentChallenge `json:"payment_challenge"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.PaymentChallenge == nil {
		return x402.PaymentChallenge{}, fmt.Errorf("no payment challenge found in response")
	}
	return *body.PaymentChallenge, nil
}

// PaymentResponseFromHeaders decodes X-Payment-Response. It returns nil
// when the header is absent.
func PaymentResponseFromHeaders(h http.Header) (*x402.PaymentResponse, error) {
	value := h.Get(HeaderPaymentResponse)
	if value == "" {
		return nil, nil
	}
	resp, err := DecodeResponseHeader(value)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// WrapHTTPClient returns a copy of client whose transport pays x402
// challenges with c.
func WrapHTTPClient(client *http.Client, c *Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if _, ok := transport.(*PaymentRoundTripper); ok {
		return client
	}
	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{Transport: transport, Client: c}
	return &wrapped
}

// PaymentRoundTripper retries a request once with X-Payment-Request after
// a 402 carrying a challenge.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *Client
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	// A request that already carried a proof is never paid again.
	if resp.StatusCode != http.StatusPaymentRequired || req.Header.Get(HeaderPaymentRequest) != "" {
		return resp, nil
	}

	challenge, err := ChallengeFromResponse(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
	}
	header, err := t.Client.PaymentHeader(challenge)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("cannot fulfill payment challenge: %w", err)
	}

	paid := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			resp.Body.Close()
			return nil, fmt.Errorf("request body cannot be replayed for payment")
		}
		body, err := req.GetBody()
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		paid.Body = body
	}
	paid.Header.Set(HeaderPaymentRequest, header)

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return transport.RoundTrip(paid)
}
