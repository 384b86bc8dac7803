package stdlib

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
	"github.com/x402gate/x402/ledger/memory"
)

func premiumParams() x402.ChallengeParams {
	return x402.ChallengeParams{
		Amount:    decimal.RequireFromString("0.001"),
		Recipient: "vault",
		Token:     x402.TokenSOL,
	}
}

func setup(t *testing.T) (*x402.Engine, *memory.Ledger, *x402.Ed25519Signer) {
	t.Helper()
	ledger := memory.New()
	engine, err := x402.NewEngine(ledger)
	require.NoError(t, err)
	signer, err := x402.GenerateEd25519Signer()
	require.NoError(t, err)
	ledger.Deposit(signer.PublicKey(), x402.NativeToken(), decimal.NewFromInt(1))
	return engine, ledger, signer
}

func premiumHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PaymentFromContext(r.Context())
		if !ok {
			http.Error(w, "no payment", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("paid by " + p.Request.Payer()))
	})
}

func TestPaymentMiddleware_ChallengeThenPay(t *testing.T) {
	engine, _, signer := setup(t)
	h := PaymentMiddleware(engine, premiumParams())(premiumHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, `x402 amount="0.001", token="SOL"`, rec.Header().Get("WWW-Authenticate"))

	challenge, err := x402http.DecodeChallengeHeader(rec.Header().Get(x402.HeaderPaymentChallenge))
	require.NoError(t, err)
	assert.Equal(t, "/premium", challenge.Resource)

	proof, err := x402http.NewClient(signer).PaymentHeader(challenge)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.HeaderPaymentRequest, proof)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid by "+signer.PublicKey(), rec.Body.String())
	resp, err := x402http.DecodeResponseHeader(rec.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, x402.StatusCompleted, resp.Status)

	// Same proof again: idempotent retry from the cache.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentMiddleware_WrongResourceIs400(t *testing.T) {
	engine, _, signer := setup(t)
	h := PaymentMiddleware(engine, premiumParams())(premiumHandler())

	challenge, err := engine.Challenge(x402.ChallengeParams{
		Amount: decimal.RequireFromString("0.001"), Recipient: "vault", Token: x402.TokenSOL, Resource: "/other",
	})
	require.NoError(t, err)
	proof, err := x402http.NewClient(signer).PaymentHeader(challenge)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set(x402.HeaderPaymentRequest, proof)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body x402http.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, x402.ErrCodeResourceMismatch, body.Code)
}

func TestPaymentMiddleware_RejectsHostileProofs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]interface{})
	}{
		{"oversized header", func(doc map[string]interface{}) {
			meta := doc["metadata"].(map[string]interface{})
			meta["pad"] = strings.Repeat("a", 17<<10)
		}},
		{"huge amount exponent", func(doc map[string]interface{}) {
			doc["amount"] = "1e1000000000"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, signer := setup(t)
			h := PaymentMiddleware(engine, premiumParams())(premiumHandler())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
			challenge, err := x402http.DecodeChallengeHeader(rec.Header().Get(x402.HeaderPaymentChallenge))
			require.NoError(t, err)
			proof, err := x402http.NewClient(signer).PaymentHeader(challenge)
			require.NoError(t, err)

			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(proof), &doc))
			tt.mutate(doc)
			hostile, err := json.Marshal(doc)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/premium", nil)
			req.Header.Set(x402.HeaderPaymentRequest, string(hostile))
			rec = httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body x402http.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, x402.ErrCodeMalformedProof, body.Code)
		})
	}
}

func TestPaymentMiddleware_BrowserPaywall(t *testing.T) {
	engine, _, _ := setup(t)
	h := PaymentMiddleware(engine, premiumParams(), WithCustomPaywallHTML("<p>pay up</p>"))(premiumHandler())

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "<p>pay up</p>", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(x402.HeaderPaymentChallenge))
}

func TestPaymentMiddleware_ResourceOptions(t *testing.T) {
	engine, _, _ := setup(t)

	rec := httptest.NewRecorder()
	PaymentMiddleware(engine, premiumParams(), WithResourceRootURL("https://api.example.com"), WithDescription("Premium data"))(premiumHandler()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	c, err := x402http.DecodeChallengeHeader(rec.Header().Get(x402.HeaderPaymentChallenge))
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/premium", c.Resource)
	assert.Equal(t, "Premium data", c.Description)

	rec = httptest.NewRecorder()
	PaymentMiddleware(engine, premiumParams(), WithResource("report-42"))(premiumHandler()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	c, err = x402http.DecodeChallengeHeader(rec.Header().Get(x402.HeaderPaymentChallenge))
	require.NoError(t, err)
	assert.Equal(t, "report-42", c.Resource)
}

func TestPaymentMiddlewareFromRoutes(t *testing.T) {
	engine, ledger, signer := setup(t)
	routes := x402http.NewRouteTable(x402http.Route{Prefix: "/premium", Params: premiumParams()})

	mux := http.NewServeMux()
	mux.Handle("/premium/", premiumHandler())
	mux.HandleFunc("/free", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("free"))
	})
	srv := httptest.NewServer(PaymentMiddlewareFromRoutes(engine, routes)(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/free")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "free", string(body))

	resp, err = http.Get(srv.URL + "/premium/report")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp, err = x402http.NewClient(signer).Get(context.Background(), srv.URL+"/premium/report")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid by "+signer.PublicKey(), string(body))

	require.Len(t, ledger.Settlements(), 1)
	assert.Equal(t, "/premium/report", ledger.Settlements()[0].Request.Resource)
}
