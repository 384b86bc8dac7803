package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
	"github.com/x402gate/x402/internal/config"
	"github.com/x402gate/x402/ledger/memory"
)

type fixture struct {
	gateway  *httptest.Server
	server   *Server
	ledger   *memory.Ledger
	signer   *x402.Ed25519Signer

	mu       sync.Mutex
	received *http.Request
}

// upstream returns the last request the upstream saw.
func (f *fixture) upstream() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.received = r.Clone(context.Background())
		f.mu.Unlock()
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	signer, err := x402.GenerateEd25519Signer()
	require.NoError(t, err)
	f.signer = signer

	cfg := config.Default()
	cfg.Upstream = upstream.URL
	cfg.Recipient = "vault"
	cfg.Routes = []config.RouteConfig{
		{Path: "/premium", Amount: "0.001", Token: "SOL"},
		{Path: "/reports", Amount: "2", Token: "SOL", Description: "Report access"},
	}
	require.NoError(t, cfg.Validate())

	f.ledger = memory.New()
	f.ledger.Deposit(signer.PublicKey(), x402.NativeToken(), decimal.NewFromInt(1))

	logger := log.New()
	logger.SetOutput(io.Discard)
	srv, err := New(context.Background(), cfg, logger, WithLedger(f.ledger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	f.server = srv

	f.gateway = httptest.NewServer(srv.Handler())
	t.Cleanup(f.gateway.Close)
	return f
}

func TestGateway_FreeRoutePassesThrough(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.gateway.URL + "/public/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/public/info", string(body))
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))
	assert.Equal(t, resp.Header.Get(HeaderRequestID), f.upstream().Header.Get(HeaderRequestID))
}

func TestGateway_PricedRoute(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.gateway.URL + "/premium/article")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Nil(t, f.upstream())

	challenge, err := x402http.DecodeChallengeHeader(resp.Header.Get(x402.HeaderPaymentChallenge))
	require.NoError(t, err)
	assert.Equal(t, "/premium/article", challenge.Resource)
	assert.Equal(t, "vault", challenge.Recipient)

	client := &http.Client{Transport: &x402http.PaymentRoundTripper{Client: x402http.NewClient(f.signer)}}
	resp, err = client.Get(f.gateway.URL + "/premium/article")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/premium/article", string(body))
	require.NotNil(t, f.upstream())
	assert.Equal(t, f.signer.PublicKey(), f.upstream().Header.Get(HeaderPaymentPayer))
	assert.NotEmpty(t, f.upstream().Header.Get(HeaderSettlementRef))
	assert.Empty(t, f.upstream().Header.Get(x402.HeaderPaymentRequest))

	pr, err := x402http.PaymentResponseFromHeaders(resp.Header)
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.True(t, pr.Success)
}

func TestGateway_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	client := &http.Client{Transport: &x402http.PaymentRoundTripper{Client: x402http.NewClient(f.signer)}}

	resp, err := client.Get(f.gateway.URL + "/reports/q3")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Nil(t, f.upstream())
	var body x402http.ChallengeBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, x402.ErrCodeInsufficientFunds, body.Code)
	require.NotNil(t, body.PaymentChallenge)
	assert.Equal(t, "Report access", body.PaymentChallenge.Description)
}

func TestGateway_Health(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.gateway.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.Nil(t, f.upstream())
}

func TestGateway_VaultBalance(t *testing.T) {
	f := newFixture(t)
	f.ledger.Deposit("vault", x402.NativeToken(), decimal.RequireFromString("0.5"))
	f.ledger.Deposit("other", x402.FungibleToken(x402.TokenUSDC, "mint1"), decimal.NewFromInt(3))

	tests := []struct {
		name       string
		path       string
		wantStatus int
		want       vaultBalance
	}{
		{
			name:       "default vault",
			path:       "/api/vault-balance",
			wantStatus: http.StatusOK,
			want:       vaultBalance{Account: "vault", Token: "SOL", Balance: "0.5"},
		},
		{
			name:       "named account and token",
			path:       "/api/vault-balance/other?token=USDC&mint=mint1",
			wantStatus: http.StatusOK,
			want:       vaultBalance{Account: "other", Token: "USDC", TokenMint: "mint1", Balance: "3"},
		},
		{
			name:       "unknown token",
			path:       "/api/vault-balance?token=DOGE",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(f.gateway.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got vaultBalance
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGateway_Metrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.gateway.URL + "/premium")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(f.gateway.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	text := string(body)
	assert.True(t, strings.Contains(text, `x402gate_http_requests_total{method="GET",route="/premium",status="402"} 1`), text)
	assert.Contains(t, text, "x402_authorizations_total")
}

func TestGateway_UpstreamDown(t *testing.T) {
	cfg := config.Default()
	cfg.Upstream = "http://127.0.0.1:1"
	logger := log.New()
	logger.SetOutput(io.Discard)
	srv, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer srv.Close(context.Background())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOpenNonceStore(t *testing.T) {
	store, err := OpenNonceStore(context.Background(), config.NonceConfig{Store: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	ok, err := store.Consume(context.Background(), "n1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = OpenNonceStore(context.Background(), config.NonceConfig{Store: "redis"})
	assert.Error(t, err)
}

func TestOpenLedger_MemoryDeposits(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	l, closer, err := OpenLedger(context.Background(), config.LedgerConfig{
		Driver:   "memory",
		Deposits: []config.DepositConfig{{Account: "alice", Amount: "2.5", Token: "SOL"}},
	}, logger)
	require.NoError(t, err)
	assert.Nil(t, closer)

	bal, err := l.Balance(context.Background(), "alice", x402.NativeToken())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("2.5")))

	_, _, err = OpenLedger(context.Background(), config.LedgerConfig{Driver: "solana", PayerKey: "not-a-key"}, logger)
	assert.Error(t, err)
}
