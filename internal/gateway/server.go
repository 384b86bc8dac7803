// Package gateway runs x402gate: a reverse proxy that charges for priced
// routes before forwarding to the upstream service.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	x402 "github.com/x402gate/x402"
	x402http "github.com/x402gate/x402/http"
	"github.com/x402gate/x402/internal/config"
	"github.com/x402gate/x402/pkg/stdlib"
)

// Headers added to requests forwarded upstream after a successful payment.
const (
	HeaderRequestID     = "X-Request-Id"
	HeaderPaymentPayer  = "X-Payment-Payer"
	HeaderSettlementRef = "X-Payment-Settlement"
)

// Server is a configured gateway.
type Server struct {
	cfg      *config.Config
	logger   *log.Logger
	engine   *x402.Engine
	ledger   x402.Ledger
	routes   *x402http.RouteTable
	registry *prometheus.Registry
	metrics  *httpMetrics
	handler  http.Handler

	nonceStore x402.NonceStore
	closers    []io.Closer
}

// Option overrides a backend chosen by the config.
type Option func(*Server)

// WithLedger uses l instead of the configured ledger driver.
func WithLedger(l x402.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// WithNonceStore uses store instead of the configured nonce store.
func WithNonceStore(store x402.NonceStore) Option {
	return func(s *Server) {
		s.nonceStore = store
	}
}

// New opens the configured backends and builds the router.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...Option) (*Server, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if s.metrics, err = newHTTPMetrics(s.registry); err != nil {
		return nil, err
	}

	if s.ledger == nil {
		l, closer, err := OpenLedger(ctx, cfg.Ledger, logger)
		if err != nil {
			return nil, err
		}
		s.ledger = l
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
	}
	if s.nonceStore == nil {
		store, err := OpenNonceStore(ctx, cfg.Nonces)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.nonceStore = store
	}

	engineOpts := []x402.EngineOption{
		x402.WithLogger(logger),
		x402.WithMetrics(s.registry),
		x402.WithCacheTTL(cfg.Payment.CacheTTL),
		x402.WithSettlementTimeout(cfg.Payment.SettlementTimeout),
		x402.WithNonceOptions(s.nonceOptions()...),
	}
	if cfg.Payment.CheckBalance {
		engineOpts = append(engineOpts, x402.WithBalanceCheck())
	}
	s.engine, err = x402.NewEngine(s.ledger, engineOpts...)
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.engine.OnAfterSettle(func(rc x402.SettleResultContext) error {
		logger.WithFields(log.Fields{
			"payer":          rc.Request.Payer(),
			"resource":       rc.Request.Resource,
			"amount":         rc.Request.Amount.String(),
			"token":          rc.Request.Token,
			"settlement_ref": rc.Response.SettlementRef,
		}).Info("payment settled")
		return nil
	})

	routes := make([]x402http.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		params, err := cfg.RouteParams(rc)
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("route %s: %w", rc.Path, err)
		}
		routes = append(routes, x402http.Route{Prefix: rc.Path, Params: params})
	}
	s.routes = x402http.NewRouteTable(routes...)

	s.handler = s.buildRouter(upstream)
	return s, nil
}

func (s *Server) nonceOptions() []x402.NonceOption {
	p := s.cfg.Payment
	opts := []x402.NonceOption{
		x402.WithNonceStore(s.nonceStore),
		x402.WithFreshnessTTL(p.FreshnessTTL),
		x402.WithNonceRetention(p.NonceRetention),
		x402.WithMaxClockSkew(p.MaxClockSkew),
	}
	if p.IssuerID != "" {
		opts = append(opts, x402.WithIssuerID(p.IssuerID))
	}
	return opts
}

func (s *Server) buildRouter(upstream *url.URL) http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.accessLog)

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/vault-balance", s.handleVaultBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/vault-balance/{account}", s.handleVaultBalance).Methods(http.MethodGet)

	paywall := &x402http.PaywallConfig{
		AppName: s.cfg.Paywall.AppName,
		AppLogo: s.cfg.Paywall.AppLogo,
		Cluster: s.cfg.Paywall.Cluster,
	}
	pay := stdlib.PaymentMiddlewareFromRoutes(s.engine, s.routes,
		stdlib.WithPaywall(x402http.DefaultPaywallProvider(), paywall))
	r.PathPrefix("/").Handler(pay(s.proxy(upstream)))
	return r
}

// Handler returns the gateway's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Engine returns the payment engine.
func (s *Server) Engine() *x402.Engine { return s.engine }

// Routes returns the priced routes.
func (s *Server) Routes() *x402http.RouteTable { return s.routes }

// Run serves on the configured address until ctx is done, then drains.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(log.Fields{
			"listen":   s.cfg.Listen,
			"upstream": s.cfg.Upstream,
			"routes":   len(s.routes.Routes()),
		}).Info("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.closeBackends()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Payment.SettlementTimeout+5*time.Second)
	defer cancel()
	s.logger.Info("shutting down gateway")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("http shutdown incomplete")
	}
	return s.Close(shutdownCtx)
}

// Close waits for in-flight settlements and releases the backends.
func (s *Server) Close(ctx context.Context) error {
	err := s.engine.Shutdown(ctx)
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.WithError(err).Warn("failed to close backend")
		}
	}
	s.closers = nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type vaultBalance struct {
	Account   string `json:"account"`
	Token     string `json:"token"`
	TokenMint string `json:"token_mint,omitempty"`
	Balance   string `json:"balance"`
}

func (s *Server) handleVaultBalance(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	if account == "" {
		account = s.cfg.Recipient
	}
	if account == "" {
		writeJSON(w, http.StatusBadRequest, x402http.ErrorBody{Error: "no vault account configured", Code: "missing_account"})
		return
	}

	q := r.URL.Query()
	tokenType := x402.TokenSOL
	if t := q.Get("token"); t != "" {
		parsed, err := x402.ParseTokenType(t)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, x402http.ErrorBody{Error: err.Error(), Code: x402.ErrCodeUnsupportedToken})
			return
		}
		tokenType = parsed
	}
	token := x402.FungibleToken(tokenType, q.Get("mint"))
	if err := token.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, x402http.ErrorBody{Error: err.Error(), Code: x402.ErrCodeUnsupportedToken})
		return
	}

	balance, err := s.ledger.Balance(r.Context(), account, token)
	if err != nil {
		s.logger.WithError(err).WithField("account", account).Warn("balance lookup failed")
		writeJSON(w, http.StatusBadGateway, x402http.ErrorBody{Error: "balance lookup failed", Code: "ledger_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, vaultBalance{
		Account:   account,
		Token:     string(token.Type),
		TokenMint: token.Mint,
		Balance:   balance.String(),
	})
}

func (s *Server) proxy(upstream *url.URL) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(upstream)
	director := rp.Director
	rp.Director = func(r *http.Request) {
		director(r)
		r.Header.Del(x402.HeaderPaymentRequest)
		r.Header.Del(HeaderPaymentPayer)
		r.Header.Del(HeaderSettlementRef)
		if p, ok := stdlib.PaymentFromContext(r.Context()); ok {
			r.Header.Set(HeaderPaymentPayer, p.Request.Payer())
			r.Header.Set(HeaderSettlementRef, p.Response.SettlementRef)
		}
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.WithError(err).WithFields(log.Fields{
			"path":       r.URL.Path,
			"request_id": r.Header.Get(HeaderRequestID),
		}).Error("upstream request failed")
		writeJSON(w, http.StatusBadGateway, x402http.ErrorBody{Error: "upstream unavailable", Code: "bad_gateway"})
	}
	return rp
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
