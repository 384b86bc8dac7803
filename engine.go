package x402

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Header names used on the wire.
const (
	HeaderPaymentChallenge = "X-Payment-Challenge"
	HeaderPaymentRequest   = "X-Payment-Request"
	HeaderPaymentResponse  = "X-Payment-Response"
)

// DefaultSettlementTimeout bounds a single ledger settlement.
const DefaultSettlementTimeout = 30 * time.Second

// Headers is the read side of a request's headers. http.Header satisfies it.
type Headers interface {
	Get(key string) string
}

// Outcome is the engine's decision for one request. The hosting layer turns
// it into a response: Allowed means run the handler; otherwise write
// StatusCode with Challenge, Response and Err as applicable.
type Outcome struct {
	StatusCode int
	Allowed    bool
	Challenge  *PaymentChallenge
	Request    *PaymentRequest
	Response   *PaymentResponse
	Err        *PaymentError
}

// PaymentFailed reports whether a settlement was attempted and failed.
func (o Outcome) PaymentFailed() bool {
	return o.Response != nil && o.Response.Status == StatusFailed
}

// Engine validates payment proofs, consumes their nonces and settles them
// exactly once through a Ledger. One Engine serves all routes of a process.
type Engine struct {
	mu sync.RWMutex

	ledger   Ledger
	verifier Verifier
	nonces   *NonceRegistry
	cache    *PaymentCache
	logger   logrus.FieldLogger
	metrics  *engineMetrics
	now      func() time.Time

	nonceOpts         []NonceOption
	cacheTTL          time.Duration
	settlementTimeout time.Duration
	balanceCheck      bool
	registerer        prometheus.Registerer

	beforeSettleHooks        []BeforeSettleHook
	afterSettleHooks         []AfterSettleHook
	onSettleFailureHooks     []OnSettleFailureHook
	onValidationFailureHooks []OnValidationFailureHook

	settling sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithVerifier replaces the default MultiVerifier.
func WithVerifier(v Verifier) EngineOption {
	return func(e *Engine) {
		e.verifier = v
	}
}

// WithNonceRegistry supplies a prebuilt registry. WithNonceOptions is
// ignored when this is set.
func WithNonceRegistry(r *NonceRegistry) EngineOption {
	return func(e *Engine) {
		e.nonces = r
	}
}

// WithNonceOptions configures the registry the engine builds.
func WithNonceOptions(opts ...NonceOption) EngineOption {
	return func(e *Engine) {
		e.nonceOpts = append(e.nonceOpts, opts...)
	}
}

// WithPaymentCache supplies a prebuilt cache. WithCacheTTL is ignored when this is set.
func WithPaymentCache(c *PaymentCache) EngineOption {
	return func(e *Engine) {
		e.cache = c
	}
}

// WithCacheTTL sets how long settled responses are replayed.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cacheTTL = ttl
	}
}

// WithSettlementTimeout bounds each ledger settlement.
func WithSettlementTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.settlementTimeout = d
	}
}

// WithBalanceCheck queries the payer's balance before transferring and
// fails fast with insufficient_funds.
func WithBalanceCheck() EngineOption {
	return func(e *Engine) {
		e.balanceCheck = true
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the wall clock for the engine and the registry and
// cache it builds.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics registers engine metrics on reg.
func WithMetrics(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// NewEngine creates an engine that settles through ledger.
func NewEngine(ledger Ledger, opts ...EngineOption) (*Engine, error) {
	if ledger == nil {
		return nil, errors.New("x402: ledger is required")
	}
	e := &Engine{
		ledger:            ledger,
		now:               time.Now,
		cacheTTL:          DefaultCacheTTL,
		settlementTimeout: DefaultSettlementTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.verifier == nil {
		e.verifier = NewMultiVerifier()
	}
	if e.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		e.logger = l
	}
	if e.nonces == nil {
		e.nonces = NewNonceRegistry(append([]NonceOption{WithNonceClock(e.now)}, e.nonceOpts...)...)
	}
	if e.cache == nil {
		e.cache = newPaymentCache(e.cacheTTL, e.now)
	}
	if e.settlementTimeout <= 0 {
		e.settlementTimeout = DefaultSettlementTimeout
	}
	if e.registerer != nil {
		m, err := newEngineMetrics(e.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		e.metrics = m
	}
	return e, nil
}

// Nonces returns the engine's registry.
func (e *Engine) Nonces() *NonceRegistry { return e.nonces }

// Cache returns the engine's payment cache.
func (e *Engine) Cache() *PaymentCache { return e.cache }

// Ledger returns the settlement ledger.
func (e *Engine) Ledger() Ledger { return e.ledger }

// Challenge issues a fresh challenge for a route.
func (e *Engine) Challenge(params ChallengeParams) (PaymentChallenge, error) {
	if err := params.Validate(); err != nil {
		return PaymentChallenge{}, NewPaymentError(ErrCodeInvalidRouteConfig, err.Error(), nil)
	}
	nonce, err := e.nonces.Generate()
	if err != nil {
		return PaymentChallenge{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	description := params.Description
	if description == "" {
		description = fmt.Sprintf("Payment of %s %s required", CanonicalAmount(params.Amount), params.Token)
	}
	var metadata map[string]string
	if len(params.Metadata) > 0 {
		metadata = make(map[string]string, len(params.Metadata))
		for k, v := range params.Metadata {
			metadata[k] = v
		}
	}

	return PaymentChallenge{
		Amount:      params.Amount,
		Recipient:   params.Recipient,
		Resource:    params.Resource,
		Token:       params.Token,
		TokenMint:   params.TokenMint,
		Nonce:       nonce,
		Timestamp:   e.now().Unix(),
		Description: description,
		Metadata:    metadata,
	}, nil
}

// Authorize decides a request for a priced route. Without an
// X-Payment-Request header it returns a 402 challenge.
func (e *Engine) Authorize(ctx context.Context, params ChallengeParams, headers Headers) Outcome {
	var proof string
	if headers != nil {
		proof = strings.TrimSpace(headers.Get(HeaderPaymentRequest))
	}
	if proof == "" {
		return e.record(e.challengeOutcome(params, nil, nil))
	}
	return e.AuthorizeProof(ctx, params, []byte(proof))
}

// AuthorizeProof decides a request given the raw JSON payment proof.
func (e *Engine) AuthorizeProof(ctx context.Context, params ChallengeParams, proof []byte) Outcome {
	req, err := DecodePaymentRequest(proof)
	if err != nil {
		pe, ok := AsPaymentError(err)
		if !ok {
			pe = NewPaymentError(ErrCodeMalformedProof, err.Error(), nil)
		}
		return e.reject(ctx, params, nil, pe)
	}
	return e.AuthorizeRequest(ctx, params, req)
}

// AuthorizeRequest decides a request given a decoded payment proof.
func (e *Engine) AuthorizeRequest(ctx context.Context, params ChallengeParams, req PaymentRequest) Outcome {
	if err := params.Validate(); err != nil {
		return e.record(Outcome{
			StatusCode: http.StatusInternalServerError,
			Err:        NewPaymentError(ErrCodeInvalidRouteConfig, err.Error(), nil),
		})
	}
	if pe := e.validate(params, req, e.now()); pe != nil {
		return e.reject(ctx, params, &req, pe)
	}

	fingerprint := Fingerprint(req.CanonicalFields().Encode(), req.Signature)
	log := e.logger.WithFields(logrus.Fields{
		"nonce":    req.Nonce,
		"resource": req.Resource,
		"payer":    req.Payer(),
	})

	status, entry, done := e.cache.CheckAndMark(req.Nonce)
	switch status {
	case CacheHit:
		return e.replay(ctx, params, req, fingerprint, entry)
	case CacheInFlight:
		entry, err := e.cache.WaitForResult(ctx, req.Nonce, done)
		if err != nil {
			return e.record(e.pendingOutcome(req))
		}
		if entry == nil {
			return e.reject(ctx, params, &req, NewPaymentError(ErrCodeNonceReplayed, "nonce has already been used", nil))
		}
		return e.replay(ctx, params, req, fingerprint, entry)
	}

	consumed, err := e.nonces.TryConsume(ctx, req.Nonce)
	if err != nil {
		e.cache.Release(req.Nonce, done)
		log.WithError(err).Error("nonce registry unavailable")
		return e.record(Outcome{
			StatusCode: http.StatusServiceUnavailable,
			Request:    &req,
			Err:        NewPaymentError(ErrCodeRegistryUnavailable, "nonce registry unavailable", nil),
		})
	}
	if !consumed {
		e.cache.Release(req.Nonce, done)
		return e.reject(ctx, params, &req, NewPaymentError(ErrCodeNonceReplayed, "nonce has already been used", nil))
	}
	e.metrics.nonceConsumed()

	result := make(chan CacheEntry, 1)
	e.settling.Add(1)
	go func() {
		defer e.settling.Done()
		entry := e.settle(ctx, req, fingerprint)
		e.cache.Complete(req.Nonce, entry, done)
		result <- entry
	}()

	select {
	case entry := <-result:
		return e.settled(ctx, params, req, entry.Response)
	case <-ctx.Done():
		log.Info("caller went away before settlement finished")
		return e.record(e.pendingOutcome(req))
	}
}

// Shutdown waits for running settlements, then closes the nonce store.
func (e *Engine) Shutdown(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		e.settling.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("settlements still running: %w", ctx.Err())
	}
	return e.nonces.Close()
}

func (e *Engine) validate(params ChallengeParams, req PaymentRequest, now time.Time) *PaymentError {
	if !req.Token.Valid() {
		return NewPaymentError(ErrCodeUnsupportedToken, fmt.Sprintf("unsupported token %q", req.Token), nil)
	}
	if !req.PaymentToken().Equal(params.PaymentToken()) {
		return NewPaymentError(ErrCodeTokenMismatch, "payment token does not match the route", map[string]interface{}{
			"required": params.PaymentToken().String(),
			"offered":  req.PaymentToken().String(),
		})
	}
	if req.Amount.LessThan(params.Amount) {
		return NewPaymentError(ErrCodeAmountBelowRequired, "payment amount is below the required price", map[string]interface{}{
			"required": CanonicalAmount(params.Amount),
			"offered":  CanonicalAmount(req.Amount),
		})
	}
	if req.Recipient != params.Recipient {
		return NewPaymentError(ErrCodeRecipientMismatch, "payment recipient does not match", nil)
	}
	if req.Resource != params.Resource {
		return NewPaymentError(ErrCodeResourceMismatch, "payment was made for a different resource", map[string]interface{}{
			"required": params.Resource,
			"offered":  req.Resource,
		})
	}
	if !e.nonces.CheckFresh(req.Nonce, req.IssuedAt(), now) {
		return NewPaymentError(ErrCodeNonceExpired, "payment challenge has expired", map[string]interface{}{
			"issued_at": req.Timestamp,
		})
	}
	if err := VerifyRequest(req, e.verifier); err != nil {
		return NewPaymentError(ErrCodeInvalidSignature, "payment signature is invalid", map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return nil
}

// replay answers a retried proof from the cache. A different proof under
// the same nonce is a replay.
func (e *Engine) replay(ctx context.Context, params ChallengeParams, req PaymentRequest, fingerprint string, entry *CacheEntry) Outcome {
	if entry.Fingerprint != fingerprint {
		return e.reject(ctx, params, &req, NewPaymentError(ErrCodeNonceReplayed, "nonce has already been used", nil))
	}
	return e.settled(ctx, params, req, entry.Response)
}

func (e *Engine) settled(ctx context.Context, params ChallengeParams, req PaymentRequest, resp PaymentResponse) Outcome {
	switch resp.Status {
	case StatusCompleted:
		return e.record(Outcome{
			StatusCode: http.StatusOK,
			Allowed:    true,
			Request:    &req,
			Response:   &resp,
		})
	case StatusProcessing, StatusPending:
		return e.record(e.pendingOutcome(req))
	}

	code := resp.Code
	if code == "" {
		code = ErrCodeSettlementRejected
	}
	out := e.challengeOutcome(params, &req, NewPaymentError(code, resp.Error, nil))
	out.Response = &resp
	return e.record(out)
}

func (e *Engine) reject(ctx context.Context, params ChallengeParams, req *PaymentRequest, pe *PaymentError) Outcome {
	e.logger.WithFields(logrus.Fields{
		"resource": params.Resource,
		"code":     pe.Code,
	}).Debug("payment proof rejected")

	e.runValidationFailure(ValidationFailureContext{
		Ctx:       ctx,
		Params:    params,
		Request:   req,
		Error:     pe,
		Timestamp: e.now(),
	})

	if pe.StatusCode() != http.StatusPaymentRequired {
		return e.record(Outcome{StatusCode: pe.StatusCode(), Request: req, Err: pe})
	}
	return e.record(e.challengeOutcome(params, req, pe))
}

// challengeOutcome is a 402 carrying a fresh challenge so the payer can try again.
func (e *Engine) challengeOutcome(params ChallengeParams, req *PaymentRequest, pe *PaymentError) Outcome {
	challenge, err := e.Challenge(params)
	if err != nil {
		cerr, ok := AsPaymentError(err)
		if !ok {
			cerr = NewPaymentError(ErrCodeInvalidRouteConfig, err.Error(), nil)
		}
		return Outcome{StatusCode: http.StatusInternalServerError, Request: req, Err: cerr}
	}
	return Outcome{
		StatusCode: http.StatusPaymentRequired,
		Challenge:  &challenge,
		Request:    req,
		Err:        pe,
	}
}

func (e *Engine) pendingOutcome(req PaymentRequest) Outcome {
	return Outcome{
		StatusCode: http.StatusPaymentRequired,
		Request:    &req,
		Response: &PaymentResponse{
			Status:      StatusProcessing,
			Message:     "settlement in progress, retry with the same payment proof",
			Code:        ErrCodeSettlementPending,
			CompletedAt: e.now().Unix(),
		},
		Err: NewPaymentError(ErrCodeSettlementPending, "settlement in progress", nil),
	}
}

func (e *Engine) record(o Outcome) Outcome {
	code := ""
	if o.Err != nil {
		code = o.Err.Code
	}
	switch {
	case o.Allowed:
		e.metrics.observeOutcome("allowed", code)
	case o.PaymentFailed():
		e.metrics.observeOutcome("failed", code)
	case o.Err != nil && o.Err.Code == ErrCodeSettlementPending:
		e.metrics.observeOutcome("pending", code)
	case o.Err == nil && o.Challenge != nil:
		e.metrics.observeOutcome("challenged", code)
	default:
		e.metrics.observeOutcome("rejected", code)
	}
	return o
}

// settle runs one ledger settlement. It is detached from the caller's
// cancellation and bounded by the settlement timeout; it always returns an
// entry to cache.
func (e *Engine) settle(parent context.Context, req PaymentRequest, fingerprint string) (entry CacheEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.settlementTimeout)
	defer cancel()

	started := time.Now()
	sc := SettleContext{
		Ctx:     ctx,
		Request: req,
		Transfer: TransferRequest{
			Payer:     req.Payer(),
			Recipient: req.Recipient,
			Amount:    req.Amount,
			Token:     req.PaymentToken(),
			Nonce:     req.Nonce,
			Resource:  req.Resource,
		},
		Timestamp: e.now(),
	}

	defer func() {
		if r := recover(); r != nil {
			entry = e.settlementFailed(sc, fingerprint, fmt.Errorf("%w: settlement panicked: %v", ErrTransferRejected, r), started)
		}
	}()

	if abort, reason := e.runBeforeSettle(sc); abort {
		return e.settlementFailed(sc, fingerprint, fmt.Errorf("%w: %s", ErrTransferRejected, reason), started)
	}

	if e.balanceCheck {
		balance, err := awaitLedger(ctx, func(ctx context.Context) (decimal.Decimal, error) {
			return e.ledger.Balance(ctx, sc.Transfer.Payer, sc.Transfer.Token)
		}, nil)
		switch {
		case err != nil && ctx.Err() != nil:
			return e.settlementFailed(sc, fingerprint, ctx.Err(), started)
		case err != nil:
			e.logger.WithError(err).WithField("nonce", req.Nonce).Warn("balance check failed, attempting transfer")
		case balance.LessThan(req.Amount):
			return e.settlementFailed(sc, fingerprint, fmt.Errorf("%w: balance %s below %s",
				ErrInsufficientFunds, balance.String(), CanonicalAmount(req.Amount)), started)
		}
	}

	ref, err := awaitLedger(ctx, func(ctx context.Context) (string, error) {
		return e.ledger.Transfer(ctx, sc.Transfer)
	}, func(lateRef string) {
		e.logger.WithFields(logrus.Fields{
			"nonce":          req.Nonce,
			"settlement_ref": lateRef,
		}).Error("transfer completed after settlement timeout, needs reconciliation")
	})
	if err == nil && ref == "" {
		err = fmt.Errorf("%w: ledger returned an empty settlement reference", ErrTransferRejected)
	}
	if err != nil {
		return e.settlementFailed(sc, fingerprint, err, started)
	}

	resp := PaymentResponse{
		Success:       true,
		SettlementRef: ref,
		Status:        StatusCompleted,
		Message:       "Payment settled",
		CompletedAt:   e.now().Unix(),
	}
	duration := time.Since(started)
	e.metrics.observeSettlement(resp.Status, duration)
	e.logger.WithFields(logrus.Fields{
		"nonce":          req.Nonce,
		"resource":       req.Resource,
		"settlement_ref": ref,
		"duration":       duration,
	}).Info("payment settled")
	e.runAfterSettle(SettleResultContext{SettleContext: sc, Response: resp, Duration: duration})

	return CacheEntry{Response: resp, Fingerprint: fingerprint}
}

func (e *Engine) settlementFailed(sc SettleContext, fingerprint string, err error, started time.Time) CacheEntry {
	code := classifySettlementError(err)
	resp := PaymentResponse{
		Success:     false,
		Status:      StatusFailed,
		Message:     "Payment settlement failed",
		Error:       redact(err.Error()),
		Code:        code,
		CompletedAt: e.now().Unix(),
	}
	duration := time.Since(started)
	e.metrics.observeSettlement(resp.Status, duration)
	e.logger.WithFields(logrus.Fields{
		"nonce":    sc.Request.Nonce,
		"resource": sc.Request.Resource,
		"code":     code,
		"duration": duration,
	}).WithError(err).Warn("payment settlement failed")
	e.runSettleFailure(SettleFailureContext{SettleContext: sc, Error: err, Code: code, Duration: duration})

	return CacheEntry{Response: resp, Fingerprint: fingerprint}
}

// awaitLedger runs call and returns when it finishes or ctx ends, whichever
// is first. A result arriving after ctx ended is handed to onLate when it
// succeeded.
func awaitLedger[T any](ctx context.Context, call func(context.Context) (T, error), onLate func(T)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: ledger panicked: %v", ErrTransferRejected, r)}
			}
		}()
		v, err := call(ctx)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		if onLate != nil {
			go func() {
				if r := <-ch; r.err == nil {
					onLate(r.val)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
