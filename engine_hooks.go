package x402

import (
	"context"
	"time"
)

// ============================================================================
// Engine Hook Context Types
// ============================================================================

// SettleContext contains information passed to settle hooks
type SettleContext struct {
	Ctx       context.Context
	Request   PaymentRequest
	Transfer  TransferRequest
	Timestamp time.Time
}

// SettleResultContext contains a successful settlement and its context
type SettleResultContext struct {
	SettleContext
	Response PaymentResponse
	Duration time.Duration
}

// SettleFailureContext contains a failed settlement and its context
type SettleFailureContext struct {
	SettleContext
	Error    error
	Code     string
	Duration time.Duration
}

// ValidationFailureContext describes a proof rejected before settlement
type ValidationFailureContext struct {
	Ctx       context.Context
	Params    ChallengeParams
	Request   *PaymentRequest
	Error     *PaymentError
	Timestamp time.Time
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Engine Hook Function Types
// ============================================================================

// BeforeSettleHook is called after the nonce is consumed and before the
// ledger is asked to transfer. Aborting produces a cached failed response
// with code settlement_rejected; the nonce stays consumed.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook is called after a successful settlement
// Any error returned will be logged but will not affect the result
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook is called when settlement fails. It observes only;
// the engine never retries a transfer.
type OnSettleFailureHook func(SettleFailureContext) error

// OnValidationFailureHook is called when a proof is rejected before settlement
type OnValidationFailureHook func(ValidationFailureContext) error

// ============================================================================
// Engine Hook Registration Options
// ============================================================================

// WithBeforeSettleHook registers a hook to execute before settlement
func WithBeforeSettleHook(hook BeforeSettleHook) EngineOption {
	return func(e *Engine) {
		e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	}
}

// WithAfterSettleHook registers a hook to execute after successful settlement
func WithAfterSettleHook(hook AfterSettleHook) EngineOption {
	return func(e *Engine) {
		e.afterSettleHooks = append(e.afterSettleHooks, hook)
	}
}

// WithOnSettleFailureHook registers a hook to execute when settlement fails
func WithOnSettleFailureHook(hook OnSettleFailureHook) EngineOption {
	return func(e *Engine) {
		e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	}
}

// WithOnValidationFailureHook registers a hook to execute when a proof is rejected
func WithOnValidationFailureHook(hook OnValidationFailureHook) EngineOption {
	return func(e *Engine) {
		e.onValidationFailureHooks = append(e.onValidationFailureHooks, hook)
	}
}

// OnBeforeSettle registers a hook at runtime. Returns the engine for chaining.
func (e *Engine) OnBeforeSettle(hook BeforeSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeSettleHooks = append(e.beforeSettleHooks, hook)
	return e
}

// OnAfterSettle registers a hook at runtime. Returns the engine for chaining.
func (e *Engine) OnAfterSettle(hook AfterSettleHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterSettleHooks = append(e.afterSettleHooks, hook)
	return e
}

// OnSettleFailure registers a hook at runtime. Returns the engine for chaining.
func (e *Engine) OnSettleFailure(hook OnSettleFailureHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSettleFailureHooks = append(e.onSettleFailureHooks, hook)
	return e
}

// OnValidationFailure registers a hook at runtime. Returns the engine for chaining.
func (e *Engine) OnValidationFailure(hook OnValidationFailureHook) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onValidationFailureHooks = append(e.onValidationFailureHooks, hook)
	return e
}

func (e *Engine) runBeforeSettle(sc SettleContext) (abort bool, reason string) {
	e.mu.RLock()
	hooks := e.beforeSettleHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		result, err := hook(sc)
		if err != nil {
			return true, err.Error()
		}
		if result != nil && result.Abort {
			return true, result.Reason
		}
	}
	return false, ""
}

func (e *Engine) runAfterSettle(rc SettleResultContext) {
	e.mu.RLock()
	hooks := e.afterSettleHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(rc); err != nil {
			e.logger.WithError(err).WithField("nonce", rc.Request.Nonce).Warn("after-settle hook failed")
		}
	}
}

func (e *Engine) runSettleFailure(fc SettleFailureContext) {
	e.mu.RLock()
	hooks := e.onSettleFailureHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(fc); err != nil {
			e.logger.WithError(err).WithField("nonce", fc.Request.Nonce).Warn("settle-failure hook failed")
		}
	}
}

func (e *Engine) runValidationFailure(vc ValidationFailureContext) {
	e.mu.RLock()
	hooks := e.onValidationFailureHooks
	e.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(vc); err != nil {
			e.logger.WithError(err).Warn("validation-failure hook failed")
		}
	}
}
