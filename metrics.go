package x402

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	authorizations     *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	noncesConsumed     prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) (*engineMetrics, error) {
	m := &engineMetrics{
		authorizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_authorizations_total",
				Help: "Authorization outcomes by result and error code",
			},
			[]string{"outcome", "code"},
		),
		settlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_settlement_duration_seconds",
				Help:    "Ledger settlement latency by final status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		noncesConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "x402_nonce_consumed_total",
				Help: "Nonces consumed by accepted payment proofs",
			},
		),
	}

	var err error
	if m.authorizations, err = registerOrReuse(reg, m.authorizations); err != nil {
		return nil, err
	}
	if m.settlementDuration, err = registerOrReuse(reg, m.settlementDuration); err != nil {
		return nil, err
	}
	if m.noncesConsumed, err = registerOrReuse(reg, m.noncesConsumed); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse registers c, returning the already-registered collector
// when an identical one exists (several engines sharing one registry).
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *engineMetrics) observeOutcome(outcome, code string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(outcome, code).Inc()
}

func (m *engineMetrics) observeSettlement(status PaymentStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.settlementDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *engineMetrics) nonceConsumed() {
	if m == nil {
		return
	}
	m.noncesConsumed.Inc()
}
