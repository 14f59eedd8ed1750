package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpDurationHistogram *prometheus.HistogramVec
	transitionCounter     *prometheus.CounterVec
	gatewayCallCounter    *prometheus.CounterVec
	sweepOutcomeCounter   *prometheus.CounterVec
	payoutPendingGauge    prometheus.Gauge
	fraudFlagCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "State transition attempts by target state and result",
		}, []string{"to_state", "result"})

		gatewayCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_gateway_calls_total",
			Help: "Fund movement calls by action and result",
		}, []string{"action", "result"})

		sweepOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_sweep_outcomes_total",
			Help: "Per-candidate sweep outcomes by job",
		}, []string{"job", "outcome"})

		payoutPendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_payout_pending_transactions",
			Help: "Transactions whose fund movement is awaiting retry",
		})

		fraudFlagCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_fraud_flags_total",
			Help: "Fraud flags raised by pattern type",
		}, []string{"pattern", "severity"})

		prometheus.MustRegister(
			httpDurationHistogram,
			transitionCounter,
			gatewayCallCounter,
			sweepOutcomeCounter,
			payoutPendingGauge,
			fraudFlagCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementTransition(toState, result string) {
	if transitionCounter == nil {
		return
	}
	transitionCounter.WithLabelValues(toState, result).Inc()
}

func IncrementGatewayCall(action, result string) {
	if gatewayCallCounter == nil {
		return
	}
	gatewayCallCounter.WithLabelValues(action, result).Inc()
}

func IncrementSweepOutcome(job, outcome string, n int) {
	if sweepOutcomeCounter == nil || n <= 0 {
		return
	}
	sweepOutcomeCounter.WithLabelValues(job, outcome).Add(float64(n))
}

func SetPayoutPendingCount(count int64) {
	if payoutPendingGauge == nil {
		return
	}
	payoutPendingGauge.Set(float64(count))
}

func IncrementFraudFlag(pattern, severity string) {
	if fraudFlagCounter == nil {
		return
	}
	fraudFlagCounter.WithLabelValues(pattern, severity).Inc()
}
