package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OTPRequestsTotal counts OTP send/verify outcomes.
	OTPRequestsTotal *prometheus.CounterVec
	// PaymentFlowTotal counts orchestrator invocations by terminal outcome.
	PaymentFlowTotal *prometheus.CounterVec
	// PaymentFlowDuration records end-to-end flow latency in milliseconds.
	PaymentFlowDuration *prometheus.HistogramVec
	// PaymentLaunchTotal counts external payment launcher results.
	PaymentLaunchTotal *prometheus.CounterVec
	// PaymentReconcileAttempts counts status reconciliation attempts by result.
	PaymentReconcileAttempts *prometheus.CounterVec
	// BookingCommitTotal counts booking commit outcomes.
	BookingCommitTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_requests_total",
			Help:      "Count of OTP send and verify outcomes.",
		}, []string{"action", "result"})
		PaymentFlowTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_flow_total",
			Help:      "Count of payment orchestration invocations by terminal outcome.",
		}, []string{"outcome"})
		PaymentFlowDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_flow_duration_ms",
			Help:      "End-to-end payment flow latency in milliseconds.",
			Buckets:   []float64{500, 1000, 5000, 15000, 30000, 60000, 180000, 600000},
		}, []string{"outcome"})
		PaymentLaunchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_launch_total",
			Help:      "Count of external payment launch results.",
		}, []string{"outcome"})
		PaymentReconcileAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_reconcile_attempts_total",
			Help:      "Count of payment status reconciliation attempts.",
		}, []string{"result"})
		BookingCommitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_commit_total",
			Help:      "Count of booking commit outcomes.",
		}, []string{"result"})

		OTPRequestsTotal = register(reg, OTPRequestsTotal)
		PaymentFlowTotal = register(reg, PaymentFlowTotal)
		PaymentFlowDuration = register(reg, PaymentFlowDuration)
		PaymentLaunchTotal = register(reg, PaymentLaunchTotal)
		PaymentReconcileAttempts = register(reg, PaymentReconcileAttempts)
		BookingCommitTotal = register(reg, BookingCommitTotal)
	})
}

// IncCounter increments c for the given labels when the collector is registered.
func IncCounter(c *prometheus.CounterVec, labels ...string) {
	if c == nil {
		return
	}
	c.WithLabelValues(labels...).Inc()
}
