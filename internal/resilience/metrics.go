package resilience

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "upstream"

var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: metricsSubsystem,
		Name:      "breaker_state",
		Help:      "Breaker position per upstream (0 closed, 1 open, 2 half-open).",
	}, []string{"target"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "breaker_transitions_total",
		Help:      "Breaker state changes per upstream.",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "breaker_opened_total",
		Help:      "Times the breaker for an upstream tripped open.",
	}, []string{"target"})
	BreakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "breaker_rejected_total",
		Help:      "Outbound calls refused without contacting the upstream.",
	}, []string{"target"})
	// OutboundAttempts counts individual HTTP attempts, retries included.
	OutboundAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: metricsSubsystem,
		Name:      "attempts_total",
		Help:      "Outbound HTTP attempts by upstream and result.",
	}, []string{"target", "result"})
)

func init() {
	for _, c := range []prometheus.Collector{
		BreakerState, BreakerTransitions, BreakerOpenedTotal, BreakerRejectedTotal, OutboundAttempts,
	} {
		if err := prometheus.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
