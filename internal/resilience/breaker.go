package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the breaker refuses an outbound call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

func (s State) gauge() float64 {
	switch s {
	case Closed:
		return 0
	case Open:
		return 1
	case HalfOpen:
		return 2
	}
	return -1
}

// window keeps decaying outcome counters for the closed state.
type window struct {
	ok, failed int
}

func (w *window) add(success bool) {
	if success {
		w.ok++
		return
	}
	w.failed++
}

func (w *window) total() int { return w.ok + w.failed }

func (w *window) ratio() float64 {
	if w.total() == 0 {
		return 0
	}
	return float64(w.failed) / float64(w.total())
}

// halve ages the window so old successes cannot mask a fresh outage forever.
func (w *window) halve() {
	w.ok = (w.ok + 1) / 2
	w.failed = (w.failed + 1) / 2
}

func (w *window) reset() { *w = window{} }

// Breaker guards a single upstream (hospital-api or phonepe). While half-open
// only one probe is in flight at a time; every other caller is refused until
// the probe reports.
type Breaker struct {
	mu sync.Mutex

	state    State
	counts   window
	probing  bool
	openedAt time.Time

	minRequests  int
	failureRatio float64
	coolOff      time.Duration

	target string
	logger zerolog.Logger
	now    func() time.Time
}

// NewBreaker opens once at least minRequests outcomes were seen and the
// failed share reaches failureRatio. It stays open for coolOff.
func NewBreaker(minRequests int, failureRatio float64, coolOff time.Duration) *Breaker {
	if minRequests < 1 {
		minRequests = 1
	}
	switch {
	case failureRatio <= 0:
		failureRatio = 0.5
	case failureRatio > 1:
		failureRatio = 1
	}
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{
		minRequests:  minRequests,
		failureRatio: failureRatio,
		coolOff:      coolOff,
		target:       "default",
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
}

// WithTarget names the upstream in metrics and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := strings.TrimSpace(target); t != "" {
		b.target = t
	}
	BreakerState.WithLabelValues(b.target).Set(b.state.gauge())
	return b
}

func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// Target returns the upstream label.
func (b *Breaker) Target() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may go out now. A refused call is counted
// against the target so dashboards can tell shed load from upstream errors.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.coolOff {
			allowed = false
			break
		}
		b.moveLocked(ctx, HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			allowed = false
			break
		}
		b.probing = true
	}
	if !allowed {
		BreakerRejectedTotal.WithLabelValues(b.target).Inc()
	}
	return allowed
}

// Report feeds the outcome of an allowed call back into the breaker.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	b.counts.add(success)
	if b.counts.total() < b.minRequests {
		return
	}
	if b.counts.ratio() >= b.failureRatio {
		b.moveLocked(ctx, Open)
		return
	}
	if b.counts.total() > 2*b.minRequests {
		b.counts.halve()
	}
}

func (b *Breaker) moveLocked(ctx context.Context, next State) {
	prev := b.state
	b.state = next
	b.counts.reset()
	switch next {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	BreakerState.WithLabelValues(b.target).Set(next.gauge())
	if prev == next {
		return
	}
	BreakerTransitions.WithLabelValues(b.target, prev.String(), next.String()).Inc()
	if next == Open {
		BreakerOpenedTotal.WithLabelValues(b.target).Inc()
	}

	logger := b.logger
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info().
		Str("target", b.target).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Msg("breaker_transition")
}
