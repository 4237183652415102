package payment

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/obs"
)

// IntentNullReason is the failure reason when the capability cannot build a
// launchable request.
const IntentNullReason = "Intent is null"

// Launcher hands payment references to the external capability. Every
// launch reports exactly one LaunchResult through its callback.
type Launcher struct {
	capability Capability
	env        string
	creds      Credentials
	logger     zerolog.Logger

	initOnce sync.Once
	initErr  error
}

// NewLauncher builds a Launcher. The capability is initialised on first use.
func NewLauncher(capability Capability, env string, creds Credentials, logger zerolog.Logger) *Launcher {
	return &Launcher{
		capability: capability,
		env:        env,
		creds:      creds,
		logger:     logger.With().Str("component", "payment_launcher").Logger(),
	}
}

// Init initialises the capability if that has not happened yet and returns
// the outcome of the single initialisation attempt.
func (l *Launcher) Init(ctx context.Context) error {
	l.initOnce.Do(func() {
		if l.capability == nil {
			l.initErr = fmt.Errorf("payment: no capability configured")
			return
		}
		l.initErr = l.capability.Initialize(context.WithoutCancel(ctx), l.env, l.creds)
		if l.initErr != nil {
			l.logger.Error().Err(l.initErr).Msg("payment_capability_init_failed")
		}
	})
	return l.initErr
}

// Launch starts payment for req. onHandoff, if set, receives the provider
// handoff once control passes to the external app. onResult is called
// exactly once. Failures found during Launch are reported from a new
// goroutine, provider results from the goroutine that delivers them.
// Cancelling ctx clears the result slot, after which late results are
// dropped.
func (l *Launcher) Launch(ctx context.Context, req Request, onHandoff func(Handoff), onResult func(LaunchResult)) {
	slot := newResultSlot(onResult, l.logger)
	stop := context.AfterFunc(ctx, slot.clear)
	deliver := func(res LaunchResult) {
		if slot.fire(res) {
			stop()
			obs.IncCounter(obs.PaymentLaunchTotal, string(res.Outcome))
		}
	}
	fail := func(reason string) {
		go deliver(LaunchResult{Outcome: LaunchFailure, Reason: reason})
	}

	if err := l.Init(ctx); err != nil {
		fail("payment capability unavailable: " + err.Error())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("merchant_transaction_id", req.MerchantTransactionID).Msg("payment_launch_panic")
			fail(fmt.Sprint(r))
		}
	}()

	intent, err := l.capability.BuildIntent(req.PayloadBase64, req.Checksum, req.APIEndPoint)
	if err != nil {
		fail(err.Error())
		return
	}
	if intent == nil {
		fail(IntentNullReason)
		return
	}
	handoff, err := l.capability.Start(ctx, intent, func(pr ProviderResult) {
		deliver(resultFromProvider(pr))
	})
	if err != nil {
		fail(err.Error())
		return
	}
	if onHandoff != nil {
		onHandoff(handoff)
	}
}

func resultFromProvider(pr ProviderResult) LaunchResult {
	switch pr.ResultCode {
	case ResultOK:
		return LaunchResult{Outcome: LaunchSuccess, Data: pr.Data}
	case ResultCancelled:
		return LaunchResult{Outcome: LaunchCancelled, Data: pr.Data}
	}
	reason := ""
	for _, key := range []string{"message", "error", "status", "code"} {
		if v := pr.Data[key]; v != "" {
			reason = v
			break
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("payment failed (%s)", pr.ResultCode)
	}
	return LaunchResult{Outcome: LaunchFailure, Reason: reason, Data: pr.Data}
}

// resultSlot holds the callback of one launch. The first fire or clear
// empties it.
type resultSlot struct {
	fn     atomic.Pointer[func(LaunchResult)]
	logger zerolog.Logger
}

func newResultSlot(fn func(LaunchResult), logger zerolog.Logger) *resultSlot {
	s := &resultSlot{logger: logger}
	if fn != nil {
		s.fn.Store(&fn)
	}
	return s
}

func (s *resultSlot) fire(res LaunchResult) bool {
	fn := s.fn.Swap(nil)
	if fn == nil {
		s.logger.Debug().Str("outcome", string(res.Outcome)).Msg("payment_result_dropped")
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("payment_result_callback_panic")
		}
	}()
	(*fn)(res)
	return true
}

func (s *resultSlot) clear() {
	s.fn.Store(nil)
}
