package otp

import (
	"context"
	"errors"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/obs"
)

// ErrSessionSuperseded is returned when a newer send replaced the session
// while a call was in flight. The stale result is discarded.
var ErrSessionSuperseded = errors.New("otp: session superseded by a newer send")

// Service is the remote OTP service.
type Service interface {
	SendOTP(ctx context.Context, mobile string) (hospitalapi.OTPResponse, error)
	VerifyOTP(ctx context.Context, mobile, code string) (hospitalapi.OTPResponse, error)
}

// Preferences persists the last used mobile number for pre-fill.
type Preferences interface {
	RememberMobile(ctx context.Context, mobile string) error
}

// Config tunes a Verifier.
type Config struct {
	ReservedNumber string
	ReservedCode   string
	// SessionTTL bounds how long an idle session is kept.
	SessionTTL time.Duration
}

// Verifier drives OTP send and verify calls and tracks one session per
// mobile number. Failures are never retried automatically.
type Verifier struct {
	svc      Service
	prefs    Preferences
	cfg      Config
	logger   zerolog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu         sync.Mutex
	seq        uint64
	sessions   map[string]*Session
	remembered map[string]struct{}
}

// NewVerifier builds a Verifier. prefs may be nil.
func NewVerifier(svc Service, prefs Preferences, cfg Config, logger zerolog.Logger) *Verifier {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	return &Verifier{
		svc:        svc,
		prefs:      prefs,
		cfg:        cfg,
		logger:     logger.With().Str("component", "otp_verifier").Logger(),
		validate:   validator.New(),
		now:        time.Now,
		sessions:   make(map[string]*Session),
		remembered: make(map[string]struct{}),
	}
}

// SendOTP asks the server to text a code to mobile. Any prior session for
// the number is superseded. A failed send returns the SEND_FAILED session
// together with its reason.
func (v *Verifier) SendOTP(ctx context.Context, mobile string) (Session, error) {
	if err := v.validate.Var(mobile, "required,len=10,numeric"); err != nil {
		return Session{}, apperr.Validation("mobile number must be exactly 10 digits")
	}

	gen := v.begin(mobile)
	resp, err := v.svc.SendOTP(ctx, mobile)

	v.mu.Lock()
	s, current := v.current(mobile, gen)
	if !current {
		v.mu.Unlock()
		return Session{}, ErrSessionSuperseded
	}
	switch {
	case err != nil:
		v.fail(s, StateSendFailed, err)
	case !resp.Response:
		reason := apperr.SMSSendFailed()
		if resp.Message != "" {
			reason = apperr.ServerMessage(resp.Message)
		}
		v.fail(s, StateSendFailed, reason)
	default:
		s.State = StateSent
		s.Reason = nil
		if mobile == v.cfg.ReservedNumber && v.cfg.ReservedCode != "" {
			s.KnownCode = v.cfg.ReservedCode
		}
		if resp.Patients != nil {
			s.Patients = *resp.Patients
		}
		s.UpdatedAt = v.now()
	}
	snapshot := *s
	_, seen := v.remembered[mobile]
	if snapshot.State == StateSent {
		v.remembered[mobile] = struct{}{}
	}
	v.mu.Unlock()

	if snapshot.State == StateSendFailed {
		obs.IncCounter(obs.OTPRequestsTotal, "send", "failed")
		v.logger.Warn().
			Str("mobile", obs.MaskMobile(mobile)).
			Str("kind", apperr.Kind(snapshot.Reason)).
			Err(snapshot.Reason).
			Msg("otp_send_failed")
		return snapshot, snapshot.Reason
	}

	obs.IncCounter(obs.OTPRequestsTotal, "send", "sent")
	if !seen && v.prefs != nil {
		if err := v.prefs.RememberMobile(ctx, mobile); err != nil {
			v.logger.Warn().Err(err).Msg("otp_remember_mobile_failed")
		}
	}
	return snapshot, nil
}

// VerifyOTP checks code against the server. Success needs both the response
// flag and an explicit verification flag.
func (v *Verifier) VerifyOTP(ctx context.Context, mobile, code string) (Session, error) {
	if err := v.validate.Var(mobile, "required,len=10,numeric"); err != nil {
		return Session{}, apperr.Validation("mobile number must be exactly 10 digits")
	}
	if err := v.validate.Var(code, "required,len=4,numeric"); err != nil {
		return Session{}, apperr.Validation("otp must be exactly 4 digits")
	}

	v.mu.Lock()
	s, ok := v.sessions[mobile]
	if !ok {
		v.mu.Unlock()
		return Session{}, apperr.Validation("otp has not been sent to this number")
	}
	switch s.State {
	case StateSent, StateVerifyFailed:
	case StateVerifying:
		v.mu.Unlock()
		return *s, apperr.Validation("verification already in progress")
	case StateVerified:
		v.mu.Unlock()
		return *s, apperr.Validation("number already verified")
	default:
		snapshot := *s
		v.mu.Unlock()
		return snapshot, apperr.Validation("otp has not been sent to this number")
	}
	s.State = StateVerifying
	s.UpdatedAt = v.now()
	gen := s.generation
	v.mu.Unlock()

	resp, err := v.svc.VerifyOTP(ctx, mobile, code)

	v.mu.Lock()
	s, current := v.current(mobile, gen)
	if !current {
		v.mu.Unlock()
		return Session{}, ErrSessionSuperseded
	}
	switch {
	case err != nil:
		v.fail(s, StateVerifyFailed, err)
	case !resp.Response && resp.Message != "":
		v.fail(s, StateVerifyFailed, apperr.ServerMessage(resp.Message))
	case !resp.Verified():
		v.fail(s, StateVerifyFailed, apperr.InvalidOTP())
	default:
		s.State = StateVerified
		s.Reason = nil
		s.UpdatedAt = v.now()
	}
	snapshot := *s
	v.mu.Unlock()

	if snapshot.State == StateVerifyFailed {
		obs.IncCounter(obs.OTPRequestsTotal, "verify", "failed")
		v.logger.Info().
			Str("mobile", obs.MaskMobile(mobile)).
			Str("kind", apperr.Kind(snapshot.Reason)).
			Msg("otp_verify_failed")
		return snapshot, snapshot.Reason
	}
	obs.IncCounter(obs.OTPRequestsTotal, "verify", "verified")
	return snapshot, nil
}

// Session returns the current session for mobile.
func (v *Verifier) Session(mobile string) (Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[mobile]
	if !ok {
		return Session{MobileNumber: mobile, State: StateIdle}, false
	}
	return *s, true
}

// Forget drops the session for mobile, typically after a token was issued.
func (v *Verifier) Forget(mobile string) {
	v.mu.Lock()
	delete(v.sessions, mobile)
	v.mu.Unlock()
}

func (v *Verifier) begin(mobile string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	v.pruneLocked(now)
	v.seq++
	v.sessions[mobile] = &Session{
		MobileNumber: mobile,
		State:        StateSending,
		UpdatedAt:    now,
		generation:   v.seq,
	}
	return v.seq
}

// current must be called with mu held.
func (v *Verifier) current(mobile string, gen uint64) (*Session, bool) {
	s, ok := v.sessions[mobile]
	if !ok || s.generation != gen {
		return nil, false
	}
	return s, true
}

func (v *Verifier) fail(s *Session, state State, reason error) {
	s.State = state
	s.Reason = reason
	s.UpdatedAt = v.now()
}

func (v *Verifier) pruneLocked(now time.Time) {
	for mobile, s := range v.sessions {
		if s.State == StateSending || s.State == StateVerifying {
			continue
		}
		if now.Sub(s.UpdatedAt) > v.cfg.SessionTTL {
			delete(v.sessions, mobile)
		}
	}
}
