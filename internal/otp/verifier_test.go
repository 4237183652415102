package otp_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/apperr"
	"github.com/noah-isme/hospital-opd/internal/hospitalapi"
	"github.com/noah-isme/hospital-opd/internal/otp"
)

type stubService struct {
	mu          sync.Mutex
	sendResp    hospitalapi.OTPResponse
	sendErr     error
	verifyResp  hospitalapi.OTPResponse
	verifyErr   error
	sendCalls   int
	verifyCalls int
	onSend      func()
}

func (s *stubService) SendOTP(ctx context.Context, mobile string) (hospitalapi.OTPResponse, error) {
	s.mu.Lock()
	s.sendCalls++
	hook := s.onSend
	resp, err := s.sendResp, s.sendErr
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return resp, err
}

func (s *stubService) VerifyOTP(ctx context.Context, mobile, code string) (hospitalapi.OTPResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	return s.verifyResp, s.verifyErr
}

type memoryPrefs struct {
	saved []string
}

func (m *memoryPrefs) RememberMobile(_ context.Context, mobile string) error {
	m.saved = append(m.saved, mobile)
	return nil
}

func ptr[T any](v T) *T { return &v }

func newVerifier(svc otp.Service, prefs otp.Preferences) *otp.Verifier {
	return otp.NewVerifier(svc, prefs, otp.Config{ReservedNumber: "1111111111", ReservedCode: "1111"}, zerolog.Nop())
}

func TestSendOTPValidatesMobileBeforeSending(t *testing.T) {
	svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: true}}
	v := newVerifier(svc, nil)

	for _, mobile := range []string{"", "12345", "98765432101", "98765abcde"} {
		_, err := v.SendOTP(context.Background(), mobile)
		require.True(t, apperr.Is(err, apperr.CodeValidation), mobile)
	}
	require.Zero(t, svc.sendCalls)
}

func TestSendOTPServerFailureCarriesMessage(t *testing.T) {
	svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: false, Message: "Mobile number not registered"}}
	v := newVerifier(svc, nil)

	session, err := v.SendOTP(context.Background(), "9876543210")
	require.Equal(t, otp.StateSendFailed, session.State)
	require.True(t, apperr.Is(err, apperr.CodeServerMessage))
	require.EqualError(t, err, "Mobile number not registered")

	svc.sendResp = hospitalapi.OTPResponse{Response: false}
	session, err = v.SendOTP(context.Background(), "9876543210")
	require.Equal(t, otp.StateSendFailed, session.State)
	require.True(t, apperr.Is(err, apperr.CodeSMSSendFailed))
}

func TestSendOTPTransportFailure(t *testing.T) {
	svc := &stubService{sendErr: apperr.NoInternet(errors.New("dial"))}
	v := newVerifier(svc, nil)

	session, err := v.SendOTP(context.Background(), "9876543210")
	require.Equal(t, otp.StateSendFailed, session.State)
	require.True(t, apperr.Is(err, apperr.CodeNoInternet))
	require.Equal(t, 1, svc.sendCalls)
}

func TestSendOTPRemembersNumberOnce(t *testing.T) {
	svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: true, Patients: ptr(3)}}
	prefs := &memoryPrefs{}
	v := newVerifier(svc, prefs)

	session, err := v.SendOTP(context.Background(), "9876543210")
	require.NoError(t, err)
	require.Equal(t, otp.StateSent, session.State)
	require.Equal(t, 3, session.Patients)
	require.Empty(t, session.KnownCode)

	_, err = v.SendOTP(context.Background(), "9876543210")
	require.NoError(t, err)
	require.Equal(t, []string{"9876543210"}, prefs.saved)
}

func TestReservedNumberValidatesLocally(t *testing.T) {
	svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: true}}
	v := newVerifier(svc, nil)

	session, err := v.SendOTP(context.Background(), "1111111111")
	require.NoError(t, err)
	require.Equal(t, "1111", session.KnownCode)

	challenge := session.Challenge()
	for i := 0; i < otp.CodeLength; i++ {
		require.NoError(t, challenge.EnterDigit('1', i))
	}
	require.Equal(t, otp.ValidityValid, challenge.Validity())
	require.Zero(t, svc.verifyCalls)
}

func TestVerifyOTPRequiresExplicitVerification(t *testing.T) {
	cases := []struct {
		name  string
		resp  hospitalapi.OTPResponse
		state otp.State
		code  string
	}{
		{"verified", hospitalapi.OTPResponse{Response: true, Verification: ptr(true)}, otp.StateVerified, ""},
		{"verification missing", hospitalapi.OTPResponse{Response: true}, otp.StateVerifyFailed, apperr.CodeInvalidOTP},
		{"verification false", hospitalapi.OTPResponse{Response: true, Verification: ptr(false)}, otp.StateVerifyFailed, apperr.CodeInvalidOTP},
		{"response false", hospitalapi.OTPResponse{Response: false, Message: "OTP expired", Verification: ptr(true)}, otp.StateVerifyFailed, apperr.CodeServerMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: true}, verifyResp: tc.resp}
			v := newVerifier(svc, nil)
			_, err := v.SendOTP(context.Background(), "9876543210")
			require.NoError(t, err)

			session, err := v.VerifyOTP(context.Background(), "9876543210", "4321")
			require.Equal(t, tc.state, session.State)
			if tc.code == "" {
				require.NoError(t, err)
				return
			}
			require.True(t, apperr.Is(err, tc.code), "got %v", err)
		})
	}
}

func TestVerifyOTPFailureIsRecoverable(t *testing.T) {
	svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: true}, verifyResp: hospitalapi.OTPResponse{Response: true, Verification: ptr(false)}}
	v := newVerifier(svc, nil)
	_, err := v.SendOTP(context.Background(), "9876543210")
	require.NoError(t, err)

	session, err := v.VerifyOTP(context.Background(), "9876543210", "0000")
	require.Error(t, err)
	require.Equal(t, otp.StateVerifyFailed, session.State)

	svc.verifyResp = hospitalapi.OTPResponse{Response: true, Verification: ptr(true)}
	session, err = v.VerifyOTP(context.Background(), "9876543210", "4321")
	require.NoError(t, err)
	require.Equal(t, otp.StateVerified, session.State)
	require.Equal(t, 2, svc.verifyCalls)
}

func TestVerifyOTPRequiresSentSession(t *testing.T) {
	svc := &stubService{}
	v := newVerifier(svc, nil)

	_, err := v.VerifyOTP(context.Background(), "9876543210", "1234")
	require.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = v.VerifyOTP(context.Background(), "9876543210", "12")
	require.True(t, apperr.Is(err, apperr.CodeValidation))
	require.Zero(t, svc.verifyCalls)
}

func TestNewSendSupersedesInFlightSend(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	svc := &stubService{sendResp: hospitalapi.OTPResponse{Response: true}}
	v := newVerifier(svc, nil)

	svc.onSend = func() {
		entered <- struct{}{}
		<-release
	}
	done := make(chan error, 1)
	go func() {
		_, err := v.SendOTP(context.Background(), "9876543210")
		done <- err
	}()
	<-entered

	svc.mu.Lock()
	svc.onSend = nil
	svc.mu.Unlock()
	session, err := v.SendOTP(context.Background(), "9876543210")
	require.NoError(t, err)
	require.Equal(t, otp.StateSent, session.State)

	close(release)
	require.ErrorIs(t, <-done, otp.ErrSessionSuperseded)

	current, ok := v.Session("9876543210")
	require.True(t, ok)
	require.Equal(t, otp.StateSent, current.State)
}
