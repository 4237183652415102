package otp

import "time"

// State is the lifecycle state of an OTP session.
type State string

const (
	StateIdle         State = "IDLE"
	StateSending      State = "SENDING"
	StateSent         State = "SENT"
	StateSendFailed   State = "SEND_FAILED"
	StateVerifying    State = "VERIFYING"
	StateVerified     State = "VERIFIED"
	StateVerifyFailed State = "VERIFY_FAILED"
)

// Failed reports whether the state carries a failure reason.
func (s State) Failed() bool {
	return s == StateSendFailed || s == StateVerifyFailed
}

// Session is a snapshot of the verification lifecycle for one mobile number.
type Session struct {
	MobileNumber string
	State        State
	// Reason is set in SEND_FAILED and VERIFY_FAILED.
	Reason error
	// KnownCode is set when the code is known locally, i.e. for the reserved
	// test number.
	KnownCode string
	Patients  int
	UpdatedAt time.Time

	generation uint64
}

// Challenge returns an entry buffer that validates against the session's
// known code, if any.
func (s Session) Challenge() *Challenge {
	return NewChallenge(s.KnownCode)
}
