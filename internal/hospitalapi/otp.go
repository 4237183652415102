package hospitalapi

import (
	"context"
	"net/url"
)

// OTPResponse is the OTP service answer for both send and verify.
type OTPResponse struct {
	Response     bool   `json:"response"`
	Message      string `json:"message"`
	Verification *bool  `json:"verification,omitempty"`
	Patients     *int   `json:"patients,omitempty"`
}

// Verified reports whether the server explicitly confirmed the code.
func (r OTPResponse) Verified() bool {
	return r.Response && r.Verification != nil && *r.Verification
}

// SendOTP asks the OTP service to text a code to mobile.
func (c *Client) SendOTP(ctx context.Context, mobile string) (OTPResponse, error) {
	form := url.Values{}
	form.Set("action", "send_otp")
	form.Set("mobile_number", mobile)
	var out OTPResponse
	if _, err := c.postForm(ctx, PathOTP, form, &out); err != nil {
		return OTPResponse{}, err
	}
	return out, nil
}

// VerifyOTP checks code against the code last sent to mobile.
func (c *Client) VerifyOTP(ctx context.Context, mobile, code string) (OTPResponse, error) {
	form := url.Values{}
	form.Set("action", "verify_otp")
	form.Set("mobile_number", mobile)
	form.Set("otp_code", code)
	var out OTPResponse
	if _, err := c.postForm(ctx, PathOTP, form, &out); err != nil {
		return OTPResponse{}, err
	}
	return out, nil
}
