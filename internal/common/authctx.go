package common

import (
	"context"

	"github.com/noah-isme/hospital-opd/internal/obs"
)

type ctxKey string

const (
	mobileKey ctxKey = "auth/mobile-number"
	deviceKey ctxKey = "client/device-id"
)

// WithMobileNumber stores the verified mobile number on the provided context.
// The request log line only ever sees the masked form.
func WithMobileNumber(ctx context.Context, mobile string) context.Context {
	obs.Annotate(ctx, "mobile", obs.MaskMobile(mobile))
	return context.WithValue(ctx, mobileKey, mobile)
}

// MobileNumber extracts the verified mobile number from the context if present.
func MobileNumber(ctx context.Context) (string, bool) {
	v := ctx.Value(mobileKey)
	if v == nil {
		return "", false
	}
	mobile, ok := v.(string)
	return mobile, ok
}

// WithDeviceID stores the calling device identifier on the context.
func WithDeviceID(ctx context.Context, id string) context.Context {
	obs.Annotate(ctx, "device_id", id)
	return context.WithValue(ctx, deviceKey, id)
}

// DeviceID returns the calling device identifier if the client supplied one.
func DeviceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceKey).(string)
	return id, ok && id != ""
}
