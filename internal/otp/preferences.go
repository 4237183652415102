package otp

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// RedisPreferences stores the last verified-for-send mobile number per device.
type RedisPreferences struct {
	R      *redis.Client
	Prefix string
	TTL    time.Duration
}

func (p RedisPreferences) key(deviceID string) string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "prefs"
	}
	return prefix + ":device:" + deviceID + ":mobile"
}

// RememberMobile stores mobile for the device on ctx. Requests without a
// device id are ignored.
func (p RedisPreferences) RememberMobile(ctx context.Context, mobile string) error {
	if p.R == nil {
		return nil
	}
	deviceID, ok := common.DeviceID(ctx)
	if !ok {
		return nil
	}
	return p.R.Set(ctx, p.key(deviceID), mobile, p.TTL).Err()
}

// LastMobile returns the remembered number for deviceID, or "".
func (p RedisPreferences) LastMobile(ctx context.Context, deviceID string) (string, error) {
	if p.R == nil || deviceID == "" {
		return "", nil
	}
	mobile, err := p.R.Get(ctx, p.key(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return mobile, err
}
