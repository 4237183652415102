package common_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/hospital-opd/internal/common"
)

func TestSha256HexConcatenatesParts(t *testing.T) {
	require.Equal(t, common.Sha256Hex("payloadsalt"), common.Sha256Hex("payload", "salt"))
	require.Len(t, common.Sha256Hex(), 64)
}

func TestScopedKeySeparatesParts(t *testing.T) {
	a := common.ScopedKey("idem:", "ab", "c")
	b := common.ScopedKey("idem:", "a", "bc")
	require.NotEqual(t, a, b)
	require.Equal(t, a, common.ScopedKey("idem:", "ab", "c"))
	require.Len(t, a, len("idem:")+64)
}

func TestEqualSecret(t *testing.T) {
	require.True(t, common.EqualSecret("s3cret", "s3cret"))
	require.False(t, common.EqualSecret("s3cret", "s3cre"))
	require.False(t, common.EqualSecret("", "x"))
}

func TestClientIPIgnoresForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.7:41000"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	require.Equal(t, "10.0.0.7", common.ClientIP(req))

	req.RemoteAddr = "[2001:db8:1:2:aaaa::1]:443"
	require.Equal(t, "2001:db8:1:2::/64", common.ClientIP(req))

	req.RemoteAddr = "[::ffff:192.0.2.1]:80"
	require.Equal(t, "192.0.2.1", common.ClientIP(req))
}
