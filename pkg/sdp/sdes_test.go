package sdp

import (
	"testing"

	"github.com/pion/srtp/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 30 zero-value bytes, base64 encoded
const testKeySalt = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func TestParseSdes(t *testing.T) {
	s, err := ParseSdes("1 AES_CM_128_HMAC_SHA1_80 inline:" + testKeySalt)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Tag)
	assert.Equal(t, SuiteAesCm128HmacSha1_80, s.CryptoSuite)
	assert.Len(t, s.KeySalt, 30)
	assert.Len(t, s.MasterKey(), 16)
	assert.Len(t, s.MasterSalt(), 14)
}

func TestParseSdesIgnoresSessionParams(t *testing.T) {
	s, err := ParseSdes("2 AES_CM_128_HMAC_SHA1_32 inline:" + testKeySalt + "|2^20|1:4")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Tag)
	assert.Equal(t, SuiteAesCm128HmacSha1_32, s.CryptoSuite)
}

func TestParseSdesInvalid(t *testing.T) {
	for _, value := range []string{"", "AES_CM_128_HMAC_SHA1_80", "1 AES_CM_128_HMAC_SHA1_80 key"} {
		_, err := ParseSdes(value)
		assert.Error(t, err, "crypto %q", value)
	}
}

func TestNewSdesData(t *testing.T) {
	s, err := NewSdesData()
	require.NoError(t, err)

	assert.Equal(t, 0, s.Tag)
	assert.Equal(t, SuiteAesCm128HmacSha1_80, s.CryptoSuite)
	assert.Len(t, s.KeySalt, 30)

	other, err := NewSdesData()
	require.NoError(t, err)
	assert.NotEqual(t, s.KeySalt, other.KeySalt)
}

func TestSdesValueRoundTrip(t *testing.T) {
	s, err := NewSdesData()
	require.NoError(t, err)

	parsed, err := ParseSdes(s.Value())
	require.NoError(t, err)
	assert.Equal(t, s.KeySalt, parsed.KeySalt)
	assert.Equal(t, "crypto", s.Attribute().Key)
}

func TestProtectionProfile(t *testing.T) {
	tests := []struct {
		suite   string
		profile srtp.ProtectionProfile
		wantErr bool
	}{
		{SuiteAesCm128HmacSha1_80, srtp.ProtectionProfileAes128CmHmacSha1_80, false},
		{SuiteAesCm128HmacSha1_32, srtp.ProtectionProfileAes128CmHmacSha1_32, false},
		{SuiteF8_128HmacSha1_80, srtp.ProtectionProfileAes128CmHmacSha1_80, false},
		{"AEAD_AES_256_GCM", 0, true},
	}
	for _, tt := range tests {
		s := &SdesData{CryptoSuite: tt.suite}
		profile, err := s.ProtectionProfile()
		if tt.wantErr {
			assert.Error(t, err, tt.suite)
			continue
		}
		require.NoError(t, err, tt.suite)
		assert.Equal(t, tt.profile, profile, tt.suite)
	}
}

func TestProxySuiteID(t *testing.T) {
	assert.Equal(t, 1, (&SdesData{CryptoSuite: SuiteAesCm128HmacSha1_80}).ProxySuiteID())
	assert.Equal(t, 2, (&SdesData{CryptoSuite: SuiteAesCm128HmacSha1_32}).ProxySuiteID())
	assert.Equal(t, 3, (&SdesData{CryptoSuite: SuiteF8_128HmacSha1_80}).ProxySuiteID())
	assert.Equal(t, 0, (&SdesData{CryptoSuite: "AEAD_AES_256_GCM"}).ProxySuiteID())
}
