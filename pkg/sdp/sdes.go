package sdp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/pion/srtp/v2"

	"rtcbridge-server/pkg/errors"
)

// SDES crypto suites (RFC 4568 section 6.2).
const (
	SuiteAesCm128HmacSha1_80 = "AES_CM_128_HMAC_SHA1_80"
	SuiteAesCm128HmacSha1_32 = "AES_CM_128_HMAC_SHA1_32"
	SuiteF8_128HmacSha1_80   = "F8_128_HMAC_SHA1_80"
)

const (
	masterKeyLen  = 16
	masterSaltLen = 14
	keySaltLen    = masterKeyLen + masterSaltLen
)

var cryptoRe = regexp.MustCompile(`^(\d+)\s+(\S+)\s+inline:([A-Za-z0-9+/=]+)`)

// SdesData carries one SDES crypto attribute: the tag, crypto suite and the
// decoded concatenated master key and salt. SSRC is filled in separately from
// the a=ssrc lines of the same media description.
type SdesData struct {
	Tag         int
	CryptoSuite string
	KeySalt     []byte
	SSRC        uint32
}

// NewSdesData generates fresh local key material for the default suite.
func NewSdesData() (*SdesData, error) {
	keySalt := make([]byte, keySaltLen)
	if _, err := rand.Read(keySalt); err != nil {
		return nil, errors.Wrap(err, "failed to generate SRTP key material")
	}
	return &SdesData{
		Tag:         0,
		CryptoSuite: SuiteAesCm128HmacSha1_80,
		KeySalt:     keySalt,
	}, nil
}

// ParseSdes parses the value of an a=crypto attribute. Session parameters
// after the key are ignored.
func ParseSdes(value string) (*SdesData, error) {
	m := cryptoRe.FindStringSubmatch(value)
	if m == nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid crypto attribute: "+value)
	}
	tag, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid crypto tag: "+m[1])
	}
	keySalt, err := base64.StdEncoding.DecodeString(m[3])
	if err != nil {
		// Some endpoints omit the base64 padding
		keySalt, err = base64.RawStdEncoding.DecodeString(m[3])
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid crypto key: "+m[3])
		}
	}
	return &SdesData{
		Tag:         tag,
		CryptoSuite: m[2],
		KeySalt:     keySalt,
	}, nil
}

// MasterKey returns the 16-byte SRTP master key portion.
func (s *SdesData) MasterKey() []byte {
	if len(s.KeySalt) < masterKeyLen {
		return nil
	}
	return s.KeySalt[:masterKeyLen]
}

// MasterSalt returns the 14-byte SRTP master salt portion.
func (s *SdesData) MasterSalt() []byte {
	if len(s.KeySalt) < keySaltLen {
		return nil
	}
	return s.KeySalt[masterKeyLen:keySaltLen]
}

// ProtectionProfile maps the crypto suite to the SRTP protection profile
// used by the media stack.
func (s *SdesData) ProtectionProfile() (srtp.ProtectionProfile, error) {
	switch s.CryptoSuite {
	case SuiteAesCm128HmacSha1_80, SuiteF8_128HmacSha1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case SuiteAesCm128HmacSha1_32:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	default:
		return 0, errors.Wrap(errors.ErrUnsupportedMedia, "unsupported crypto suite: "+s.CryptoSuite)
	}
}

// ProxySuiteID returns the numeric suite identifier the relay control
// protocol uses for this suite, or 0 when the suite is unknown to it.
func (s *SdesData) ProxySuiteID() int {
	switch s.CryptoSuite {
	case SuiteAesCm128HmacSha1_80:
		return 1
	case SuiteAesCm128HmacSha1_32:
		return 2
	case SuiteF8_128HmacSha1_80:
		return 3
	default:
		return 0
	}
}

// Value renders the attribute value without the "crypto:" prefix.
func (s *SdesData) Value() string {
	return fmt.Sprintf("%d %s inline:%s", s.Tag, s.CryptoSuite,
		base64.StdEncoding.EncodeToString(s.KeySalt))
}

// Attribute renders the SDES data as an a=crypto attribute.
func (s *SdesData) Attribute() sdp.Attribute {
	return sdp.Attribute{Key: "crypto", Value: s.Value()}
}

func (s *SdesData) String() string {
	return "crypto:" + s.Value()
}
