package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidate(t *testing.T) {
	value := "1467250027 1 udp 2122260223 192.0.2.10 56143 typ host generation 0"

	c, err := ParseCandidate(value)
	require.NoError(t, err)

	assert.Equal(t, "1467250027", c.Foundation)
	assert.Equal(t, ComponentRTP, c.ComponentID)
	assert.True(t, c.IsRTP())
	assert.Equal(t, "udp", c.Transport)
	assert.Equal(t, uint32(2122260223), c.Priority)
	assert.Equal(t, "192.0.2.10", c.Address)
	assert.Equal(t, 56143, c.Port)
	assert.Equal(t, "host", c.Type)

	gen, ok := c.Extension("generation")
	assert.True(t, ok)
	assert.Equal(t, "0", gen)

	// Serialization preserves token order
	assert.Equal(t, value, c.Value())
	assert.Equal(t, "candidate:"+value, c.String())
}

func TestParseCandidateWithRelatedAddress(t *testing.T) {
	value := "842163049 2 udp 1686052606 198.51.100.4 60017 typ srflx raddr 192.0.2.10 rport 60017 generation 0"

	c, err := ParseCandidate(value)
	require.NoError(t, err)
	assert.True(t, c.IsRTCP())
	assert.Equal(t, "srflx", c.Type)

	raddr, ok := c.Extension("raddr")
	assert.True(t, ok)
	assert.Equal(t, "192.0.2.10", raddr)

	assert.Equal(t, value, c.Value())
}

func TestParseCandidateTolerantPrefix(t *testing.T) {
	c, err := ParseCandidate("candidate:1 1 udp 1 192.0.2.1 4000 typ host")
	require.NoError(t, err)
	assert.Equal(t, 4000, c.Port)
}

func TestParseCandidateInvalid(t *testing.T) {
	cases := []string{
		"",
		"1 1 udp 1 192.0.2.1 4000",
		"1 1 udp 1 192.0.2.1 4000 host",
		"1 x udp 1 192.0.2.1 4000 typ host",
		"1 1 udp 1 192.0.2.1 bad typ host",
	}
	for _, value := range cases {
		_, err := ParseCandidate(value)
		assert.Error(t, err, "candidate %q", value)
	}
}

func TestNewCandidate(t *testing.T) {
	c := NewCandidate(ComponentRTCP, "203.0.113.5", 35001)

	assert.True(t, c.IsRTCP())
	assert.Equal(t, "1 2 udp 1 203.0.113.5 35001 typ host generation 0", c.Value())
	assert.Equal(t, "candidate", c.Attribute().Key)
}

func TestNewCandidateDefaults(t *testing.T) {
	c := NewCandidate(ComponentRTP, "", 0)
	assert.Equal(t, "0.0.0.0", c.Address)
	assert.Equal(t, 1, c.Port)
}
