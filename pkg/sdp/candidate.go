package sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"rtcbridge-server/pkg/errors"
)

// Component identifiers from RFC 5245.
const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// IceCandidate is one parsed candidate-attribute (RFC 5245 section 15.1).
// Extension attribute pairs after the candidate type are preserved in order
// so a candidate survives a parse/serialize round trip byte for byte.
type IceCandidate struct {
	Foundation  string
	ComponentID int
	Transport   string
	Priority    uint32
	Address     string
	Port        int
	Type        string

	extKeys   []string
	extValues map[string]string
}

// NewCandidate builds a synthetic host candidate for a locally allocated
// relay port.
func NewCandidate(component int, address string, port int) *IceCandidate {
	if address == "" {
		address = "0.0.0.0"
	}
	if port == 0 {
		port = 1
	}
	c := &IceCandidate{
		Foundation:  "1",
		ComponentID: component,
		Transport:   "udp",
		Priority:    1,
		Address:     address,
		Port:        port,
		Type:        "host",
		extValues:   map[string]string{},
	}
	c.setExtension("generation", "0")
	return c
}

// ParseCandidate parses the value of an a=candidate attribute. A leading
// "a=candidate:" or "candidate:" prefix is tolerated.
func ParseCandidate(value string) (*IceCandidate, error) {
	value = strings.TrimPrefix(value, "a=")
	value = strings.TrimPrefix(value, "candidate:")

	tokens := strings.Fields(value)
	if len(tokens) < 8 || tokens[6] != "typ" {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid candidate: "+value)
	}

	componentID, err := strconv.Atoi(tokens[1])
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid candidate component: "+tokens[1])
	}
	priority, err := strconv.ParseUint(tokens[3], 10, 32)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid candidate priority: "+tokens[3])
	}
	port, err := strconv.Atoi(tokens[5])
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "invalid candidate port: "+tokens[5])
	}

	c := &IceCandidate{
		Foundation:  tokens[0],
		ComponentID: componentID,
		Transport:   strings.ToLower(tokens[2]),
		Priority:    uint32(priority),
		Address:     tokens[4],
		Port:        port,
		Type:        tokens[7],
		extValues:   map[string]string{},
	}

	for i := 8; i+1 < len(tokens); i += 2 {
		c.setExtension(tokens[i], tokens[i+1])
	}
	return c, nil
}

func (c *IceCandidate) setExtension(key, value string) {
	if _, ok := c.extValues[key]; !ok {
		c.extKeys = append(c.extKeys, key)
	}
	c.extValues[key] = value
}

// Extension returns the value of an extension attribute pair such as
// raddr, rport or generation.
func (c *IceCandidate) Extension(key string) (string, bool) {
	v, ok := c.extValues[key]
	return v, ok
}

// IsRTP reports whether this is an RTP component candidate.
func (c *IceCandidate) IsRTP() bool {
	return c.ComponentID == ComponentRTP
}

// IsRTCP reports whether this is an RTCP component candidate.
func (c *IceCandidate) IsRTCP() bool {
	return c.ComponentID == ComponentRTCP
}

// Value renders the attribute value without the "candidate:" prefix.
func (c *IceCandidate) Value() string {
	var b strings.Builder
	b.WriteString(c.Foundation)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(c.ComponentID))
	b.WriteByte(' ')
	b.WriteString(c.Transport)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(uint64(c.Priority), 10))
	b.WriteByte(' ')
	b.WriteString(c.Address)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(c.Port))
	b.WriteString(" typ ")
	b.WriteString(c.Type)
	for _, key := range c.extKeys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte(' ')
		b.WriteString(c.extValues[key])
	}
	return b.String()
}

// Attribute renders the candidate as an a=candidate attribute.
func (c *IceCandidate) Attribute() sdp.Attribute {
	return sdp.Attribute{Key: "candidate", Value: c.Value()}
}

func (c *IceCandidate) String() string {
	return "candidate:" + c.Value()
}
