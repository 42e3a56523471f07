package sdp

import (
	"strings"

	"github.com/pion/sdp/v3"

	"rtcbridge-server/pkg/errors"
)

// SessionDescription and MediaDescription alias the pion document types so
// callers work against a single sdp package.
type (
	SessionDescription = sdp.SessionDescription
	MediaDescription   = sdp.MediaDescription
	Attribute          = sdp.Attribute
)

// Parse parses a session description into the pion SDP document model.
//
// The input is normalized first so that descriptions from lenient peers
// survive the strict RFC 4566 unmarshaller: line endings are unified, a
// missing "s=" is defaulted to "-" and a missing "t=" to "0 0". A line that
// does not match the minimal "<type>=<value>" shape is an explicit parse
// error rather than a silent end-of-input.
func Parse(raw string) (*sdp.SessionDescription, error) {
	normalized, err := normalize(raw)
	if err != nil {
		return nil, err
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(normalized)); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}
	return desc, nil
}

// Marshal renders the document back to text in RFC field order.
func Marshal(desc *sdp.SessionDescription) (string, error) {
	raw, err := desc.Marshal()
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}
	return string(raw), nil
}

func normalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.Wrap(errors.ErrInvalidSDP, "empty session description")
	}

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if len(line) < 2 || line[1] != '=' || !isTypeChar(line[0]) {
			return "", errors.Wrap(errors.ErrInvalidSDP, "malformed line: "+line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "", errors.Wrap(errors.ErrInvalidSDP, "empty session description")
	}

	lines = withSessionDefaults(lines)

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String(), nil
}

// withSessionDefaults inserts the defaulted v=, s= and t= lines when the
// session section omits them.
func withSessionDefaults(lines []string) []string {
	hasVersion := lines[0][0] == 'v'
	hasName := false
	hasTiming := false
	nameAt := 0
	if hasVersion {
		nameAt = 1
	}
	timingAt := len(lines)

	for i, line := range lines {
		if line[0] == 'm' {
			if timingAt > i {
				timingAt = i
			}
			break
		}
		switch line[0] {
		case 's':
			hasName = true
		case 't':
			hasTiming = true
		case 'o':
			nameAt = i + 1
		case 'z', 'k', 'a':
			// t= must precede these in the session section
			if timingAt > i {
				timingAt = i
			}
		}
	}

	out := make([]string, 0, len(lines)+3)
	out = append(out, lines...)

	if !hasTiming {
		out = append(out[:timingAt], append([]string{"t=0 0"}, out[timingAt:]...)...)
	}
	if !hasName {
		out = append(out[:nameAt], append([]string{"s=-"}, out[nameAt:]...)...)
	}
	if !hasVersion {
		out = append([]string{"v=0"}, out...)
	}
	return out
}

func isTypeChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
