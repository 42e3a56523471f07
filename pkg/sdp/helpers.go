package sdp

import (
	"math/rand"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	// ProtoSAVPF is the secure RTP profile with feedback used by WebRTC endpoints.
	ProtoSAVPF = "RTP/SAVPF"
	// ProtoSAVP is the secure RTP profile spoken on the SIP side.
	ProtoSAVP = "RTP/SAVP"
	// ProtoAVP is the plain RTP profile.
	ProtoAVP = "RTP/AVP"
)

// MediaProto returns the m-line transport protocol as a single string.
func MediaProto(md *sdp.MediaDescription) string {
	return strings.Join(md.MediaName.Protos, "/")
}

// SetMediaProto replaces the m-line transport protocol.
func SetMediaProto(md *sdp.MediaDescription, proto string) {
	md.MediaName.Protos = strings.Split(proto, "/")
}

// IsAudioVideo reports whether the media description is an audio or video block.
func IsAudioVideo(md *sdp.MediaDescription) bool {
	return md.MediaName.Media == "audio" || md.MediaName.Media == "video"
}

// Connection builds an IN IP4 connection line for the given address.
func Connection(address string) *sdp.ConnectionInformation {
	return &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: address},
	}
}

// FilterAttributes keeps only the attributes the given predicate accepts,
// preserving order.
func FilterAttributes(attrs []sdp.Attribute, keep func(sdp.Attribute) bool) []sdp.Attribute {
	out := attrs[:0]
	for _, a := range attrs {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// PrependAttributes inserts attributes at the front of the media description,
// in the order given.
func PrependAttributes(md *sdp.MediaDescription, attrs ...sdp.Attribute) {
	md.Attributes = append(attrs, md.Attributes...)
}

// AttributeValue returns the first value for the attribute key, with a flag
// telling whether it was present.
func AttributeValue(attrs []sdp.Attribute, key string) (string, bool) {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

const randChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns a random alphanumeric string of the given length.
func RandomString(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = randChars[rand.Intn(len(randChars))]
	}
	return string(b)
}

// RandomID returns a random numeric identifier suitable for o= session ids
// and SSRC values.
func RandomID() uint32 {
	return uint32(rand.Int31n(1e9))
}

// GenerateUfrag produces ICE credential material for locally synthesized
// candidates.
func GenerateUfrag() string {
	return "SEN" + RandomString(8)
}
