package rtpproxy

import (
	"encoding/hex"
	"strconv"
	"strings"

	"rtcbridge-server/pkg/sdp"
)

// Session carries the identifiers and media material one relay-managed
// stream needs on the control channel. FromTag belongs to the calling side,
// ToTag to the called side.
type Session struct {
	CallID  string
	FromTag string
	ToTag   string

	LocalCandidates  *sdp.LocalCandidates
	RemoteCandidates *sdp.MediaCandidates

	SRTP *SRTPData
}

// SRTPData holds the four key slots of a relayed stream: what each endpoint
// sends and receives, and the relay-side keys used when the relay itself
// terminates SRTP. UseProxy selects interworking mode; without it the keys
// are not put on the wire.
type SRTPData struct {
	UseProxy bool

	Rcv   *sdp.SdesData
	Send  *sdp.SdesData
	PRcv  *sdp.SdesData
	PSend *sdp.SdesData
}

// remoteRTPAddr returns the default remote RTP endpoint for ICE commands.
func (s *Session) remoteRTPAddr() (string, int) {
	if s.RemoteCandidates != nil && len(s.RemoteCandidates.RTP) > 0 {
		c := s.RemoteCandidates.RTP[0]
		return c.Address, c.Port
	}
	return "0.0.0.0", 1
}

func buildIceLocal(lc *sdp.LocalCandidates) string {
	return "iceL:" + lc.Ufrag + "," + lc.Pwd + " "
}

func candidateInfo(c *sdp.IceCandidate) string {
	prefix := "iceRtcpR:"
	if c.IsRTP() {
		prefix = "iceRtpR:"
	}
	return prefix + c.Address + "," + strconv.Itoa(c.Port) + "," +
		strconv.FormatUint(uint64(c.Priority), 10) + " "
}

func buildIceRemote(mc *sdp.MediaCandidates) string {
	var b strings.Builder
	b.WriteString("iceR:")
	b.WriteString(mc.Ufrag)
	b.WriteString(",")
	b.WriteString(mc.Pwd)
	b.WriteString(" ")
	for _, c := range mc.RTP {
		b.WriteString(candidateInfo(c))
	}
	for _, c := range mc.RTCP {
		b.WriteString(candidateInfo(c))
	}
	return b.String()
}

func sdesInfo(s *sdp.SdesData) string {
	return hex.EncodeToString(s.KeySalt) + "," +
		strconv.FormatUint(uint64(s.SSRC), 10) + "," +
		strconv.Itoa(s.ProxySuiteID()) + " "
}

func buildSRTPData(srtp *SRTPData) string {
	var b strings.Builder
	if srtp.Send != nil {
		b.WriteString("send:")
		b.WriteString(sdesInfo(srtp.Send))
	}
	if srtp.Rcv != nil {
		b.WriteString("rcv:")
		b.WriteString(sdesInfo(srtp.Rcv))
	}
	if srtp.PSend != nil {
		b.WriteString("psend:")
		b.WriteString(sdesInfo(srtp.PSend))
	}
	if srtp.PRcv != nil {
		b.WriteString("prcv:")
		b.WriteString(sdesInfo(srtp.PRcv))
	}
	return b.String()
}

// useProxy reports whether the session requires key material on the wire.
func (s *Session) useProxy() bool {
	return s.SRTP != nil && s.SRTP.UseProxy
}
