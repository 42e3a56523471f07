package media

import (
	"sync/atomic"

	"rtcbridge-server/pkg/rtpproxy"
	"rtcbridge-server/pkg/sdp"
)

var sessionCounter uint64

// ProxySession tracks one relay-managed media stream (audio or video): the
// relay session identifiers, the local candidates handed to the browser, the
// remote candidates learned from it and the SRTP key slots.
type ProxySession struct {
	CallID  string
	FromTag string
	ToTag   string

	Local  *sdp.LocalCandidates
	Remote *sdp.MediaCandidates
	SRTP   *rtpproxy.SRTPData
	SSRC   *sdp.SsrcInfo
}

func newProxySession(callID, ufrag, pwd string) *ProxySession {
	return &ProxySession{
		CallID:  callID,
		FromTag: sdp.RandomString(12),
		ToTag:   sdp.RandomString(12),
		Local: &sdp.LocalCandidates{
			Ufrag: ufrag,
			Pwd:   pwd,
			RTP:   sdp.NewCandidate(sdp.ComponentRTP, "", 0),
			RTCP:  sdp.NewCandidate(sdp.ComponentRTCP, "", 0),
		},
		SRTP: &rtpproxy.SRTPData{},
	}
}

// wire shapes the stream for the relay control channel.
func (p *ProxySession) wire() *rtpproxy.Session {
	return &rtpproxy.Session{
		CallID:           p.CallID,
		FromTag:          p.FromTag,
		ToTag:            p.ToTag,
		LocalCandidates:  p.Local,
		RemoteCandidates: p.Remote,
		SRTP:             p.SRTP,
	}
}

// updateLocalEndpoint points the local candidates at the relay-allocated
// media port. RTCP uses the adjacent port.
func (p *ProxySession) updateLocalEndpoint(address string, port int) {
	p.Local.RTP.Address = address
	p.Local.RTP.Port = port
	p.Local.RTCP.Address = address
	p.Local.RTCP.Port = port + 1
}

// MediaSession is the per-call media state: one relay session for audio,
// optionally one for video, and the connection summary of the SIP-side offer
// needed to shape the answer later.
type MediaSession struct {
	CallID   string
	Outgoing bool

	ufrag string
	pwd   string

	Audio *ProxySession
	Video *ProxySession

	// origConn keeps the m-line layout of the SIP-side offer so the answer
	// preserves the order and count of its media descriptions.
	origConn *sdp.Connections

	// id and version feed the o= line of generated descriptions. The
	// version starts at 2 to signal google-ice support to older clients.
	id      uint64
	version uint64
}

// NewMediaSession creates the media state for a call. Outgoing marks calls
// originating from a browser endpoint.
func NewMediaSession(callID string, outgoing bool) *MediaSession {
	ufrag := sdp.GenerateUfrag()
	pwd := sdp.GenerateUfrag()
	return &MediaSession{
		CallID:   callID,
		Outgoing: outgoing,
		ufrag:    ufrag,
		pwd:      pwd,
		Audio:    newProxySession(callID, ufrag, pwd),
		id:       atomic.AddUint64(&sessionCounter, 1),
		version:  2,
	}
}

func (s *MediaSession) createVideoSession() {
	if s.Video == nil {
		s.Video = newProxySession(s.CallID, s.ufrag, s.pwd)
	}
}

func (s *MediaSession) stream(mid string) *ProxySession {
	switch mid {
	case "audio":
		return s.Audio
	case "video":
		return s.Video
	}
	return nil
}

// nextVersion returns the o= identifiers for the next generated description.
func (s *MediaSession) nextVersion() (id, version uint64) {
	version = s.version
	s.version++
	return s.id, version
}

// reset clears the negotiated media state so a renegotiation can repopulate
// it from a fresh offer/answer exchange.
func (s *MediaSession) reset() {
	s.Audio.SRTP = &rtpproxy.SRTPData{}
	s.Audio.SSRC = nil
	s.Audio.Remote = nil
	if s.Video != nil {
		s.Video.SRTP = &rtpproxy.SRTPData{}
		s.Video.SSRC = nil
		s.Video.Remote = nil
	}
}

// generateSsrc fills in the SSRC lines for descriptions sent to the browser.
// When the SIP side already published its SSRC the relay forwards its
// packets untouched and no local SSRC is needed.
func (s *MediaSession) generateSsrc(isOffer bool) {
	cname := "sen" + sdp.RandomString(13)
	mslabel := "sen" + sdp.RandomString(33)

	generate := func(p *ProxySession, suffix string) {
		if p == nil {
			return
		}

		var ssrcID uint32
		if isOffer {
			if p.SRTP.Rcv != nil && p.SRTP.Rcv.SSRC != 0 {
				p.SSRC = nil
				return
			}
			if p.SRTP.Send != nil {
				ssrcID = p.SRTP.Send.SSRC
			}
		} else {
			if p.SRTP.PRcv != nil && p.SRTP.PRcv.SSRC != 0 {
				p.SSRC = nil
				return
			}
			if p.SRTP.PSend != nil {
				ssrcID = p.SRTP.PSend.SSRC
			}
		}

		if ssrcID == 0 {
			ssrcID = sdp.RandomID()
		}
		p.SSRC = &sdp.SsrcInfo{
			ID:      ssrcID,
			CName:   cname,
			MSLabel: mslabel,
			Label:   mslabel + suffix,
		}
	}

	generate(s.Audio, "00")
	generate(s.Video, "10")
}

// checkSrtpInterworking decides per stream whether the relay must terminate
// SRTP itself. The rcv/send slots control the browser-to-SIP direction, the
// prcv/psend slots the SIP-to-browser direction. isOfferer tells which side
// the browser endpoint took in the exchange.
func (s *MediaSession) checkSrtpInterworking(isOfferer bool) {
	check := func(srtp *rtpproxy.SRTPData) {
		srtp.UseProxy = false
		if isOfferer {
			if srtp.PRcv == nil {
				// The answerer does not support SRTP, interwork SRTP to RTP
				srtp.UseProxy = true
				srtp.Send = nil
			} else if srtp.PRcv.SSRC == 0 {
				// The answerer supports SRTP but did not publish its SSRC,
				// interwork SRTP to SRTP
				srtp.UseProxy = true
				if srtp.Rcv == srtp.Send {
					// Pass SRTP transparently towards the SIP side
					srtp.Rcv = nil
					srtp.Send = nil
				}
			}
		} else {
			if srtp.Rcv == nil {
				srtp.UseProxy = true
				srtp.PSend = nil
			} else if srtp.Rcv.SSRC == 0 {
				srtp.UseProxy = true
				if srtp.PRcv == srtp.PSend {
					srtp.PRcv = nil
					srtp.PSend = nil
				}
			}
		}
	}

	check(s.Audio.SRTP)
	if s.Video != nil {
		check(s.Video.SRTP)
	}
}

// setSdesFromSIP populates the key slots of a stream from the SDES data the
// SIP side sent, generating local keys where interworking is unavoidable. A
// remote SDES without an SSRC cannot be passed through because the relay
// would not recognize the stream, so a local key is generated for the
// browser-facing direction.
func (s *MediaSession) setSdesFromSIP(isOffer bool, remote *sdp.SdesData, p *ProxySession) error {
	srtp := p.SRTP

	if remote != nil {
		if remote.SSRC != 0 {
			// SDES and SSRC present, no interworking needed
			if isOffer {
				srtp.Rcv, srtp.Send = remote, remote
			} else {
				srtp.PRcv, srtp.PSend = remote, remote
			}
			return nil
		}

		local, err := sdp.NewSdesData()
		if err != nil {
			return err
		}
		local.Tag = remote.Tag
		local.SSRC = sdp.RandomID()
		if isOffer {
			srtp.Rcv, srtp.Send = remote, local
		} else {
			srtp.PRcv, srtp.PSend = remote, local
		}
		return nil
	}

	local, err := sdp.NewSdesData()
	if err != nil {
		return err
	}
	local.SSRC = sdp.RandomID()
	if isOffer {
		srtp.Rcv, srtp.Send = nil, local
	} else {
		if srtp.Rcv != nil {
			local.Tag = srtp.Rcv.Tag
		}
		srtp.PRcv, srtp.PSend = nil, local
	}
	return nil
}
