package media

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/metrics"
	"rtcbridge-server/pkg/rtpproxy"
	"rtcbridge-server/pkg/sdp"
)

// RelayAgent is the slice of the relay control client the media layer needs.
type RelayAgent interface {
	UpdateSession(ctx context.Context, s *rtpproxy.Session, addr string, port int) (*rtpproxy.MediaEndpoint, error)
	UpdateSessionICE(ctx context.Context, s *rtpproxy.Session) (*rtpproxy.MediaEndpoint, error)
	LookupSession(ctx context.Context, s *rtpproxy.Session, addr string, port int) (*rtpproxy.MediaEndpoint, error)
	LookupSessionICE(ctx context.Context, s *rtpproxy.Session) (*rtpproxy.MediaEndpoint, error)
	NewCandidate(ctx context.Context, originatingSide bool, callID, fromTag, toTag string, candidate *sdp.IceCandidate) error
	DeleteSession(ctx context.Context, callID, fromTag, toTag string) error
}

// Candidate is a trickled ICE candidate received over signaling.
type Candidate struct {
	Candidate string `json:"candidate"`
	SdpMid    string `json:"sdpMid"`
}

// Manager owns the media sessions of all active calls and drives the relay
// for every offer/answer exchange. Offers and answers for one call arrive
// sequentially over its signaling connection; sessions of different calls
// are independent, so the manager only synchronizes its session table.
type Manager struct {
	agent  RelayAgent
	logger *logrus.Logger

	// forceInterwork removes the secure m-line from SIP-bound offers so the
	// relay always terminates SRTP.
	forceInterwork bool

	mu       sync.Mutex
	sessions map[string]*MediaSession
}

// NewManager creates a session manager on top of the given relay agent.
func NewManager(agent RelayAgent, forceInterwork bool, logger *logrus.Logger) *Manager {
	return &Manager{
		agent:          agent,
		logger:         logger,
		forceInterwork: forceInterwork,
		sessions:       make(map[string]*MediaSession),
	}
}

func (m *Manager) session(callID string) *MediaSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[callID]
}

func (m *Manager) obtainSession(callID string, outgoing bool) *MediaSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.sessions[callID]
	if session == nil {
		session = NewMediaSession(callID, outgoing)
		m.sessions[callID] = session
		if metrics.Enabled() && metrics.MediaSessionsActive != nil {
			metrics.MediaSessionsActive.Inc()
		}
	}
	return session
}

// DeleteSession tears down the relay sessions of a call and forgets it.
// Safe to call for calls that never had media.
func (m *Manager) DeleteSession(ctx context.Context, callID string) {
	if callID == "" {
		return
	}

	m.mu.Lock()
	session := m.sessions[callID]
	if session != nil {
		delete(m.sessions, callID)
	}
	m.mu.Unlock()

	if session == nil {
		return
	}

	m.logger.WithField("call_id", callID).Info("Deleting relay sessions for call")
	if metrics.Enabled() && metrics.MediaSessionsActive != nil {
		metrics.MediaSessionsActive.Dec()
	}
	m.deleteStream(ctx, session.Audio)
	m.deleteStream(ctx, session.Video)
}

func (m *Manager) deleteStream(ctx context.Context, p *ProxySession) {
	if p == nil {
		return
	}
	if err := m.agent.DeleteSession(ctx, p.CallID, p.FromTag, ""); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"call_id":  p.CallID,
			"from_tag": p.FromTag,
		}).Warn("Failed to delete relay session")
	}
}

// HandleCandidate forwards a trickled browser candidate to the relay.
func (m *Manager) HandleCandidate(ctx context.Context, callID string, candidate Candidate) error {
	if callID == "" {
		return nil
	}

	session := m.session(callID)
	if session == nil {
		return errors.Wrap(errors.ErrSessionNotFound, "no media session for call").WithField("call_id", callID)
	}

	stream := session.stream(candidate.SdpMid)
	if stream == nil {
		return errors.Wrap(errors.ErrSessionNotFound, "no relay session for media id "+candidate.SdpMid)
	}

	parsed, err := sdp.ParseCandidate(candidate.Candidate)
	if err != nil {
		return err
	}
	return m.agent.NewCandidate(ctx, session.Outgoing, callID, stream.FromTag, stream.ToTag, parsed)
}

// HandleWebRTCOffer maps a browser offer to a SIP-side offer. The returned
// direct flag is false when the media path goes through the relay. With
// forceInterwork set (per call or globally) the secure m-line is dropped
// from the generated offer so the relay terminates SRTP.
func (m *Manager) HandleWebRTCOffer(ctx context.Context, callID, clientAddress, offer string, forceInterwork bool) (string, bool, error) {
	desc, err := sdp.ParseWebRTCSDP(offer, clientAddress)
	if err != nil {
		return "", false, err
	}
	if err := sdp.CleanupWebRTCSDP(desc, clientAddress); err != nil {
		return "", false, err
	}

	session := m.obtainSession(callID, true)
	session.reset()

	endpoint, videoPort, err := m.negotiateWebRTC(ctx, true, session, desc)
	if err != nil {
		m.DeleteSession(ctx, callID)
		return "", false, err
	}

	modified, err := sdp.BuildSIPSDPOffer(desc, endpoint.Address, endpoint.Port, videoPort, forceInterwork || m.forceInterwork)
	if err != nil {
		m.DeleteSession(ctx, callID)
		return "", false, err
	}
	return modified, false, nil
}

// HandleWebRTCAnswer maps a browser answer to a SIP-side answer. Without a
// media session the call is browser to browser and the cleaned answer is
// passed through directly.
func (m *Manager) HandleWebRTCAnswer(ctx context.Context, callID, clientAddress, answer string) (string, bool, error) {
	desc, err := sdp.ParseWebRTCSDP(answer, clientAddress)
	if err != nil {
		return "", false, err
	}
	if err := sdp.CleanupWebRTCSDP(desc, clientAddress); err != nil {
		return "", false, err
	}

	session := m.session(callID)
	if session == nil {
		modified, err := sdp.Marshal(desc)
		if err != nil {
			return "", false, err
		}
		return modified, true, nil
	}

	endpoint, videoPort, err := m.negotiateWebRTC(ctx, false, session, desc)
	if err != nil {
		m.DeleteSession(ctx, callID)
		return "", false, err
	}

	conn := session.origConn
	session.origConn = nil
	if conn == nil || conn.Audio == nil {
		m.DeleteSession(ctx, callID)
		return "", false, errors.Wrap(errors.ErrSessionNotFound, "no saved offer layout for call")
	}

	conn.Address = endpoint.Address
	conn.Audio.Port = endpoint.Port
	if conn.Video != nil {
		conn.Video.Port = videoPort
	}

	modified, err := sdp.BuildSIPSDPAnswer(desc, conn)
	if err != nil {
		m.DeleteSession(ctx, callID)
		return "", false, err
	}
	return modified, false, nil
}

// HandleSIPOffer maps a SIP-side offer to a browser offer.
func (m *Manager) HandleSIPOffer(ctx context.Context, callID, offer string) (string, bool, error) {
	if sdp.IsWebRTCSDP(offer) {
		// Browser to browser call, take the relay out of the path
		m.DeleteSession(ctx, callID)
		modified, err := sdpRestore(offer)
		return modified, true, err
	}

	session := m.obtainSession(callID, false)
	session.reset()

	modified, err := m.negotiateSIP(ctx, true, session, offer)
	if err != nil {
		m.DeleteSession(ctx, callID)
		return "", false, err
	}
	return modified, false, nil
}

// HandleSIPAnswer maps a SIP-side answer to a browser answer.
func (m *Manager) HandleSIPAnswer(ctx context.Context, callID, answer string) (string, bool, error) {
	if sdp.IsWebRTCSDP(answer) {
		m.DeleteSession(ctx, callID)
		modified, err := sdpRestore(answer)
		return modified, true, err
	}

	session := m.session(callID)
	if session == nil {
		return "", false, errors.Wrap(errors.ErrSessionNotFound, "no media session for call").WithField("call_id", callID)
	}

	modified, err := m.negotiateSIP(ctx, false, session, answer)
	if err != nil {
		m.DeleteSession(ctx, callID)
		return "", false, err
	}
	return modified, false, nil
}

func sdpRestore(raw string) (string, error) {
	desc, err := sdp.Parse(raw)
	if err != nil {
		return "", err
	}
	return sdp.RestoreWebRTCSDP(desc)
}

// negotiateWebRTC absorbs a browser description into the session and runs
// the relay round trips for its streams. It returns the relay audio endpoint
// and the relay video port (zero when the call has no video).
func (m *Manager) negotiateWebRTC(ctx context.Context, isOffer bool, session *MediaSession, desc *sdp.SessionDescription) (*rtpproxy.MediaEndpoint, int, error) {
	candidates, err := sdp.GetCandidates(desc)
	if err != nil {
		return nil, 0, err
	}
	if candidates.Audio == nil {
		return nil, 0, errors.Wrap(errors.ErrMissingCandidates, "no usable audio candidates")
	}

	sdes := sdp.GetSdesData(desc)
	if sdes.Audio == nil {
		return nil, 0, errors.Wrap(errors.ErrMissingSDES, "no audio SDES data with the default crypto suite")
	}

	session.Audio.Remote = candidates.Audio
	if isOffer {
		session.Audio.SRTP.Rcv, session.Audio.SRTP.Send = sdes.Audio, sdes.Audio
	} else {
		session.Audio.SRTP.PRcv, session.Audio.SRTP.PSend = sdes.Audio, sdes.Audio
	}

	hasVideo := candidates.Video != nil && sdes.Video != nil
	if hasVideo {
		if !isOffer && session.Video == nil {
			return nil, 0, errors.Wrap(errors.ErrUnsupportedMedia, "answer cannot add a media stream")
		}
		session.createVideoSession()
		session.Video.Remote = candidates.Video
		if isOffer {
			session.Video.SRTP.Rcv, session.Video.SRTP.Send = sdes.Video, sdes.Video
		} else {
			session.Video.SRTP.PRcv, session.Video.SRTP.PSend = sdes.Video, sdes.Video
		}
	} else {
		m.deleteStream(ctx, session.Video)
		session.Video = nil
	}

	if !isOffer {
		session.checkSrtpInterworking(false)
	}

	relay := func(ctx context.Context, p *ProxySession) (*rtpproxy.MediaEndpoint, error) {
		if session.Outgoing {
			return m.agent.UpdateSessionICE(ctx, p.wire())
		}
		return m.agent.LookupSessionICE(ctx, p.wire())
	}
	return m.relayStreams(ctx, session, relay)
}

// negotiateSIP absorbs a SIP-side description, runs the relay round trips
// and renders the browser-facing description.
func (m *Manager) negotiateSIP(ctx context.Context, isOffer bool, session *MediaSession, raw string) (string, error) {
	desc, err := sdp.Parse(raw)
	if err != nil {
		return "", err
	}
	sdp.CleanupSIPSDP(desc)

	conn, err := sdp.GetConnections(desc)
	if err != nil {
		return "", err
	}
	if isOffer {
		// Keep the m-line layout for the answer
		session.origConn = conn
	}

	if conn.Audio == nil {
		return "", errors.Wrap(errors.ErrUnsupportedMedia, "offer has no usable audio stream")
	}
	if err := session.setSdesFromSIP(isOffer, conn.Audio.Sdes, session.Audio); err != nil {
		return "", err
	}

	if conn.Video != nil {
		if !isOffer && session.Video == nil {
			return "", errors.Wrap(errors.ErrUnsupportedMedia, "answer cannot add a media stream")
		}
		session.createVideoSession()
		if err := session.setSdesFromSIP(isOffer, conn.Video.Sdes, session.Video); err != nil {
			return "", err
		}
	} else {
		m.deleteStream(ctx, session.Video)
		session.Video = nil
	}

	if !isOffer {
		session.checkSrtpInterworking(true)
	}

	relay := func(ctx context.Context, p *ProxySession) (*rtpproxy.MediaEndpoint, error) {
		media := "audio"
		if p == session.Video {
			media = "video"
		}
		addr := conn.ConnectionAddress(media)
		port := conn.Get(media).Port
		if session.Outgoing {
			return m.agent.LookupSession(ctx, p.wire(), addr, port)
		}
		return m.agent.UpdateSession(ctx, p.wire(), addr, port)
	}

	endpoint, videoPort, err := m.relayStreams(ctx, session, relay)
	if err != nil {
		return "", err
	}

	session.Audio.updateLocalEndpoint(endpoint.Address, endpoint.Port)
	if session.Video != nil {
		session.Video.updateLocalEndpoint(endpoint.Address, videoPort)
	}

	sdes := &sdp.SdesSet{}
	if isOffer {
		sdes.Audio = session.Audio.SRTP.Send
		if session.Video != nil {
			sdes.Video = session.Video.SRTP.Send
		}
	} else {
		sdes.Audio = session.Audio.SRTP.PSend
		if session.Video != nil {
			sdes.Video = session.Video.SRTP.PSend
		}
	}

	session.generateSsrc(isOffer)
	ssrc := &sdp.SsrcSet{Audio: session.Audio.SSRC}
	var videoLocal *sdp.LocalCandidates
	if session.Video != nil {
		ssrc.Video = session.Video.SSRC
		videoLocal = session.Video.Local
	}

	id, version := session.nextVersion()
	desc.Origin.SessionID = id
	desc.Origin.SessionVersion = version

	return sdp.BuildWebRTCSDP(desc, conn, session.Audio.Local, videoLocal, sdes, ssrc)
}

// relayStreams runs the relay round trip for the audio stream and, when
// present, the video stream concurrently. The first failure wins and the
// other result is discarded.
func (m *Manager) relayStreams(ctx context.Context, session *MediaSession, relay func(context.Context, *ProxySession) (*rtpproxy.MediaEndpoint, error)) (*rtpproxy.MediaEndpoint, int, error) {
	var (
		wg       sync.WaitGroup
		audioEP  *rtpproxy.MediaEndpoint
		videoEP  *rtpproxy.MediaEndpoint
		audioErr error
		videoErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		audioEP, audioErr = relay(ctx, session.Audio)
	}()

	if session.Video != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			videoEP, videoErr = relay(ctx, session.Video)
		}()
	}
	wg.Wait()

	if audioErr != nil {
		return nil, 0, audioErr
	}
	if videoErr != nil {
		return nil, 0, videoErr
	}

	videoPort := 0
	if videoEP != nil {
		videoPort = videoEP.Port
	}

	m.logger.WithFields(logrus.Fields{
		"call_id":    session.CallID,
		"audio_addr": audioEP.Address,
		"audio_port": audioEP.Port,
		"video_port": videoPort,
	}).Debug("Relay endpoints allocated")
	return audioEP, videoPort, nil
}
