package media

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/rtpproxy"
	"rtcbridge-server/pkg/sdp"
)

const testKeySalt = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

type fakeAgent struct {
	mu    sync.Mutex
	calls []string
	err   error

	nextPort int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{nextPort: 35000}
}

func (f *fakeAgent) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeAgent) endpoint() (*rtpproxy.MediaEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	port := f.nextPort
	f.nextPort += 2
	return &rtpproxy.MediaEndpoint{Address: "203.0.113.5", Port: port}, nil
}

func (f *fakeAgent) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.calls {
		if c == name {
			count++
		}
	}
	return count
}

func (f *fakeAgent) UpdateSession(ctx context.Context, s *rtpproxy.Session, addr string, port int) (*rtpproxy.MediaEndpoint, error) {
	f.record("update")
	return f.endpoint()
}

func (f *fakeAgent) UpdateSessionICE(ctx context.Context, s *rtpproxy.Session) (*rtpproxy.MediaEndpoint, error) {
	f.record("updateICE")
	return f.endpoint()
}

func (f *fakeAgent) LookupSession(ctx context.Context, s *rtpproxy.Session, addr string, port int) (*rtpproxy.MediaEndpoint, error) {
	f.record("lookup")
	return f.endpoint()
}

func (f *fakeAgent) LookupSessionICE(ctx context.Context, s *rtpproxy.Session) (*rtpproxy.MediaEndpoint, error) {
	f.record("lookupICE")
	return f.endpoint()
}

func (f *fakeAgent) NewCandidate(ctx context.Context, originatingSide bool, callID, fromTag, toTag string, candidate *sdp.IceCandidate) error {
	if originatingSide {
		f.record("candidate-originating")
	} else {
		f.record("candidate-answering")
	}
	return nil
}

func (f *fakeAgent) DeleteSession(ctx context.Context, callID, fromTag, toTag string) error {
	f.record("delete")
	return nil
}

func newTestManager(agent *fakeAgent) *Manager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewManager(agent, false, logger)
}

func browserOffer() string {
	return strings.Join([]string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 56143 RTP/SAVPF 111 0",
		"c=IN IP4 192.0.2.10",
		"a=candidate:1467250027 1 udp 2122260223 192.0.2.10 56143 typ host generation 0",
		"a=candidate:1467250027 2 udp 2122260222 192.0.2.10 56144 typ host generation 0",
		"a=ice-ufrag:EsAw",
		"a=ice-pwd:P2uYro0UCOQ4zxjKXaWCBui1",
		"a=mid:audio",
		"a=rtcp-mux",
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:" + testKeySalt,
		"a=rtpmap:111 opus/48000/2",
		"a=rtpmap:0 PCMU/8000",
		"a=ssrc:3735928559 cname:someCname",
		"",
	}, "\r\n")
}

func sipOffer() string {
	return strings.Join([]string{
		"v=0",
		"o=MediaServer 1 1 IN IP4 198.51.100.20",
		"s=-",
		"c=IN IP4 198.51.100.20",
		"t=0 0",
		"m=audio 30000 RTP/SAVP 0",
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:" + testKeySalt,
		"a=rtpmap:0 PCMU/8000",
		"",
	}, "\r\n")
}

func TestHandleWebRTCOffer(t *testing.T) {
	agent := newFakeAgent()
	manager := newTestManager(agent)

	modified, direct, err := manager.HandleWebRTCOffer(context.Background(), "call-1", "192.0.2.10", browserOffer(), false)
	require.NoError(t, err)

	assert.False(t, direct)
	assert.Contains(t, modified, "m=audio 35000 RTP/SAVP ")
	assert.Contains(t, modified, "m=audio 35000 RTP/AVP ")
	assert.Contains(t, modified, "c=IN IP4 203.0.113.5")

	// Outgoing calls create the relay session
	assert.Equal(t, 1, agent.called("updateICE"))
	assert.NotNil(t, manager.session("call-1"))
}

func TestHandleWebRTCOfferInvalidSDP(t *testing.T) {
	manager := newTestManager(newFakeAgent())

	_, _, err := manager.HandleWebRTCOffer(context.Background(), "call-1", "192.0.2.10", "garbage", false)
	require.Error(t, err)
	assert.Equal(t, errors.StatusBadSDP, errors.StatusFromError(err))
	assert.Nil(t, manager.session("call-1"))
}

func TestHandleWebRTCOfferMissingSDES(t *testing.T) {
	agent := newFakeAgent()
	manager := newTestManager(agent)

	offer := strings.Replace(browserOffer(),
		"a=crypto:1 AES_CM_128_HMAC_SHA1_80 inline:"+testKeySalt+"\r\n", "", 1)

	_, _, err := manager.HandleWebRTCOffer(context.Background(), "call-1", "192.0.2.10", offer, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingSDES))
	assert.Equal(t, errors.StatusBadSDP, errors.StatusFromError(err))

	// The half-created session is cleaned up
	assert.Nil(t, manager.session("call-1"))
	assert.Equal(t, 1, agent.called("delete"))
}

func TestHandleWebRTCOfferRelayFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.err = errors.Wrap(errors.ErrProxyFailure, "E7 - update session failed")
	manager := newTestManager(agent)

	_, _, err := manager.HandleWebRTCOffer(context.Background(), "call-1", "192.0.2.10", browserOffer(), false)
	require.Error(t, err)
	assert.Equal(t, errors.StatusInternalError, errors.StatusFromError(err))
	assert.Nil(t, manager.session("call-1"))
}

func TestHandleWebRTCAnswerDirect(t *testing.T) {
	manager := newTestManager(newFakeAgent())

	modified, direct, err := manager.HandleWebRTCAnswer(context.Background(), "call-9", "192.0.2.10", browserOffer())
	require.NoError(t, err)

	// No media session means a browser-to-browser call
	assert.True(t, direct)
	assert.Contains(t, modified, "RTP/SAVP")
}

func TestIncomingCallFlow(t *testing.T) {
	agent := newFakeAgent()
	manager := newTestManager(agent)
	ctx := context.Background()

	// SIP offer towards a browser endpoint
	offer, direct, err := manager.HandleSIPOffer(ctx, "call-2", sipOffer())
	require.NoError(t, err)
	assert.False(t, direct)

	assert.Contains(t, offer, "m=audio 35000 RTP/SAVPF 0")
	assert.Contains(t, offer, "c=IN IP4 203.0.113.5")
	assert.Contains(t, offer, "a=ice-ufrag:")
	assert.Contains(t, offer, "a=candidate:")
	assert.Contains(t, offer, "a=crypto:")
	assert.Contains(t, offer, "a=ssrc:")
	assert.Equal(t, 1, agent.called("update"))

	// Browser answer closes the exchange
	answer, direct, err := manager.HandleWebRTCAnswer(ctx, "call-2", "192.0.2.10", browserOffer())
	require.NoError(t, err)
	assert.False(t, direct)

	assert.Contains(t, answer, "m=audio 35002 RTP/SAVP ")
	assert.Contains(t, answer, "c=IN IP4 203.0.113.5")
	assert.NotContains(t, answer, "a=candidate:")
	assert.Equal(t, 1, agent.called("lookupICE"))
}

func TestHandleSIPAnswerWithoutSession(t *testing.T) {
	manager := newTestManager(newFakeAgent())

	_, _, err := manager.HandleSIPAnswer(context.Background(), "call-3", sipOffer())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestHandleSIPOfferUnsupportedMedia(t *testing.T) {
	agent := newFakeAgent()
	manager := newTestManager(agent)

	offer := strings.Join([]string{
		"v=0",
		"o=MediaServer 1 1 IN IP4 198.51.100.20",
		"s=-",
		"c=IN IP4 198.51.100.20",
		"t=0 0",
		"m=audio 0 RTP/SAVP 0",
		"",
	}, "\r\n")

	_, _, err := manager.HandleSIPOffer(context.Background(), "call-4", offer)
	require.Error(t, err)
	assert.Equal(t, errors.StatusUnsupportedMedia, errors.StatusFromError(err))
	assert.Nil(t, manager.session("call-4"))
}

func TestHandleCandidate(t *testing.T) {
	agent := newFakeAgent()
	manager := newTestManager(agent)
	ctx := context.Background()

	_, _, err := manager.HandleWebRTCOffer(ctx, "call-5", "192.0.2.10", browserOffer(), false)
	require.NoError(t, err)

	err = manager.HandleCandidate(ctx, "call-5", Candidate{
		Candidate: "candidate:1 1 udp 100 192.0.2.10 41000 typ host",
		SdpMid:    "audio",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, agent.called("candidate-originating"))
}

func TestHandleCandidateUnknownCall(t *testing.T) {
	manager := newTestManager(newFakeAgent())

	err := manager.HandleCandidate(context.Background(), "missing", Candidate{
		Candidate: "candidate:1 1 udp 100 192.0.2.10 41000 typ host",
		SdpMid:    "audio",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestDeleteSession(t *testing.T) {
	agent := newFakeAgent()
	manager := newTestManager(agent)
	ctx := context.Background()

	_, _, err := manager.HandleWebRTCOffer(ctx, "call-6", "192.0.2.10", browserOffer(), false)
	require.NoError(t, err)

	manager.DeleteSession(ctx, "call-6")
	assert.Nil(t, manager.session("call-6"))
	assert.Equal(t, 1, agent.called("delete"))

	// Deleting again is a no-op
	manager.DeleteSession(ctx, "call-6")
	assert.Equal(t, 1, agent.called("delete"))
}
