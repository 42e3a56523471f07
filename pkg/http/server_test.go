package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcbridge-server/pkg/config"
	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/media"
	"rtcbridge-server/pkg/rtpproxy"
	"rtcbridge-server/pkg/signaling"
)

type noopMedia struct{}

func (noopMedia) HandleWebRTCOffer(ctx context.Context, callID, clientAddress, offer string, forceInterwork bool) (string, bool, error) {
	return offer, true, nil
}

func (noopMedia) HandleWebRTCAnswer(ctx context.Context, callID, clientAddress, answer string) (string, bool, error) {
	return answer, true, nil
}

func (noopMedia) HandleSIPOffer(ctx context.Context, callID, offer string) (string, bool, error) {
	return offer, true, nil
}

func (noopMedia) HandleSIPAnswer(ctx context.Context, callID, answer string) (string, bool, error) {
	return answer, true, nil
}

func (noopMedia) HandleCandidate(ctx context.Context, callID string, candidate media.Candidate) error {
	return nil
}

func (noopMedia) DeleteSession(ctx context.Context, callID string) {}

func newTestServer(t *testing.T) (*Server, *signaling.Hub) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	hub := signaling.NewHub(noopMedia{}, nil, logger)
	cfg := &config.HTTPConfig{
		Host:         "127.0.0.1",
		Port:         0,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return NewServer(cfg, hub, logger), hub
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 200, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Registrations)
}

func TestHealthEndpointRelayDown(t *testing.T) {
	server, _ := newTestServer(t)
	server.SetRelayCheck(func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	require.Equal(t, 503, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unhealthy", health.Checks["relay"].Status)
}

func TestLivenessEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, 200, rec.Code)
}

type fakeRelay struct{}

func (fakeRelay) GetSessionStats(ctx context.Context) (string, error) {
	return "sessions created: 5 active sessions: 1", nil
}

func (fakeRelay) GetSessionDetail(ctx context.Context, callID, fromTag, toTag string) (*rtpproxy.SessionDetail, error) {
	return &rtpproxy.SessionDetail{TTL: 60, PacketsRelayed: 42}, nil
}

func TestRelayStatsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/relay/stats", nil))
	assert.Equal(t, 404, rec.Code, "not configured yet")

	server.SetRelayDiagnostics(fakeRelay{})
	rec = httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/relay/stats", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "active sessions: 1")
}

func TestRelaySessionEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	server.SetRelayDiagnostics(fakeRelay{})

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/relay/session", nil))
	assert.Equal(t, 400, rec.Code, "call_id and from_tag are required")

	rec = httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest("GET", "/relay/session?call_id=c1&from_tag=f1", nil))
	require.Equal(t, 200, rec.Code)

	var detail rtpproxy.SessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, 42, detail.PacketsRelayed)
}

func TestWebSocketSignin(t *testing.T) {
	server, hub := newTestServer(t)

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	err = ws.WriteJSON(map[string]interface{}{
		"method": "wsSignin",
		"data":   map[string]string{"user": "alice", "device": "web"},
	})
	require.NoError(t, err)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope signaling.Envelope
	require.NoError(t, ws.ReadJSON(&envelope))
	assert.Equal(t, signaling.MethodSigninAck, envelope.Method)

	// The signin also triggers a peer list broadcast; the recipient's own
	// entry is left out, so alice alone sees an empty list
	require.NoError(t, ws.ReadJSON(&envelope))
	assert.Equal(t, signaling.MethodPeerList, envelope.Method)

	var peers []signaling.PeerInfo
	require.NoError(t, json.Unmarshal(envelope.Data, &peers))
	assert.Empty(t, peers)

	assert.Equal(t, 1, hub.RegistrationCount())

	// Closing the socket signs the user out
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		return hub.RegistrationCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
