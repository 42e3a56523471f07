package rtpproxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/sdp"
)

// fakeProxy is a loopback UDP endpoint standing in for the relay. It echoes
// the request cookie followed by whatever the respond function returns; an
// empty response keeps the request unanswered.
type fakeProxy struct {
	conn net.PacketConn

	mu   sync.Mutex
	last string
}

func newFakeProxy(t *testing.T, respond func(command string) string) *fakeProxy {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &fakeProxy{conn: conn}
	go func() {
		buf := make([]byte, 8192)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			payload := string(buf[:n])
			cookie, command, _ := strings.Cut(payload, " ")

			p.mu.Lock()
			p.last = command
			p.mu.Unlock()

			if reply := respond(command); reply != "" {
				conn.WriteTo([]byte(cookie+" "+reply), addr)
			}
		}
	}()

	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *fakeProxy) lastCommand() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakeProxy) port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

func newTestClient(t *testing.T, proxy *fakeProxy, timeout time.Duration) *Client {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	client, err := NewClient("127.0.0.1", proxy.port(), timeout, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGetVersion(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "20040107" })
	client := newTestClient(t, proxy, 2*time.Second)

	version, err := client.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20040107", version)
	assert.Equal(t, "V", proxy.lastCommand())
}

func TestUpdateSession(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "35000 203.0.113.5" })
	client := newTestClient(t, proxy, 2*time.Second)

	session := &Session{CallID: "call-1", FromTag: "ftag"}
	endpoint, err := client.UpdateSession(context.Background(), session, "192.0.2.10", 56143)
	require.NoError(t, err)

	assert.Equal(t, 35000, endpoint.Port)
	assert.Equal(t, "203.0.113.5", endpoint.Address)
	assert.Equal(t, "U call-1 192.0.2.10 56143 ftag ", proxy.lastCommand())
}

func TestUpdateSessionWithKeys(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "35000 203.0.113.5" })
	client := newTestClient(t, proxy, 2*time.Second)

	send, err := sdp.NewSdesData()
	require.NoError(t, err)
	rcv, err := sdp.NewSdesData()
	require.NoError(t, err)
	rcv.SSRC = 1234

	session := &Session{
		CallID:  "call-1",
		FromTag: "ftag",
		SRTP:    &SRTPData{UseProxy: true, Send: send, Rcv: rcv},
	}

	_, err = client.UpdateSession(context.Background(), session, "192.0.2.10", 56143)
	require.NoError(t, err)

	command := proxy.lastCommand()
	assert.True(t, strings.HasPrefix(command, "UK "))
	assert.Contains(t, command, "send:")
	assert.Contains(t, command, "rcv:")
	assert.Contains(t, command, ",1234,1 ")
}

func TestUpdateSessionICE(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "35000 203.0.113.5" })
	client := newTestClient(t, proxy, 2*time.Second)

	rtp, err := sdp.ParseCandidate("1 1 udp 200 192.0.2.10 56143 typ host")
	require.NoError(t, err)
	rtcp, err := sdp.ParseCandidate("1 2 udp 100 192.0.2.10 56144 typ host")
	require.NoError(t, err)

	session := &Session{
		CallID:  "call-1",
		FromTag: "ftag",
		LocalCandidates: &sdp.LocalCandidates{
			Ufrag: "localUfrag",
			Pwd:   "localPwd",
		},
		RemoteCandidates: &sdp.MediaCandidates{
			Ufrag: "remoteUfrag",
			Pwd:   "remotePwd",
			RTP:   []*sdp.IceCandidate{rtp},
			RTCP:  []*sdp.IceCandidate{rtcp},
		},
	}

	_, err = client.UpdateSessionICE(context.Background(), session)
	require.NoError(t, err)

	command := proxy.lastCommand()
	assert.True(t, strings.HasPrefix(command, "UU call-1 192.0.2.10 56143 ftag "))
	assert.Contains(t, command, "iceL:localUfrag,localPwd")
	assert.Contains(t, command, "iceR:remoteUfrag,remotePwd")
	assert.Contains(t, command, "iceRtpR:192.0.2.10,56143,200")
	assert.Contains(t, command, "iceRtcpR:192.0.2.10,56144,100")
}

func TestLookupSessionICEWithoutRemoteCandidates(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "35002 203.0.113.5" })
	client := newTestClient(t, proxy, 2*time.Second)

	session := &Session{
		CallID:           "call-1",
		FromTag:          "ftag",
		ToTag:            "ttag",
		LocalCandidates:  &sdp.LocalCandidates{Ufrag: "u", Pwd: "p"},
		RemoteCandidates: &sdp.MediaCandidates{Ufrag: "ru", Pwd: "rp"},
	}

	_, err := client.LookupSessionICE(context.Background(), session)
	require.NoError(t, err)

	// Falls back to the null endpoint when no remote candidate is known yet
	assert.True(t, strings.HasPrefix(proxy.lastCommand(), "LU call-1 0.0.0.0 1 ftag ttag "))
}

func TestFailureCode(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "E8" })
	client := newTestClient(t, proxy, 2*time.Second)

	_, err := client.GetVersion(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProxyFailure))
	assert.Contains(t, err.Error(), "E8")
}

func TestUnknownCodePreserved(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "E42" })
	client := newTestClient(t, proxy, 2*time.Second)

	version, err := client.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "E42", version)
}

func TestTimeout(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "" })
	client := newTestClient(t, proxy, 150*time.Millisecond)

	start := time.Now()
	_, err := client.GetVersion(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProxyTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestStrayResponseIgnored(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "" })
	client := newTestClient(t, proxy, 150*time.Millisecond)

	// A response with an unknown cookie must not complete the transaction
	go func() {
		time.Sleep(20 * time.Millisecond)
		conn := client.conn
		proxy.conn.WriteTo([]byte("unknowncookie 20040107"), conn.LocalAddr())
	}()

	_, err := client.GetVersion(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProxyTimeout))
}

func TestConcurrentCommandsOutOfOrder(t *testing.T) {
	const count = 5

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Collect all requests first, then answer them in reverse order. Each
	// reply echoes the requested port back so every transaction can be
	// matched to its own response.
	type request struct {
		cookie string
		reply  string
		addr   net.Addr
	}
	go func() {
		buf := make([]byte, 8192)
		var requests []request
		for len(requests) < count {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			cookie, command, _ := strings.Cut(string(buf[:n]), " ")
			fields := strings.Fields(command)
			requests = append(requests, request{
				cookie: cookie,
				reply:  fields[3] + " 203.0.113.5",
				addr:   addr,
			})
		}
		for i := len(requests) - 1; i >= 0; i-- {
			conn.WriteTo([]byte(requests[i].cookie+" "+requests[i].reply), requests[i].addr)
		}
	}()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	client, err := NewClient("127.0.0.1", conn.LocalAddr().(*net.UDPAddr).Port, 2*time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var wg sync.WaitGroup
	ports := make([]int, count)
	errs := make([]error, count)
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := &Session{CallID: fmt.Sprintf("call-%d", i), FromTag: "ftag"}
			endpoint, err := client.UpdateSession(context.Background(), session, "192.0.2.10", 50000+i)
			errs[i] = err
			if err == nil {
				ports[i] = endpoint.Port
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < count; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 50000+i, ports[i])
	}
}

func TestContextCancellation(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "" })
	client := newTestClient(t, proxy, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GetVersion(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDeleteSessionWithoutToTag(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "0" })
	client := newTestClient(t, proxy, 2*time.Second)

	require.NoError(t, client.DeleteSession(context.Background(), "call-1", "ftag", ""))
	assert.Equal(t, "D call-1 ftag null ", proxy.lastCommand())
}

func TestNewCandidateWire(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "0" })
	client := newTestClient(t, proxy, 2*time.Second)

	cand, err := sdp.ParseCandidate("1 1 udp 200 192.0.2.10 56143 typ host")
	require.NoError(t, err)

	require.NoError(t, client.NewCandidate(context.Background(), true, "call-1", "ftag", "", cand))
	assert.True(t, strings.HasPrefix(proxy.lastCommand(), "WU call-1 ftag iceRtpR:192.0.2.10,56143,200"))

	require.NoError(t, client.NewCandidate(context.Background(), false, "call-1", "ftag", "ttag", cand))
	assert.True(t, strings.HasPrefix(proxy.lastCommand(), "WL call-1 ftag ttag iceRtpR:"))
}

func TestGetSessionDetail(t *testing.T) {
	proxy := newFakeProxy(t, func(string) string { return "60 10 11 21 2" })
	client := newTestClient(t, proxy, 2*time.Second)

	detail, err := client.GetSessionDetail(context.Background(), "call-1", "ftag", "ttag")
	require.NoError(t, err)

	assert.Equal(t, 60, detail.TTL)
	assert.Equal(t, 10, detail.PacketsFromCallee)
	assert.Equal(t, 11, detail.PacketsFromCaller)
	assert.Equal(t, 21, detail.PacketsRelayed)
	assert.Equal(t, 2, detail.PacketsDropped)
}
