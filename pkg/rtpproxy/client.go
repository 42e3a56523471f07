package rtpproxy

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/metrics"
)

const cookieLen = 15

// timeoutCode is the synthetic failure code injected when the relay does not
// answer within the protocol timeout.
const timeoutCode = "E99"

var failureCodes = map[string]string{
	"E0":  "syntax error",
	"E1":  "syntax error",
	"E2":  "syntax error",
	"E3":  "unknown command",
	"E4":  "URL encoding error",
	"E6":  "cannot play media, possibly wrong codec",
	"E7":  "update session failed, cannot create listen socket",
	"E8":  "cannot find session or tag",
	"E9":  "unspecified error",
	"E10": "create session failed, cannot create listen socket",
	"E11": "out of memory",
	"E12": "out of memory",
	"E13": "out of memory",
}

var codeRe = regexp.MustCompile(`^E\d+$`)

// Client speaks the relay control protocol over a single UDP socket.
// Requests and responses are correlated by a random cookie prefixed to every
// command; a request that receives no response within the configured timeout
// is completed with a synthetic timeout failure through the same response
// path a real response would take.
type Client struct {
	logger  *logrus.Logger
	conn    net.Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan []string
	closed  bool

	done chan struct{}
}

// NewClient connects the control socket and starts the response reader.
func NewClient(host string, port int, timeout time.Duration, logger *logrus.Logger) (*Client, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to RTP proxy control socket")
	}

	c := &Client{
		logger:  logger,
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan []string),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	logger.WithField("address", addr).Debug("RTP proxy agent started")
	return c, nil
}

// Close shuts the control socket down. In-flight requests complete with
// their protocol timeout.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.WithError(err).Warn("RTP proxy control socket read failed")
			return
		}
		c.dispatch(string(buf[:n]))
	}
}

// dispatch completes the transaction the response belongs to. A response for
// an unknown cookie is dropped; this is how late responses for requests that
// already timed out are discarded.
func (c *Client) dispatch(raw string) {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return
	}
	cookie := words[0]

	c.mu.Lock()
	ch, ok := c.pending[cookie]
	if ok {
		delete(c.pending, cookie)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.WithField("cookie", cookie).Warn("No pending transaction for RTP proxy response")
		return
	}
	ch <- words
}

func randomCookie() string {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, cookieLen)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return string(b)
}

// do sends one command and waits for its response fields (the words after
// the cookie). Failure codes are translated to errors; an unrecognized code
// in the first response field is preserved and treated as success.
func (c *Client) do(ctx context.Context, cmdType, command string) ([]string, error) {
	cookie := randomCookie()
	ch := make(chan []string, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.Wrap(errors.ErrProxyFailure, "control socket is closed")
	}
	c.pending[cookie] = ch
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"type":    cmdType,
		"command": cookie + " " + command,
	}).Debug("Sending RTP proxy command")
	if metrics.Enabled() && metrics.ProxyCommandsTotal != nil {
		metrics.ProxyCommandsTotal.WithLabelValues(cmdType).Inc()
	}

	start := time.Now()
	if _, err := c.conn.Write([]byte(cookie + " " + command)); err != nil {
		c.abandon(cookie)
		return nil, errors.Wrap(err, "failed to send RTP proxy command")
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var words []string
	select {
	case words = <-ch:
	case <-timer.C:
		// Complete the transaction through the regular response path. If a
		// real response won the race, the synthetic one is dropped and the
		// real words are already buffered.
		if metrics.Enabled() && metrics.ProxyTimeoutsTotal != nil {
			metrics.ProxyTimeoutsTotal.Inc()
		}
		c.dispatch(cookie + " " + timeoutCode)
		words = <-ch
	case <-ctx.Done():
		c.abandon(cookie)
		return nil, ctx.Err()
	}

	metrics.ObserveProxyRoundTrip(cmdType, time.Since(start))
	return c.checkStatus(cmdType, words)
}

func (c *Client) abandon(cookie string) {
	c.mu.Lock()
	delete(c.pending, cookie)
	c.mu.Unlock()
}

func (c *Client) checkStatus(cmdType string, words []string) ([]string, error) {
	fields := words[1:]
	if len(fields) == 0 {
		return fields, nil
	}

	code := fields[0]
	if !codeRe.MatchString(code) {
		return fields, nil
	}

	if code == timeoutCode {
		if metrics.Enabled() && metrics.ProxyFailuresTotal != nil {
			metrics.ProxyFailuresTotal.WithLabelValues(code).Inc()
		}
		return nil, errors.Wrap(errors.ErrProxyTimeout, "RTP proxy did not respond")
	}

	desc, known := failureCodes[code]
	if !known {
		// The relay answered with a code this client does not know. Assume
		// it is not a failure and hand the fields through untouched.
		c.logger.WithFields(logrus.Fields{
			"type": cmdType,
			"code": code,
		}).Warn("Unrecognized RTP proxy response code, treating as success")
		return fields, nil
	}

	if metrics.Enabled() && metrics.ProxyFailuresTotal != nil {
		metrics.ProxyFailuresTotal.WithLabelValues(code).Inc()
	}
	return nil, errors.Wrap(errors.ErrProxyFailure, code+" - "+desc).WithField("command_type", cmdType)
}
