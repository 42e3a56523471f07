package rtpproxy

import (
	"context"
	"strconv"
	"strings"

	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/sdp"
)

// Command type names used for logging and metrics labels.
const (
	cmdGetVersion     = "GET_VERSION"
	cmdSessionStats   = "GET_SESSION_STATS"
	cmdCloseSessions  = "CLOSE_ACTIVE_SESSIONS"
	cmdUpdateSession  = "UPDATE_SESSION"
	cmdLookupSession  = "LOOKUP_SESSION"
	cmdNewCandidate   = "NEW_CANDIDATE"
	cmdDeleteSession  = "DELETE_SESSION"
	cmdStartPlayback  = "START_PLAYBACK"
	cmdStopPlayback   = "STOP_PLAYBACK"
	cmdStartRecording = "START_RECORDING"
	cmdStartCopying   = "START_COPYING"
	cmdSessionDetail  = "GET_SESSION_DETAIL"
)

// MediaEndpoint is the relay-allocated address and port returned by update
// and lookup commands.
type MediaEndpoint struct {
	Address string
	Port    int
}

// SessionDetail carries the per-session counters of the Q command.
type SessionDetail struct {
	TTL               int `json:"ttl"`
	PacketsFromCallee int `json:"packets_from_callee"`
	PacketsFromCaller int `json:"packets_from_caller"`
	PacketsRelayed    int `json:"packets_relayed"`
	PacketsDropped    int `json:"packets_dropped"`
}

// GetVersion asks the relay for its protocol version.
func (c *Client) GetVersion(ctx context.Context) (string, error) {
	fields, err := c.do(ctx, cmdGetVersion, "V")
	if err != nil {
		return "", err
	}
	if len(fields) == 0 {
		return "", errors.Wrap(errors.ErrProxyFailure, "version response is empty")
	}
	return fields[0], nil
}

// GetSessionStats asks the relay for its global session statistics and
// returns the raw response.
func (c *Client) GetSessionStats(ctx context.Context) (string, error) {
	fields, err := c.do(ctx, cmdSessionStats, "I")
	if err != nil {
		return "", err
	}
	return strings.Join(fields, " "), nil
}

// CloseActiveSessions tells the relay to tear down every active session.
func (c *Client) CloseActiveSessions(ctx context.Context) error {
	_, err := c.do(ctx, cmdCloseSessions, "X")
	return err
}

func (c *Client) endpointCommand(ctx context.Context, cmdType, command string) (*MediaEndpoint, error) {
	fields, err := c.do(ctx, cmdType, command)
	if err != nil {
		return nil, err
	}
	if len(fields) < 2 {
		return nil, errors.Wrap(errors.ErrProxyFailure, "response is missing the media endpoint")
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, errors.Wrap(errors.ErrProxyFailure, "invalid port in response: "+fields[0])
	}
	return &MediaEndpoint{Address: fields[1], Port: port}, nil
}

// UpdateSession creates or refreshes the calling side of a relay session,
// pointing it at the given remote RTP endpoint. The response carries the
// relay port allocated for the stream.
func (c *Client) UpdateSession(ctx context.Context, s *Session, addr string, port int) (*MediaEndpoint, error) {
	command := "U"
	if s.useProxy() {
		command = "UK"
	}
	command += " " + strings.Join([]string{s.CallID, addr, strconv.Itoa(port), s.FromTag}, " ") + " "
	if s.useProxy() {
		command += buildSRTPData(s.SRTP)
	}
	return c.endpointCommand(ctx, cmdUpdateSession, command)
}

// UpdateSessionICE is the ICE variant of UpdateSession: the remote endpoint
// comes from the best remote RTP candidate and both sides' ICE credentials
// ride along so the relay can run connectivity checks.
func (c *Client) UpdateSessionICE(ctx context.Context, s *Session) (*MediaEndpoint, error) {
	command := "UU"
	if s.useProxy() {
		command = "UUK"
	}

	addr, port := s.remoteRTPAddr()
	iceL := buildIceLocal(s.LocalCandidates)
	iceR := buildIceRemote(s.RemoteCandidates)

	command += " " + strings.Join([]string{s.CallID, addr, strconv.Itoa(port), s.FromTag, iceL, iceR}, " ")
	if s.useProxy() {
		command += buildSRTPData(s.SRTP)
	}
	return c.endpointCommand(ctx, cmdUpdateSession, command)
}

// LookupSession joins the called side to an existing relay session.
func (c *Client) LookupSession(ctx context.Context, s *Session, addr string, port int) (*MediaEndpoint, error) {
	command := "L"
	if s.useProxy() {
		command = "LK"
	}
	command += " " + strings.Join([]string{s.CallID, addr, strconv.Itoa(port), s.FromTag, s.ToTag}, " ") + " "
	if s.useProxy() {
		command += buildSRTPData(s.SRTP)
	}
	return c.endpointCommand(ctx, cmdLookupSession, command)
}

// LookupSessionICE is the ICE variant of LookupSession.
func (c *Client) LookupSessionICE(ctx context.Context, s *Session) (*MediaEndpoint, error) {
	command := "LU"
	if s.useProxy() {
		command = "LUK"
	}

	addr, port := s.remoteRTPAddr()
	iceL := buildIceLocal(s.LocalCandidates)
	iceR := buildIceRemote(s.RemoteCandidates)

	command += " " + strings.Join([]string{s.CallID, addr, strconv.Itoa(port), s.FromTag, s.ToTag, iceL, iceR}, " ")
	if s.useProxy() {
		command += buildSRTPData(s.SRTP)
	}
	return c.endpointCommand(ctx, cmdLookupSession, command)
}

// NewCandidate forwards a trickled remote ICE candidate to the relay.
// Candidates from the originating side address the session by its from-tag
// only; candidates from the answering side carry both tags.
func (c *Client) NewCandidate(ctx context.Context, originatingSide bool, callID, fromTag, toTag string, candidate *sdp.IceCandidate) error {
	var command string
	if originatingSide {
		command = "WU " + strings.Join([]string{callID, fromTag, candidateInfo(candidate)}, " ")
	} else {
		command = "WL " + strings.Join([]string{callID, fromTag, toTag, candidateInfo(candidate)}, " ")
	}
	_, err := c.do(ctx, cmdNewCandidate, command)
	return err
}

// DeleteSession tears one relay session down.
func (c *Client) DeleteSession(ctx context.Context, callID, fromTag, toTag string) error {
	if toTag == "" {
		toTag = "null"
	}
	command := strings.Join([]string{"D", callID, fromTag, toTag}, " ") + " "
	_, err := c.do(ctx, cmdDeleteSession, command)
	return err
}

// StartPlayback plays a media file into the session.
func (c *Client) StartPlayback(ctx context.Context, callID, playName, codecs, fromTag, toTag string) error {
	command := strings.Join([]string{"P", callID, playName, codecs, fromTag, toTag}, " ") + " "
	_, err := c.do(ctx, cmdStartPlayback, command)
	return err
}

// StopPlayback stops a running playback.
func (c *Client) StopPlayback(ctx context.Context, callID, fromTag, toTag string) error {
	command := strings.Join([]string{"S", callID, fromTag, toTag}, " ") + " "
	_, err := c.do(ctx, cmdStopPlayback, command)
	return err
}

// StartRecording asks the relay to record the session media.
func (c *Client) StartRecording(ctx context.Context, callID, fromTag, toTag string) error {
	command := strings.Join([]string{"R", callID, fromTag, toTag}, " ") + " "
	_, err := c.do(ctx, cmdStartRecording, command)
	return err
}

// StartCopying asks the relay to fork the session media to the given target.
func (c *Client) StartCopying(ctx context.Context, callID, copyTarget, fromTag, toTag string) error {
	command := strings.Join([]string{"C", callID, copyTarget, fromTag, toTag}, " ") + " "
	_, err := c.do(ctx, cmdStartCopying, command)
	return err
}

// GetSessionDetail fetches the per-session counters.
func (c *Client) GetSessionDetail(ctx context.Context, callID, fromTag, toTag string) (*SessionDetail, error) {
	command := strings.Join([]string{"Q", callID, fromTag, toTag}, " ") + " "
	fields, err := c.do(ctx, cmdSessionDetail, command)
	if err != nil {
		return nil, err
	}
	if len(fields) < 5 {
		return nil, errors.Wrap(errors.ErrProxyFailure, "session detail response is incomplete")
	}

	values := make([]int, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, errors.Wrap(errors.ErrProxyFailure, "invalid counter in session detail: "+fields[i])
		}
		values[i] = v
	}
	return &SessionDetail{
		TTL:               values[0],
		PacketsFromCallee: values[1],
		PacketsFromCaller: values[2],
		PacketsRelayed:    values[3],
		PacketsDropped:    values[4],
	}, nil
}
