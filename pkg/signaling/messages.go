package signaling

import (
	"encoding/json"

	"rtcbridge-server/pkg/media"
)

// Websocket method names. The client and server exchange JSON envelopes of
// the form {"method": "...", "data": {...}}.
const (
	MethodSignin     = "wsSignin"
	MethodSigninAck  = "wsSigninAck"
	MethodSigninNack = "wsSigninNack"
	MethodSignout    = "wsSignout"
	MethodOffer      = "wsOffer"
	MethodAnswer     = "wsAnswer"
	MethodCandidate  = "wsCandidate"
	MethodDisconnect = "wsDisconnect"
	MethodMessage    = "wsMessage"
	MethodPeerList   = "wsPeerList"
)

// Envelope is the wire frame for every signaling message.
type Envelope struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// SessionDescription carries an SDP body together with its role in the
// offer/answer exchange (offer, answer or pranswer).
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SigninRequest is the payload of wsSignin.
type SigninRequest struct {
	User   string `json:"user"`
	Device string `json:"device,omitempty"`
}

// SigninNack is the payload of wsSigninNack.
type SigninNack struct {
	Error string `json:"error"`
}

// OfferMessage is the payload of wsOffer in both directions. On the way in,
// Peer names the callee; before forwarding, the server rewrites it to the
// caller so the callee knows who to answer.
type OfferMessage struct {
	Peer string              `json:"peer"`
	SDP  *SessionDescription `json:"sdp"`

	// UseRtpProxy requests media relaying even for a browser-to-browser
	// call; SrtpInterwork additionally asks the relay to terminate SRTP.
	UseRtpProxy   bool `json:"useRtpProxy,omitempty"`
	SrtpInterwork bool `json:"srtpInterwork,omitempty"`
}

// AnswerMessage is the payload of wsAnswer.
type AnswerMessage struct {
	Peer string              `json:"peer"`
	SDP  *SessionDescription `json:"sdp"`
}

// CandidateMessage is the payload of wsCandidate.
type CandidateMessage struct {
	Peer      string          `json:"peer,omitempty"`
	Candidate media.Candidate `json:"candidate"`
}

// DisconnectMessage is the payload of wsDisconnect. Status uses the SIP
// reason-code vocabulary (200 normal clearing, 486 busy, ...).
type DisconnectMessage struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// TextMessage is the payload of wsMessage, an in-call text exchange relayed
// between the two peers. Like offers, Peer is rewritten to the sender before
// forwarding.
type TextMessage struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

// PeerInfo is one entry of the wsPeerList broadcast.
type PeerInfo struct {
	User   string `json:"user"`
	Device string `json:"device,omitempty"`
}
