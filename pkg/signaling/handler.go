package signaling

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/errors"
	"rtcbridge-server/pkg/metrics"
)

// Handler processes the signaling messages of one connection. A handler is
// driven by a single reader goroutine, so its own fields need no locking;
// all shared state lives in the hub.
type Handler struct {
	hub  *Hub
	conn Conn

	// user is the name this connection signed in with, empty before signin
	// and after signout.
	user string
}

// HandleMessage dispatches one inbound envelope. Malformed frames and
// unknown methods are logged and ignored so a misbehaving client cannot
// take the connection down.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		h.hub.logger.WithError(err).WithField("user", h.user).Warn("Discarding unparseable signaling frame")
		return
	}

	if metrics.Enabled() && metrics.MessagesTotal != nil {
		metrics.MessagesTotal.WithLabelValues(envelope.Method).Inc()
	}

	switch envelope.Method {
	case MethodSignin:
		var data SigninRequest
		if h.decode(envelope, &data) {
			h.handleSignin(ctx, &data)
		}
	case MethodSignout:
		h.signout(ctx)
	case MethodOffer:
		var data OfferMessage
		if h.decode(envelope, &data) {
			h.handleOffer(ctx, &data)
		}
	case MethodAnswer:
		var data AnswerMessage
		if h.decode(envelope, &data) {
			h.handleAnswer(ctx, &data)
		}
	case MethodCandidate:
		var data CandidateMessage
		if h.decode(envelope, &data) {
			h.handleCandidate(ctx, &data)
		}
	case MethodDisconnect:
		var data DisconnectMessage
		if h.decode(envelope, &data) {
			h.handleDisconnect(ctx, &data)
		}
	case MethodMessage:
		var data TextMessage
		if h.decode(envelope, &data) {
			h.handleTextMessage(ctx, &data)
		}
	default:
		h.hub.logger.WithFields(logrus.Fields{
			"method": envelope.Method,
			"user":   h.user,
		}).Warn("Ignoring unknown signaling method")
	}
}

// Close tears down the registration when the connection goes away.
func (h *Handler) Close(ctx context.Context) {
	h.signout(ctx)
}

// User returns the signed-in user name, empty when not signed in.
func (h *Handler) User() string {
	return h.user
}

func (h *Handler) decode(envelope Envelope, v interface{}) bool {
	if len(envelope.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		h.hub.logger.WithError(err).WithFields(logrus.Fields{
			"method": envelope.Method,
			"user":   h.user,
		}).Warn("Discarding signaling message with malformed data")
		return false
	}
	return true
}

func (h *Handler) send(method string, data interface{}) {
	if err := h.conn.SendMessage(method, data); err != nil {
		h.hub.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"user":   h.user,
		}).Warn("Failed to send signaling message")
	}
}

func (h *Handler) sendTo(reg *Registration, method string, data interface{}) {
	if err := reg.Conn.SendMessage(method, data); err != nil {
		h.hub.logger.WithError(err).WithFields(logrus.Fields{
			"method": method,
			"user":   reg.User,
		}).Warn("Failed to send signaling message to peer")
	}
}

// getRegistrationLocked resolves this connection's registration. A
// registration held by a different socket for the same name means this
// connection lost the name, so the local association is dropped.
func (h *Handler) getRegistrationLocked() *Registration {
	if h.user == "" {
		return nil
	}
	reg := h.hub.registrations[h.user]
	if reg == nil {
		h.user = ""
		return nil
	}
	if reg.Conn.ID() != h.conn.ID() {
		h.hub.logger.WithField("user", h.user).Warn("Registration belongs to another connection")
		h.user = ""
		return nil
	}
	return reg
}

// getPeerRegistrationLocked resolves the active peer of reg and verifies the
// pairing is still mutual. On failure the stale pairing is cleared and,
// unless ignoreError is set, a wsDisconnect explains why. The returned
// session ID, when not empty, names a media session the caller must delete
// after releasing the hub lock.
func (h *Handler) getPeerRegistrationLocked(reg *Registration, ignoreError bool) (*Registration, string) {
	if reg.ActivePeer == "" {
		if !ignoreError {
			return nil, h.sendDisconnectLocked(errors.StatusNoConversation, "No Active Conversation")
		}
		return nil, ""
	}

	peerReg := h.hub.registrations[reg.ActivePeer]
	if peerReg == nil {
		reg.ActivePeer = ""
		if !ignoreError {
			return nil, h.sendDisconnectLocked(errors.StatusNotFound, "Peer Not Found")
		}
		return nil, ""
	}

	if peerReg.ActivePeer != reg.User {
		reg.ActivePeer = ""
		if !ignoreError {
			return nil, h.sendDisconnectLocked(errors.StatusInternalError, "No Conversation between User and Peer")
		}
		return nil, ""
	}

	return peerReg, ""
}

// sendDisconnectLocked sends a wsDisconnect to this connection and clears
// the call pairing and session ID. A 403 leaves the registration untouched
// since the user was never signed in. The returned session ID, when not
// empty, names a media session the caller must delete after releasing the
// hub lock.
func (h *Handler) sendDisconnectLocked(status int, reason string) string {
	h.send(MethodDisconnect, DisconnectMessage{Status: status, Reason: reason})

	if metrics.Enabled() && metrics.CallFailures != nil && status != errors.StatusNormal {
		metrics.CallFailures.WithLabelValues(strconv.Itoa(status)).Inc()
	}

	if status == errors.StatusForbidden || h.user == "" {
		return ""
	}
	reg := h.hub.registrations[h.user]
	if reg == nil {
		return ""
	}
	reg.ActivePeer = ""
	id := reg.SessionID
	reg.SessionID = ""
	return id
}

// disconnectCall ends the call this connection is part of. Both sides get a
// wsDisconnect when disconnectSelf is set, otherwise only the peer.
func (h *Handler) disconnectCall(ctx context.Context, status int, reason string, disconnectSelf bool) {
	hub := h.hub
	hub.mu.Lock()

	reg := h.getRegistrationLocked()
	if reg == nil {
		hub.mu.Unlock()
		return
	}

	var sessions []string
	peer := reg.ActivePeer

	peerReg, _ := h.getPeerRegistrationLocked(reg, true)
	if peerReg != nil {
		h.sendTo(peerReg, MethodDisconnect, DisconnectMessage{Status: status, Reason: reason})
		peerReg.ActivePeer = ""
		if peerReg.SessionID != "" {
			sessions = append(sessions, peerReg.SessionID)
			peerReg.SessionID = ""
		}
		if metrics.Enabled() && metrics.CallsActive != nil {
			metrics.CallsActive.Dec()
		}
	}

	if disconnectSelf {
		if id := h.sendDisconnectLocked(status, reason); id != "" {
			sessions = append(sessions, id)
		}
	} else {
		reg.ActivePeer = ""
		if reg.SessionID != "" {
			sessions = append(sessions, reg.SessionID)
			reg.SessionID = ""
		}
	}
	hub.mu.Unlock()

	for _, id := range sessions {
		hub.media.DeleteSession(ctx, id)
	}
	if peer != "" {
		hub.callEnded(h.user, peer, status, reason)
	}
}

func (h *Handler) handleSignin(ctx context.Context, data *SigninRequest) {
	if data.User == "" {
		h.send(MethodSigninNack, SigninNack{Error: "User name is missing"})
		return
	}

	// A socket that is already signed in signs out first, even under the
	// same name: the current call ends, the peer is notified and any relay
	// session is released before the fresh registration takes over.
	if h.user != "" {
		h.signout(ctx)
	}

	hub := h.hub
	hub.mu.Lock()

	if existing := hub.registrations[data.User]; existing != nil && existing.Conn.ID() != h.conn.ID() {
		hub.mu.Unlock()
		h.send(MethodSigninNack, SigninNack{Error: "User is already signed in"})
		if metrics.Enabled() && metrics.SigninsTotal != nil {
			metrics.SigninsTotal.WithLabelValues("duplicate").Inc()
		}
		return
	}

	h.user = data.User
	hub.registrations[data.User] = &Registration{
		User:   data.User,
		Device: data.Device,
		Conn:   h.conn,
	}

	h.send(MethodSigninAck, nil)
	hub.broadcastPeerListLocked()
	hub.mu.Unlock()

	if metrics.Enabled() && metrics.SigninsTotal != nil {
		metrics.SigninsTotal.WithLabelValues("ok").Inc()
	}
	if metrics.Enabled() && metrics.RegistrationsActive != nil {
		metrics.RegistrationsActive.Inc()
	}

	hub.signedIn(data.User, data.Device)
	hub.logger.WithFields(logrus.Fields{
		"user":   data.User,
		"device": data.Device,
	}).Info("User signed in")
}

func (h *Handler) signout(ctx context.Context) {
	h.disconnectCall(ctx, errors.StatusNormal, "Normal Clearing", false)

	hub := h.hub
	hub.mu.Lock()
	reg := h.getRegistrationLocked()
	if reg == nil {
		hub.mu.Unlock()
		return
	}

	delete(hub.registrations, reg.User)
	h.user = ""
	hub.broadcastPeerListLocked()
	hub.mu.Unlock()

	if metrics.Enabled() && metrics.RegistrationsActive != nil {
		metrics.RegistrationsActive.Dec()
	}
	hub.signedOut(reg.User)
	hub.logger.WithField("user", reg.User).Info("User signed out")
}

func (h *Handler) handleOffer(ctx context.Context, data *OfferMessage) {
	hub := h.hub
	hub.mu.Lock()

	reg := h.getRegistrationLocked()
	if reg == nil {
		h.sendDisconnectLocked(errors.StatusForbidden, "User is not signed in")
		hub.mu.Unlock()
		return
	}
	if data.Peer == "" || data.SDP == nil || data.SDP.SDP == "" {
		id := h.sendDisconnectLocked(errors.StatusBadRequest, "Bad Request")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}
	if data.Peer == reg.User {
		id := h.sendDisconnectLocked(errors.StatusBusy, "Cannot call yourself")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}

	// A new offer towards a different peer ends the previous call first
	if reg.ActivePeer != "" && reg.ActivePeer != data.Peer {
		hub.mu.Unlock()
		h.disconnectCall(ctx, errors.StatusNormal, "Normal Clearing", false)
		hub.mu.Lock()
		reg = h.getRegistrationLocked()
		if reg == nil {
			hub.mu.Unlock()
			return
		}
	}

	peerReg := hub.registrations[data.Peer]
	if peerReg == nil {
		id := h.sendDisconnectLocked(errors.StatusNotFound, "Peer Not Found")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}
	if peerReg.ActivePeer != "" && peerReg.ActivePeer != reg.User {
		id := h.sendDisconnectLocked(errors.StatusBusy, "Busy Here")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}

	reg.ActivePeer = data.Peer

	if data.UseRtpProxy || reg.SessionID != "" {
		h.offerViaRelay(ctx, data, reg, peerReg)
		return
	}

	newPairing := peerReg.ActivePeer != reg.User
	peerReg.ActivePeer = reg.User
	out := *data
	out.Peer = reg.User
	h.sendTo(peerReg, MethodOffer, &out)
	hub.mu.Unlock()

	if newPairing {
		hub.callStarted(reg.User, data.Peer, "")
		if metrics.Enabled() && metrics.CallsActive != nil {
			metrics.CallsActive.Inc()
		}
	}
}

// offerViaRelay routes the offer through the media relay: the browser offer
// becomes a SIP-side offer for the relay session, which in turn becomes a
// fresh browser offer for the callee. The hub lock is released around each
// media round trip and the pairing re-validated afterwards, since the callee
// may have accepted another call in the meantime. Called with the hub lock
// held; releases it.
func (h *Handler) offerViaRelay(ctx context.Context, data *OfferMessage, reg, peerReg *Registration) {
	hub := h.hub

	if reg.SessionID == "" {
		reg.SessionID = uuid.NewString()
	}
	callID := reg.SessionID
	caller := reg.User
	clientAddress := h.conn.RemoteAddress()
	hub.mu.Unlock()

	sipOffer, _, err := hub.media.HandleWebRTCOffer(ctx, callID, clientAddress, data.SDP.SDP, data.SrtpInterwork)
	if err != nil {
		h.offerFailed(ctx, err)
		return
	}

	hub.mu.Lock()
	if peerReg.ActivePeer != "" && peerReg.ActivePeer != caller {
		id := h.sendDisconnectLocked(errors.StatusBusy, "Busy Here")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}
	if peerReg.SessionID == "" {
		peerReg.SessionID = uuid.NewString()
	}
	peerCallID := peerReg.SessionID
	hub.mu.Unlock()

	browserOffer, _, err := hub.media.HandleSIPOffer(ctx, peerCallID, sipOffer)
	if err != nil {
		h.offerFailed(ctx, err)
		return
	}

	hub.mu.Lock()
	if peerReg.ActivePeer != "" && peerReg.ActivePeer != caller {
		id := h.sendDisconnectLocked(errors.StatusBusy, "Busy Here")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}
	newPairing := peerReg.ActivePeer != caller
	peerReg.ActivePeer = caller

	out := *data
	out.Peer = caller
	out.SDP = &SessionDescription{Type: data.SDP.Type, SDP: browserOffer}
	h.sendTo(peerReg, MethodOffer, &out)
	hub.mu.Unlock()

	if newPairing {
		hub.callStarted(caller, data.Peer, callID)
		if metrics.Enabled() && metrics.CallsActive != nil {
			metrics.CallsActive.Inc()
		}
	}

	hub.logger.WithFields(logrus.Fields{
		"user":    caller,
		"peer":    data.Peer,
		"call_id": callID,
	}).Info("Relayed call offer")
}

func (h *Handler) offerFailed(ctx context.Context, err error) {
	status := errors.StatusFromError(err)
	h.hub.logger.WithError(err).WithFields(logrus.Fields{
		"user":   h.user,
		"status": status,
	}).Warn("Call setup failed")
	h.disconnectCall(ctx, status, errors.StatusText(status), true)
}

func (h *Handler) handleAnswer(ctx context.Context, data *AnswerMessage) {
	hub := h.hub
	hub.mu.Lock()

	reg := h.getRegistrationLocked()
	if reg == nil {
		h.sendDisconnectLocked(errors.StatusForbidden, "User is not signed in")
		hub.mu.Unlock()
		return
	}
	if data.SDP == nil {
		hub.mu.Unlock()
		return
	}
	// Provisional answers carry no final media decision
	if data.SDP.Type == "pranswer" {
		hub.mu.Unlock()
		return
	}

	peerReg, id := h.getPeerRegistrationLocked(reg, false)
	if peerReg == nil {
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}

	if reg.SessionID != "" {
		h.answerViaRelay(ctx, data, reg, peerReg)
		return
	}

	out := *data
	out.Peer = reg.User
	h.sendTo(peerReg, MethodAnswer, &out)
	hub.mu.Unlock()
}

// answerViaRelay routes the answer back through the media relay. Called with
// the hub lock held; releases it.
func (h *Handler) answerViaRelay(ctx context.Context, data *AnswerMessage, reg, peerReg *Registration) {
	hub := h.hub

	callID := reg.SessionID
	peerCallID := peerReg.SessionID
	callee := reg.User
	clientAddress := h.conn.RemoteAddress()
	hub.mu.Unlock()

	sipAnswer, _, err := hub.media.HandleWebRTCAnswer(ctx, callID, clientAddress, data.SDP.SDP)
	if err != nil {
		h.offerFailed(ctx, err)
		return
	}

	hub.mu.Lock()
	if peerReg.ActivePeer != callee {
		id := h.sendDisconnectLocked(errors.StatusInternalError, "No Conversation between User and Peer")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}
	hub.mu.Unlock()

	browserAnswer, _, err := hub.media.HandleSIPAnswer(ctx, peerCallID, sipAnswer)
	if err != nil {
		h.offerFailed(ctx, err)
		return
	}

	hub.mu.Lock()
	if peerReg.ActivePeer != callee {
		id := h.sendDisconnectLocked(errors.StatusInternalError, "No Conversation between User and Peer")
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}

	out := AnswerMessage{
		Peer: callee,
		SDP:  &SessionDescription{Type: data.SDP.Type, SDP: browserAnswer},
	}
	h.sendTo(peerReg, MethodAnswer, &out)
	hub.mu.Unlock()

	hub.logger.WithFields(logrus.Fields{
		"user":    callee,
		"peer":    peerReg.User,
		"call_id": callID,
	}).Info("Relayed call answer")
}

func (h *Handler) handleCandidate(ctx context.Context, data *CandidateMessage) {
	hub := h.hub
	hub.mu.Lock()

	reg := h.getRegistrationLocked()
	if reg == nil {
		h.sendDisconnectLocked(errors.StatusForbidden, "User is not signed in")
		hub.mu.Unlock()
		return
	}

	if reg.SessionID != "" {
		callID := reg.SessionID
		hub.mu.Unlock()
		if err := hub.media.HandleCandidate(ctx, callID, data.Candidate); err != nil {
			hub.logger.WithError(err).WithFields(logrus.Fields{
				"user":    h.user,
				"call_id": callID,
			}).Debug("Dropped trickled candidate")
		}
		return
	}

	peerReg, id := h.getPeerRegistrationLocked(reg, false)
	if peerReg == nil {
		hub.mu.Unlock()
		h.deleteSession(ctx, id)
		return
	}

	out := *data
	out.Peer = reg.User
	h.sendTo(peerReg, MethodCandidate, &out)
	hub.mu.Unlock()
}

func (h *Handler) handleDisconnect(ctx context.Context, data *DisconnectMessage) {
	status := data.Status
	if status == 0 {
		status = errors.StatusNormal
	}
	reason := data.Reason
	if reason == "" {
		reason = errors.StatusText(status)
	}
	h.disconnectCall(ctx, status, reason, false)
}

// handleTextMessage forwards an in-call text message. Failures are silently
// ignored so a typo in the peer name cannot tear down a call.
func (h *Handler) handleTextMessage(ctx context.Context, data *TextMessage) {
	hub := h.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()

	reg := h.getRegistrationLocked()
	if reg == nil || data.Peer == "" {
		return
	}
	peerReg := hub.registrations[data.Peer]
	if peerReg == nil {
		hub.logger.WithFields(logrus.Fields{
			"user": reg.User,
			"peer": data.Peer,
		}).Debug("Dropping message for unknown peer")
		return
	}

	out := *data
	out.Peer = reg.User
	h.sendTo(peerReg, MethodMessage, &out)
}

func (h *Handler) deleteSession(ctx context.Context, callID string) {
	if callID != "" {
		h.hub.media.DeleteSession(ctx, callID)
	}
}
