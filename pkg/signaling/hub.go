package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/media"
	"rtcbridge-server/pkg/metrics"
)

// Conn is the transport side of a signaling connection. The websocket layer
// implements it; tests substitute an in-memory fake.
type Conn interface {
	// ID identifies the underlying socket so a registration can be tied to
	// the connection that created it.
	ID() string

	// RemoteAddress returns the client IP without the port.
	RemoteAddress() string

	// SendMessage marshals data into a signaling envelope and writes it.
	SendMessage(method string, data interface{}) error
}

// MediaManager is the media-plane side of call setup. media.Manager
// implements it.
type MediaManager interface {
	HandleWebRTCOffer(ctx context.Context, callID, clientAddress, offer string, forceInterwork bool) (string, bool, error)
	HandleWebRTCAnswer(ctx context.Context, callID, clientAddress, answer string) (string, bool, error)
	HandleSIPOffer(ctx context.Context, callID, offer string) (string, bool, error)
	HandleSIPAnswer(ctx context.Context, callID, answer string) (string, bool, error)
	HandleCandidate(ctx context.Context, callID string, candidate media.Candidate) error
	DeleteSession(ctx context.Context, callID string)
}

// EventSink receives call and registration lifecycle notifications,
// typically for publishing to a message queue. Implementations must not
// block for long.
type EventSink interface {
	SignedIn(user, device string)
	SignedOut(user string)
	CallStarted(caller, callee, sessionID string)
	CallEnded(user, peer string, status int, reason string)
}

// Registration is the signaling state of one signed-in user.
type Registration struct {
	User   string
	Device string
	Conn   Conn

	// ActivePeer is the user this registration is in a call with, or in the
	// middle of setting one up with.
	ActivePeer string

	// SessionID identifies the relayed media session of the current call.
	// It is assigned when a call is routed through the relay and cleared
	// when the call ends.
	SessionID string
}

// Hub holds the registrations of all connected users and the shared
// dependencies of their handlers. One mutex serializes all signaling state
// changes; media-plane round trips happen outside of it, so handlers
// re-validate the call state after each one.
type Hub struct {
	mu            sync.Mutex
	registrations map[string]*Registration

	media  MediaManager
	events EventSink
	logger *logrus.Logger
}

// NewHub creates a hub. events may be nil when call-event publishing is not
// configured.
func NewHub(mediaManager MediaManager, events EventSink, logger *logrus.Logger) *Hub {
	return &Hub{
		registrations: make(map[string]*Registration),
		media:         mediaManager,
		events:        events,
		logger:        logger,
	}
}

// NewHandler creates the message handler for one connection.
func (hub *Hub) NewHandler(conn Conn) *Handler {
	return &Handler{hub: hub, conn: conn}
}

// RegistrationCount returns the number of signed-in users.
func (hub *Hub) RegistrationCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.registrations)
}

// Registrations returns a snapshot of the signed-in users.
func (hub *Hub) Registrations() []PeerInfo {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return hub.peerListLocked()
}

func (hub *Hub) peerListLocked() []PeerInfo {
	peers := make([]PeerInfo, 0, len(hub.registrations))
	for _, reg := range hub.registrations {
		peers = append(peers, PeerInfo{User: reg.User, Device: reg.Device})
	}
	return peers
}

// broadcastPeerListLocked pushes the peer list to every connected user.
// Each user gets the list without their own entry. Send failures are logged
// and do not interrupt the broadcast.
func (hub *Hub) broadcastPeerListLocked() {
	for _, reg := range hub.registrations {
		peers := make([]PeerInfo, 0, len(hub.registrations)-1)
		for _, other := range hub.registrations {
			if other.User == reg.User {
				continue
			}
			peers = append(peers, PeerInfo{User: other.User, Device: other.Device})
		}
		if err := reg.Conn.SendMessage(MethodPeerList, peers); err != nil {
			hub.logger.WithError(err).WithField("user", reg.User).Warn("Failed to send peer list")
		}
	}
}

func (hub *Hub) callEnded(user, peer string, status int, reason string) {
	if hub.events != nil {
		hub.events.CallEnded(user, peer, status, reason)
	}
}

func (hub *Hub) signedIn(user, device string) {
	if hub.events != nil {
		hub.events.SignedIn(user, device)
	}
}

func (hub *Hub) signedOut(user string) {
	if hub.events != nil {
		hub.events.SignedOut(user)
	}
}

func (hub *Hub) callStarted(caller, callee, sessionID string) {
	if hub.events != nil {
		hub.events.CallStarted(caller, callee, sessionID)
	}
	if metrics.Enabled() && metrics.CallsStarted != nil {
		metrics.CallsStarted.Inc()
	}
}
