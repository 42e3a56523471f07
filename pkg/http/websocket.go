package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/signaling"
)

const (
	maxMessageSize = 256 * 1024
	writeTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The signaling protocol authenticates by user name, not origin
		return true
	},
}

// wsConn adapts a gorilla websocket connection to the signaling transport.
type wsConn struct {
	id     string
	remote string
	conn   *websocket.Conn

	// gorilla allows one concurrent writer only
	mu sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) RemoteAddress() string { return c.remote }

func (c *wsConn) SendMessage(method string, data interface{}) error {
	var body json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		body = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(signaling.Envelope{Method: method, Data: body})
}

// handleWebSocket upgrades the request and pumps inbound frames into a
// signaling handler until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	conn := &wsConn{
		id:     uuid.NewString(),
		remote: remoteHost(r),
		conn:   socket,
	}
	socket.SetReadLimit(maxMessageSize)

	log := s.logger.WithFields(logrus.Fields{
		"connection": conn.id,
		"remote":     conn.remote,
	})
	log.Debug("Websocket connected")

	handler := s.hub.NewHandler(conn)
	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Websocket closed unexpectedly")
			}
			break
		}
		handler.HandleMessage(r.Context(), raw)
	}

	// The request context is done once the connection drops, so the
	// teardown gets its own context.
	handler.Close(context.Background())
	_ = socket.Close()
	log.Debug("Websocket disconnected")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
