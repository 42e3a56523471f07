package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"rtcbridge-server/pkg/config"
	"rtcbridge-server/pkg/metrics"
)

// CallEvent is the message published for call and registration lifecycle
// changes.
type CallEvent struct {
	Type      string    `json:"type"`
	User      string    `json:"user,omitempty"`
	Device    string    `json:"device,omitempty"`
	Caller    string    `json:"caller,omitempty"`
	Callee    string    `json:"callee,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Status    int       `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types carried in CallEvent.Type.
const (
	EventSignin      = "signin"
	EventSignout     = "signout"
	EventCallStarted = "call_started"
	EventCallFailed  = "call_failed"
	EventCallEnded   = "call_ended"
)

// AMQPPublisher publishes call events to a message queue. Publishing is best
// effort: when the broker is unreachable events are dropped with a warning
// and the publisher keeps reconnecting in the background.
type AMQPPublisher struct {
	logger *logrus.Logger
	config config.MessagingConfig

	connMutex sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewAMQPPublisher creates a publisher for the configured queue.
func NewAMQPPublisher(cfg config.MessagingConfig, logger *logrus.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		logger:   logger,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Connect dials the broker and declares the queue. On success a background
// goroutine watches the connection and reconnects when it drops.
func (c *AMQPPublisher) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	return c.connectLocked()
}

func (c *AMQPPublisher) connectLocked() error {
	if c.connected {
		return nil
	}

	conn, err := amqp.Dial(c.config.AMQPUrl)
	if err != nil {
		c.countConnectionError()
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		c.countConnectionError()
		return err
	}

	_, err = channel.QueueDeclare(
		c.config.QueueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		c.countConnectionError()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.connected = true

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go c.monitorConnection(closeChan)

	c.logger.WithField("queue", c.config.QueueName).Info("Connected to AMQP broker")
	return nil
}

// monitorConnection reconnects with backoff after the broker drops the
// connection, until Disconnect is called.
func (c *AMQPPublisher) monitorConnection(closeChan chan *amqp.Error) {
	select {
	case <-c.stopChan:
		return
	case amqpErr := <-closeChan:
		if amqpErr == nil {
			// Clean shutdown
			return
		}
		c.logger.WithError(amqpErr).Warn("AMQP connection lost")
		c.countConnectionError()
	}

	c.connMutex.Lock()
	c.connected = false
	c.conn = nil
	c.channel = nil
	c.connMutex.Unlock()

	backoff := time.Second
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(backoff):
		}

		c.connMutex.Lock()
		err := c.connectLocked()
		c.connMutex.Unlock()
		if err == nil {
			return
		}

		c.logger.WithError(err).Warn("AMQP reconnect failed")
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Disconnect closes the connection and stops the reconnect loop.
func (c *AMQPPublisher) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.connMutex.Lock()
	defer c.connMutex.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// IsConnected reports whether the publisher currently has a broker
// connection.
func (c *AMQPPublisher) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// SignedIn publishes a signin event.
func (c *AMQPPublisher) SignedIn(user, device string) {
	c.publish(CallEvent{
		Type:      EventSignin,
		User:      user,
		Device:    device,
		Timestamp: time.Now().UTC(),
	})
}

// SignedOut publishes a signout event.
func (c *AMQPPublisher) SignedOut(user string) {
	c.publish(CallEvent{
		Type:      EventSignout,
		User:      user,
		Timestamp: time.Now().UTC(),
	})
}

// CallStarted publishes a call_started event.
func (c *AMQPPublisher) CallStarted(caller, callee, sessionID string) {
	c.publish(CallEvent{
		Type:      EventCallStarted,
		Caller:    caller,
		Callee:    callee,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
}

// CallEnded publishes a call_ended event, or call_failed when the call was
// torn down with an error status.
func (c *AMQPPublisher) CallEnded(user, peer string, status int, reason string) {
	eventType := EventCallEnded
	if status >= 400 {
		eventType = EventCallFailed
	}
	c.publish(CallEvent{
		Type:      eventType,
		Caller:    user,
		Callee:    peer,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (c *AMQPPublisher) publish(event CallEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal call event")
		return
	}

	c.connMutex.RLock()
	channel := c.channel
	connected := c.connected
	c.connMutex.RUnlock()

	if !connected {
		c.logger.WithField("type", event.Type).Warn("Dropping call event, AMQP not connected")
		c.countPublish("dropped")
		return
	}

	err = channel.Publish(
		"", // default exchange
		c.config.QueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		c.logger.WithError(err).WithField("type", event.Type).Error("Failed to publish call event")
		c.countPublish("error")
		return
	}
	c.countPublish("ok")
}

func (c *AMQPPublisher) countPublish(result string) {
	if metrics.Enabled() && metrics.AMQPPublishedMessages != nil {
		metrics.AMQPPublishedMessages.WithLabelValues(result).Inc()
	}
}

func (c *AMQPPublisher) countConnectionError() {
	if metrics.Enabled() && metrics.AMQPConnectionErrors != nil {
		metrics.AMQPConnectionErrors.Inc()
	}
}
