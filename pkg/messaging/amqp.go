package messaging

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/metrics"
)

// FeedbackEvent is published when a session reaches a terminal state
type FeedbackEvent struct {
	SessionID       string `json:"session_id"`
	BookingID       string `json:"booking_id"`
	Status          string `json:"status"`
	Sentiment       string `json:"sentiment,omitempty"`
	TranscriptLen   int    `json:"transcript_len"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

// Publisher delivers feedback events to downstream consumers
type Publisher interface {
	PublishFeedbackEvent(event FeedbackEvent) error
	IsConnected() bool
	Disconnect()
}

// AMQPClient publishes feedback events to an AMQP queue
type AMQPClient struct {
	logger    *logrus.Logger
	url       string
	queueName string

	mutex     sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
}

// NewAMQPClient creates a client; call Connect before publishing
func NewAMQPClient(logger *logrus.Logger, url, queueName string) *AMQPClient {
	return &AMQPClient{
		logger:    logger,
		url:       url,
		queueName: queueName,
	}
}

// Connect dials the AMQP server and declares the queue, retrying a few
// times before giving up
func (c *AMQPClient) Connect() error {
	if c.url == "" || c.queueName == "" {
		return errors.New("AMQP URL or queue name not configured")
	}

	const attempts = 3
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(5 * time.Second)
		}

		conn, err := amqp.Dial(c.url)
		if err != nil {
			color.Red("Failed to connect to AMQP server: %v", err)
			c.logger.WithError(err).Error("Failed to connect to AMQP server, retrying")
			if metrics.AMQPConnectionErrors != nil {
				metrics.AMQPConnectionErrors.Inc()
			}
			lastErr = err
			continue
		}

		channel, err := conn.Channel()
		if err != nil {
			conn.Close()
			c.logger.WithError(err).Error("Failed to open AMQP channel, retrying")
			lastErr = err
			continue
		}

		if _, err := channel.QueueDeclare(
			c.queueName,
			true,  // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		); err != nil {
			conn.Close()
			c.logger.WithError(err).Error("Failed to declare AMQP queue, retrying")
			lastErr = err
			continue
		}

		c.mutex.Lock()
		c.conn = conn
		c.channel = channel
		c.connected = true
		c.mutex.Unlock()

		color.Green("Successfully connected to AMQP server")
		c.logger.WithField("queue", c.queueName).Info("AMQP publisher ready")
		return nil
	}

	return errors.Wrap(lastErr, "failed to connect to AMQP server")
}

// IsConnected reports whether the client can publish
func (c *AMQPClient) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

// PublishFeedbackEvent publishes one feedback event as JSON
func (c *AMQPClient) PublishFeedbackEvent(event FeedbackEvent) error {
	c.mutex.Lock()
	channel := c.channel
	connected := c.connected
	c.mutex.Unlock()

	if !connected || channel == nil {
		return errors.New("AMQP client not connected")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal feedback event")
	}

	err = channel.Publish(
		"",          // Exchange
		c.queueName, // Routing key (queue name)
		false,       // Mandatory
		false,       // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		if metrics.AMQPPublishedMessages != nil {
			metrics.AMQPPublishedMessages.WithLabelValues("error").Inc()
		}
		return errors.Wrap(err, "failed to publish feedback event", map[string]interface{}{
			"session_id": event.SessionID,
		})
	}

	if metrics.AMQPPublishedMessages != nil {
		metrics.AMQPPublishedMessages.WithLabelValues("ok").Inc()
	}

	c.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"status":     event.Status,
	}).Debug("Published feedback event")

	return nil
}

// Disconnect closes the channel and connection
func (c *AMQPClient) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

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

// NoopPublisher is used when messaging is not configured
type NoopPublisher struct{}

// PublishFeedbackEvent drops the event
func (NoopPublisher) PublishFeedbackEvent(event FeedbackEvent) error { return nil }

// IsConnected always reports false
func (NoopPublisher) IsConnected() bool { return false }

// Disconnect is a no-op
func (NoopPublisher) Disconnect() {}
