package telephony

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"feedback-agent/pkg/errors"
)

// CallPlacer places outbound calls. The provider error, if any, maps to a
// Failed session at the call site.
type CallPlacer interface {
	PlaceCall(to, answerURL, statusURL string) (string, error)
}

// TwilioCaller places outbound calls through the Twilio REST API
type TwilioCaller struct {
	client      *twilio.RestClient
	logger      *logrus.Logger
	fromNumber  string
	ringTimeout time.Duration
}

// NewTwilioCaller creates a caller bound to one outbound phone number
func NewTwilioCaller(accountSID, authToken, fromNumber string, ringTimeout time.Duration, logger *logrus.Logger) *TwilioCaller {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})

	return &TwilioCaller{
		client:      client,
		logger:      logger,
		fromNumber:  fromNumber,
		ringTimeout: ringTimeout,
	}
}

// PlaceCall initiates an outbound call. Twilio fetches TwiML from answerURL
// when the callee answers and posts lifecycle updates to statusURL.
func (c *TwilioCaller) PlaceCall(to, answerURL, statusURL string) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetUrl(answerURL)
	params.SetStatusCallback(statusURL)
	params.SetTimeout(int(c.ringTimeout.Seconds()))

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", errors.Wrap(errors.ErrCallPlacement, err.Error(), map[string]interface{}{
			"to": to,
		})
	}

	if resp.Sid == nil {
		return "", errors.Wrap(errors.ErrCallPlacement, "provider returned no call SID")
	}

	c.logger.WithFields(logrus.Fields{
		"call_sid": *resp.Sid,
		"to":       to,
	}).Info("Outbound call placed")

	return *resp.Sid, nil
}

// CallStatus values delivered by the provider's status callback
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
)

// IsFailureStatus reports whether a callback status means the call never
// produced a conversation
func IsFailureStatus(status string) bool {
	switch status {
	case CallStatusFailed, CallStatusBusy, CallStatusNoAnswer:
		return true
	}
	return false
}

// StreamURL converts an HTTP base URL into the wss:// stream endpoint for
// a session
func StreamURL(baseURL, sessionID string) string {
	host := baseURL
	for _, prefix := range []string{"https://", "http://"} {
		if len(host) > len(prefix) && host[:len(prefix)] == prefix {
			host = host[len(prefix):]
		}
	}
	return fmt.Sprintf("wss://%s/twilio/stream/%s", host, sessionID)
}
