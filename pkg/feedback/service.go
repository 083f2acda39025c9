package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/messaging"
	"feedback-agent/pkg/metrics"
	"feedback-agent/pkg/telephony"
)

// Summarizer distills a transcript into a structured summary. Declared
// here so the service does not depend on any particular backend.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []TranscriptEntry) (*Summary, error)
}

// ServiceConfig holds service-level parameters
type ServiceConfig struct {
	// BaseURL is the public HTTPS origin webhooks are served from
	BaseURL string
}

// Service owns the feedback session lifecycle: initiating calls,
// reacting to provider status callbacks and finalizing sessions once
// the call is over.
type Service struct {
	logger     *logrus.Logger
	config     ServiceConfig
	store      Store
	bookings   BookingLookup
	caller     telephony.CallPlacer
	summarizer Summarizer
	publisher  messaging.Publisher
}

// NewService wires the session lifecycle together
func NewService(
	config ServiceConfig,
	store Store,
	bookings BookingLookup,
	caller telephony.CallPlacer,
	summarizer Summarizer,
	publisher messaging.Publisher,
	logger *logrus.Logger,
) *Service {
	return &Service{
		logger:     logger,
		config:     config,
		store:      store,
		bookings:   bookings,
		caller:     caller,
		summarizer: summarizer,
		publisher:  publisher,
	}
}

// InitiateCall creates a Pending session for the booking and places the
// outbound call in the background. The session is returned immediately
// so the API can respond before the call connects.
func (s *Service) InitiateCall(ctx context.Context, bookingID string) (*Session, error) {
	booking, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	session := NewSession(booking.ID, booking.Phone)
	if err := s.store.Create(ctx, session); err != nil {
		return nil, errors.Wrap(err, "failed to persist new session")
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"booking_id": booking.ID,
		"guest":      booking.GuestName,
	}).Info("Feedback session created")

	go s.placeCall(session.ID, booking.Phone)

	return session, nil
}

// placeCall dials the guest and records the outcome. Runs detached from
// the initiating request.
func (s *Service) placeCall(sessionID, phone string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	answerURL := fmt.Sprintf("%s/twilio/voice/%s", s.config.BaseURL, sessionID)
	statusURL := fmt.Sprintf("%s/twilio/status/%s", s.config.BaseURL, sessionID)

	callSID, err := s.caller.PlaceCall(phone, answerURL, statusURL)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to place outbound call")
		if metrics.CallsPlacedTotal != nil {
			metrics.CallsPlacedTotal.WithLabelValues("error").Inc()
		}

		if _, uerr := s.store.Update(ctx, sessionID, func(sess *Session) error {
			if sess.Status.IsTerminal() {
				return nil
			}
			return sess.TransitionTo(StatusFailed)
		}); uerr != nil {
			s.logger.WithError(uerr).WithField("session_id", sessionID).Error("Failed to mark session failed")
		}
		metrics.IncSessionTransition(string(StatusFailed))
		return
	}

	if metrics.CallsPlacedTotal != nil {
		metrics.CallsPlacedTotal.WithLabelValues("ok").Inc()
	}

	if _, err := s.store.Update(ctx, sessionID, func(sess *Session) error {
		sess.CallSID = callSID
		if sess.Status == StatusPending {
			return sess.TransitionTo(StatusInProgress)
		}
		return nil
	}); err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to record placed call")
		return
	}
	metrics.IncSessionTransition(string(StatusInProgress))

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"call_sid":   callSID,
	}).Info("Outbound call placed")
}

// Health reports whether the session store is reachable
func (s *Service) Health() error {
	return s.store.Health()
}

// GetSession returns the current session record
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.store.Get(ctx, sessionID)
}

// GetBooking resolves a booking for webhook personalization
func (s *Service) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	return s.bookings.GetBooking(ctx, bookingID)
}

// HandleStatusCallback applies a provider call-status update. Terminal
// sessions are never modified; a late "completed" callback after the
// relay already finalized is a no-op.
func (s *Service) HandleStatusCallback(ctx context.Context, sessionID, callStatus string, durationSeconds int) error {
	session, err := s.store.Update(ctx, sessionID, func(sess *Session) error {
		if sess.Status.IsTerminal() {
			s.logger.WithFields(logrus.Fields{
				"session_id":  sessionID,
				"call_status": callStatus,
				"status":      sess.Status,
			}).Debug("Ignoring status callback for terminal session")
			return nil
		}

		switch {
		case telephony.IsFailureStatus(callStatus):
			return sess.TransitionTo(StatusFailed)

		case callStatus == telephony.CallStatusCompleted && sess.Status == StatusInProgress:
			if durationSeconds > 0 {
				sess.DurationSeconds = durationSeconds
			}
			now := time.Now().UTC()
			sess.CompletedAt = &now
			return sess.TransitionTo(StatusCompleted)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if session.Status.IsTerminal() {
		metrics.IncSessionTransition(string(session.Status))
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"call_status": callStatus,
		"status":      session.Status,
	}).Info("Call status callback processed")

	return nil
}

// Finalize closes out a session once its relay has finished: it stores
// the transcript, generates a summary when there is anything to
// summarize and moves the session to its terminal state. Calling it
// again for an already finalized session is a no-op.
func (s *Service) Finalize(ctx context.Context, sessionID string, transcript []TranscriptEntry, duration time.Duration, maxDurationReached bool) error {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() || session.Summary != nil {
		s.logger.WithField("session_id", sessionID).Debug("Session already finalized")
		return nil
	}

	var summary *Summary
	if len(transcript) > 0 {
		summary, err = s.summarizer.Summarize(ctx, transcript)
		if err != nil {
			s.logger.WithError(err).WithField("session_id", sessionID).Error("Summary generation failed, storing default")
			summary = DefaultErrorSummary()
		}
	}

	final := StatusCompleted
	if maxDurationReached && len(transcript) == 0 {
		final = StatusFailed
	}

	session, err = s.store.Update(ctx, sessionID, func(sess *Session) error {
		if sess.Status.IsTerminal() || sess.Summary != nil {
			return nil
		}

		sess.Transcript = transcript
		sess.Summary = summary
		if sess.DurationSeconds == 0 {
			sess.DurationSeconds = int(duration.Seconds())
		}
		now := time.Now().UTC()
		sess.CompletedAt = &now

		if sess.Status == StatusPending {
			if terr := sess.TransitionTo(StatusInProgress); terr != nil {
				return terr
			}
		}
		return sess.TransitionTo(final)
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to persist finalized session")
		return errors.Wrap(err, "failed to finalize session")
	}

	metrics.IncSessionTransition(string(session.Status))
	metrics.ObserveCallDuration(duration)

	s.publishResult(session)

	s.logger.WithFields(logrus.Fields{
		"session_id":         sessionID,
		"status":             session.Status,
		"transcript_entries": len(session.Transcript),
		"has_summary":        session.Summary != nil,
	}).Info("Session finalized")

	return nil
}

// publishResult emits the terminal-state event for downstream
// consumers. Publish failures are logged, never retried.
func (s *Service) publishResult(session *Session) {
	if s.publisher == nil || !s.publisher.IsConnected() {
		return
	}

	event := messaging.FeedbackEvent{
		SessionID:       session.ID,
		BookingID:       session.BookingID,
		Status:          string(session.Status),
		TranscriptLen:   len(session.Transcript),
		DurationSeconds: session.DurationSeconds,
	}
	if session.Summary != nil {
		event.Sentiment = string(session.Summary.Sentiment)
	}
	if session.CompletedAt != nil {
		event.CompletedAt = session.CompletedAt.Format(time.RFC3339)
	}

	if err := s.publisher.PublishFeedbackEvent(event); err != nil {
		s.logger.WithError(err).WithField("session_id", session.ID).Warn("Failed to publish feedback event")
	}
}
