package feedback

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"feedback-agent/pkg/errors"
)

// SessionStatus is the lifecycle state of a feedback session.
// Transitions only move forward: Pending -> InProgress -> Completed/Failed.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether a transition to next is allowed
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusFailed
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Role identifies the speaker of a transcript entry
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// TranscriptEntry is a single turn of the conversation
type TranscriptEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sentiment is the overall tone detected in the conversation
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentUnknown  Sentiment = "unknown"
)

// Summary is the structured result distilled from a call transcript
type Summary struct {
	Overview        string    `json:"overview"`
	Painpoints      []string  `json:"painpoints"`
	Highlights      []string  `json:"highlights"`
	Recommendations []string  `json:"recommendations"`
	Sentiment       Sentiment `json:"sentiment"`
}

// DefaultErrorSummary is persisted when summary generation fails so the
// transcript is not lost
func DefaultErrorSummary() *Summary {
	return &Summary{
		Overview:        "Error generating summary",
		Painpoints:      []string{},
		Highlights:      []string{},
		Recommendations: []string{},
		Sentiment:       SentimentUnknown,
	}
}

// Session is the durable record of one feedback call
type Session struct {
	ID          string `json:"id"`
	BookingID   string `json:"booking_id"`
	PhoneNumber string `json:"phone_number"`

	// CallSID is the provider-assigned call identifier, set once the
	// outbound call is placed
	CallSID string `json:"call_sid,omitempty"`

	Status SessionStatus `json:"status"`

	Transcript []TranscriptEntry `json:"transcript,omitempty"`
	Summary    *Summary          `json:"summary,omitempty"`

	DurationSeconds int        `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewSession creates a Pending session for a booking
func NewSession(bookingID, phoneNumber string) *Session {
	return &Session{
		ID:          fmt.Sprintf("task_%s", uuid.New().String()[:12]),
		BookingID:   bookingID,
		PhoneNumber: phoneNumber,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// TransitionTo moves the session to the next status, enforcing the
// forward-only state machine. Terminal states are never overwritten.
func (s *Session) TransitionTo(next SessionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		if s.Status.IsTerminal() {
			return errors.NewSessionTerminal(s.ID, string(s.Status))
		}
		return errors.NewInvalidInput(fmt.Sprintf("illegal status transition %s -> %s for session %s", s.Status, next, s.ID))
	}
	s.Status = next
	return nil
}
