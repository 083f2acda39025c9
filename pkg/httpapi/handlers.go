package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/realtime"
	"feedback-agent/pkg/relay"
	"feedback-agent/pkg/telephony"
)

type initiateCallRequest struct {
	BookingID string `json:"booking_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Health(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"store":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleInitiateCall starts a feedback call for a booking. The booking
// ID comes from the query string or the JSON body.
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	bookingID := r.URL.Query().Get("booking_id")
	if bookingID == "" {
		var req initiateCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			bookingID = req.BookingID
		}
	}
	if bookingID == "" {
		s.writeError(w, http.StatusBadRequest, "booking_id is required")
		return
	}

	session, err := s.service.InitiateCall(r.Context(), bookingID)
	if err != nil {
		if !errors.Is(err, errors.ErrBookingNotFound) {
			s.logger.WithError(err).WithField("booking_id", bookingID).Error("Failed to initiate call")
		}
		errors.WriteError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		if !errors.Is(err, errors.ErrSessionNotFound) {
			s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to load session")
		}
		errors.WriteError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, session)
}

// handleVoiceWebhook answers the provider's TwiML fetch when the callee
// picks up, pointing the call at the media stream endpoint
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	w.Header().Set("Content-Type", "application/xml")

	if _, err := s.service.GetSession(r.Context(), sessionID); err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("Voice webhook for unknown session")
		body, _ := telephony.ErrorTwiML("We are sorry, this call cannot be completed.")
		w.Write([]byte(body))
		return
	}

	body, err := telephony.AnswerTwiML(telephony.StreamURL(s.config.BaseURL, sessionID))
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to render TwiML")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write([]byte(body))
}

// handleStatusCallback applies provider call lifecycle updates
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if err := r.ParseForm(); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	callStatus := r.PostFormValue("CallStatus")
	duration, _ := strconv.Atoi(r.PostFormValue("CallDuration"))

	if err := s.service.HandleStatusCallback(r.Context(), sessionID, callStatus, duration); err != nil {
		if !errors.Is(err, errors.ErrSessionNotFound) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"session_id":  sessionID,
				"call_status": callStatus,
			}).Error("Failed to process status callback")
		}
		errors.WriteError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleMediaStream upgrades the provider's websocket, dials the agent
// and runs the relay for the lifetime of the call. Finalization happens
// here regardless of how the relay ended.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Warn("Stream request for unknown session")
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	booking, err := s.service.GetBooking(r.Context(), session.BookingID)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Stream request with unresolvable booking")
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Websocket upgrade failed")
		return
	}
	stream := telephony.NewStreamConn(ws, s.logger)

	agent, err := s.dialer.Connect(realtime.CallContext{
		GuestName:  booking.GuestName,
		HostelName: booking.HostelName,
		CheckIn:    booking.CheckIn,
		CheckOut:   booking.CheckOut,
		RoomNumber: booking.RoomNumber,
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to connect to realtime endpoint")
		stream.Close()
		return
	}

	s.logger.WithField("session_id", sessionID).Info("Relay starting")

	result := relay.New(sessionID, stream, agent, s.config.Relay, s.logger).Run()

	// The request context dies with the hijacked connection, so
	// finalization runs on its own context
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.service.Finalize(ctx, sessionID, result.Transcript, result.Duration, result.MaxDurationReached); err != nil {
		s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to finalize session")
	}
}
