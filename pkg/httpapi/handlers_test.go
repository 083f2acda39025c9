package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback-agent/pkg/feedback"
	"feedback-agent/pkg/messaging"
	"feedback-agent/pkg/relay"
	"feedback-agent/pkg/telephony"
)

type fakeCaller struct{}

func (fakeCaller) PlaceCall(to, answerURL, statusURL string) (string, error) {
	return "CA123", nil
}

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, transcript []feedback.TranscriptEntry) (*feedback.Summary, error) {
	return &feedback.Summary{
		Overview:        "ok",
		Painpoints:      []string{},
		Highlights:      []string{},
		Recommendations: []string{},
		Sentiment:       feedback.SentimentNeutral,
	}, nil
}

type serverFixture struct {
	server  *Server
	service *feedback.Service
	store   *feedback.MemoryStore
}

func newServerFixture() *serverFixture {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := feedback.NewMemoryStore(logger)
	service := feedback.NewService(
		feedback.ServiceConfig{BaseURL: "https://feedback.example.com"},
		store,
		feedback.NewStaticBookingLookup(),
		fakeCaller{},
		fakeSummarizer{},
		messaging.NoopPublisher{},
		logger,
	)

	server := NewServer(Config{
		Port:    8080,
		BaseURL: "https://feedback.example.com",
		Relay: relay.Config{
			TerminationGrace: 50 * time.Millisecond,
			MaxCallDuration:  time.Minute,
		},
	}, service, nil, logger)

	return &serverFixture{server: server, service: service, store: store}
}

func (f *serverFixture) request(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if method == http.MethodPost && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) createSession(t *testing.T) *feedback.Session {
	t.Helper()
	rec := f.request(t, http.MethodPost, "/feedback/calls?booking_id=BK-2024-001", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var session feedback.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return &session
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestInitiateCallEndpoint(t *testing.T) {
	f := newServerFixture()

	session := f.createSession(t)

	assert.True(t, strings.HasPrefix(session.ID, "task_"))
	assert.Equal(t, "BK-2024-001", session.BookingID)
	assert.Equal(t, feedback.StatusPending, session.Status)
}

func TestInitiateCallJSONBody(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodPost, "/feedback/calls", `{"booking_id":"BK-2024-002"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var session feedback.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "BK-2024-002", session.BookingID)
}

func TestInitiateCallMissingBookingID(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodPost, "/feedback/calls", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiateCallUnknownBooking(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodPost, "/feedback/calls?booking_id=BK-0000-000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionEndpoint(t *testing.T) {
	f := newServerFixture()
	session := f.createSession(t)

	rec := f.request(t, http.MethodGet, "/feedback/calls/"+session.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got feedback.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, session.ID, got.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodGet, "/feedback/calls/task_missing0000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoiceWebhookReturnsStreamTwiML(t *testing.T) {
	f := newServerFixture()
	session := f.createSession(t)

	rec := f.request(t, http.MethodPost, "/twilio/voice/"+session.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, telephony.StreamURL("https://feedback.example.com", session.ID))
}

func TestVoiceWebhookUnknownSession(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodPost, "/twilio/voice/task_missing0000", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Body.String(), "<Hangup")
}

func TestStatusCallbackMarksFailure(t *testing.T) {
	f := newServerFixture()
	session := f.createSession(t)

	// wait for the background call placement to land
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), session.ID)
		return err == nil && got.Status == feedback.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	form := url.Values{"CallStatus": {"no-answer"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status/"+session.ID, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := f.store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.StatusFailed, got.Status)
}

func TestStatusCallbackUnknownSession(t *testing.T) {
	f := newServerFixture()

	form := url.Values{"CallStatus": {"completed"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/status/task_missing0000", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaStreamUnknownSession(t *testing.T) {
	f := newServerFixture()

	rec := f.request(t, http.MethodGet, "/twilio/stream/task_missing0000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
