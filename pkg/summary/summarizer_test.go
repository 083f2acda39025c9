package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/feedback"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestSummarizer(baseURL string) *OpenAISummarizer {
	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = baseURL
	return &OpenAISummarizer{
		client: openai.NewClientWithConfig(cfg),
		model:  "gpt-4o-mini",
		logger: testLogger(),
	}
}

func sampleTranscript() []feedback.TranscriptEntry {
	return []feedback.TranscriptEntry{
		{Role: feedback.RoleAgent, Content: "How was your stay?"},
		{Role: feedback.RoleUser, Content: "Lovely, though the showers were cold."},
	}
}

func completionResponse(content string) string {
	resp := map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": content,
				},
			},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestSummarizeParsesStructuredResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse(`{
			"overview": "Guest enjoyed the stay but had cold showers.",
			"painpoints": ["cold showers"],
			"highlights": ["lovely atmosphere"],
			"recommendations": ["fix water heating"],
			"sentiment": "positive"
		}`)))
	}))
	defer server.Close()

	s := newTestSummarizer(server.URL)

	result, err := s.Summarize(context.Background(), sampleTranscript())
	require.NoError(t, err)

	assert.Equal(t, feedback.SentimentPositive, result.Sentiment)
	assert.Equal(t, []string{"cold showers"}, result.Painpoints)
	assert.Equal(t, []string{"fix water heating"}, result.Recommendations)
}

func TestSummarizeEmptyTranscript(t *testing.T) {
	s := newTestSummarizer("http://localhost:1")

	_, err := s.Summarize(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSummaryFailed))
}

func TestSummarizeAPIFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	s := newTestSummarizer(server.URL)

	_, err := s.Summarize(context.Background(), sampleTranscript())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSummaryFailed))
}

func TestSummarizeNonJSONCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse("the guest was happy")))
	}))
	defer server.Close()

	s := newTestSummarizer(server.URL)

	_, err := s.Summarize(context.Background(), sampleTranscript())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSummaryFailed))
}

func TestSummarizeDefaultsMissingSentiment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionResponse(`{"overview": "Short call."}`)))
	}))
	defer server.Close()

	s := newTestSummarizer(server.URL)

	result, err := s.Summarize(context.Background(), sampleTranscript())
	require.NoError(t, err)
	assert.Equal(t, feedback.SentimentUnknown, result.Sentiment)
}

func TestFormatTranscript(t *testing.T) {
	formatted := FormatTranscript(sampleTranscript())

	assert.Equal(t, "AGENT: How was your stay?\nUSER: Lovely, though the showers were cold.\n", formatted)
}
