package summary

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/feedback"
	"feedback-agent/pkg/metrics"
)

const systemPrompt = `You are an analyst for a hostel chain. You are given the transcript of a phone call in which an agent collected feedback from a guest about a recent stay.

Produce a JSON object with exactly these fields:
- "overview": a 2-3 sentence summary of the call
- "painpoints": array of specific problems the guest mentioned
- "highlights": array of things the guest praised
- "recommendations": array of concrete actions the hostel should take
- "sentiment": one of "positive", "neutral", "negative"

Base everything strictly on what the guest said. Empty arrays are fine when a category has nothing.`

// Summarizer distills a call transcript into a structured summary
type Summarizer interface {
	Summarize(ctx context.Context, transcript []feedback.TranscriptEntry) (*feedback.Summary, error)
}

// OpenAISummarizer calls a chat completion endpoint with JSON output mode
type OpenAISummarizer struct {
	client *openai.Client
	model  string
	logger *logrus.Logger
}

// NewOpenAISummarizer creates a summarizer backed by the chat API
func NewOpenAISummarizer(apiKey, model string, logger *logrus.Logger) *OpenAISummarizer {
	return &OpenAISummarizer{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}
}

// Summarize sends the transcript for analysis and parses the structured
// result. Callers fall back to a default summary on error so a failed
// analysis never loses the transcript.
func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript []feedback.TranscriptEntry) (*feedback.Summary, error) {
	if len(transcript) == 0 {
		return nil, errors.Wrap(errors.ErrSummaryFailed, "transcript is empty")
	}

	started := time.Now()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: FormatTranscript(transcript)},
		},
	})
	if err != nil {
		if metrics.SummaryRequestsTotal != nil {
			metrics.SummaryRequestsTotal.WithLabelValues("error").Inc()
		}
		return nil, errors.Wrap(errors.ErrSummaryFailed, err.Error())
	}

	if len(resp.Choices) == 0 {
		if metrics.SummaryRequestsTotal != nil {
			metrics.SummaryRequestsTotal.WithLabelValues("error").Inc()
		}
		return nil, errors.Wrap(errors.ErrSummaryFailed, "completion returned no choices")
	}

	var result feedback.Summary
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		if metrics.SummaryRequestsTotal != nil {
			metrics.SummaryRequestsTotal.WithLabelValues("error").Inc()
		}
		return nil, errors.Wrap(errors.ErrSummaryFailed, "completion was not valid JSON", map[string]interface{}{
			"parse_error": err.Error(),
		})
	}

	if result.Sentiment == "" {
		result.Sentiment = feedback.SentimentUnknown
	}

	if metrics.SummaryRequestsTotal != nil {
		metrics.SummaryRequestsTotal.WithLabelValues("ok").Inc()
	}
	if metrics.SummaryLatency != nil {
		metrics.SummaryLatency.Observe(time.Since(started).Seconds())
	}

	s.logger.WithFields(logrus.Fields{
		"model":     s.model,
		"sentiment": result.Sentiment,
		"elapsed":   time.Since(started).String(),
	}).Info("Transcript summarized")

	return &result, nil
}

// FormatTranscript renders the transcript as one turn per line for the
// analysis prompt
func FormatTranscript(transcript []feedback.TranscriptEntry) string {
	var b strings.Builder
	for _, entry := range transcript {
		b.WriteString(strings.ToUpper(string(entry.Role)))
		b.WriteString(": ")
		b.WriteString(entry.Content)
		b.WriteString("\n")
	}
	return b.String()
}
