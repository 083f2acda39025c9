package realtime

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
)

const realtimeEndpoint = "wss://api.openai.com/v1/realtime"

// defaultGuidance is used when no guidance file is configured or readable
const defaultGuidance = `Collect feedback on the following areas:
1. Cleanliness of rooms and common areas
2. Staff friendliness and helpfulness
3. Amenities (WiFi, kitchen, lockers, etc.)
4. Location and accessibility
5. Noise levels and comfort
6. Value for money
7. Any specific incidents or concerns
8. Overall satisfaction and likelihood to recommend`

// CallContext carries booking details used to personalize the interview
type CallContext struct {
	GuestName  string
	HostelName string
	CheckIn    string
	CheckOut   string
	RoomNumber string
}

// Negotiator opens realtime connections and configures them before any
// audio flows
type Negotiator struct {
	logger   *logrus.Logger
	apiKey   string
	model    string
	voice    string
	guidance string
}

// NegotiatorConfig holds realtime session parameters
type NegotiatorConfig struct {
	APIKey       string
	Model        string
	Voice        string
	GuidanceFile string
}

// NewNegotiator creates a negotiator, loading interview guidance from the
// configured file with a built-in fallback
func NewNegotiator(cfg NegotiatorConfig, logger *logrus.Logger) *Negotiator {
	guidance := defaultGuidance
	if cfg.GuidanceFile != "" {
		data, err := os.ReadFile(cfg.GuidanceFile)
		if err != nil {
			logger.WithError(err).WithField("path", cfg.GuidanceFile).Warn("Guidance file not readable, using default guidance")
		} else {
			guidance = strings.TrimSpace(string(data))
		}
	}

	return &Negotiator{
		logger:   logger,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		voice:    cfg.Voice,
		guidance: guidance,
	}
}

// sessionUpdate is the single configuration message sent at session start
type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	Type             string       `json:"type"`
	Model            string       `json:"model"`
	OutputModalities []string     `json:"output_modalities"`
	MaxOutputTokens  int          `json:"max_output_tokens"`
	Audio            audioConfig  `json:"audio"`
	Instructions     string       `json:"instructions"`
	Tools            []toolConfig `json:"tools"`
	ToolChoice       string       `json:"tool_choice"`
}

type audioConfig struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioInput struct {
	Format        formatConfig        `json:"format"`
	TurnDetection turnDetectionConfig `json:"turn_detection"`
	Transcription transcriptionConfig `json:"transcription"`
}

type audioOutput struct {
	Format formatConfig `json:"format"`
	Voice  string       `json:"voice"`
}

type formatConfig struct {
	Type string `json:"type"`
}

type turnDetectionConfig struct {
	Type string `json:"type"`
}

type transcriptionConfig struct {
	Language string `json:"language"`
	Model    string `json:"model"`
}

type toolConfig struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  toolParameters `json:"parameters"`
}

type toolParameters struct {
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	Required   []string               `json:"required"`
}

// Connect dials the realtime endpoint and sends the configuration message.
// Any failure here is fatal for the call: the relay never starts.
func (n *Negotiator) Connect(callCtx CallContext) (*Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+n.apiKey)

	url := fmt.Sprintf("%s?model=%s", realtimeEndpoint, n.model)
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		fields := map[string]interface{}{"model": n.model}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		return nil, errors.Wrap(errors.ErrRealtimeConnect, err.Error(), fields)
	}

	conn := newConn(ws, n.logger)

	update := sessionUpdate{
		Type: "session.update",
		Session: sessionPayload{
			Type:             "realtime",
			Model:            n.model,
			OutputModalities: []string{"audio"},
			MaxOutputTokens:  512,
			Audio: audioConfig{
				Input: audioInput{
					Format:        formatConfig{Type: "audio/pcmu"},
					TurnDetection: turnDetectionConfig{Type: "server_vad"},
					Transcription: transcriptionConfig{
						Language: "en",
						Model:    "whisper-1",
					},
				},
				Output: audioOutput{
					Format: formatConfig{Type: "audio/pcmu"},
					Voice:  n.voice,
				},
			},
			Instructions: n.buildInstructions(callCtx),
			Tools: []toolConfig{
				{
					Type:        "function",
					Name:        EndConversationTool,
					Description: "Call this when you have finished collecting all feedback from the user and are ready to end the call",
					Parameters: toolParameters{
						Type:       "object",
						Properties: map[string]interface{}{},
						Required:   []string{},
					},
				},
			},
			ToolChoice: "auto",
		},
	}

	if err := conn.writeJSON(update); err != nil {
		conn.Close()
		return nil, errors.Wrap(errors.ErrRealtimeConnect, "failed to send session configuration")
	}

	n.logger.WithFields(logrus.Fields{
		"model": n.model,
		"voice": n.voice,
	}).Info("Realtime session configured")

	return conn, nil
}

// buildInstructions assembles the system instruction from booking context
// and the interview guidance
func (n *Negotiator) buildInstructions(ctx CallContext) string {
	return fmt.Sprintf(`You are a friendly feedback collection agent for %s.
You're speaking with %s who recently stayed at the hostel from %s to %s in room %s.

Your goal is to have a natural, conversational phone call to collect feedback about their stay.

IMPORTANT - START THE CONVERSATION:
Begin by saying: "Hi %s! Thank you for taking my call. I'm calling from %s to ask you a few questions about your recent stay with us. This will only take about 3 to 5 minutes. How are you doing today?"

GUIDELINES TO COVER:
%s

CONVERSATION RULES:
1. Be warm, friendly, and professional - you're representing the hostel
2. Keep the conversation natural and flowing, not like a rigid survey
3. Ask open-ended questions and actively listen
4. Follow up on any concerns or issues they mention with empathy
5. Try to cover all guideline areas but let the conversation flow naturally
6. If they seem rushed, be understanding and keep it brief
7. When you've gathered sufficient feedback, thank them warmly
8. Call the end_conversation function when you're ready to wrap up

Remember: This is a real phone call. Be natural, empathetic, and respectful of their time.`,
		ctx.HostelName, ctx.GuestName, ctx.CheckIn, ctx.CheckOut, ctx.RoomNumber,
		ctx.GuestName, ctx.HostelName, n.guidance)
}
