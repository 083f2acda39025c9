package realtime

// Server event types consumed from the realtime endpoint
const (
	// EventUserTranscriptDone is emitted when transcription of a
	// committed chunk of caller audio completes
	EventUserTranscriptDone = "conversation.item.input_audio_transcription.completed"

	// EventAgentTranscriptDone is emitted when the transcript of an
	// agent-generated audio response is complete
	EventAgentTranscriptDone = "response.output_audio_transcript.done"

	// EventFunctionCallDone is emitted when the model has finished
	// streaming a tool call's arguments
	EventFunctionCallDone = "response.function_call_arguments.done"

	// EventResponseDone marks the end of a model response
	EventResponseDone = "response.done"

	// EventAudioDelta carries one base64 chunk of agent audio
	EventAudioDelta = "response.output_audio.delta"

	// EventSpeechStarted fires when server-side VAD detects the caller
	// talking, the barge-in trigger
	EventSpeechStarted = "input_audio_buffer.speech_started"

	EventError          = "error"
	EventSessionCreated = "session.created"
	EventSessionUpdated = "session.updated"
)

// loggedEventTypes are event kinds worth surfacing at debug level even
// though the relay takes no action on them
var loggedEventTypes = map[string]bool{
	EventError:                          true,
	EventSessionCreated:                 true,
	EventSessionUpdated:                 true,
	"rate_limits.updated":               true,
	"response.content.done":             true,
	"response.output_audio.done":        true,
	"input_audio_buffer.committed":      true,
	"input_audio_buffer.speech_stopped": true,
}

// ShouldLog reports whether an unhandled event type should be logged
func ShouldLog(eventType string) bool {
	return loggedEventTypes[eventType]
}

// ServerEvent is one decoded event from the realtime endpoint. Only the
// fields the relay dispatches on are modeled; everything else rides along
// in the raw JSON and is ignored.
type ServerEvent struct {
	Type string `json:"type"`

	// Transcript is set on transcription events
	Transcript string `json:"transcript,omitempty"`

	// Delta is the base64 audio chunk on audio delta events
	Delta string `json:"delta,omitempty"`

	// ItemID identifies the response item an audio delta belongs to
	ItemID string `json:"item_id,omitempty"`

	// Name and CallID identify a tool invocation
	Name   string `json:"name,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

// EndConversationTool is the name of the single tool exposed to the agent
const EndConversationTool = "end_conversation"
