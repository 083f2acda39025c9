package relay

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/feedback"
	"feedback-agent/pkg/metrics"
	"feedback-agent/pkg/realtime"
	"feedback-agent/pkg/telephony"
)

// markName is the playback acknowledgment token sent after every
// forwarded audio chunk
const markName = "responsePart"

// MediaStream is the telephony side of the relay
type MediaStream interface {
	ReadEvent() (*telephony.StreamEvent, error)
	SendMedia(streamSid, payload string) error
	SendClear(streamSid string) error
	SendMark(streamSid, name string) error
	Close() error
}

// AgentConn is the realtime voice side of the relay
type AgentConn interface {
	ReadEvent() (*realtime.ServerEvent, error)
	AppendAudio(payload string) error
	Truncate(itemID string, audioEndMs int64) error
	SendFunctionResult(callID, output string) error
	IsOpen() bool
	Close() error
}

// Config holds relay timing parameters
type Config struct {
	// TerminationGrace is how long queued audio is allowed to play out
	// after the agent asks to end the conversation
	TerminationGrace time.Duration

	// MaxCallDuration is the hard ceiling on relay lifetime
	MaxCallDuration time.Duration
}

// Result is what a finished relay hands back for finalization
type Result struct {
	Transcript         []feedback.TranscriptEntry
	ConversationEnded  bool
	MaxDurationReached bool
	Duration           time.Duration
}

// Relay shuttles audio between one telephony media stream and one
// realtime agent connection. Two loops run concurrently, one per
// direction, and all shared state sits behind a single mutex.
type Relay struct {
	logger    *logrus.Logger
	sessionID string
	stream    MediaStream
	agent     AgentConn
	config    Config

	// responseStartMs is meaningful only while lastAssistantItemID is
	// non-empty; both reset together on interruption and stream start
	mutex                  sync.Mutex
	streamID               string
	latestMediaTimestampMs int64
	lastAssistantItemID    string
	responseStartMs        int64
	pendingMarks           []string
	conversationEnded      bool
	forceDisconnect        bool
	maxDurationReached     bool
	transcript             []feedback.TranscriptEntry
}

// New creates a relay for one call
func New(sessionID string, stream MediaStream, agent AgentConn, config Config, logger *logrus.Logger) *Relay {
	return &Relay{
		logger:    logger,
		sessionID: sessionID,
		stream:    stream,
		agent:     agent,
		config:    config,
	}
}

// Run drives both directions until the call ends, then reports what was
// gathered. It blocks for the full call and always closes both
// connections before returning.
func (r *Relay) Run() *Result {
	started := time.Now()

	metrics.AddActiveCalls(1)
	defer metrics.AddActiveCalls(-1)

	ceiling := time.AfterFunc(r.config.MaxCallDuration, func() {
		r.logger.WithFields(logrus.Fields{
			"session_id":   r.sessionID,
			"max_duration": r.config.MaxCallDuration.String(),
		}).Warn("Call reached maximum duration, terminating")

		r.mutex.Lock()
		r.maxDurationReached = true
		r.forceDisconnect = true
		r.mutex.Unlock()

		r.stream.Close()
		r.agent.Close()
	})
	defer ceiling.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.inboundLoop()
	}()
	go func() {
		defer wg.Done()
		r.outboundLoop()
	}()
	wg.Wait()

	r.mutex.Lock()
	result := &Result{
		Transcript:         r.transcript,
		ConversationEnded:  r.conversationEnded,
		MaxDurationReached: r.maxDurationReached,
		Duration:           time.Since(started),
	}
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"session_id":         r.sessionID,
		"transcript_entries": len(result.Transcript),
		"conversation_ended": result.ConversationEnded,
		"duration":           result.Duration.String(),
	}).Info("Relay finished")

	return result
}

// inboundLoop reads telephony events and forwards caller audio to the
// agent. It owns the caller-side timestamp and the mark queue pops.
func (r *Relay) inboundLoop() {
	defer r.agent.Close()

	for {
		event, err := r.stream.ReadEvent()
		if err != nil {
			if errors.Is(err, errors.ErrInvalidEvent) {
				r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Skipping malformed stream event")
				metrics.IncProtocolError("inbound")
				continue
			}
			return
		}

		r.mutex.Lock()
		disconnect := r.forceDisconnect
		r.mutex.Unlock()
		if disconnect {
			return
		}

		metrics.IncRelayEvent("inbound", event.Event)

		switch event.Event {
		case telephony.EventStart:
			r.handleStart(event)

		case telephony.EventMedia:
			r.handleMedia(event)

		case telephony.EventMark:
			r.mutex.Lock()
			if len(r.pendingMarks) > 0 {
				r.pendingMarks = r.pendingMarks[1:]
			}
			r.mutex.Unlock()

		case telephony.EventStop:
			r.logger.WithField("session_id", r.sessionID).Info("Media stream stopped by provider")
			return

		default:
			r.logger.WithFields(logrus.Fields{
				"session_id": r.sessionID,
				"event":      event.Event,
			}).Debug("Ignoring stream event")
		}
	}
}

// handleStart resets per-stream state. A reconnecting stream gets a
// fresh timestamp baseline and an empty mark queue.
func (r *Relay) handleStart(event *telephony.StreamEvent) {
	streamID := event.StreamSid
	if event.Start != nil && event.Start.StreamSid != "" {
		streamID = event.Start.StreamSid
	}

	r.mutex.Lock()
	r.streamID = streamID
	r.latestMediaTimestampMs = 0
	r.lastAssistantItemID = ""
	r.responseStartMs = 0
	r.pendingMarks = nil
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"session_id": r.sessionID,
		"stream_sid": streamID,
	}).Info("Media stream started")
}

func (r *Relay) handleMedia(event *telephony.StreamEvent) {
	if event.Media == nil {
		metrics.IncProtocolError("inbound")
		return
	}

	r.mutex.Lock()
	r.latestMediaTimestampMs = event.Media.TimestampMs()
	r.mutex.Unlock()

	if !r.agent.IsOpen() {
		return
	}

	if err := r.agent.AppendAudio(event.Media.Payload); err != nil {
		if !errors.Is(err, errors.ErrRelayClosed) {
			r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Failed to forward caller audio")
		}
		return
	}
	metrics.IncAudioFrame("inbound")
}

// outboundLoop reads agent events, forwards audio to the caller and
// aggregates the transcript. It also runs the termination sequence.
func (r *Relay) outboundLoop() {
	defer r.stream.Close()

	for {
		event, err := r.agent.ReadEvent()
		if err != nil {
			if errors.Is(err, errors.ErrInvalidEvent) {
				r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Skipping malformed agent event")
				metrics.IncProtocolError("outbound")
				continue
			}
			return
		}

		metrics.IncRelayEvent("outbound", event.Type)

		switch event.Type {
		case realtime.EventAudioDelta:
			r.handleAudioDelta(event)

		case realtime.EventUserTranscriptDone:
			r.appendTranscript(feedback.RoleUser, event.Transcript)

		case realtime.EventAgentTranscriptDone:
			r.appendTranscript(feedback.RoleAgent, event.Transcript)

		case realtime.EventFunctionCallDone:
			r.handleFunctionCall(event)

		case realtime.EventResponseDone:
			if r.terminateIfEnded() {
				return
			}

		case realtime.EventSpeechStarted:
			r.handleInterruption()

		default:
			if realtime.ShouldLog(event.Type) {
				r.logger.WithFields(logrus.Fields{
					"session_id": r.sessionID,
					"type":       event.Type,
				}).Debug("Agent event")
			}
		}
	}
}

// handleAudioDelta forwards one chunk of agent audio to the caller and
// tracks when the current response began playing, which the barge-in
// truncation math depends on. A new item_id means a new assistant
// utterance, so the playback baseline moves to the current media clock.
func (r *Relay) handleAudioDelta(event *realtime.ServerEvent) {
	r.mutex.Lock()
	streamID := r.streamID
	if event.ItemID != "" && event.ItemID != r.lastAssistantItemID {
		r.lastAssistantItemID = event.ItemID
		r.responseStartMs = r.latestMediaTimestampMs
	}
	r.mutex.Unlock()

	if streamID == "" {
		return
	}

	if err := r.stream.SendMedia(streamID, event.Delta); err != nil {
		if !errors.Is(err, errors.ErrRelayClosed) {
			r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Failed to forward agent audio")
		}
		return
	}
	metrics.IncAudioFrame("outbound")

	// The mark is registered before it goes on the wire so a reply
	// arriving immediately always finds it queued.
	r.mutex.Lock()
	r.pendingMarks = append(r.pendingMarks, markName)
	r.mutex.Unlock()

	if err := r.stream.SendMark(streamID, markName); err != nil {
		r.mutex.Lock()
		if n := len(r.pendingMarks); n > 0 {
			r.pendingMarks = r.pendingMarks[:n-1]
		}
		r.mutex.Unlock()
	}
}

// appendTranscript records one conversation turn. Empty caller turns
// come through as whitespace when transcription finds no speech and are
// dropped; agent turns are kept as delivered.
func (r *Relay) appendTranscript(role feedback.Role, content string) {
	if role == feedback.RoleUser && strings.TrimSpace(content) == "" {
		return
	}

	r.mutex.Lock()
	r.transcript = append(r.transcript, feedback.TranscriptEntry{
		Role:    role,
		Content: content,
	})
	count := len(r.transcript)
	r.mutex.Unlock()

	metrics.IncTranscriptEntry(string(role))

	r.logger.WithFields(logrus.Fields{
		"session_id": r.sessionID,
		"role":       role,
		"entries":    count,
	}).Debug("Transcript entry recorded")
}

// handleFunctionCall acknowledges the end-of-conversation tool so the
// model can deliver its closing line before the relay shuts down
func (r *Relay) handleFunctionCall(event *realtime.ServerEvent) {
	if event.Name != realtime.EndConversationTool {
		r.logger.WithFields(logrus.Fields{
			"session_id": r.sessionID,
			"function":   event.Name,
		}).Warn("Ignoring unknown function call")
		return
	}

	r.mutex.Lock()
	r.conversationEnded = true
	r.mutex.Unlock()

	ack, _ := json.Marshal(map[string]string{"status": "conversation_ended"})
	if err := r.agent.SendFunctionResult(event.CallID, string(ack)); err != nil {
		r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Failed to acknowledge end of conversation")
	}

	r.logger.WithField("session_id", r.sessionID).Info("Agent requested end of conversation")
}

// terminateIfEnded runs the shutdown sequence once the response that
// contained the end-of-conversation call has fully streamed. The grace
// period lets audio already queued at the provider play out.
func (r *Relay) terminateIfEnded() bool {
	r.mutex.Lock()
	ended := r.conversationEnded
	r.mutex.Unlock()
	if !ended {
		return false
	}

	r.logger.WithFields(logrus.Fields{
		"session_id": r.sessionID,
		"grace":      r.config.TerminationGrace.String(),
	}).Info("Final response delivered, closing after grace period")

	time.Sleep(r.config.TerminationGrace)

	r.mutex.Lock()
	r.forceDisconnect = true
	r.mutex.Unlock()

	r.stream.Close()
	r.agent.Close()
	return true
}

// handleInterruption truncates the in-flight agent response when the
// caller starts talking over it. Elapsed playback is the caller-side
// clock minus where the response began; the remainder never reached the
// caller and is cut from model context.
func (r *Relay) handleInterruption() {
	r.mutex.Lock()
	if len(r.pendingMarks) == 0 || r.lastAssistantItemID == "" {
		r.mutex.Unlock()
		return
	}
	elapsed := r.latestMediaTimestampMs - r.responseStartMs
	if elapsed < 0 {
		elapsed = 0
	}
	itemID := r.lastAssistantItemID
	streamID := r.streamID
	r.pendingMarks = nil
	r.lastAssistantItemID = ""
	r.responseStartMs = 0
	r.mutex.Unlock()

	if err := r.agent.Truncate(itemID, elapsed); err != nil {
		r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Failed to truncate agent response")
	}

	if streamID != "" {
		if err := r.stream.SendClear(streamID); err != nil {
			r.logger.WithError(err).WithField("session_id", r.sessionID).Warn("Failed to clear provider audio buffer")
		}
	}

	metrics.IncInterruption()

	r.logger.WithFields(logrus.Fields{
		"session_id": r.sessionID,
		"elapsed_ms": elapsed,
		"item_id":    itemID,
	}).Info("Caller interrupted agent, response truncated")
}
