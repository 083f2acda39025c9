package relay

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedback-agent/pkg/errors"
	"feedback-agent/pkg/feedback"
	"feedback-agent/pkg/realtime"
	"feedback-agent/pkg/telephony"
)

type fakeStream struct {
	mu        sync.Mutex
	events    chan *telephony.StreamEvent
	media     []string
	marks     []string
	clears    int
	onMark    func()
	markErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan *telephony.StreamEvent, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) ReadEvent() (*telephony.StreamEvent, error) {
	select {
	case <-f.closed:
		return nil, errors.ErrRelayClosed
	case event, ok := <-f.events:
		if !ok {
			return nil, errors.ErrRelayClosed
		}
		return event, nil
	}
}

func (f *fakeStream) SendMedia(streamSid, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, payload)
	return nil
}

func (f *fakeStream) SendClear(streamSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeStream) SendMark(streamSid, name string) error {
	f.mu.Lock()
	f.marks = append(f.marks, name)
	hook := f.onMark
	err := f.markErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeStream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeStream) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

func (f *fakeStream) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

type truncation struct {
	itemID     string
	audioEndMs int64
}

type functionResult struct {
	callID string
	output string
}

type fakeAgent struct {
	mu        sync.Mutex
	events    chan *realtime.ServerEvent
	appended  []string
	truncs    []truncation
	results   []functionResult
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		events: make(chan *realtime.ServerEvent, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeAgent) ReadEvent() (*realtime.ServerEvent, error) {
	select {
	case <-f.closed:
		return nil, errors.ErrRelayClosed
	case event, ok := <-f.events:
		if !ok {
			return nil, errors.ErrRelayClosed
		}
		return event, nil
	}
}

func (f *fakeAgent) AppendAudio(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, payload)
	return nil
}

func (f *fakeAgent) Truncate(itemID string, audioEndMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncs = append(f.truncs, truncation{itemID: itemID, audioEndMs: audioEndMs})
	return nil
}

func (f *fakeAgent) SendFunctionResult(callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, functionResult{callID: callID, output: output})
	return nil
}

func (f *fakeAgent) IsOpen() bool {
	select {
	case <-f.closed:
		return false
	default:
		return true
	}
}

func (f *fakeAgent) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeAgent) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeAgent) truncations() []truncation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]truncation, len(f.truncs))
	copy(out, f.truncs)
	return out
}

func (f *fakeAgent) functionResults() []functionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]functionResult, len(f.results))
	copy(out, f.results)
	return out
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func testConfig() Config {
	return Config{
		TerminationGrace: 50 * time.Millisecond,
		MaxCallDuration:  10 * time.Second,
	}
}

func startEvent(streamSid string) *telephony.StreamEvent {
	return &telephony.StreamEvent{
		Event: telephony.EventStart,
		Start: &telephony.StartPayload{StreamSid: streamSid, CallSid: "CA123"},
	}
}

func mediaEvent(timestampMs, payload string) *telephony.StreamEvent {
	return &telephony.StreamEvent{
		Event: telephony.EventMedia,
		Media: &telephony.MediaPayload{
			Timestamp: json.Number(timestampMs),
			Payload:   payload,
		},
	}
}

func runRelay(t *testing.T, stream *fakeStream, agent *fakeAgent, cfg Config) chan *Result {
	t.Helper()
	results := make(chan *Result, 1)
	go func() {
		results <- New("task_test12345", stream, agent, cfg, testLogger()).Run()
	}()
	return results
}

func waitResult(t *testing.T, results chan *Result) *Result {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish in time")
		return nil
	}
}

func TestRelayForwardsCallerAudio(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	stream.events <- startEvent("MZ001")
	for i := 0; i < 5; i++ {
		stream.events <- mediaEvent("100", "chunk")
	}

	require.Eventually(t, func() bool {
		return agent.appendedCount() == 5
	}, 2*time.Second, 5*time.Millisecond)

	stream.Close()
	result := waitResult(t, results)

	assert.Empty(t, result.Transcript)
	assert.False(t, result.ConversationEnded)
	assert.False(t, result.MaxDurationReached)
}

func TestRelayTranscriptOrdering(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	agent.events <- &realtime.ServerEvent{Type: realtime.EventAgentTranscriptDone, Transcript: "Hi! How was your stay?"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "It was great."}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventAgentTranscriptDone, Transcript: "Anything we could improve?"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "The WiFi was slow."}

	require.Eventually(t, func() bool {
		return len(agent.events) == 0
	}, 2*time.Second, 5*time.Millisecond)

	agent.Close()
	result := waitResult(t, results)

	require.Len(t, result.Transcript, 4)
	assert.Equal(t, feedback.RoleAgent, result.Transcript[0].Role)
	assert.Equal(t, feedback.RoleUser, result.Transcript[1].Role)
	assert.Equal(t, "It was great.", result.Transcript[1].Content)
	assert.Equal(t, "The WiFi was slow.", result.Transcript[3].Content)
}

func TestRelayDropsEmptyUserTranscript(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "   \n"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "Real feedback"}

	require.Eventually(t, func() bool {
		return len(agent.events) == 0
	}, 2*time.Second, 5*time.Millisecond)

	agent.Close()
	result := waitResult(t, results)

	require.Len(t, result.Transcript, 1)
	assert.Equal(t, "Real feedback", result.Transcript[0].Content)
}

func TestRelayInterruptionTruncatesElapsedPlayback(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	stream.events <- startEvent("MZ001")
	stream.events <- mediaEvent("3000", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	agent.events <- &realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "agent-audio", ItemID: "item_abc"}
	require.Eventually(t, func() bool { return stream.mediaCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	stream.events <- mediaEvent("5000", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	agent.events <- &realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	require.Eventually(t, func() bool { return len(agent.truncations()) == 1 }, 2*time.Second, 5*time.Millisecond)

	trunc := agent.truncations()[0]
	assert.Equal(t, "item_abc", trunc.itemID)
	assert.Equal(t, int64(2000), trunc.audioEndMs)
	assert.Equal(t, 1, stream.clearCount())

	// With marks and playback state cleared, another barge-in is a no-op
	agent.events <- &realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "done"}
	require.Eventually(t, func() bool { return len(agent.events) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, agent.truncations(), 1)

	stream.Close()
	agent.Close()
	waitResult(t, results)
}

func TestRelayInterruptionWithoutPlaybackIsNoop(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	stream.events <- startEvent("MZ001")
	agent.events <- &realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "hello"}

	require.Eventually(t, func() bool { return len(agent.events) == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, agent.truncations())
	assert.Equal(t, 0, stream.clearCount())

	agent.Close()
	waitResult(t, results)
}

func TestRelayTerminationSequence(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	cfg := testConfig()
	results := runRelay(t, stream, agent, cfg)

	stream.events <- startEvent("MZ001")

	agent.events <- &realtime.ServerEvent{Type: realtime.EventAgentTranscriptDone, Transcript: "Thanks for your time!"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "Goodbye."}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventFunctionCallDone, Name: realtime.EndConversationTool, CallID: "call_42"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventResponseDone}

	started := time.Now()
	result := waitResult(t, results)
	elapsed := time.Since(started)

	assert.True(t, result.ConversationEnded)
	require.Len(t, result.Transcript, 2)

	// Shutdown waits out the grace period before dropping connections
	assert.GreaterOrEqual(t, elapsed, cfg.TerminationGrace)

	acks := agent.functionResults()
	require.Len(t, acks, 1)
	assert.Equal(t, "call_42", acks[0].callID)
	assert.JSONEq(t, `{"status":"conversation_ended"}`, acks[0].output)

	assert.False(t, agent.IsOpen())
}

func TestRelayResponseDoneWithoutEndRequestContinues(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	agent.events <- &realtime.ServerEvent{Type: realtime.EventResponseDone}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "still talking"}

	require.Eventually(t, func() bool { return len(agent.events) == 0 }, 2*time.Second, 5*time.Millisecond)

	agent.Close()
	result := waitResult(t, results)

	assert.False(t, result.ConversationEnded)
	require.Len(t, result.Transcript, 1)
}

func TestRelayIgnoresUnknownFunctionCall(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	agent.events <- &realtime.ServerEvent{Type: realtime.EventFunctionCallDone, Name: "book_room", CallID: "call_7"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventResponseDone}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "hm"}

	require.Eventually(t, func() bool { return len(agent.events) == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, agent.functionResults())

	agent.Close()
	result := waitResult(t, results)
	assert.False(t, result.ConversationEnded)
}

func TestRelayMaxDurationCeiling(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	cfg := Config{
		TerminationGrace: 50 * time.Millisecond,
		MaxCallDuration:  100 * time.Millisecond,
	}
	results := runRelay(t, stream, agent, cfg)

	result := waitResult(t, results)

	assert.True(t, result.MaxDurationReached)
	assert.False(t, agent.IsOpen())
}

func TestRelayStartResetsStreamState(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	stream.events <- startEvent("MZ001")
	stream.events <- mediaEvent("9000", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A fresh start event rebaselines the caller clock; the media event
	// behind it proves the reset has been applied
	stream.events <- startEvent("MZ002")
	stream.events <- mediaEvent("1500", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	agent.events <- &realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "a", ItemID: "item_1"}
	require.Eventually(t, func() bool { return stream.mediaCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	stream.events <- mediaEvent("2500", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	agent.events <- &realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	require.Eventually(t, func() bool { return len(agent.truncations()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1000), agent.truncations()[0].audioEndMs)

	stream.Close()
	agent.Close()
	waitResult(t, results)
}

func TestRelayRebaselinesPlaybackOnNewUtterance(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	stream.events <- startEvent("MZ001")
	stream.events <- mediaEvent("1000", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// First answer starts playing while the caller clock reads 1000
	agent.events <- &realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "first", ItemID: "item_1"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventResponseDone}
	require.Eventually(t, func() bool { return stream.mediaCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The caller listens for a while before the next answer begins
	stream.events <- mediaEvent("5000", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	agent.events <- &realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "second", ItemID: "item_2"}
	require.Eventually(t, func() bool { return stream.mediaCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	stream.events <- mediaEvent("6000", "caller")
	require.Eventually(t, func() bool { return agent.appendedCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	agent.events <- &realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	require.Eventually(t, func() bool { return len(agent.truncations()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Elapsed counts from where the second utterance began, not the first
	trunc := agent.truncations()[0]
	assert.Equal(t, "item_2", trunc.itemID)
	assert.Equal(t, int64(1000), trunc.audioEndMs)

	stream.Close()
	agent.Close()
	waitResult(t, results)
}

func TestRelayKeepsWhitespaceAgentTranscript(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	results := runRelay(t, stream, agent, testConfig())

	agent.events <- &realtime.ServerEvent{Type: realtime.EventAgentTranscriptDone, Transcript: "  \n"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "  \n"}
	agent.events <- &realtime.ServerEvent{Type: realtime.EventUserTranscriptDone, Transcript: "Fine."}

	require.Eventually(t, func() bool {
		return len(agent.events) == 0
	}, 2*time.Second, 5*time.Millisecond)

	agent.Close()
	result := waitResult(t, results)

	// Only caller turns get the no-speech filter
	require.Len(t, result.Transcript, 2)
	assert.Equal(t, feedback.RoleAgent, result.Transcript[0].Role)
	assert.Equal(t, "  \n", result.Transcript[0].Content)
	assert.Equal(t, "Fine.", result.Transcript[1].Content)
}

func TestRelayMarkQueuedBeforeSend(t *testing.T) {
	stream := newFakeStream()
	agent := newFakeAgent()
	r := New("task_test12345", stream, agent, testConfig(), testLogger())

	r.mutex.Lock()
	r.streamID = "MZ001"
	r.mutex.Unlock()

	var depthAtSend int
	stream.onMark = func() {
		r.mutex.Lock()
		depthAtSend = len(r.pendingMarks)
		r.mutex.Unlock()
	}

	r.handleAudioDelta(&realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "a", ItemID: "item_1"})

	// The mark token is on the queue by the time it reaches the wire
	assert.Equal(t, 1, depthAtSend)

	// A failed send takes its token back
	stream.markErr = errors.ErrRelayClosed
	r.handleAudioDelta(&realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "b", ItemID: "item_1"})

	r.mutex.Lock()
	depth := len(r.pendingMarks)
	r.mutex.Unlock()
	assert.Equal(t, 1, depth)
}
