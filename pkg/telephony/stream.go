package telephony

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
)

// Media-stream event kinds delivered over the provider websocket
const (
	EventStart = "start"
	EventMedia = "media"
	EventMark  = "mark"
	EventStop  = "stop"
	EventClear = "clear"
)

// StreamEvent is one inbound JSON event from the telephony media stream
type StreamEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload carries stream identifiers from the start event
type StartPayload struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
}

// MediaPayload carries one base64 audio frame. The provider encodes the
// millisecond timestamp as a string.
type MediaPayload struct {
	Track     string      `json:"track,omitempty"`
	Chunk     string      `json:"chunk,omitempty"`
	Timestamp json.Number `json:"timestamp,omitempty"`
	Payload   string      `json:"payload"`
}

// TimestampMs returns the frame timestamp in milliseconds, or 0 when the
// field is missing or malformed
func (m *MediaPayload) TimestampMs() int64 {
	if m == nil {
		return 0
	}
	ts, err := m.Timestamp.Int64()
	if err != nil {
		return 0
	}
	return ts
}

// MarkPayload names a playback acknowledgment token
type MarkPayload struct {
	Name string `json:"name"`
}

// outbound message shapes

type mediaMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaContent `json:"media"`
}

type mediaContent struct {
	Payload string `json:"payload"`
}

type clearMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type markMessage struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

// StreamConn wraps the provider websocket for one call. Reads happen from
// a single loop; writes are serialized by a mutex because media, marks
// and clears can be emitted while the connection is being closed.
type StreamConn struct {
	conn   *websocket.Conn
	logger *logrus.Logger

	writeMutex sync.Mutex
	closeOnce  sync.Once
	closed     bool
}

// NewStreamConn wraps an upgraded websocket connection
func NewStreamConn(conn *websocket.Conn, logger *logrus.Logger) *StreamConn {
	return &StreamConn{
		conn:   conn,
		logger: logger,
	}
}

// ReadEvent blocks for the next stream event. Malformed frames return
// ErrInvalidEvent so the caller can skip them without dropping the call.
func (s *StreamConn) ReadEvent() (*StreamEvent, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(errors.ErrRelayClosed, err.Error())
	}

	var event StreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidEvent, err.Error())
	}

	return &event, nil
}

// SendMedia forwards one base64 audio payload to the telephony side
func (s *StreamConn) SendMedia(streamSid, payload string) error {
	return s.writeJSON(mediaMessage{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     mediaContent{Payload: payload},
	})
}

// SendClear tells the telephony side to flush queued audio
func (s *StreamConn) SendClear(streamSid string) error {
	return s.writeJSON(clearMessage{
		Event:     EventClear,
		StreamSid: streamSid,
	})
}

// SendMark round-trips a playback acknowledgment token
func (s *StreamConn) SendMark(streamSid, name string) error {
	return s.writeJSON(markMessage{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      MarkPayload{Name: name},
	})
}

func (s *StreamConn) writeJSON(v interface{}) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	if s.closed {
		return errors.ErrRelayClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal stream message")
	}

	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the websocket once; later calls are no-ops
func (s *StreamConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMutex.Lock()
		s.closed = true
		s.writeMutex.Unlock()
		err = s.conn.Close()
	})
	return err
}
