package realtime

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
)

// Conn is one live connection to the realtime endpoint. Reads come from a
// single loop; writes arrive from both relay loops (audio appends from the
// inbound loop, tool results and truncations from the outbound loop) and
// are serialized by a mutex.
type Conn struct {
	conn   *websocket.Conn
	logger *logrus.Logger

	writeMutex sync.Mutex
	closeOnce  sync.Once

	stateMutex sync.RWMutex
	open       bool
}

func newConn(ws *websocket.Conn, logger *logrus.Logger) *Conn {
	return &Conn{
		conn:   ws,
		logger: logger,
		open:   true,
	}
}

// IsOpen reports whether the connection has not been closed locally
func (c *Conn) IsOpen() bool {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.open
}

// ReadEvent blocks for the next server event. A decode failure returns
// ErrInvalidEvent; a transport failure returns ErrRelayClosed.
func (c *Conn) ReadEvent() (*ServerEvent, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.markClosed()
		return nil, errors.Wrap(errors.ErrRelayClosed, err.Error())
	}

	var event ServerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidEvent, err.Error())
	}

	return &event, nil
}

// AppendAudio forwards one base64 payload of caller audio
func (c *Conn) AppendAudio(payload string) error {
	return c.writeJSON(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	})
}

// Truncate tells the endpoint how much of an in-flight response the
// caller actually heard, so the remainder is dropped from model context
func (c *Conn) Truncate(itemID string, audioEndMs int64) error {
	return c.writeJSON(map[string]interface{}{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  audioEndMs,
	})
}

// SendFunctionResult acknowledges a tool invocation so the model can
// finish its turn knowing the call was accepted
func (c *Conn) SendFunctionResult(callID, output string) error {
	return c.writeJSON(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (c *Conn) writeJSON(v interface{}) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if !c.IsOpen() {
		return errors.ErrRelayClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal realtime message")
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) markClosed() {
	c.stateMutex.Lock()
	c.open = false
	c.stateMutex.Unlock()
}

// Close closes the websocket once; later calls are no-ops
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.markClosed()
		err = c.conn.Close()
	})
	return err
}
