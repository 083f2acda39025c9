package feedback

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"feedback-agent/pkg/errors"
)

// MemoryStore is an in-memory session store. Sessions are deep-copied on
// the way in and out so callers never share mutable state with the store.
type MemoryStore struct {
	logger   *logrus.Logger
	mutex    sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Create stores a new session
func (m *MemoryStore) Create(ctx context.Context, session *Session) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return errors.Wrap(errors.ErrAlreadyExists, "session already exists", map[string]interface{}{
			"session_id": session.ID,
		})
	}

	m.sessions[session.ID] = cloneSession(session)

	m.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"booking_id": session.BookingID,
	}).Debug("Session created in memory store")

	return nil
}

// Get returns a copy of the stored session
func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, errors.NewSessionNotFound(id)
	}

	return cloneSession(session), nil
}

// Update applies the mutator to the stored session under the store lock
func (m *MemoryStore) Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, errors.NewSessionNotFound(id)
	}

	updated := cloneSession(session)
	if err := mutate(updated); err != nil {
		return nil, err
	}

	m.sessions[id] = updated
	return cloneSession(updated), nil
}

// Health always succeeds for the in-memory store
func (m *MemoryStore) Health() error {
	return nil
}

// Close releases the stored sessions
func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions = make(map[string]*Session)
	return nil
}

// cloneSession deep-copies a session via JSON round trip. Sessions are
// small, so this stays well off any hot path.
func cloneSession(s *Session) *Session {
	data, err := json.Marshal(s)
	if err != nil {
		// Session contains only marshalable fields
		panic(err)
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
