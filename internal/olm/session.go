package olm

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// PairSession is an opaque pairwise (1:1) ratcheting session. The underlying
// state is not safe for concurrent use; every method holds the handle lock.
type PairSession struct {
	mu       sync.Mutex
	id       string
	state    []byte
	released bool
}

// NewPairSession creates a fresh pairwise session with a random identifier.
func NewPairSession() (*PairSession, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	return &PairSession{id: id, state: []byte{}}, nil
}

// ID derives the session identifier from the underlying state.
// Returns ErrInvalidSession if the state is unusable or released.
func (s *PairSession) ID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.id == "" {
		return "", ErrInvalidSession
	}
	return s.id, nil
}

// Pickle serializes the whole session state atomically.
func (s *PairSession) Pickle() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	return json.Marshal(pickledSession{ID: s.id, State: s.state})
}

// Release frees the underlying state. Owned by the Arena.
func (s *PairSession) Release() {
	s.mu.Lock()
	s.released = true
	s.state = nil
	s.mu.Unlock()
}

// UnpicklePairSession restores a session from a Pickle blob.
func UnpicklePairSession(data []byte) (*PairSession, error) {
	var p pickledSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle pair session: %w", err)
	}
	if p.ID == "" {
		return nil, ErrInvalidSession
	}
	return &PairSession{id: p.ID, state: p.State}, nil
}

// InboundGroupSession is an opaque inbound group-ratchet session.
type InboundGroupSession struct {
	mu         sync.Mutex
	id         string
	state      []byte
	firstIndex uint32
	released   bool
}

// NewInboundGroupSession creates an inbound session from an exported session
// key. The session id is carried inside the key material.
func NewInboundGroupSession(sessionID string, sessionKey string, firstIndex uint32) (*InboundGroupSession, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	return &InboundGroupSession{id: sessionID, state: []byte(sessionKey), firstIndex: firstIndex}, nil
}

// ID derives the session identifier, or ErrInvalidSession.
func (s *InboundGroupSession) ID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.id == "" {
		return "", ErrInvalidSession
	}
	return s.id, nil
}

// FirstKnownIndex returns the earliest ratchet index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstIndex
}

// Pickle serializes the whole session state atomically.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	return json.Marshal(pickledGroupSession{ID: s.id, State: s.state, Index: s.firstIndex})
}

// Release frees the underlying state. Owned by the Arena.
func (s *InboundGroupSession) Release() {
	s.mu.Lock()
	s.released = true
	s.state = nil
	s.mu.Unlock()
}

// UnpickleInboundGroupSession restores a session from a Pickle blob.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	var p pickledGroupSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle inbound group session: %w", err)
	}
	if p.ID == "" {
		return nil, ErrInvalidSession
	}
	return &InboundGroupSession{id: p.ID, state: p.State, firstIndex: p.Index}, nil
}

// OutboundGroupSession is an opaque outbound group-ratchet session.
type OutboundGroupSession struct {
	mu       sync.Mutex
	id       string
	state    []byte
	index    uint32
	released bool
}

// NewOutboundGroupSession creates a fresh outbound session.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("olm: outbound session key: %w", err)
	}
	return &OutboundGroupSession{id: id, state: key}, nil
}

// ID derives the session identifier, or ErrInvalidSession.
func (s *OutboundGroupSession) ID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || s.id == "" {
		return "", ErrInvalidSession
	}
	return s.id, nil
}

// MessageIndex returns the current ratchet index.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// SessionKey exports the current ratchet state for sharing with a device.
func (s *OutboundGroupSession) SessionKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", ErrReleased
	}
	return base64.RawStdEncoding.EncodeToString(s.state), nil
}

// Advance moves the ratchet forward by one message.
func (s *OutboundGroupSession) Advance() {
	s.mu.Lock()
	s.index++
	s.mu.Unlock()
}

// Pickle serializes the whole session state atomically.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	return json.Marshal(pickledGroupSession{ID: s.id, State: s.state, Index: s.index})
}

// Release frees the underlying state. Owned by the Arena.
func (s *OutboundGroupSession) Release() {
	s.mu.Lock()
	s.released = true
	s.state = nil
	s.mu.Unlock()
}

// UnpickleOutboundGroupSession restores a session from a Pickle blob.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	var p pickledGroupSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle outbound group session: %w", err)
	}
	if p.ID == "" {
		return nil, ErrInvalidSession
	}
	return &OutboundGroupSession{id: p.ID, state: p.State, index: p.Index}, nil
}

type pickledSession struct {
	ID    string `json:"id"`
	State []byte `json:"state"`
}

type pickledGroupSession struct {
	ID    string `json:"id"`
	State []byte `json:"state"`
	Index uint32 `json:"index"`
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("olm: random id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
