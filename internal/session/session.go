package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a conversation message
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Session holds the conversation state for one logical conversation.
// It is keyed by an opaque id and may outlive any single connection.
type Session struct {
	ID string

	mu         sync.Mutex
	messages   []Message
	maxHistory int
	createdAt  time.Time
	lastActive time.Time
	busy       bool
}

func newSession(id string, maxHistory int) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		maxHistory: maxHistory,
		createdAt:  now,
		lastActive: now,
	}
}

// AddMessage appends a message and trims history to the newest
// maxHistory entries, oldest dropped first.
func (s *Session) AddMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.maxHistory {
		s.messages = append([]Message(nil), s.messages[len(s.messages)-s.maxHistory:]...)
	}
	s.lastActive = time.Now()
}

// Messages returns a copy of the conversation history
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the number of messages in history
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear empties the message list. The session itself stays alive.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.lastActive = time.Now()
}

// Touch refreshes the activity timestamp
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// LastActive returns the last activity timestamp
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// CreatedAt returns the creation timestamp
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// TryBegin atomically marks the session busy. It fails if a generation
// is already in flight; the caller must reject, not queue.
func (s *Session) TryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	s.lastActive = time.Now()
	return true
}

// End clears the busy flag after a generation finished, failed or was
// cancelled.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.lastActive = time.Now()
}

// Busy reports whether a generation is in flight for this session
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// GenerateID returns a new opaque session id
func GenerateID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
