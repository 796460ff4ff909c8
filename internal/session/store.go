package session

import (
	"errors"
	"sync"
	"time"

	"github.com/codefionn/chatrelay/internal/logger"
)

// ErrCapacity is returned when the store is full and a new session
// would have to be created.
var ErrCapacity = errors.New("session store at capacity")

const sweepPeriod = 30 * time.Second

// Store owns every session. Lookups go through the opaque session id,
// never through connection identity.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl         time.Duration
	maxSessions int
	maxHistory  int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a session store. Run must be called to start the
// eviction sweep.
func NewStore(ttl time.Duration, maxSessions, maxHistory int) *Store {
	return &Store{
		sessions:    make(map[string]*Session),
		ttl:         ttl,
		maxSessions: maxSessions,
		maxHistory:  maxHistory,
		stop:        make(chan struct{}),
	}
}

// Run starts the periodic eviction sweep and blocks until Stop is
// called.
func (st *Store) Run() {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := st.EvictExpired(); n > 0 {
				logger.Info("Evicted %d expired session(s), %d remaining", n, st.Len())
			}
		case <-st.stop:
			return
		}
	}
}

// Stop terminates the eviction sweep
func (st *Store) Stop() {
	st.stopOnce.Do(func() { close(st.stop) })
}

// GetOrCreate returns the session for id, creating it when unknown.
// An empty id mints a fresh one. Creation fails with ErrCapacity when
// the store is full; existing sessions are never evicted to make room.
func (st *Store) GetOrCreate(id string) (*Session, error) {
	if id != "" {
		st.mu.RLock()
		sess, ok := st.sessions[id]
		st.mu.RUnlock()
		if ok {
			sess.Touch()
			return sess, nil
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Re-check under the write lock; another connection may have
	// created the same id meanwhile.
	if id != "" {
		if sess, ok := st.sessions[id]; ok {
			sess.Touch()
			return sess, nil
		}
	}

	if len(st.sessions) >= st.maxSessions {
		return nil, ErrCapacity
	}

	if id == "" {
		id = GenerateID()
	}
	sess := newSession(id, st.maxHistory)
	st.sessions[id] = sess

	logger.Session(id).Info("Session created (total=%d)", len(st.sessions))
	return sess, nil
}

// Get returns the session for id without creating one
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	return sess, ok
}

// Len returns the number of live sessions
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// EvictExpired removes sessions idle longer than the TTL and returns
// how many were dropped. Busy sessions are skipped: their eviction is
// deferred until End refreshes the timestamp and a later sweep sees
// them idle again.
func (st *Store) EvictExpired() int {
	now := time.Now()

	// Collect candidates under the read lock; the exclusive section
	// below only removes entries.
	st.mu.RLock()
	var expired []*Session
	for _, sess := range st.sessions {
		if sess.Busy() {
			continue
		}
		if now.Sub(sess.LastActive()) > st.ttl {
			expired = append(expired, sess)
		}
	}
	st.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	evicted := 0
	st.mu.Lock()
	for _, sess := range expired {
		// A session may have been touched or begun a generation
		// between the two locks.
		if sess.Busy() || now.Sub(sess.LastActive()) <= st.ttl {
			continue
		}
		delete(st.sessions, sess.ID)
		evicted++
		logger.Session(sess.ID).Info("Session evicted after %v idle", now.Sub(sess.LastActive()).Round(time.Second))
	}
	st.mu.Unlock()

	return evicted
}
