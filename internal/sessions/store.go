package sessions

import (
	"sync"
	"time"
)

// Store holds active sessions plus an archive of terminated sessions kept
// for audit and report lookup. It is an injected dependency of the matching
// engine and the relay router, never global state. The store lock covers the
// maps only; per-session mutation is serialized by each Session's own mutex,
// so unrelated sessions never contend.
type Store struct {
	mu         sync.RWMutex
	active     map[string]*Session
	archive    map[string]*Session
	byIdentity map[string]string // identity -> active session ID
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		active:     make(map[string]*Session),
		archive:    make(map[string]*Session),
		byIdentity: make(map[string]string),
	}
}

// Add registers a freshly created session and binds both participant
// identities to it.
func (st *Store) Add(s *Session) {
	st.mu.Lock()
	st.active[s.ID] = s
	st.byIdentity[s.Participants[0].Identity] = s.ID
	st.byIdentity[s.Participants[1].Identity] = s.ID
	st.mu.Unlock()
}

// Get returns the session by ID, looking at active sessions first and then
// the archive. Report lookup against ended sessions goes through here.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if s, ok := st.active[id]; ok {
		return s, true
	}
	s, ok := st.archive[id]
	return s, ok
}

// GetActive returns the session by ID only if it is still active in the
// store's index.
func (st *Store) GetActive(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.active[id]
	return s, ok
}

// ActiveForIdentity returns the identity's current session, if any. This is
// the idempotent "what is my session" lookup behind refresh_session.
func (st *Store) ActiveForIdentity(identity string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byIdentity[identity]
	if !ok {
		return nil, false
	}
	s, ok := st.active[id]
	return s, ok
}

// End terminates the session with the given reason, moves it to the archive
// and unbinds both identities. It returns the session and whether this call
// performed the transition; a second End on the same session returns false,
// so exactly one caller owns the termination notifications.
func (st *Store) End(id, reason string, now time.Time) (*Session, bool) {
	st.mu.Lock()
	s, ok := st.active[id]
	if !ok {
		st.mu.Unlock()
		// Already archived or unknown: no transition to perform.
		s, ok = st.archive[id]
		return s, false
	}
	st.mu.Unlock()

	// Flip the state machine outside the store lock; the session's own mutex
	// serializes against concurrent Append.
	if !s.End(reason, now) {
		return s, false
	}

	st.mu.Lock()
	delete(st.active, id)
	st.archive[id] = s
	for _, p := range s.Participants {
		if st.byIdentity[p.Identity] == id {
			delete(st.byIdentity, p.Identity)
		}
	}
	st.mu.Unlock()
	return s, true
}

// ReapIdle ends every active session whose last activity is older than
// window, with reason timeout, and returns the sessions it terminated.
func (st *Store) ReapIdle(window time.Duration, now time.Time, reason string) []*Session {
	st.mu.RLock()
	candidates := make([]*Session, 0)
	for _, s := range st.active {
		candidates = append(candidates, s)
	}
	st.mu.RUnlock()

	cutoff := now.Add(-window)
	var reaped []*Session
	for _, s := range candidates {
		if s.LastActivity().Before(cutoff) {
			if ended, ok := st.End(s.ID, reason, now); ok {
				reaped = append(reaped, ended)
			}
		}
	}
	return reaped
}

// ActiveCount returns the number of active sessions.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.active)
}

// ActiveSessions returns a snapshot of all active sessions.
func (st *Store) ActiveSessions() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.active))
	for _, s := range st.active {
		out = append(out, s)
	}
	return out
}
