package auth

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SessionStore is the in-process session table.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
}

// NewSessionStore creates an empty table.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// Put inserts a session.
func (s *SessionStore) Put(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := sess.clone()
	s.sessions[sess.ID] = &stored
	ids, ok := s.byUser[sess.UserID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[sess.UserID] = ids
	}
	ids[sess.ID] = struct{}{}
}

// Get returns the session without touching it.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Touch validates the session at now and slides its expiry to now+ttl.
// Expired sessions are purged and reported as ErrSessionExpired. Expiry
// never moves backwards.
func (s *SessionStore) Touch(id string, now time.Time, ttl time.Duration) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	if !sess.Active {
		s.removeLocked(id)
		return Session{}, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	if sess.Expired(now) {
		expired := sess.clone()
		s.removeLocked(id)
		return expired, fmt.Errorf("%w: %q", ErrSessionExpired, id)
	}
	if next := now.Add(ttl); next.After(sess.ExpiresAt) {
		sess.ExpiresAt = next
	}
	sess.LastSeen = now
	return sess.clone(), nil
}

// Remove deletes one session.
func (s *SessionStore) Remove(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	out := sess.clone()
	out.Active = false
	s.removeLocked(id)
	return out, true
}

// RemoveUser deletes every session owned by userID.
func (s *SessionStore) RemoveUser(userID string) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for id := range s.byUser[userID] {
		if sess, ok := s.sessions[id]; ok {
			removed := sess.clone()
			removed.Active = false
			out = append(out, removed)
		}
		s.removeLocked(id)
	}
	return out
}

// Sweep purges every session expired at now.
func (s *SessionStore) Sweep(now time.Time) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for id, sess := range s.sessions {
		if !sess.Active || sess.Expired(now) {
			out = append(out, sess.clone())
			s.removeLocked(id)
		}
	}
	return out
}

// ForUser lists the sessions of userID, oldest first.
func (s *SessionStore) ForUser(userID string) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.byUser[userID]))
	for id := range s.byUser[userID] {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

// Len reports the table size.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) removeLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if ids := s.byUser[sess.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
}
