package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Store keeps recorded requests, consumed codes and the per-session
// key/value data shared across the steps of a flow.
type Store struct {
	mu       sync.RWMutex
	requests []Request
	consumed map[string]time.Time
	data     map[string]map[string]string
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		consumed: make(map[string]time.Time),
		data:     make(map[string]map[string]string),
	}
}

// NewID generates a random identifier.
func (s *Store) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// Record appends req, assigning its id and timestamp.
func (s *Store) Record(req Request) Request {
	if req.ID == "" {
		req.ID = s.NewID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return req
}

// List returns the requests of a session that carry every tag given, in
// the order they were recorded.
func (s *Store) List(sessionID string, tags ...Tag) []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Request
outer:
	for _, req := range s.requests {
		if req.SessionID != sessionID {
			continue
		}
		for _, t := range tags {
			if !req.HasTag(t) {
				continue outer
			}
		}
		out = append(out, req)
	}
	return out
}

// FindAuthorizationByCode returns the authorization request whose redirect
// carried code.
func (s *Store) FindAuthorizationByCode(code string) (Request, bool) {
	if code == "" {
		return Request{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		req := s.requests[i]
		if !req.HasTag(TagAuthorization) {
			continue
		}
		if loc := req.Location(); loc != nil && loc.Query().Get("code") == code {
			return req, true
		}
	}
	return Request{}, false
}

// ConsumeCode marks code as redeemed. It returns false if the code was
// already redeemed; concurrent callers see exactly one true.
func (s *Store) ConsumeCode(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.consumed[code]; used {
		return false
	}
	s.consumed[code] = time.Now()
	return true
}

// Put stores a session-scoped value.
func (s *Store) Put(sessionID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[sessionID]
	if !ok {
		m = make(map[string]string)
		s.data[sessionID] = m
	}
	m[key] = value
}

// Get fetches a session-scoped value.
func (s *Store) Get(sessionID, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[sessionID][key]
	return v, ok
}

// Append adds value to the newline separated list stored under key. The
// read and the write happen under one lock.
func (s *Store) Append(sessionID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[sessionID]
	if !ok {
		m = make(map[string]string)
		s.data[sessionID] = m
	}
	if cur := m[key]; cur != "" {
		value = cur + "\n" + value
	}
	m[key] = value
}
