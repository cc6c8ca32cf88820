package mcp

import (
	"fmt"
	"sync"
)

// Session hands out short references (R1, R2, ...) for records an agent has
// seen in this session, so later calls can name them without the full temp ID.
type Session struct {
	mu      sync.Mutex
	refs    map[string]string // session ref -> temp ID
	reverse map[string]string // temp ID -> session ref
	counter int
}

// NewSession creates an empty session.
func NewSession() *Session {
	return &Session{
		refs:    make(map[string]string),
		reverse: make(map[string]string),
	}
}

// Track returns the session reference for tempID, assigning the next one
// if the record has not been seen yet.
func (s *Session) Track(tempID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.reverse[tempID]; ok {
		return ref
	}

	s.counter++
	ref := fmt.Sprintf("R%d", s.counter)
	s.refs[ref] = tempID
	s.reverse[tempID] = ref
	return ref
}

// Resolve converts a session reference to a temp ID.
func (s *Session) Resolve(ref string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempID, ok := s.refs[ref]
	return tempID, ok
}

// Lookup returns a session reference when it is one, and otherwise treats
// the input as a temp ID.
func (s *Session) Lookup(refOrID string) string {
	if tempID, ok := s.Resolve(refOrID); ok {
		return tempID
	}
	return refOrID
}

// All returns a copy of all tracked references.
func (s *Session) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string]string, len(s.refs))
	for ref, id := range s.refs {
		result[ref] = id
	}
	return result
}

// Clear resets the session, including the counter.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]string)
	s.reverse = make(map[string]string)
	s.counter = 0
}
