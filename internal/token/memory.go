package token

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	tok     Token
	used    bool
	rotated bool
}

// MemoryStore is a process-local Store for development and tests. It is not
// shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	active  map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		active:  make(map[string]string),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(t.IssuedAt)
	s.entries[t.ID] = &memEntry{tok: t}
	return nil
}

// Rotate implements Store.
func (s *MemoryStore) Rotate(_ context.Context, t Token, now time.Time) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)

	key := activeKey(t.SubjectID, t.Purpose, t.Context)
	if curID, ok := s.active[key]; ok {
		if cur, ok := s.entries[curID]; ok {
			if !cur.used && !cur.rotated && !cur.tok.RotatedOut(now) && !cur.tok.Expired(now) {
				return cur.tok, nil
			}
			cur.rotated = true
		}
	}
	s.entries[t.ID] = &memEntry{tok: t}
	s.active[key] = t.ID
	return t, nil
}

// Redeem implements Store.
func (s *MemoryStore) Redeem(_ context.Context, id string, purpose Purpose, ctxID string, now time.Time) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	switch {
	case !ok:
		return Token{}, ErrNotFound
	case e.tok.Expired(now):
		delete(s.entries, id)
		return Token{}, ErrExpired
	case e.used:
		return Token{}, ErrAlreadyUsed
	case e.rotated, e.tok.RotatedOut(now):
		return Token{}, ErrExpired
	case e.tok.Purpose != purpose || e.tok.Context != ctxID:
		return Token{}, ErrWrongContext
	}
	e.used = true
	out := e.tok
	out.Redeemed = true
	out.Signed = ""
	return out, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || !e.used || e.rotated {
		return false, nil
	}
	e.used = false
	return true, nil
}

// Len returns the number of retained entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// sweep evicts expired entries, standing in for Redis TTL eviction.
func (s *MemoryStore) sweep(now time.Time) {
	for id, e := range s.entries {
		if e.tok.Expired(now) {
			delete(s.entries, id)
		}
	}
	for key, id := range s.active {
		if _, ok := s.entries[id]; !ok {
			delete(s.active, key)
		}
	}
}
