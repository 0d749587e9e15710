package tokenstore

import (
	"context"
	"sync"

	"github.com/calvoice/calvoice/internal/gauth"
)

// MemoryStore keeps credentials for the process lifetime only. Used for
// development and tests; a restart requires re-consent.
type MemoryStore struct {
	mu    sync.RWMutex
	tok   gauth.Token
	valid bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(_ context.Context, tok gauth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
	s.valid = true
	return nil
}

func (s *MemoryStore) Load(context.Context) (gauth.Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok, s.valid, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = gauth.Token{}
	s.valid = false
	return nil
}

func (s *MemoryStore) Close() error { return nil }
