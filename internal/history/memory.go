package history

import (
	"context"
	"sync"
)

// MemoryStore keeps conversations in process memory
type MemoryStore struct {
	mu    sync.RWMutex
	max   int
	convs map[string][]Message
}

// NewMemoryStore creates a store bounded to maxMessages per conversation
func NewMemoryStore(maxMessages int) *MemoryStore {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &MemoryStore{
		max:   maxMessages,
		convs: make(map[string][]Message),
	}
}

// Load returns a copy of the conversation
func (s *MemoryStore) Load(ctx context.Context, key string) ([]Message, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.convs[key]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Append adds messages and drops the oldest beyond the bound
func (s *MemoryStore) Append(ctx context.Context, key string, msgs ...Message) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := append(s.convs[key], msgs...)
	if len(conv) > s.max {
		conv = append([]Message(nil), conv[len(conv)-s.max:]...)
	}
	s.convs[key] = conv
	return nil
}

// Delete drops the conversation
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	s.mu.Lock()
	delete(s.convs, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored conversations
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs)
}
