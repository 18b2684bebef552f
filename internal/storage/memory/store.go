package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/llm-proxier/internal/storage"
)

var errClosed = errors.New("memory store closed")

// Store is an in-memory implementation of storage.LogStore
type Store struct {
	mu      sync.RWMutex
	entries []*storage.Interaction
	nextID  int64
	closed  bool
}

var _ storage.LogStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{nextID: 1}
}

func (s *Store) Append(ctx context.Context, rec *storage.Interaction) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}

	rec.ID = s.nextID
	rec.Timestamp = time.Now().UTC()
	s.nextID++

	stored := *rec
	s.entries = append(s.entries, &stored)
	return rec.ID, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*storage.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.ID == id {
			out := *e
			return &out, nil
		}
	}
	return nil, fmt.Errorf("interaction %d: %w", id, storage.ErrNotFound)
}

// Entries returns a snapshot of every stored interaction in insertion order.
func (s *Store) Entries() []storage.Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Interaction, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of stored interactions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
