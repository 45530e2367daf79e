package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps transfer records in a mutex-guarded map. Suited to
// single-instance deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]*Transfer
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[uuid.UUID]*Transfer)}
}

// Create persists a new record. Ids are never reused.
func (s *MemoryStore) Create(ctx context.Context, t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.transfers[t.ID]; exists {
		return fmt.Errorf("transfer %s already exists", t.ID)
	}
	s.transfers[t.ID] = t.Clone()
	return nil
}

// Get returns a copy of the record, or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Update runs apply on a copy under the store lock and persists the result
// when apply succeeds.
func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, apply func(*Transfer) error) (*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	s.transfers[id] = next
	return next.Clone(), nil
}

// List returns records, newest first, optionally filtered by agent id.
func (s *MemoryStore) List(ctx context.Context, agentID string, limit int) ([]*Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
