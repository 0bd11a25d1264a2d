package calllog

import (
	"context"
	"sync"
)

// MemStore is the in-memory [Store] used when no database is configured.
// Records are lost on restart.
type MemStore struct {
	mu       sync.Mutex
	records  map[string]Record
	statuses []StatusEvent
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record)}
}

// CallStarted implements [Store].
func (s *MemStore) CallStarted(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CallID] = rec
	return nil
}

// CallEnded implements [Store]. Missing start records are created on the fly.
func (s *MemStore) CallEnded(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.CallID]
	if !ok {
		s.records[rec.CallID] = rec
		return nil
	}
	existing.CallSID = rec.CallSID
	existing.StreamSID = rec.StreamSID
	existing.EndedAt = rec.EndedAt
	existing.EndReason = rec.EndReason
	s.records[rec.CallID] = existing
	return nil
}

// RecordStatus implements [Store].
func (s *MemStore) RecordStatus(_ context.Context, ev StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, callID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Statuses returns a copy of all recorded status events, in arrival order.
func (s *MemStore) Statuses() []StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusEvent, len(s.statuses))
	copy(out, s.statuses)
	return out
}

// Ping implements [Store]. Memory is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() {}
