package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used by tests and the local profile.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok || expired(record, now) {
		record = pendingRecord(key, fingerprint, now, normalizeTTL(ttl))
		s.records[id] = record
		return Reservation{Outcome: OutcomeFresh, Record: record}, nil
	}
	return classify(record, fingerprint)
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	} else if record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = complete(record, resp, now, normalizeTTL(ttl))
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records[id]; ok && record.Fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, record := range s.records {
		if limit > 0 && removed >= limit {
			break
		}
		if !expired(record, now) {
			continue
		}
		delete(s.records, id)
		removed++
	}
	return removed, nil
}
