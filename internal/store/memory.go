package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything under one RWMutex. It is the default
// backend for tests and for running without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	submissions map[string]bool
	counter     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]*Entry),
		submissions: make(map[string]bool),
		counter:     1,
	}
}

func (s *MemoryStore) CreateEntry(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now()
	}
	if err := s.checkNumberLocked(e); err != nil {
		return err
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) UpdateEntry(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.ID]; !ok {
		return ErrNotFound
	}
	if err := s.checkNumberLocked(e); err != nil {
		return err
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) DeleteEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

// checkNumberLocked rejects writes that would duplicate a held number.
func (s *MemoryStore) checkNumberLocked(e *Entry) error {
	if e.SequenceNumber == nil {
		return nil
	}
	for id, other := range s.entries {
		if id == e.ID || other.SequenceNumber == nil {
			continue
		}
		if *other.SequenceNumber == *e.SequenceNumber {
			return ErrDuplicateNumber
		}
	}
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}

	switch status {
	case StatusScheduled:
		sort.Slice(out, func(i, j int) bool {
			ti, tj := out[i].ScheduledTime, out[j].ScheduledTime
			if ti != nil && tj != nil && !ti.Equal(*tj) {
				return ti.Before(*tj)
			}
			return out[i].Number() < out[j].Number()
		})
	case StatusDenied:
		sort.Slice(out, func(i, j int) bool {
			ti, tj := out[i].DecidedAt, out[j].DecidedAt
			if ti != nil && tj != nil {
				return ti.Before(*tj)
			}
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		})
	default:
		sort.Slice(out, func(i, j int) bool {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		})
	}
	return out, nil
}

func (s *MemoryStore) SwapScheduled(ctx context.Context, idA, idB string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.entries[idA]
	if !ok {
		return ErrNotFound
	}
	b, ok := s.entries[idB]
	if !ok {
		return ErrNotFound
	}

	a.SequenceNumber, b.SequenceNumber = b.SequenceNumber, a.SequenceNumber
	a.ScheduledTime, b.ScheduledTime = b.ScheduledTime, a.ScheduledTime
	return nil
}

func (s *MemoryStore) AddSubmission(ctx context.Context, submittedKey, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.submissions[submittedKey] {
		return false, nil
	}
	s.submissions[submittedKey] = true

	e := &Entry{
		ID:          uuid.NewString(),
		Text:        text,
		Status:      StatusPending,
		SubmittedAt: time.Now(),
	}
	if ts, err := time.Parse(time.RFC3339, submittedKey); err == nil {
		e.SubmittedAt = ts
	}
	s.entries[e.ID] = e
	return true, nil
}

func (s *MemoryStore) CleanupDenied(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.Status != StatusDenied || e.DecidedAt == nil {
			continue
		}
		if e.DecidedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		stats[st] = 0
	}
	for _, e := range s.entries {
		stats[e.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) AllocateNext(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.counter
	s.counter++
	return n, nil
}

func (s *MemoryStore) Release(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n != s.counter-1 {
		return ErrInvalidRelease
	}
	s.counter--
	return nil
}

func (s *MemoryStore) ResetCounter(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter = n
	return nil
}

func (s *MemoryStore) CurrentNumber(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
