package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type windowEntry struct {
	score  int64 // unix millis
	member string
}

type flagRecord struct {
	expiresAt time.Time
}

type valueRecord struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is the in-process implementation of Store. It mirrors the
// Redis semantics exactly (prune, then mutate, then count) so the two
// backends are interchangeable in tests, and it serves as the fallback
// cache during store outages. It is never authoritative across
// instances.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]windowEntry
	flags   map[string]flagRecord
	values  map[string]valueRecord
	seq     uint64
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]windowEntry),
		flags:   make(map[string]flagRecord),
		values:  make(map[string]valueRecord),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// SetClock overrides the wall clock; tests use this to roll windows
// deterministically. Only affects flag and value expiry checks made
// without an explicit now argument.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// StartSweeper launches a periodic sweep that reclaims expired state,
// keeping the fallback cache bounded during long outages.
func (s *MemoryStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, rec := range s.flags {
		if now.After(rec.expiresAt) {
			delete(s.flags, key)
		}
	}
	for key, rec := range s.values {
		if now.After(rec.expiresAt) {
			delete(s.values, key)
		}
	}
	// Window sets self-prune on access; drop sets that have gone fully
	// quiet for over an hour.
	cutoff := now.Add(-time.Hour).UnixMilli()
	for key, entries := range s.windows {
		if len(entries) == 0 || entries[len(entries)-1].score < cutoff {
			delete(s.windows, key)
		}
	}
}

// prune drops entries with score < now-window. Caller holds the lock.
func (s *MemoryStore) prune(key string, now time.Time, window time.Duration) []windowEntry {
	cutoff := now.UnixMilli() - window.Milliseconds()
	entries := s.windows[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.score >= cutoff {
			kept = append(kept, e)
		}
	}
	s.windows[key] = kept
	return kept
}

func (s *MemoryStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration) (AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(key, now, window)
	s.seq++
	member := fmt.Sprintf("%d-%d", now.UnixMicro(), s.seq)
	s.windows[key] = append(s.windows[key], windowEntry{score: now.UnixMilli(), member: member})

	entries := s.windows[key]
	oldest := entries[0].score
	for _, e := range entries {
		if e.score < oldest {
			oldest = e.score
		}
	}
	return AdmitResult{
		Count:  int64(len(entries)),
		Oldest: time.UnixMilli(oldest),
		Member: member,
	}, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.windows[key]
	for i, e := range entries {
		if e.member == member {
			s.windows[key] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Observe(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.prune(key, now, window)
	for i, e := range entries {
		if e.member == member {
			entries[i].score = now.UnixMilli()
			return int64(len(entries)), nil
		}
	}
	s.windows[key] = append(entries, windowEntry{score: now.UnixMilli(), member: member})
	return int64(len(s.windows[key])), nil
}

func (s *MemoryStore) Cardinality(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.prune(key, now, window))), nil
}

func (s *MemoryStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = flagRecord{expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) FlagTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.flags[key]
	if !ok {
		return 0, false, nil
	}
	remaining := rec.expiresAt.Sub(s.now())
	if remaining <= 0 {
		delete(s.flags, key)
		return 0, false, nil
	}
	return remaining, true, nil
}

func (s *MemoryStore) ClearFlag(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
	return nil
}

func (s *MemoryStore) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make([]byte, len(value))
	copy(data, value)
	s.values[key] = valueRecord{data: data, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.values[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(rec.expiresAt) {
		delete(s.values, key)
		return nil, nil
	}
	return rec.data, nil
}

func (s *MemoryStore) DeleteValue(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
