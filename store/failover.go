package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// degradedLogInterval caps outage logging to once per interval per key,
// so a long Redis outage does not produce a log storm.
const degradedLogInterval = time.Minute

// FailoverStore routes every call to the primary (distributed) store
// and degrades to the in-process cache when the primary is unreachable.
// The fallback keeps per-instance limiting alive during outages; it is
// not required to agree with other instances.
type FailoverStore struct {
	primary  Store
	fallback *MemoryStore
	logger   *zap.Logger

	mu        sync.Mutex
	lastLogAt map[string]time.Time
	now       func() time.Time
}

func NewFailoverStore(primary Store, fallback *MemoryStore, logger *zap.Logger) *FailoverStore {
	return &FailoverStore{
		primary:   primary,
		fallback:  fallback,
		logger:    logger.Named("store"),
		lastLogAt: make(map[string]time.Time),
		now:       time.Now,
	}
}

// logDegraded emits a degraded-mode warning at most once per minute per
// key.
func (s *FailoverStore) logDegraded(key string, err error) {
	s.mu.Lock()
	now := s.now()
	last, seen := s.lastLogAt[key]
	shouldLog := !seen || now.Sub(last) >= degradedLogInterval
	if shouldLog {
		s.lastLogAt[key] = now
		// Opportunistic prune so the suppression map stays bounded.
		for k, t := range s.lastLogAt {
			if now.Sub(t) > 10*degradedLogInterval {
				delete(s.lastLogAt, k)
			}
		}
	}
	s.mu.Unlock()

	if shouldLog {
		s.logger.Warn("primary store unavailable, serving from in-process fallback",
			zap.String("key", key), zap.Error(err))
	}
}

func (s *FailoverStore) Admit(ctx context.Context, key string, now time.Time, window time.Duration) (AdmitResult, error) {
	res, err := s.primary.Admit(ctx, key, now, window)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.Admit(ctx, key, now, window)
	}
	return res, err
}

func (s *FailoverStore) Revoke(ctx context.Context, key, member string) error {
	err := s.primary.Revoke(ctx, key, member)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.Revoke(ctx, key, member)
	}
	return err
}

func (s *FailoverStore) Observe(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	count, err := s.primary.Observe(ctx, key, member, now, window)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.Observe(ctx, key, member, now, window)
	}
	return count, err
}

func (s *FailoverStore) Cardinality(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	count, err := s.primary.Cardinality(ctx, key, now, window)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.Cardinality(ctx, key, now, window)
	}
	return count, err
}

func (s *FailoverStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	err := s.primary.SetFlag(ctx, key, ttl)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.SetFlag(ctx, key, ttl)
	}
	return err
}

func (s *FailoverStore) FlagTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, ok, err := s.primary.FlagTTL(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.FlagTTL(ctx, key)
	}
	return ttl, ok, err
}

func (s *FailoverStore) ClearFlag(ctx context.Context, key string) error {
	err := s.primary.ClearFlag(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.ClearFlag(ctx, key)
	}
	return err
}

func (s *FailoverStore) SetValue(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.primary.SetValue(ctx, key, value, ttl)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.SetValue(ctx, key, value, ttl)
	}
	return err
}

func (s *FailoverStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	data, err := s.primary.GetValue(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.GetValue(ctx, key)
	}
	return data, err
}

func (s *FailoverStore) DeleteValue(ctx context.Context, key string) error {
	err := s.primary.DeleteValue(ctx, key)
	if errors.Is(err, ErrUnavailable) {
		s.logDegraded(key, err)
		return s.fallback.DeleteValue(ctx, key)
	}
	return err
}

func (s *FailoverStore) Close() error {
	ferr := s.fallback.Close()
	if err := s.primary.Close(); err != nil {
		return err
	}
	return ferr
}
